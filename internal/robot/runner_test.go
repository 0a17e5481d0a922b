/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rfdebug/rfdebug/pkg/testutil"
)

const defaultRunTimeout = 30 * time.Second

type recordingListener struct {
	ec          ExecutionContext
	suites      []SuiteAttrs
	endedSuites map[string]SuiteAttrs
	tests       map[string]TestAttrs
	keywords    []KeywordAttrs
	keywordEnds []KeywordAttrs
	logs        []string
	messages    []string
	testNames   []string
	closed      bool
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		endedSuites: map[string]SuiteAttrs{},
		tests:       map[string]TestAttrs{},
	}
}

func (l *recordingListener) UseContext(ec ExecutionContext) { l.ec = ec }

func (l *recordingListener) StartSuite(_ string, attrs SuiteAttrs) {
	l.suites = append(l.suites, attrs)
}

func (l *recordingListener) EndSuite(name string, attrs SuiteAttrs) { l.endedSuites[name] = attrs }

func (l *recordingListener) StartTest(string, TestAttrs) {
	if l.ec != nil {
		name, _ := l.ec.ReplaceString("${TEST NAME}", nil)
		l.testNames = append(l.testNames, name)
	}
}

func (l *recordingListener) EndTest(name string, attrs TestAttrs) { l.tests[name] = attrs }

func (l *recordingListener) StartKeyword(_ string, attrs KeywordAttrs) {
	l.keywords = append(l.keywords, attrs)
}

func (l *recordingListener) EndKeyword(_ string, attrs KeywordAttrs) {
	l.keywordEnds = append(l.keywordEnds, attrs)
}

func (l *recordingListener) LogMessage(msg LogMessage) { l.logs = append(l.logs, msg.Message) }

func (l *recordingListener) Message(msg LogMessage) { l.messages = append(l.messages, msg.Message) }

func (l *recordingListener) Close() { l.closed = true }

var _ ContextAware = (*recordingListener)(nil)

func writeFile(t *testing.T, path string, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func runSuiteFile(t *testing.T, content string, opts Options) (int, *recordingListener, error) {
	path := filepath.Join(t.TempDir(), "example.robot")
	writeFile(t, path, content)
	return runPaths(t, []string{path}, opts)
}

func runPaths(t *testing.T, paths []string, opts Options) (int, *recordingListener, error) {
	ctx, cancel := testutil.GetTestContext(t, defaultRunTimeout)
	defer cancel()

	rec := newRecordingListener()
	opts.Listeners = append(opts.Listeners, rec)
	opts.Log = testutil.NewLogForTesting(t.Name())
	rc, err := NewRunner(opts).Run(ctx, paths)
	require.True(t, rec.closed)
	return rc, rec, err
}

func TestRunReportsFailures(t *testing.T) {
	t.Parallel()

	var console bytes.Buffer
	outputDir := t.TempDir()
	rc, rec, err := runSuiteFile(t, `*** Test Cases ***
Passing
    Log    hello ${GREETING}
Failing
    Fail    boom
`, Options{Variables: []string{"GREETING:there"}, Console: &console, OutputDir: outputDir})

	require.NoError(t, err)
	require.Equal(t, 1, rc)
	require.Equal(t, StatusPass, rec.tests["Passing"].Status)
	require.Equal(t, StatusFail, rec.tests["Failing"].Status)
	require.Equal(t, "boom", rec.tests["Failing"].Message)
	require.Equal(t, "s1-t2", rec.tests["Failing"].ID)
	require.Contains(t, rec.logs, "hello there")
	require.Equal(t, StatusFail, rec.endedSuites["Example"].Status)
	require.Equal(t, []string{"Passing", "Failing"}, rec.testNames)

	report := console.String()
	require.Contains(t, report, "| PASS |")
	require.Contains(t, report, "2 tests, 1 passed, 1 failed, 0 skipped")

	result, readErr := os.ReadFile(filepath.Join(outputDir, "output.json"))
	require.NoError(t, readErr)
	require.Contains(t, string(result), `"name": "Failing"`)
}

func TestRunUserKeywords(t *testing.T) {
	t.Parallel()

	rc, rec, err := runSuiteFile(t, `*** Test Cases ***
Keywords
    ${sum}=    Add Numbers    1    b=2
    Should Be Equal As Integers    ${sum}    3
    ${all}=    Collect    a    b    c
    Length Should Be    ${all}    3
    Log    ${all}
    Add Numbers    1    2    3

*** Keywords ***
Add Numbers
    [Arguments]    ${a}    ${b}=10
    ${result}=    Evaluate    ${a} + ${b}
    RETURN    ${result}

Collect
    [Arguments]    @{items}
    RETURN    @{items}
`, Options{})

	require.NoError(t, err)
	require.Equal(t, 1, rc)
	require.Contains(t, rec.logs, "['a', 'b', 'c']")
	require.Equal(t, "Keyword 'Add Numbers' expected 1 to 2 arguments, got 3.", rec.tests["Keywords"].Message)

	var userKeyword *KeywordAttrs
	for i := range rec.keywords {
		if rec.keywords[i].KwName == "Add Numbers" {
			userKeyword = &rec.keywords[i]
			break
		}
	}
	require.NotNil(t, userKeyword)
	require.True(t, userKeyword.IsUserKeyword)
	require.Equal(t, []string{"${a}", "${b}"}, userKeyword.Arguments)
	require.Equal(t, []string{"1", "b=2"}, userKeyword.Args)
}

func TestRunControlStructures(t *testing.T) {
	t.Parallel()

	rc, rec, err := runSuiteFile(t, `*** Test Cases ***
Loops
    FOR    ${i}    IN RANGE    5
        IF    ${i} == 1
            CONTINUE
        END
        IF    ${i} == 3
            BREAK
        END
        Log    i=${i}
    END
    ${n}=    Set Variable    ${0}
    WHILE    $n < 2
        ${n}=    Evaluate    $n + 1
    END
    Log    n=${n}

Errors
    TRY
        Fail    connection lost
    EXCEPT    connection*    type=GLOB    AS    ${err}
        Log    caught ${err}
    FINALLY
        Log    cleanup
    END
    Run Keyword And Expect Error    No keyword with name*    No Such Keyword
    ${status}=    Run Keyword And Return Status    Fail    x
    Should Not Be True    ${status}
`, Options{})

	require.NoError(t, err)
	require.Equal(t, 0, rc)
	require.Equal(t, StatusPass, rec.tests["Loops"].Status, rec.tests["Loops"].Message)
	require.Equal(t, StatusPass, rec.tests["Errors"].Status, rec.tests["Errors"].Message)

	var iterations []string
	for _, kw := range rec.keywords {
		if kw.Type == KeywordTypeIteration && strings.HasPrefix(kw.KwName, "${i}") {
			iterations = append(iterations, kw.KwName)
		}
	}
	require.Equal(t, []string{"${i} = 0", "${i} = 1", "${i} = 2", "${i} = 3"}, iterations)

	require.Contains(t, rec.logs, "i=0")
	require.Contains(t, rec.logs, "i=2")
	require.NotContains(t, rec.logs, "i=1")
	require.NotContains(t, rec.logs, "i=4")
	require.Contains(t, rec.logs, "n=2")
	require.Contains(t, rec.logs, "caught connection lost")
	require.Contains(t, rec.logs, "cleanup")
}

func TestRunVariableScopes(t *testing.T) {
	t.Parallel()

	rc, rec, err := runSuiteFile(t, `*** Test Cases ***
First
    Set Suite Variable    ${shared}    from first
    Set Test Variable    ${local}    only here
    Check Test Variable

Second
    Should Be Equal    ${shared}    from first
    Variable Should Not Exist    ${local}

*** Keywords ***
Check Test Variable
    Should Be Equal    ${local}    only here
`, Options{})

	require.NoError(t, err)
	require.Equal(t, 0, rc, rec.tests["Second"].Message)
	require.Contains(t, rec.logs, "${shared} = 'from first'")
}

func TestRunSuiteSetupFailure(t *testing.T) {
	t.Parallel()

	rc, rec, err := runSuiteFile(t, `*** Settings ***
Suite Setup    Fail    setup broke

*** Test Cases ***
Never Runs
    Log    never
`, Options{})

	require.NoError(t, err)
	require.Equal(t, 1, rc)
	require.Equal(t, "Parent suite setup failed:\nsetup broke", rec.tests["Never Runs"].Message)
	require.Equal(t, "Suite setup failed:\nsetup broke", rec.endedSuites["Example"].Message)
	require.NotContains(t, rec.logs, "never")
}

func TestRunDryRun(t *testing.T) {
	t.Parallel()

	rc, rec, err := runSuiteFile(t, `*** Test Cases ***
Valid
    Log    ${undefined}
    My Keyword

Unknown
    Unknown Keyword

Wrong Count
    Log

*** Keywords ***
My Keyword
    Fail    not executed in dry run
`, Options{DryRun: true})

	require.NoError(t, err)
	require.Equal(t, 2, rc)
	require.Equal(t, StatusPass, rec.tests["Valid"].Status)
	require.Equal(t, "No keyword with name 'Unknown Keyword' found.", rec.tests["Unknown"].Message)
	require.Equal(t, "Keyword 'BuiltIn.Log' expected 1 to 3 arguments, got 0.", rec.tests["Wrong Count"].Message)
	require.Empty(t, rec.logs)
}

func TestRunNoMatchingTests(t *testing.T) {
	t.Parallel()

	rc, rec, err := runSuiteFile(t, "*** Test Cases ***\nSomething\n    No Operation\n", Options{
		Filter: Filter{Tests: []string{"nothing*"}},
	})

	require.ErrorIs(t, err, ErrInvalidData)
	require.ErrorContains(t, err, "contains no tests matching name 'nothing*'")
	require.Equal(t, RcInvalidData, rc)
	require.NotEmpty(t, rec.messages)
}

func TestRunDirectorySuite(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "my_tests")
	writeFile(t, filepath.Join(root, "__init__.robot"), "*** Settings ***\nSuite Setup    Log    init\n")
	writeFile(t, filepath.Join(root, "common.resource"), `*** Keywords ***
Shared Keyword
    Log    shared
`)
	writeFile(t, filepath.Join(root, "01__first_suite.robot"), `*** Settings ***
Resource    common.resource

*** Test Cases ***
Uses Resource
    Shared Keyword
    common.Shared Keyword
`)
	writeFile(t, filepath.Join(root, "02__second.robot"), "*** Test Cases ***\nOther\n    No Operation\n")
	writeFile(t, filepath.Join(root, "_ignored.robot"), "*** Test Cases ***\nIgnored\n    Fail    ignored\n")

	rc, rec, err := runPaths(t, []string{root}, Options{})

	require.NoError(t, err)
	require.Equal(t, 0, rc, rec.tests["Uses Resource"].Message)
	require.Len(t, rec.suites, 3)
	require.Equal(t, "My Tests", rec.suites[0].LongName)
	require.Equal(t, "s1-s1", rec.suites[1].ID)
	require.Equal(t, "My Tests.First Suite", rec.suites[1].LongName)
	require.Equal(t, "s1-s2", rec.suites[2].ID)
	require.Equal(t, "s1-s1-t1", rec.tests["Uses Resource"].ID)
	require.Equal(t, []string{"init", "shared", "shared"}, rec.logs)
	require.NotContains(t, rec.tests, "Ignored")

	for _, kw := range rec.keywords {
		if kw.KwName == "Shared Keyword" {
			require.Equal(t, "common", kw.LibName)
		}
	}
}

func TestRunWaitUntilKeywordSucceeds(t *testing.T) {
	t.Parallel()

	rc, rec, err := runSuiteFile(t, `*** Test Cases ***
Retries
    Wait Until Keyword Succeeds    3x    10ms    Fail    nope
`, Options{})

	require.NoError(t, err)
	require.Equal(t, 1, rc)
	require.Equal(t, "Keyword 'Fail' failed after retrying 3 times. The last error was: nope", rec.tests["Retries"].Message)

	failures := 0
	for _, kw := range rec.keywordEnds {
		if kw.KwName == "Fail" && kw.Status == StatusFail {
			failures++
		}
	}
	require.Equal(t, 3, failures)
}

func TestRunSkip(t *testing.T) {
	t.Parallel()

	rc, rec, err := runSuiteFile(t, `*** Test Cases ***
Skipped
    Skip    not today
`, Options{})

	require.NoError(t, err)
	require.Equal(t, 0, rc)
	require.Equal(t, StatusSkip, rec.tests["Skipped"].Status)
	require.Equal(t, StatusSkip, rec.endedSuites["Example"].Status)
}

func TestRunStopsWhenContextIsCancelled(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "example.robot")
	writeFile(t, path, "*** Test Cases ***\nSlow\n    Sleep    1 minute\n")

	ctx, cancel := testutil.GetTestContext(t, defaultRunTimeout)
	rec := newRecordingListener()
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	rc, err := NewRunner(Options{Listeners: []Listener{rec}}).Run(ctx, []string{path})
	require.NoError(t, err)
	require.Equal(t, 1, rc)
	require.Equal(t, "Execution terminated by signal", rec.tests["Slow"].Message)
}
