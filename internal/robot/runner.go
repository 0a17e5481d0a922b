/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

type Options struct {
	// Variables given on the command line as name:value.
	Variables []string

	// YAML variable files.
	VariableFiles []string

	Filter Filter

	// DryRun validates the test data without executing library keywords.
	DryRun bool

	// When set, a JSON result file is written into this directory.
	OutputDir string

	// Console receives the progress report. Nil disables it.
	Console io.Writer

	Listeners []Listener

	Log logr.Logger
}

type scopeKind int

const (
	scopeKindSuite scopeKind = iota
	scopeKindTest
	scopeKindKeyword
)

type scopeFrame struct {
	kind scopeKind
	vars *Store
}

// Statistics counts test results.
type Statistics struct {
	Total   int
	Passed  int
	Failed  int
	Skipped int
}

func (s *Statistics) add(other Statistics) {
	s.Total += other.Total
	s.Passed += other.Passed
	s.Failed += other.Failed
	s.Skipped += other.Skipped
}

func (s Statistics) String() string {
	return fmt.Sprintf("%d tests, %d passed, %d failed, %d skipped", s.Total, s.Passed, s.Failed, s.Skipped)
}

type suiteRun struct {
	suite *Suite
	ns    *namespace
}

// Runner executes suites and reports the progress to listeners.
// A Runner executes one run; it is not safe for concurrent use, except that listener
// callbacks may use it as ExecutionContext.
type Runner struct {
	opts      Options
	log       logr.Logger
	listeners []Listener
	builtins  map[string]*builtinKeyword
	resources map[string]*File

	global  *Store
	scopes  []*scopeFrame
	suites  []*suiteRun
	testSet *Store // variables set with Set Test Variable, visible to keywords started later
	source  string // source file of the step being run
	line    int    // line of the keyword call being run

	// User keywords being walked in dry run mode, to stop recursion.
	dryRunActive map[*UserKeyword]bool
}

var _ ExecutionContext = (*Runner)(nil)

func NewRunner(opts Options) *Runner {
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	r := &Runner{
		opts:         opts,
		log:          log,
		listeners:    slices.Clone(opts.Listeners),
		builtins:     map[string]*builtinKeyword{},
		resources:    map[string]*File{},
		global:       NewStore(),
		dryRunActive: map[*UserKeyword]bool{},
	}

	if opts.Console != nil {
		r.listeners = append(r.listeners, newConsoleReporter(opts.Console))
	}
	if opts.OutputDir != "" {
		r.listeners = append(r.listeners, newResultWriter(filepath.Join(opts.OutputDir, "output.json"), log))
	}

	for _, kw := range builtinKeywords() {
		r.builtins[normalizeKeywordName(kw.name)] = kw
	}
	return r
}

// Run builds the suites from paths and runs them. The returned code follows the conventions of
// the command line: the number of failed tests (at most 250), or RcInvalidData.
func (r *Runner) Run(ctx context.Context, paths []string) (int, error) {
	defer r.notify(func(l Listener) { l.Close() })

	if err := r.initGlobals(); err != nil {
		r.reportError(err.Error())
		return RcInvalidData, fmt.Errorf("%w: %w", ErrInvalidData, err)
	}

	root, err := BuildSuite(paths, r.opts.Filter, func(e DataError) {
		r.reportError(e.Error())
	})
	if err != nil {
		r.reportError(err.Error())
		if errors.Is(err, ErrInvalidData) {
			return RcInvalidData, err
		}
		return RcInvalidData, fmt.Errorf("%w: %w", ErrInvalidData, err)
	}

	for _, l := range r.listeners {
		if ca, ok := l.(ContextAware); ok {
			ca.UseContext(r)
		}
	}

	stats := r.runSuite(ctx, root, "")
	r.log.V(1).Info("Run completed", "statistics", stats.String())

	return min(stats.Failed, RcMaxFailed), nil
}

func (r *Runner) initGlobals() error {
	cwd, _ := os.Getwd()
	outputDir := r.opts.OutputDir
	if outputDir == "" {
		outputDir = cwd
	}

	r.global.Set("${TEMPDIR}", os.TempDir())
	r.global.Set("${EXECDIR}", cwd)
	r.global.Set("${OUTPUT DIR}", outputDir)
	r.global.Set("${/}", string(os.PathSeparator))
	r.global.Set("${:}", string(os.PathListSeparator))

	for _, path := range r.opts.VariableFiles {
		vars, err := LoadVariableFile(path)
		if err != nil {
			return err
		}
		for _, v := range vars {
			r.global.Set(v.Name, v.Value)
		}
	}

	for _, nameValue := range r.opts.Variables {
		name, value, found := strings.Cut(nameValue, ":")
		if !found || name == "" {
			return fmt.Errorf("Invalid variable '%s': expected format 'name:value'.", nameValue)
		}
		r.global.Set("${"+name+"}", value)
	}
	return nil
}

func (r *Runner) notify(fn func(l Listener)) {
	for _, l := range r.listeners {
		fn(l)
	}
}

func (r *Runner) reportError(message string) {
	r.log.V(1).Info("Test data error", "message", message)
	msg := LogMessage{Message: message, Level: LevelError, Timestamp: time.Now()}
	r.notify(func(l Listener) { l.Message(msg) })
}

func (r *Runner) logMessage(message string, level LogLevel, html bool) {
	msg := LogMessage{Message: message, Level: level, HTML: html, Timestamp: time.Now()}
	r.notify(func(l Listener) { l.LogMessage(msg) })
}

func (r *Runner) pushScope(kind scopeKind, vars *Store) {
	r.scopes = append(r.scopes, &scopeFrame{kind: kind, vars: vars})
}

func (r *Runner) popScope() {
	r.scopes = r.scopes[:len(r.scopes)-1]
}

// current returns the store of the innermost scope.
func (r *Runner) current() *Store {
	if len(r.scopes) == 0 {
		return r.global
	}
	return r.scopes[len(r.scopes)-1].vars
}

func (r *Runner) findScope(kind scopeKind) int {
	for i := len(r.scopes) - 1; i >= 0; i-- {
		if r.scopes[i].kind == kind {
			return i
		}
	}
	return -1
}

func (r *Runner) currentSuite() *suiteRun {
	if len(r.suites) == 0 {
		return nil
	}
	return r.suites[len(r.suites)-1]
}

// setVariable sets a variable in the given scope and in every scope started after it,
// which all started as copies of it.
func (r *Runner) setVariable(scope Scope, name string, value any) error {
	from := len(r.scopes) - 1

	switch scope {
	case ScopeCurrent:
	case ScopeTest:
		from = r.findScope(scopeKindTest)
		if from < 0 {
			return fmt.Errorf("Cannot set test variable when no test is started.")
		}
		r.testSet.Set(name, value)
	case ScopeSuite:
		from = r.findScope(scopeKindSuite)
	case ScopeGlobal:
		r.global.Set(name, value)
		from = 0
	}

	for i := max(from, 0); i < len(r.scopes); i++ {
		r.scopes[i].vars.Set(name, value)
	}
	return nil
}

func (r *Runner) replacer(store *Store) replacer {
	if store == nil {
		store = r.current()
	}
	return replacer{store: store, evaluate: r.evaluateIn}
}

func (r *Runner) evaluateIn(expression string, store *Store) (any, error) {
	return evaluateExpression(expression, r.replacer(store))
}

// Variables implements ExecutionContext.
func (r *Runner) Variables(scope Scope) *Store {
	switch scope {
	case ScopeGlobal:
		return r.global
	case ScopeSuite:
		if i := r.findScope(scopeKindSuite); i >= 0 {
			return r.scopes[i].vars
		}
		return nil
	case ScopeTest:
		if i := r.findScope(scopeKindTest); i >= 0 {
			return r.scopes[i].vars
		}
		return nil
	default:
		return r.current()
	}
}

// ReplaceString implements ExecutionContext.
func (r *Runner) ReplaceString(s string, store *Store) (string, error) {
	return r.replacer(store).replaceString(s)
}

// Resolve implements ExecutionContext.
func (r *Runner) Resolve(s string, store *Store) (any, error) {
	return r.replacer(store).resolve(s)
}

// Evaluate implements ExecutionContext.
func (r *Runner) Evaluate(expression string, store *Store) (any, error) {
	return r.evaluateIn(expression, store)
}

// RunKeyword implements ExecutionContext.
func (r *Runner) RunKeyword(ctx context.Context, name string, args []string) (any, error) {
	return r.invoke(ctx, &invocation{
		name:   name,
		args:   args,
		kwType: KeywordTypeKeyword,
		source: r.source,
		line:   r.line,
	})
}

func (r *Runner) runSuite(ctx context.Context, s *Suite, parentFailure string) Statistics {
	var parentVars *Store
	if sr := r.currentSuite(); sr != nil {
		parentVars = r.scopes[r.findScope(scopeKindSuite)].vars
	} else {
		parentVars = r.global
	}

	vars := parentVars.Copy()
	vars.Set("${SUITE NAME}", s.LongName())
	vars.Set("${SUITE SOURCE}", s.Source)
	vars.Set("${SUITE DOCUMENTATION}", s.File.Settings.Documentation)
	metadata := NewDict()
	for k, v := range s.File.Settings.Metadata {
		metadata.Set(k, v)
	}
	vars.Set("&{SUITE METADATA}", metadata)

	sr := &suiteRun{suite: s}
	r.suites = append(r.suites, sr)
	r.pushScope(scopeKindSuite, vars)
	defer func() {
		r.popScope()
		r.suites = r.suites[:len(r.suites)-1]
	}()

	sr.ns = r.importNamespace(s.File, vars)

	attrs := SuiteAttrs{
		ID:         s.ID,
		LongName:   s.LongName(),
		Source:     s.Source,
		Doc:        s.File.Settings.Documentation,
		Metadata:   s.File.Settings.Metadata,
		TotalTests: s.TestCount(),
		StartTime:  time.Now(),
	}
	for _, t := range s.Tests {
		attrs.Tests = append(attrs.Tests, t.Name)
	}
	for _, child := range s.Suites {
		attrs.Suites = append(attrs.Suites, child.Name)
	}

	r.notify(func(l Listener) { l.StartSuite(s.Name, attrs) })

	var stats Statistics
	message := ""
	setupRan := false

	if parentFailure == "" && s.File.Settings.SuiteSetup != nil {
		setupRan = true
		if _, err := r.invokeCall(ctx, s.File.Settings.SuiteSetup, KeywordTypeSetup, s.File.Source); err != nil {
			failure := newFailure(err)
			message = "Suite setup failed:\n" + failure.Message
			parentFailure = "Parent suite setup failed:\n" + failure.Message
		}
	}

	for _, child := range s.Suites {
		stats.add(r.runSuite(ctx, child, parentFailure))
	}
	for i, t := range s.Tests {
		status := r.runTest(ctx, sr, t, i, parentFailure)
		stats.Total++
		switch status {
		case StatusPass:
			stats.Passed++
		case StatusSkip:
			stats.Skipped++
		default:
			stats.Failed++
		}
	}

	if (parentFailure == "" || setupRan) && s.File.Settings.SuiteTeardown != nil {
		if _, err := r.invokeCall(ctx, s.File.Settings.SuiteTeardown, KeywordTypeTeardown, s.File.Source); err != nil {
			failure := newFailure(err)
			if message == "" {
				message = "Suite teardown failed:\n" + failure.Message
			} else {
				message += "\n\nAlso suite teardown failed:\n" + failure.Message
			}
			// Tests that passed fail when the suite teardown fails.
			stats.Failed += stats.Passed
			stats.Passed = 0
		}
	}

	attrs.EndTime = time.Now()
	attrs.Message = message
	attrs.Status = StatusPass
	if stats.Failed > 0 || message != "" {
		attrs.Status = StatusFail
	} else if stats.Total > 0 && stats.Skipped == stats.Total {
		attrs.Status = StatusSkip
	}

	r.notify(func(l Listener) { l.EndSuite(s.Name, attrs) })
	return stats
}

func (r *Runner) runTest(ctx context.Context, sr *suiteRun, t *TestCase, index int, parentFailure string) Status {
	s := sr.suite
	settings := s.File.Settings

	tags := slices.Clone(settings.TestTags)
	for _, tag := range t.Tags {
		if !slices.Contains(tags, tag) {
			tags = append(tags, tag)
		}
	}

	vars := r.current().Copy()
	vars.Set("${TEST NAME}", t.Name)
	vars.Set("${TEST DOCUMENTATION}", t.Doc)
	tagList := make([]any, len(tags))
	for i, tag := range tags {
		tagList[i] = tag
	}
	vars.Set("@{TEST TAGS}", tagList)

	r.pushScope(scopeKindTest, vars)
	r.testSet = NewStore()
	defer func() {
		r.popScope()
		r.testSet = nil
	}()

	attrs := TestAttrs{
		ID:        s.testID(index),
		LongName:  s.LongName() + "." + t.Name,
		Source:    s.Source,
		Lineno:    t.Line,
		Doc:       t.Doc,
		Tags:      tags,
		StartTime: time.Now(),
	}
	r.notify(func(l Listener) { l.StartTest(t.Name, attrs) })

	status, message := StatusPass, ""

	if parentFailure != "" {
		status, message = StatusFail, parentFailure
	} else {
		setup := settings.TestSetup
		if t.HasOwnSetup {
			setup = t.Setup
		}

		var err error
		if setup != nil {
			if _, setupErr := r.invokeCall(ctx, setup, KeywordTypeSetup, s.File.Source); setupErr != nil {
				failure := newFailure(setupErr)
				status = StatusFail
				message = "Setup failed:\n" + failure.Message
				if failure.Skip {
					status, message = StatusSkip, failure.Message
				}
			}
		}

		if message == "" {
			err = r.runSteps(ctx, t.Body, s.File.Source)
			if err != nil {
				failure := newFailure(err)
				status, message = StatusFail, failure.Message
				if failure.Skip {
					status = StatusSkip
				}
			}
		}

		teardown := settings.TestTeardown
		if t.HasOwnTeardown {
			teardown = t.Teardown
		}
		if teardown != nil {
			vars.Set("${TEST STATUS}", string(status))
			vars.Set("${TEST MESSAGE}", message)
			if _, tdErr := r.invokeCall(ctx, teardown, KeywordTypeTeardown, s.File.Source); tdErr != nil {
				status = StatusFail
				message = teardownMessage(message, newFailure(tdErr))
			}
		}
	}

	attrs.EndTime = time.Now()
	attrs.Status = status
	attrs.Message = message
	r.notify(func(l Listener) { l.EndTest(t.Name, attrs) })
	return status
}
