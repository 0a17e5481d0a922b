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
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
)

const builtinLibraryName = "BuiltIn"

// builtinKeyword is a keyword implemented by the runner itself.
type builtinKeyword struct {
	name    string
	minArgs int
	maxArgs int // -1 for no limit

	// Number of leading arguments resolved before the call, -1 for all of them with list
	// variables expanded. The other arguments are passed as written.
	resolve int

	run func(ctx context.Context, r *Runner, args []any) (any, error)
}

func (r *Runner) runBuiltin(ctx context.Context, kw *builtinKeyword, inv *invocation) (any, error) {
	if r.opts.DryRun {
		hasList := false
		for _, arg := range inv.args {
			hasList = hasList || isWhole(arg, '@')
		}
		if !hasList {
			return nil, checkArgumentCount(kw, len(inv.args))
		}
		return nil, nil
	}

	var args []any
	rep := r.replacer(nil)
	if kw.resolve < 0 {
		resolved, err := rep.resolveList(inv.args)
		if err != nil {
			return nil, err
		}
		args = resolved
	} else {
		args = make([]any, len(inv.args))
		for i, raw := range inv.args {
			if i >= kw.resolve {
				args[i] = raw
				continue
			}
			value, err := rep.resolve(raw)
			if err != nil {
				return nil, err
			}
			args[i] = value
		}
	}

	if err := checkArgumentCount(kw, len(args)); err != nil {
		return nil, err
	}
	return kw.run(ctx, r, args)
}

func checkArgumentCount(kw *builtinKeyword, got int) error {
	if got < kw.minArgs || (kw.maxArgs >= 0 && got > kw.maxArgs) {
		return argumentCountError(builtinLibraryName+"."+kw.name, kw.minArgs, kw.maxArgs, got)
	}
	return nil
}

func builtinKeywords() []*builtinKeyword {
	return []*builtinKeyword{
		{name: "Log", minArgs: 1, maxArgs: 3, resolve: -1, run: builtinLog},
		{name: "Log Many", minArgs: 0, maxArgs: -1, resolve: -1, run: builtinLogMany},
		{name: "Log To Console", minArgs: 1, maxArgs: 3, resolve: -1, run: builtinLogToConsole},
		{name: "Comment", minArgs: 0, maxArgs: -1, resolve: 0, run: builtinNoOperation},
		{name: "No Operation", minArgs: 0, maxArgs: 0, resolve: -1, run: builtinNoOperation},

		{name: "Set Variable", minArgs: 0, maxArgs: -1, resolve: -1, run: builtinSetVariable},
		{name: "Set Local Variable", minArgs: 1, maxArgs: -1, resolve: 0, run: setScopedVariable(ScopeCurrent)},
		{name: "Set Test Variable", minArgs: 1, maxArgs: -1, resolve: 0, run: setScopedVariable(ScopeTest)},
		{name: "Set Task Variable", minArgs: 1, maxArgs: -1, resolve: 0, run: setScopedVariable(ScopeTest)},
		{name: "Set Suite Variable", minArgs: 1, maxArgs: -1, resolve: 0, run: setScopedVariable(ScopeSuite)},
		{name: "Set Global Variable", minArgs: 1, maxArgs: -1, resolve: 0, run: setScopedVariable(ScopeGlobal)},
		{name: "Set Variable If", minArgs: 2, maxArgs: -1, resolve: -1, run: builtinSetVariableIf},
		{name: "Get Variable Value", minArgs: 1, maxArgs: 2, resolve: 0, run: builtinGetVariableValue},
		{name: "Variable Should Exist", minArgs: 1, maxArgs: 2, resolve: 0, run: variableExistence(true)},
		{name: "Variable Should Not Exist", minArgs: 1, maxArgs: 2, resolve: 0, run: variableExistence(false)},

		{name: "Should Be Equal", minArgs: 2, maxArgs: 4, resolve: -1, run: builtinShouldBeEqual},
		{name: "Should Not Be Equal", minArgs: 2, maxArgs: 4, resolve: -1, run: builtinShouldNotBeEqual},
		{name: "Should Be Equal As Strings", minArgs: 2, maxArgs: 4, resolve: -1, run: builtinShouldBeEqualAsStrings},
		{name: "Should Be Equal As Integers", minArgs: 2, maxArgs: 4, resolve: -1, run: builtinShouldBeEqualAsIntegers},
		{name: "Should Be True", minArgs: 1, maxArgs: 2, resolve: 0, run: truthAssertion(true)},
		{name: "Should Not Be True", minArgs: 1, maxArgs: 2, resolve: 0, run: truthAssertion(false)},
		{name: "Should Contain", minArgs: 2, maxArgs: 4, resolve: -1, run: containAssertion(true)},
		{name: "Should Not Contain", minArgs: 2, maxArgs: 4, resolve: -1, run: containAssertion(false)},
		{name: "Should Be Empty", minArgs: 1, maxArgs: 2, resolve: -1, run: emptinessAssertion(true)},
		{name: "Should Not Be Empty", minArgs: 1, maxArgs: 2, resolve: -1, run: emptinessAssertion(false)},
		{name: "Length Should Be", minArgs: 2, maxArgs: 3, resolve: -1, run: builtinLengthShouldBe},

		{name: "Fail", minArgs: 0, maxArgs: -1, resolve: -1, run: builtinFail},
		{name: "Skip", minArgs: 0, maxArgs: 1, resolve: -1, run: builtinSkip},
		{name: "Skip If", minArgs: 1, maxArgs: 2, resolve: 0, run: builtinSkipIf},
		{name: "Return From Keyword", minArgs: 0, maxArgs: -1, resolve: -1, run: builtinReturnFromKeyword},
		{name: "Evaluate", minArgs: 1, maxArgs: 3, resolve: 0, run: builtinEvaluate},
		{name: "Sleep", minArgs: 1, maxArgs: 2, resolve: -1, run: builtinSleep},

		{name: "Run Keyword", minArgs: 1, maxArgs: -1, resolve: 0, run: builtinRunKeyword},
		{name: "Run Keywords", minArgs: 1, maxArgs: -1, resolve: 0, run: builtinRunKeywords},
		{name: "Run Keyword If", minArgs: 2, maxArgs: -1, resolve: 0, run: builtinRunKeywordIf},
		{name: "Run Keyword Unless", minArgs: 2, maxArgs: -1, resolve: 0, run: builtinRunKeywordUnless},
		{name: "Run Keyword And Ignore Error", minArgs: 1, maxArgs: -1, resolve: 0, run: builtinRunKeywordAndIgnoreError},
		{name: "Run Keyword And Return Status", minArgs: 1, maxArgs: -1, resolve: 0, run: builtinRunKeywordAndReturnStatus},
		{name: "Run Keyword And Expect Error", minArgs: 2, maxArgs: -1, resolve: 0, run: builtinRunKeywordAndExpectError},
		{name: "Run Keyword And Continue On Failure", minArgs: 1, maxArgs: -1, resolve: 0, run: builtinRunKeyword},
		{name: "Wait Until Keyword Succeeds", minArgs: 3, maxArgs: -1, resolve: 0, run: builtinWaitUntilKeywordSucceeds},
		{name: "Repeat Keyword", minArgs: 2, maxArgs: -1, resolve: 0, run: builtinRepeatKeyword},

		{name: "Create List", minArgs: 0, maxArgs: -1, resolve: -1, run: builtinCreateList},
		{name: "Create Dictionary", minArgs: 0, maxArgs: -1, resolve: 0, run: builtinCreateDictionary},
		{name: "Get Length", minArgs: 1, maxArgs: 1, resolve: -1, run: builtinGetLength},
		{name: "Catenate", minArgs: 0, maxArgs: -1, resolve: -1, run: builtinCatenate},
		{name: "Convert To Integer", minArgs: 1, maxArgs: 2, resolve: -1, run: builtinConvertToInteger},
		{name: "Convert To Number", minArgs: 1, maxArgs: 2, resolve: -1, run: builtinConvertToNumber},
		{name: "Convert To String", minArgs: 1, maxArgs: 1, resolve: -1, run: builtinConvertToString},
		{name: "Convert To Boolean", minArgs: 1, maxArgs: 1, resolve: -1, run: builtinConvertToBoolean},
	}
}

// Arguments passed as written are strings.
func rawStrings(args []any) []string {
	retval := make([]string, len(args))
	for i, a := range args {
		retval[i] = ToString(a)
	}
	return retval
}

func builtinNoOperation(context.Context, *Runner, []any) (any, error) {
	return nil, nil
}

func parseLogLevel(v any) (LogLevel, error) {
	level := LogLevel(strings.ToUpper(ToString(v)))
	switch level {
	case LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError:
		return level, nil
	case "NONE", "":
		return LevelInfo, nil
	default:
		return "", &Failure{Message: fmt.Sprintf("Invalid log level '%s'.", ToString(v))}
	}
}

// Splits trailing name=value options (like level=WARN) from positional arguments.
func namedOptions(args []any, names ...string) ([]any, map[string]any) {
	options := map[string]any{}
	for len(args) > 1 {
		s, isString := args[len(args)-1].(string)
		if !isString {
			break
		}
		key, value, found := strings.Cut(s, "=")
		if !found || !containsFold(names, key) {
			break
		}
		options[strings.ToLower(key)] = value
		args = args[:len(args)-1]
	}
	return args, options
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

func builtinLog(_ context.Context, r *Runner, args []any) (any, error) {
	args, options := namedOptions(args, "level", "html", "console")
	levelArg := options["level"]
	if len(args) > 1 {
		levelArg = args[1]
	}
	level, err := parseLogLevel(levelArg)
	if err != nil {
		return nil, err
	}

	message := ToString(args[0])
	html := IsTruthy(options["html"]) && !strings.EqualFold(ToString(options["html"]), "false")
	r.logMessage(message, level, html)

	if c, hasConsole := options["console"]; hasConsole && !strings.EqualFold(ToString(c), "false") {
		r.writeConsole(message+"\n", false)
	}
	return nil, nil
}

func builtinLogMany(_ context.Context, r *Runner, args []any) (any, error) {
	for _, a := range args {
		r.logMessage(ToString(a), LevelInfo, false)
	}
	return nil, nil
}

func builtinLogToConsole(_ context.Context, r *Runner, args []any) (any, error) {
	args, options := namedOptions(args, "stream", "no_newline")
	message := ToString(args[0])

	stream := ToString(options["stream"])
	if len(args) > 1 {
		stream = ToString(args[1])
	}
	noNewline := len(args) > 2 && IsTruthy(args[2])
	if nl, given := options["no_newline"]; given {
		noNewline = !strings.EqualFold(ToString(nl), "false")
	}

	if !noNewline {
		message += "\n"
	}
	r.writeConsole(message, strings.EqualFold(stream, "stderr"))
	return nil, nil
}

func (r *Runner) writeConsole(message string, toStderr bool) {
	var w io.Writer = r.opts.Console
	if toStderr {
		w = consoleStderr
	}
	if w != nil {
		_, _ = io.WriteString(w, message)
	}
}

func builtinSetVariable(_ context.Context, _ *Runner, args []any) (any, error) {
	switch len(args) {
	case 0:
		return "", nil
	case 1:
		return args[0], nil
	default:
		return args, nil
	}
}

// variableName converts the name argument of the Set X Variable keywords into a decorated name.
// The name may be given as ${name}, \${name} or $name, and may itself contain variables.
func (r *Runner) variableName(raw string) (string, error) {
	name := strings.TrimPrefix(raw, `\`)
	if len(name) > 1 && strings.ContainsRune("$@&", rune(name[0])) && name[1] != '{' {
		name = name[:1] + "{" + name[1:] + "}"
	}

	decoration, body, ok := splitDecorated(name)
	if !ok || decoration == '%' {
		return "", &Failure{Message: fmt.Sprintf("Invalid variable name '%s'.", raw)}
	}
	body, err := r.replacer(nil).replaceString(body)
	if err != nil {
		return "", err
	}
	return string(decoration) + "{" + body + "}", nil
}

func setScopedVariable(scope Scope) func(context.Context, *Runner, []any) (any, error) {
	return func(_ context.Context, r *Runner, args []any) (any, error) {
		raw := rawStrings(args)
		name, err := r.variableName(raw[0])
		if err != nil {
			return nil, err
		}

		var value any
		rep := r.replacer(nil)
		values := raw[1:]

		switch {
		case len(values) == 0:
			existing, found := r.current().Get(name)
			if !found {
				return nil, &Failure{Message: fmt.Sprintf("Variable '%s' not found.", name)}
			}
			value = existing
		case name[0] == '@':
			value, err = rep.resolveList(values)
		case name[0] == '&':
			value, err = dictFromItems(values, rep)
		case len(values) == 1:
			value, err = rep.resolve(values[0])
		default:
			value, err = rep.resolveList(values)
		}
		if err != nil {
			return nil, err
		}

		if err = assignOne(NewStore(), name, value); err != nil {
			return nil, err
		}
		if err = r.setVariable(scope, name, value); err != nil {
			return nil, &Failure{Message: err.Error()}
		}
		r.logMessage(fmt.Sprintf("%s = %s", name, Repr(value)), LevelInfo, false)
		return nil, nil
	}
}

func builtinSetVariableIf(_ context.Context, r *Runner, args []any) (any, error) {
	for len(args) >= 2 {
		matched, err := r.conditionValue(args[0])
		if err != nil {
			return nil, err
		}
		if matched {
			return args[1], nil
		}
		args = args[2:]
	}
	if len(args) == 1 {
		return args[0], nil
	}
	return nil, nil
}

// conditionValue evaluates an already resolved condition: strings are evaluated as expressions.
func (r *Runner) conditionValue(v any) (bool, error) {
	s, isString := v.(string)
	if !isString {
		return IsTruthy(v), nil
	}
	value, err := r.evaluateIn(s, nil)
	if err != nil {
		return false, err
	}
	return IsTruthy(value), nil
}

func builtinGetVariableValue(_ context.Context, r *Runner, args []any) (any, error) {
	raw := rawStrings(args)
	name, err := r.variableName(raw[0])
	if err != nil {
		return nil, err
	}

	rep := r.replacer(nil)
	if value, resolveErr := rep.resolve(name); resolveErr == nil {
		return value, nil
	}
	if len(raw) > 1 {
		return rep.resolve(raw[1])
	}
	return nil, nil
}

func variableExistence(shouldExist bool) func(context.Context, *Runner, []any) (any, error) {
	return func(_ context.Context, r *Runner, args []any) (any, error) {
		raw := rawStrings(args)
		name, err := r.variableName(raw[0])
		if err != nil {
			return nil, err
		}

		_, resolveErr := r.replacer(nil).resolve(name)
		exists := resolveErr == nil
		if exists == shouldExist {
			return nil, nil
		}

		message := fmt.Sprintf("Variable '%s' does not exist.", name)
		if !shouldExist {
			message = fmt.Sprintf("Variable '%s' exists.", name)
		}
		if len(raw) > 1 {
			if custom, replaceErr := r.replacer(nil).replaceString(raw[1]); replaceErr == nil {
				message = custom
			}
		}
		return nil, &Failure{Message: message}
	}
}

// assertionMessage builds the failure message of the Should keywords from the msg and values options.
func assertionMessage(defaultMessage string, args []any, msgIndex int) string {
	if len(args) <= msgIndex || args[msgIndex] == nil {
		return defaultMessage
	}
	custom := ToString(args[msgIndex])
	if custom == "" || strings.EqualFold(custom, "None") {
		return defaultMessage
	}

	showValues := true
	if len(args) > msgIndex+1 && args[msgIndex+1] != nil {
		v := args[msgIndex+1]
		if s, isString := v.(string); isString {
			showValues = !strings.EqualFold(s, "false") && !strings.EqualFold(s, "no values")
		} else {
			showValues = IsTruthy(v)
		}
	}
	if showValues {
		return custom + ": " + defaultMessage
	}
	return custom
}

func builtinShouldBeEqual(_ context.Context, _ *Runner, args []any) (any, error) {
	args = assertionOptions(args, 2)
	if Equal(args[0], args[1]) {
		return nil, nil
	}

	message := fmt.Sprintf("%s != %s", ToString(args[0]), ToString(args[1]))
	if TypeName(args[0]) != TypeName(args[1]) && ToString(args[0]) == ToString(args[1]) {
		message = fmt.Sprintf("%s (%s) != %s (%s)", ToString(args[0]), TypeName(args[0]), ToString(args[1]), TypeName(args[1]))
	}
	return nil, &Failure{Message: assertionMessage(message, args, 2)}
}

func builtinShouldNotBeEqual(_ context.Context, _ *Runner, args []any) (any, error) {
	args = assertionOptions(args, 2)
	if !Equal(args[0], args[1]) {
		return nil, nil
	}
	return nil, &Failure{Message: assertionMessage(fmt.Sprintf("%s == %s", ToString(args[0]), ToString(args[1])), args, 2)}
}

func builtinShouldBeEqualAsStrings(_ context.Context, _ *Runner, args []any) (any, error) {
	args = assertionOptions(args, 2)
	first, second := ToString(args[0]), ToString(args[1])
	if first == second {
		return nil, nil
	}
	return nil, &Failure{Message: assertionMessage(fmt.Sprintf("%s != %s", first, second), args, 2)}
}

func builtinShouldBeEqualAsIntegers(_ context.Context, _ *Runner, args []any) (any, error) {
	args = assertionOptions(args, 2)
	first, err := toInteger(args[0], 10)
	if err != nil {
		return nil, err
	}
	second, err := toInteger(args[1], 10)
	if err != nil {
		return nil, err
	}
	if first == second {
		return nil, nil
	}
	return nil, &Failure{Message: assertionMessage(fmt.Sprintf("%d != %d", first, second), args, 2)}
}

// assertionOptions normalizes the optional msg and values arguments following the first fixed
// arguments. They may be given positionally or as msg=... and values=....
func assertionOptions(args []any, fixed int) []any {
	var msg, values any
	positional := 0
	for _, a := range args[fixed:] {
		if s, isString := a.(string); isString {
			if v, found := strings.CutPrefix(s, "msg="); found {
				msg = v
				continue
			}
			if v, found := strings.CutPrefix(s, "values="); found {
				values = v
				continue
			}
		}
		if positional == 0 {
			msg = a
		} else {
			values = a
		}
		positional++
	}
	return append(append([]any{}, args[:fixed]...), msg, values)
}

func regexpFullMatch(pattern, s string) (bool, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

func truthAssertion(expected bool) func(context.Context, *Runner, []any) (any, error) {
	return func(_ context.Context, r *Runner, args []any) (any, error) {
		raw := rawStrings(args)
		matched, err := r.condition(raw[0])
		if err != nil {
			return nil, err
		}
		if matched == expected {
			return nil, nil
		}

		condition, replaceErr := r.replacer(nil).replaceString(raw[0])
		if replaceErr != nil {
			condition = raw[0]
		}
		message := fmt.Sprintf("'%s' should be true.", condition)
		if !expected {
			message = fmt.Sprintf("'%s' should not be true.", condition)
		}
		if len(raw) > 1 {
			if custom, msgErr := r.replacer(nil).replaceString(raw[1]); msgErr == nil && custom != "" && !strings.EqualFold(custom, "None") {
				message = custom
			}
		}
		return nil, &Failure{Message: message}
	}
}

func contains(container any, item any) (bool, error) {
	switch c := container.(type) {
	case string:
		return strings.Contains(c, ToString(item)), nil
	case []any:
		for _, element := range c {
			if Equal(element, item) {
				return true, nil
			}
		}
		return false, nil
	case *Dict:
		for _, key := range c.Keys() {
			if Equal(key, item) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, &Failure{Message: fmt.Sprintf("Converting '%s' to list failed: %s is not iterable.", ToString(container), TypeName(container))}
	}
}

func containAssertion(expected bool) func(context.Context, *Runner, []any) (any, error) {
	return func(_ context.Context, _ *Runner, args []any) (any, error) {
		args = assertionOptions(args, 2)
		found, err := contains(args[0], args[1])
		if err != nil {
			return nil, err
		}
		if found == expected {
			return nil, nil
		}

		message := fmt.Sprintf("%s does not contain %s", Repr(args[0]), Repr(args[1]))
		if !expected {
			message = fmt.Sprintf("%s contains %s", Repr(args[0]), Repr(args[1]))
		}
		return nil, &Failure{Message: assertionMessage(message, args, 2)}
	}
}

func length(v any) (int, error) {
	switch typed := v.(type) {
	case string:
		return utf8.RuneCountInString(typed), nil
	case []any:
		return len(typed), nil
	case *Dict:
		return typed.Len(), nil
	default:
		return 0, &Failure{Message: fmt.Sprintf("Could not get length of '%s'.", ToString(v))}
	}
}

func emptinessAssertion(expected bool) func(context.Context, *Runner, []any) (any, error) {
	return func(_ context.Context, _ *Runner, args []any) (any, error) {
		n, err := length(args[0])
		if err != nil {
			return nil, err
		}
		if (n == 0) == expected {
			return nil, nil
		}

		message := fmt.Sprintf("%s should be empty.", Repr(args[0]))
		if !expected {
			message = fmt.Sprintf("%s should not be empty.", Repr(args[0]))
		}
		if len(args) > 1 && args[1] != nil && ToString(args[1]) != "" {
			message = ToString(args[1])
		}
		return nil, &Failure{Message: message}
	}
}

func builtinLengthShouldBe(_ context.Context, _ *Runner, args []any) (any, error) {
	n, err := length(args[0])
	if err != nil {
		return nil, err
	}
	expected, err := toInteger(args[1], 10)
	if err != nil {
		return nil, err
	}
	if int64(n) == expected {
		return nil, nil
	}

	message := fmt.Sprintf("Length of '%s' should be %d but is %d.", ToString(args[0]), expected, n)
	if len(args) > 2 && ToString(args[2]) != "" {
		message = ToString(args[2])
	}
	return nil, &Failure{Message: message}
}

func builtinFail(_ context.Context, _ *Runner, args []any) (any, error) {
	message := "AssertionError"
	if len(args) > 0 {
		message = ToString(args[0])
	}
	return nil, &Failure{Message: message}
}

func builtinSkip(_ context.Context, _ *Runner, args []any) (any, error) {
	message := "Skipped with Skip keyword."
	if len(args) > 0 {
		message = ToString(args[0])
	}
	return nil, &Failure{Message: message, Skip: true}
}

func builtinSkipIf(_ context.Context, r *Runner, args []any) (any, error) {
	raw := rawStrings(args)
	matched, err := r.condition(raw[0])
	if err != nil || !matched {
		return nil, err
	}

	message := raw[0]
	if len(raw) > 1 {
		if message, err = r.replacer(nil).replaceString(raw[1]); err != nil {
			return nil, err
		}
	}
	return nil, &Failure{Message: message, Skip: true}
}

func builtinReturnFromKeyword(_ context.Context, _ *Runner, args []any) (any, error) {
	return nil, &returnSignal{values: args}
}

func builtinEvaluate(_ context.Context, r *Runner, args []any) (any, error) {
	return r.evaluateIn(ToString(args[0]), nil)
}

func builtinSleep(ctx context.Context, r *Runner, args []any) (any, error) {
	d, err := ParseTimeString(ToString(args[0]))
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(max(d, 0))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, &Failure{Message: errExecutionStopped.Error()}
	}

	r.logMessage("Slept "+FormatDuration(d), LevelInfo, false)
	if len(args) > 1 {
		r.logMessage(ToString(args[1]), LevelInfo, false)
	}
	return nil, nil
}

// runNested runs a keyword given by name as an argument of another keyword.
func (r *Runner) runNested(ctx context.Context, name string, args []string) (any, error) {
	return r.invoke(ctx, &invocation{
		name:   name,
		args:   args,
		kwType: KeywordTypeKeyword,
		source: r.source,
		line:   r.line,
	})
}

func builtinRunKeyword(ctx context.Context, r *Runner, args []any) (any, error) {
	raw := rawStrings(args)
	return r.runNested(ctx, raw[0], raw[1:])
}

func builtinRunKeywords(ctx context.Context, r *Runner, args []any) (any, error) {
	raw := rawStrings(args)

	var groups [][]string
	if !containsString(raw, "AND") {
		for _, name := range raw {
			groups = append(groups, []string{name})
		}
	} else {
		current := []string{}
		for _, item := range raw {
			if item == "AND" {
				groups = append(groups, current)
				current = []string{}
				continue
			}
			current = append(current, item)
		}
		groups = append(groups, current)
	}

	for _, group := range groups {
		if len(group) == 0 {
			return nil, &Failure{Message: "Incorrect use of AND."}
		}
		if _, err := r.runNested(ctx, group[0], group[1:]); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func builtinRunKeywordIf(ctx context.Context, r *Runner, args []any) (any, error) {
	raw := rawStrings(args)

	for {
		condition := raw[0]
		rest := raw[1:]

		end := len(rest)
		for i, item := range rest {
			if item == "ELSE IF" || item == "ELSE" {
				end = i
				break
			}
		}
		if end == 0 {
			return nil, &Failure{Message: "Keyword name cannot be empty."}
		}

		matched, err := r.condition(condition)
		if err != nil {
			return nil, err
		}
		if matched {
			return r.runNested(ctx, rest[0], rest[1:end])
		}

		rest = rest[end:]
		switch {
		case len(rest) == 0:
			return nil, nil
		case rest[0] == "ELSE":
			if len(rest) < 2 {
				return nil, &Failure{Message: "Keyword name cannot be empty."}
			}
			return r.runNested(ctx, rest[1], rest[2:])
		case len(rest) < 3:
			return nil, &Failure{Message: "ELSE IF requires condition and keyword."}
		default:
			raw = rest[1:]
		}
	}
}

func builtinRunKeywordUnless(ctx context.Context, r *Runner, args []any) (any, error) {
	raw := rawStrings(args)
	matched, err := r.condition(raw[0])
	if err != nil || matched {
		return nil, err
	}
	return r.runNested(ctx, raw[1], raw[2:])
}

func builtinRunKeywordAndIgnoreError(ctx context.Context, r *Runner, args []any) (any, error) {
	raw := rawStrings(args)
	value, err := r.runNested(ctx, raw[0], raw[1:])
	if err != nil {
		if isControlSignal(err) || newFailure(err).Message == errExecutionStopped.Error() {
			return nil, err
		}
		return []any{string(StatusFail), newFailure(err).Message}, nil
	}
	return []any{string(StatusPass), value}, nil
}

func builtinRunKeywordAndReturnStatus(ctx context.Context, r *Runner, args []any) (any, error) {
	raw := rawStrings(args)
	_, err := r.runNested(ctx, raw[0], raw[1:])
	if err != nil && (isControlSignal(err) || newFailure(err).Message == errExecutionStopped.Error()) {
		return nil, err
	}
	return err == nil, nil
}

func builtinRunKeywordAndExpectError(ctx context.Context, r *Runner, args []any) (any, error) {
	raw := rawStrings(args)
	expected, err := r.replacer(nil).replaceString(raw[0])
	if err != nil {
		return nil, err
	}

	_, runErr := r.runNested(ctx, raw[1], raw[2:])
	if runErr == nil {
		return nil, &Failure{Message: fmt.Sprintf("Expected error '%s' did not occur.", expected)}
	}
	if isControlSignal(runErr) {
		return nil, runErr
	}

	message := newFailure(runErr).Message
	if !errorMatches(expected, message) {
		return nil, &Failure{Message: fmt.Sprintf("Expected error '%s' but got '%s'.", expected, message)}
	}
	return message, nil
}

// errorMatches matches an error message against an expected error: a glob pattern by default,
// or a pattern prefixed with EQUALS:, STARTS:, REGEXP: or GLOB:.
func errorMatches(expected, message string) bool {
	prefix, pattern, hasPrefix := strings.Cut(expected, ":")
	if hasPrefix {
		pattern = strings.TrimSpace(pattern)
		switch strings.ToUpper(prefix) {
		case "EQUALS":
			return message == pattern
		case "STARTS":
			return strings.HasPrefix(message, pattern)
		case "GLOB":
			matched, _ := path.Match(pattern, message)
			return matched
		case "REGEXP":
			matched, err := regexpFullMatch(pattern, message)
			return err == nil && matched
		}
	}
	if message == expected {
		return true
	}
	matched, _ := path.Match(expected, message)
	return matched
}

func builtinWaitUntilKeywordSucceeds(ctx context.Context, r *Runner, args []any) (any, error) {
	raw := rawStrings(args)
	rep := r.replacer(nil)

	retry, err := rep.replaceString(raw[0])
	if err != nil {
		return nil, err
	}
	intervalText, err := rep.replaceString(raw[1])
	if err != nil {
		return nil, err
	}
	interval, err := ParseTimeString(intervalText)
	if err != nil {
		return nil, err
	}

	var policy backoff.BackOff
	var describe string
	retry = strings.TrimSpace(strings.ToLower(retry))
	if count, isCount := strings.CutSuffix(retry, "x"); isCount || strings.HasSuffix(retry, "times") {
		if !isCount {
			count = strings.TrimSpace(strings.TrimSuffix(retry, "times"))
		}
		n, convErr := strconv.Atoi(strings.TrimSpace(count))
		if convErr != nil || n <= 0 {
			return nil, &Failure{Message: fmt.Sprintf("Invalid retry count '%s'.", raw[0])}
		}
		policy = backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(n-1))
		describe = fmt.Sprintf("%d times", n)
	} else {
		timeout, parseErr := ParseTimeString(retry)
		if parseErr != nil {
			return nil, parseErr
		}
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = max(interval, time.Millisecond)
		eb.RandomizationFactor = 0
		eb.Multiplier = 1
		eb.MaxInterval = eb.InitialInterval
		eb.MaxElapsedTime = timeout
		eb.Reset()
		policy = eb
		describe = "for " + FormatDuration(timeout)
	}

	var value any
	var lastErr error
	operation := func() error {
		v, runErr := r.runNested(ctx, raw[2], raw[3:])
		if runErr == nil {
			value = v
			return nil
		}
		lastErr = runErr
		if isControlSignal(runErr) || newFailure(runErr).Message == errExecutionStopped.Error() {
			return backoff.Permanent(runErr)
		}
		return runErr
	}

	if err = backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Err
		}
		if lastErr != nil && (isControlSignal(lastErr) || newFailure(lastErr).Message == errExecutionStopped.Error()) {
			return nil, lastErr
		}
		if lastErr == nil {
			lastErr = err
		}
		return nil, &Failure{Message: fmt.Sprintf("Keyword '%s' failed after retrying %s. The last error was: %s", raw[2], describe, newFailure(lastErr).Message)}
	}
	return value, nil
}

func builtinRepeatKeyword(ctx context.Context, r *Runner, args []any) (any, error) {
	raw := rawStrings(args)
	timesText, err := r.replacer(nil).replaceString(raw[0])
	if err != nil {
		return nil, err
	}
	timesText = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(strings.ToLower(timesText), "times"), "x"))
	n, convErr := strconv.Atoi(strings.TrimSpace(timesText))
	if convErr != nil {
		return nil, &Failure{Message: fmt.Sprintf("Invalid repeat count '%s'.", raw[0])}
	}

	for i := 0; i < n; i++ {
		r.logMessage(fmt.Sprintf("Repeating keyword, round %d/%d.", i+1, n), LevelInfo, false)
		if _, err = r.runNested(ctx, raw[1], raw[2:]); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func builtinCreateList(_ context.Context, _ *Runner, args []any) (any, error) {
	return append([]any{}, args...), nil
}

func builtinCreateDictionary(_ context.Context, r *Runner, args []any) (any, error) {
	return dictFromItems(rawStrings(args), r.replacer(nil))
}

func builtinGetLength(_ context.Context, r *Runner, args []any) (any, error) {
	n, err := length(args[0])
	if err != nil {
		return nil, err
	}
	r.logMessage(fmt.Sprintf("Length is %d.", n), LevelInfo, false)
	return int64(n), nil
}

func builtinCatenate(_ context.Context, _ *Runner, args []any) (any, error) {
	separator := " "
	if len(args) > 0 {
		if s, isString := args[0].(string); isString && strings.HasPrefix(s, "SEPARATOR=") {
			separator = strings.TrimPrefix(s, "SEPARATOR=")
			args = args[1:]
		}
	}
	return strings.Join(rawStrings(args), separator), nil
}

func toInteger(v any, base int) (int64, error) {
	switch typed := v.(type) {
	case int64:
		return typed, nil
	case float64:
		return int64(typed), nil
	case bool:
		return boolToInt(typed), nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(typed), " ", "")
		negative := strings.HasPrefix(s, "-")
		s = strings.TrimLeft(s, "+-")
		lower := strings.ToLower(s)
		for prefix, prefixBase := range map[string]int{"0x": 16, "0o": 8, "0b": 2} {
			if strings.HasPrefix(lower, prefix) && (base == 10 || base == prefixBase) {
				s, base = s[2:], prefixBase
			}
		}
		n, err := strconv.ParseInt(s, base, 64)
		if err != nil {
			if f, floatErr := strconv.ParseFloat(s, 64); floatErr == nil && base == 10 {
				n = int64(f)
			} else {
				return 0, &Failure{Message: fmt.Sprintf("'%s' cannot be converted to an integer.", typed)}
			}
		}
		if negative {
			n = -n
		}
		return n, nil
	default:
		return 0, &Failure{Message: fmt.Sprintf("'%s' cannot be converted to an integer.", ToString(v))}
	}
}

func builtinConvertToInteger(_ context.Context, _ *Runner, args []any) (any, error) {
	base := int64(10)
	if len(args) > 1 && args[1] != nil && ToString(args[1]) != "" {
		b, err := toInteger(args[1], 10)
		if err != nil {
			return nil, err
		}
		base = b
	}
	return toInteger(args[0], int(base))
}

func builtinConvertToNumber(_ context.Context, _ *Runner, args []any) (any, error) {
	var f float64
	switch typed := args[0].(type) {
	case int64:
		f = float64(typed)
	case float64:
		f = typed
	default:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(ToString(args[0])), 64)
		if err != nil {
			return nil, &Failure{Message: fmt.Sprintf("'%s' cannot be converted to a floating point number.", ToString(args[0]))}
		}
		f = parsed
	}

	if len(args) > 1 && args[1] != nil && ToString(args[1]) != "" {
		precision, err := toInteger(args[1], 10)
		if err != nil {
			return nil, err
		}
		rounded, _ := strconv.ParseFloat(strconv.FormatFloat(f, 'f', int(max(precision, 0)), 64), 64)
		f = rounded
	}
	return f, nil
}

func builtinConvertToString(_ context.Context, _ *Runner, args []any) (any, error) {
	return ToString(args[0]), nil
}

func builtinConvertToBoolean(_ context.Context, _ *Runner, args []any) (any, error) {
	if s, isString := args[0].(string); isString {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return IsTruthy(args[0]), nil
}
