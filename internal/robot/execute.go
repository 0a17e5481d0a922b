/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const defaultWhileLimit = 10_000

// invocation is a keyword call about to be run.
type invocation struct {
	name   string
	args   []string // as written in the test data
	assign []string
	kwType string
	source string
	line   int
}

func (r *Runner) invokeCall(ctx context.Context, call *KeywordCall, kwType string, source string) (any, error) {
	return r.invoke(ctx, &invocation{
		name:   call.Name,
		args:   call.Args,
		assign: call.Assign,
		kwType: kwType,
		source: source,
		line:   call.Line,
	})
}

func (r *Runner) runSteps(ctx context.Context, steps []Step, source string) error {
	prevSource := r.source
	r.source = source
	defer func() { r.source = prevSource }()

	for _, step := range steps {
		if ctx.Err() != nil {
			return &Failure{Message: errExecutionStopped.Error()}
		}
		if err := r.runStep(ctx, step, source); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, step Step, source string) error {
	switch s := step.(type) {
	case *KeywordCall:
		_, err := r.invokeCall(ctx, s, KeywordTypeKeyword, source)
		return err
	case *ForLoop:
		return r.runFor(ctx, s, source)
	case *IfBlock:
		return r.runIf(ctx, s, source)
	case *WhileLoop:
		return r.runWhile(ctx, s, source)
	case *TryBlock:
		return r.runTry(ctx, s, source)
	case *ReturnStatement:
		return r.runReturn(s, source)
	case *BreakStatement:
		return r.structure(KeywordAttrs{Type: KeywordTypeBreak, Source: source, Lineno: s.Line}, func() error {
			if r.opts.DryRun {
				return nil
			}
			return &breakSignal{}
		})
	case *ContinueStatement:
		return r.structure(KeywordAttrs{Type: KeywordTypeContinue, Source: source, Lineno: s.Line}, func() error {
			if r.opts.DryRun {
				return nil
			}
			return &continueSignal{}
		})
	case *InvalidStep:
		return &Failure{Message: s.Message}
	default:
		return fmt.Errorf("unsupported step type %T", step)
	}
}

// structure reports a control structure to listeners around running it.
func (r *Runner) structure(attrs KeywordAttrs, run func() error) error {
	attrs.StartTime = time.Now()
	r.notify(func(l Listener) { l.StartKeyword(attrs.Type, attrs) })

	err := run()

	attrs.EndTime = time.Now()
	attrs.Status, attrs.Message = statusOf(err)
	r.notify(func(l Listener) { l.EndKeyword(attrs.Type, attrs) })
	return err
}

func statusOf(err error) (Status, string) {
	if err == nil || isControlSignal(err) {
		return StatusPass, ""
	}
	failure := newFailure(err)
	if failure.Skip {
		return StatusSkip, failure.Message
	}
	return StatusFail, failure.Message
}

// invoke runs a keyword call and reports it to listeners.
func (r *Runner) invoke(ctx context.Context, inv *invocation) (any, error) {
	if inv.line > 0 {
		prevLine := r.line
		r.line = inv.line
		defer func() { r.line = prevLine }()
	}

	name := inv.name
	var resolveErr error
	if !r.opts.DryRun && strings.ContainsAny(name, "$@&%") {
		name, resolveErr = r.replacer(nil).replaceString(name)
	}

	attrs := KeywordAttrs{
		Type:   inv.kwType,
		KwName: name,
		Args:   inv.args,
		Assign: inv.assign,
		Source: inv.source,
		Lineno: inv.line,
	}

	var userKw *UserKeyword
	var builtin *builtinKeyword
	if resolveErr == nil {
		userKw, builtin = r.findKeyword(name)
	}

	var local *Store
	var prepareErr error
	switch {
	case resolveErr != nil:
		prepareErr = resolveErr
	case userKw == nil && builtin == nil && r.opts.DryRun && strings.ContainsAny(name, "$@&%"):
		// Names given as variables cannot be validated without running.
	case userKw != nil:
		attrs.KwName = userKw.Name
		attrs.LibName = r.currentSuite().ns.libNames[userKw]
		attrs.Handler = userKw
		attrs.IsUserKeyword = true
		for _, spec := range userKw.Arguments {
			attrs.Arguments = append(attrs.Arguments, spec.Name)
		}
		if !r.opts.DryRun {
			local, prepareErr = r.newKeywordScope(userKw, inv)
		}
	case builtin != nil:
		attrs.KwName = builtin.name
		attrs.LibName = builtinLibraryName
		attrs.Handler = builtin
	default:
		prepareErr = &Failure{Message: fmt.Sprintf("No keyword with name '%s' found.", name)}
	}

	fullName := attrs.KwName
	if attrs.LibName != "" {
		fullName = attrs.LibName + "." + attrs.KwName
	}

	if local != nil {
		r.pushScope(scopeKindKeyword, local)
	}

	attrs.StartTime = time.Now()
	r.notify(func(l Listener) { l.StartKeyword(fullName, attrs) })

	var value any
	err := prepareErr
	if err == nil {
		switch {
		case userKw != nil:
			value, err = r.runUserKeyword(ctx, userKw)
		case builtin != nil:
			value, err = r.runBuiltin(ctx, builtin, inv)
		}
	}

	if local != nil {
		r.popScope()
	}

	if err == nil && len(inv.assign) > 0 && !r.opts.DryRun {
		err = r.assign(inv.assign, value)
	}
	if err != nil && !isFailure(err) && !isControlSignal(err) {
		err = newFailure(err)
	}

	attrs.EndTime = time.Now()
	attrs.Status, attrs.Message = statusOf(err)
	r.notify(func(l Listener) { l.EndKeyword(fullName, attrs) })
	return value, err
}

func isFailure(err error) bool {
	var failure *Failure
	return errors.As(err, &failure)
}

func (r *Runner) findKeyword(name string) (*UserKeyword, *builtinKeyword) {
	if kw := r.currentSuite().ns.find(name); kw != nil {
		return kw, nil
	}
	if b, found := r.builtins[normalizeKeywordName(name)]; found {
		return nil, b
	}
	if lib, kwName, qualified := cutLast(name, "."); qualified && strings.EqualFold(lib, builtinLibraryName) {
		if b, found := r.builtins[normalizeKeywordName(kwName)]; found {
			return nil, b
		}
	}
	return nil, nil
}

// newKeywordScope creates the local variables of a user keyword call: a copy of the suite
// variables plus the variables set with Set Test Variable, with the arguments bound.
func (r *Runner) newKeywordScope(kw *UserKeyword, inv *invocation) (*Store, error) {
	local := r.scopes[r.findScope(scopeKindSuite)].vars.Copy()
	if r.testSet != nil {
		local.Update(r.testSet)
	}
	if err := r.bindArguments(kw, inv.args, local); err != nil {
		return nil, err
	}
	return local, nil
}

func (r *Runner) runUserKeyword(ctx context.Context, kw *UserKeyword) (any, error) {
	if r.opts.DryRun {
		if r.dryRunActive[kw] {
			return nil, nil
		}
		r.dryRunActive[kw] = true
		defer delete(r.dryRunActive, kw)
		return nil, r.runSteps(ctx, kw.Body, kw.Source)
	}

	var values []any
	err := r.runSteps(ctx, kw.Body, kw.Source)

	var ret *returnSignal
	switch {
	case errors.As(err, &ret):
		values, err = ret.values, nil
	case err == nil && len(kw.Returns) > 0:
		values, err = r.replacer(nil).resolveList(kw.Returns)
	case err != nil && isControlSignal(err):
		err = &Failure{Message: err.Error()}
	}

	if kw.Teardown != nil {
		if _, tdErr := r.invokeCall(ctx, kw.Teardown, KeywordTypeTeardown, kw.Source); tdErr != nil {
			prior := ""
			if err != nil {
				prior = newFailure(err).Message
			}
			err = &Failure{Message: teardownMessage(prior, newFailure(tdErr))}
		}
	}

	if err != nil {
		return nil, err
	}
	return returnValue(values), nil
}

func returnValue(values []any) any {
	switch len(values) {
	case 0:
		return nil
	case 1:
		return values[0]
	default:
		return values
	}
}

func (r *Runner) bindArguments(kw *UserKeyword, args []string, local *Store) error {
	caller := r.replacer(nil)

	hasKwargs := len(kw.Arguments) > 0 && kw.Arguments[len(kw.Arguments)-1].Kind == ArgumentKwargs
	var positional []any
	named := map[string]any{}
	kwargs := NewDict()

	for _, raw := range args {
		if isWhole(raw, '@') {
			items, err := caller.resolveList([]string{raw})
			if err != nil {
				return err
			}
			if len(named) > 0 || kwargs.Len() > 0 {
				return fmt.Errorf("Keyword '%s' got positional argument after named arguments.", kw.Name)
			}
			positional = append(positional, items...)
			continue
		}

		if argName, rawValue, isNamed := splitNamedArgument(raw); isNamed {
			spec := findArgumentSpec(kw, argName)
			if spec != nil || hasKwargs {
				value, err := caller.resolve(rawValue)
				if err != nil {
					return err
				}
				if spec != nil {
					named[NormalizeName(spec.Name)] = value
				} else {
					kwargs.Set(argName, value)
				}
				continue
			}
		}

		if len(named) > 0 || kwargs.Len() > 0 {
			return fmt.Errorf("Keyword '%s' got positional argument after named arguments.", kw.Name)
		}
		value, err := caller.resolve(raw)
		if err != nil {
			return err
		}
		positional = append(positional, value)
	}

	minArgs, maxArgs := argumentCounts(kw.Arguments)
	if len(positional) > maxArgs && maxArgs >= 0 {
		return argumentCountError(kw.Name, minArgs, maxArgs, len(positional))
	}

	defaults := replacer{store: local, evaluate: r.evaluateIn}
	next := 0
	for _, spec := range kw.Arguments {
		switch spec.Kind {
		case ArgumentPositional:
			key := NormalizeName(spec.Name)
			namedValue, isNamed := named[key]
			switch {
			case next < len(positional):
				if isNamed {
					return fmt.Errorf("Keyword '%s' got multiple values for argument '%s'.", kw.Name, spec.Name)
				}
				local.Set(spec.Name, positional[next])
				next++
			case isNamed:
				local.Set(spec.Name, namedValue)
			case spec.HasDefault:
				value, err := defaults.resolve(spec.Default)
				if err != nil {
					return err
				}
				local.Set(spec.Name, value)
			default:
				return argumentCountError(kw.Name, minArgs, maxArgs, len(positional)+len(named))
			}
		case ArgumentVarargs:
			rest := append([]any{}, positional[min(next, len(positional)):]...)
			local.Set(spec.Name, rest)
			next = len(positional)
		case ArgumentKwargs:
			local.Set(spec.Name, kwargs)
		}
	}
	return nil
}

func findArgumentSpec(kw *UserKeyword, name string) *ArgumentSpec {
	for i, spec := range kw.Arguments {
		if spec.Kind != ArgumentPositional {
			continue
		}
		if _, base, _ := splitDecorated(spec.Name); base == name {
			return &kw.Arguments[i]
		}
	}
	return nil
}

// argumentCounts returns the minimum and maximum number of positional arguments; -1 means no maximum.
func argumentCounts(specs []ArgumentSpec) (int, int) {
	minArgs, maxArgs := 0, 0
	varargs := false
	for _, spec := range specs {
		switch {
		case spec.Kind == ArgumentVarargs:
			varargs = true
		case spec.Kind == ArgumentPositional && !varargs:
			// Arguments after varargs can only be given by name.
			maxArgs++
			if !spec.HasDefault {
				minArgs++
			}
		}
	}
	if varargs {
		maxArgs = -1
	}
	return minArgs, maxArgs
}

func argumentCountError(name string, minArgs, maxArgs, got int) error {
	plural := func(n int) string {
		if n == 1 {
			return "argument"
		}
		return "arguments"
	}

	var expected string
	switch {
	case maxArgs < 0:
		expected = fmt.Sprintf("at least %d %s", minArgs, plural(minArgs))
	case minArgs == maxArgs:
		expected = fmt.Sprintf("%d %s", minArgs, plural(minArgs))
	default:
		expected = fmt.Sprintf("%d to %d arguments", minArgs, maxArgs)
	}
	return &Failure{Message: fmt.Sprintf("Keyword '%s' expected %s, got %d.", name, expected, got)}
}

// assign stores the return value of a keyword into the assignment targets in the current scope.
func (r *Runner) assign(targets []string, value any) error {
	store := r.current()

	if len(targets) == 1 {
		return assignOne(store, targets[0], value)
	}

	items, isList := value.([]any)
	if !isList {
		return &Failure{Message: fmt.Sprintf("Cannot set variables %s: Expected list-like value, got %s.", strings.Join(targets, ", "), TypeName(value))}
	}

	listIndex := -1
	for i, t := range targets {
		if t[0] == '@' {
			listIndex = i
			break
		}
	}

	if listIndex < 0 {
		if len(items) != len(targets) {
			return &Failure{Message: fmt.Sprintf("Cannot set variables %s: Expected %d return values, got %d.", strings.Join(targets, ", "), len(targets), len(items))}
		}
		for i, t := range targets {
			if err := assignOne(store, t, items[i]); err != nil {
				return err
			}
		}
		return nil
	}

	after := len(targets) - listIndex - 1
	if len(items) < len(targets)-1 {
		return &Failure{Message: fmt.Sprintf("Cannot set variables %s: Expected %d or more return values, got %d.", strings.Join(targets, ", "), len(targets)-1, len(items))}
	}
	for i := 0; i < listIndex; i++ {
		if err := assignOne(store, targets[i], items[i]); err != nil {
			return err
		}
	}
	if err := assignOne(store, targets[listIndex], append([]any{}, items[listIndex:len(items)-after]...)); err != nil {
		return err
	}
	for i := 0; i < after; i++ {
		if err := assignOne(store, targets[listIndex+1+i], items[len(items)-after+i]); err != nil {
			return err
		}
	}
	return nil
}

func assignOne(store *Store, target string, value any) error {
	switch target[0] {
	case '@':
		if _, isList := value.([]any); !isList {
			return &Failure{Message: fmt.Sprintf("Cannot set variable '%s': Expected list-like value, got %s.", target, TypeName(value))}
		}
	case '&':
		if _, isDict := value.(*Dict); !isDict {
			return &Failure{Message: fmt.Sprintf("Cannot set variable '%s': Expected dictionary-like value, got %s.", target, TypeName(value))}
		}
	}
	store.Set(target, value)
	return nil
}

func (r *Runner) runReturn(s *ReturnStatement, source string) error {
	attrs := KeywordAttrs{Type: KeywordTypeReturn, Args: s.Values, Source: source, Lineno: s.Line}
	return r.structure(attrs, func() error {
		if r.opts.DryRun {
			return nil
		}
		values, err := r.replacer(nil).resolveList(s.Values)
		if err != nil {
			return err
		}
		return &returnSignal{values: values}
	})
}

func (r *Runner) runIf(ctx context.Context, block *IfBlock, source string) error {
	if r.opts.DryRun {
		for _, branch := range block.Branches {
			attrs := KeywordAttrs{Type: branch.Type, KwName: branch.Condition, Source: source, Lineno: branch.Line}
			if err := r.structure(attrs, func() error { return r.runSteps(ctx, branch.Body, source) }); err != nil {
				return err
			}
		}
		return nil
	}

	for _, branch := range block.Branches {
		attrs := KeywordAttrs{Type: branch.Type, KwName: branch.Condition, Source: source, Lineno: branch.Line}

		if branch.Type != KeywordTypeElse {
			matched, err := r.condition(branch.Condition)
			if err != nil {
				return r.structure(attrs, func() error { return err })
			}
			if !matched {
				continue
			}
		}

		return r.structure(attrs, func() error { return r.runSteps(ctx, branch.Body, source) })
	}
	return nil
}

// condition evaluates a condition of IF, WHILE and the keywords taking one.
func (r *Runner) condition(raw string) (bool, error) {
	rep := r.replacer(nil)

	if IsVariable(raw) {
		value, err := rep.resolve(raw)
		if err != nil {
			return false, err
		}
		s, isString := value.(string)
		if !isString {
			return IsTruthy(value), nil
		}
		raw = s
	}

	value, err := r.evaluateIn(raw, nil)
	if err != nil {
		return false, err
	}
	return IsTruthy(value), nil
}

func (r *Runner) runFor(ctx context.Context, loop *ForLoop, source string) error {
	attrs := KeywordAttrs{
		Type:   KeywordTypeFor,
		KwName: strings.Join(loop.Variables, " | ") + " " + loop.Flavor + " [ " + strings.Join(loop.Values, " | ") + " ]",
		Assign: loop.Variables,
		Args:   loop.Values,
		Source: source,
		Lineno: loop.Line,
	}

	return r.structure(attrs, func() error {
		if r.opts.DryRun {
			return r.iteration(ctx, loop.Variables, nil, loop.Body, source, loop.Line)
		}

		rounds, err := r.forRounds(loop)
		if err != nil {
			return err
		}

		for _, round := range rounds {
			err = r.iteration(ctx, loop.Variables, round, loop.Body, source, loop.Line)
			switch err.(type) {
			case nil, *continueSignal:
			case *breakSignal:
				return nil
			default:
				return err
			}
		}
		return nil
	})
}

// iteration runs one round of a loop. values are assigned to variables before running body.
func (r *Runner) iteration(ctx context.Context, variables []string, values []any, body []Step, source string, line int) error {
	names := make([]string, 0, len(variables))
	for i, v := range variables {
		if i < len(values) {
			names = append(names, v+" = "+ToString(values[i]))
		}
	}
	attrs := KeywordAttrs{Type: KeywordTypeIteration, KwName: strings.Join(names, ", "), Source: source, Lineno: line}

	return r.structure(attrs, func() error {
		store := r.current()
		for i, v := range variables {
			if i < len(values) {
				if err := assignOne(store, v, values[i]); err != nil {
					return err
				}
			}
		}
		return r.runSteps(ctx, body, source)
	})
}

func (r *Runner) forRounds(loop *ForLoop) ([][]any, error) {
	rep := r.replacer(nil)
	values, err := rep.resolveList(loop.Values)
	if err != nil {
		return nil, err
	}
	nvars := len(loop.Variables)

	switch loop.Flavor {
	case "IN":
		if len(values)%nvars != 0 {
			return nil, &Failure{Message: fmt.Sprintf("Number of FOR loop values should be multiple of its variables. Got %d variables but %d values.", nvars, len(values))}
		}
		var rounds [][]any
		for i := 0; i < len(values); i += nvars {
			rounds = append(rounds, values[i:i+nvars])
		}
		return rounds, nil

	case "IN RANGE":
		if nvars != 1 {
			return nil, &Failure{Message: "FOR IN RANGE loop expects exactly one loop variable."}
		}
		return r.rangeRounds(values)

	case "IN ENUMERATE":
		var rounds [][]any
		for i, v := range values {
			round := []any{int64(i)}
			if nvars > 2 {
				items, isList := v.([]any)
				if !isList || len(items) != nvars-1 {
					return nil, &Failure{Message: fmt.Sprintf("Number of FOR IN ENUMERATE loop values should be %d, got %s.", nvars-1, Repr(v))}
				}
				round = append(round, items...)
			} else {
				round = append(round, v)
			}
			rounds = append(rounds, round)
		}
		return rounds, nil

	case "IN ZIP":
		var lists [][]any
		shortest := -1
		for i, v := range values {
			items, isList := v.([]any)
			if !isList {
				return nil, &Failure{Message: fmt.Sprintf("FOR IN ZIP items must be list-like, but item %d is %s.", i+1, TypeName(v))}
			}
			lists = append(lists, items)
			if shortest < 0 || len(items) < shortest {
				shortest = len(items)
			}
		}
		if nvars != 1 && nvars != len(lists) {
			return nil, &Failure{Message: fmt.Sprintf("FOR IN ZIP expects %d loop variables, got %d.", len(lists), nvars)}
		}
		var rounds [][]any
		for i := 0; i < shortest; i++ {
			round := make([]any, len(lists))
			for j, list := range lists {
				round[j] = list[i]
			}
			if nvars == 1 {
				round = []any{round}
			}
			rounds = append(rounds, round)
		}
		return rounds, nil
	}

	return nil, &Failure{Message: fmt.Sprintf("Invalid FOR loop type '%s'.", loop.Flavor)}
}

func (r *Runner) rangeRounds(values []any) ([][]any, error) {
	if len(values) == 0 || len(values) > 3 {
		return nil, &Failure{Message: fmt.Sprintf("FOR IN RANGE expected 1-3 values, got %d.", len(values))}
	}

	numbers := make([]float64, len(values))
	allInts := true
	for i, v := range values {
		n, isInt, err := r.toNumber(v)
		if err != nil {
			return nil, &Failure{Message: fmt.Sprintf("Converting FOR IN RANGE value '%s' to number failed: %s", ToString(v), err.Error())}
		}
		numbers[i] = n
		allInts = allInts && isInt
	}

	start, stop, step := 0.0, numbers[0], 1.0
	if len(numbers) >= 2 {
		start, stop = numbers[0], numbers[1]
	}
	if len(numbers) == 3 {
		step = numbers[2]
	}
	if step == 0 {
		return nil, &Failure{Message: "FOR IN RANGE step cannot be zero."}
	}

	var rounds [][]any
	for x := start; (step > 0 && x < stop) || (step < 0 && x > stop); x += step {
		if allInts {
			rounds = append(rounds, []any{int64(x)})
		} else {
			rounds = append(rounds, []any{x})
		}
	}
	return rounds, nil
}

// toNumber converts a value to a number. Strings are evaluated as expressions.
func (r *Runner) toNumber(v any) (float64, bool, error) {
	if s, isString := v.(string); isString {
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return float64(n), true, nil
		}
		evaluated, err := r.evaluateIn(s, nil)
		if err != nil {
			return 0, false, err
		}
		v = evaluated
	}

	switch n := v.(type) {
	case int64:
		return float64(n), true, nil
	case float64:
		return n, false, nil
	case bool:
		return float64(boolToInt(n)), true, nil
	default:
		return 0, false, fmt.Errorf("expected number, got %s", TypeName(v))
	}
}

func (r *Runner) runWhile(ctx context.Context, loop *WhileLoop, source string) error {
	attrs := KeywordAttrs{Type: KeywordTypeWhile, KwName: loop.Condition, Source: source, Lineno: loop.Line}
	if loop.Limit != "" {
		attrs.Args = []string{"limit=" + loop.Limit}
	}

	return r.structure(attrs, func() error {
		if r.opts.DryRun {
			return r.iteration(ctx, nil, nil, loop.Body, source, loop.Line)
		}

		limit, err := r.whileLimit(loop.Limit)
		if err != nil {
			return err
		}

		for rounds := 0; ; rounds++ {
			matched, condErr := r.condition(loop.Condition)
			if condErr != nil {
				return condErr
			}
			if !matched {
				return nil
			}
			if limit >= 0 && rounds >= limit {
				return &Failure{Message: fmt.Sprintf("WHILE loop was aborted because it did not finish within the limit of %d iterations. Use the 'limit' argument to increase or remove the limit if needed.", limit)}
			}

			err = r.iteration(ctx, nil, nil, loop.Body, source, loop.Line)
			switch err.(type) {
			case nil, *continueSignal:
			case *breakSignal:
				return nil
			default:
				return err
			}
		}
	})
}

// whileLimit parses the limit of a WHILE loop. -1 means no limit.
func (r *Runner) whileLimit(raw string) (int, error) {
	if raw == "" {
		return defaultWhileLimit, nil
	}
	s, err := r.replacer(nil).replaceString(raw)
	if err != nil {
		return 0, err
	}
	if strings.EqualFold(s, "NONE") {
		return -1, nil
	}
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(strings.ToLower(s), "times"), "x"))
	n, convErr := strconv.Atoi(s)
	if convErr != nil || n < 0 {
		return 0, &Failure{Message: fmt.Sprintf("Invalid WHILE loop limit '%s'.", raw)}
	}
	return n, nil
}

type tryBranch struct {
	kwType string
	line   int
	body   []Step
}

func (r *Runner) runTry(ctx context.Context, block *TryBlock, source string) error {
	if r.opts.DryRun {
		branches := []tryBranch{{KeywordTypeTry, block.Line, block.Body}}
		for _, except := range block.Excepts {
			branches = append(branches, tryBranch{KeywordTypeExcept, except.Line, except.Body})
		}
		if block.ElseLine > 0 {
			branches = append(branches, tryBranch{KeywordTypeElse, block.ElseLine, block.Else})
		}
		if block.FinallyLine > 0 {
			branches = append(branches, tryBranch{KeywordTypeFinally, block.FinallyLine, block.Finally})
		}
		for _, b := range branches {
			attrs := KeywordAttrs{Type: b.kwType, Source: source, Lineno: b.line}
			if err := r.structure(attrs, func() error { return r.runSteps(ctx, b.body, source) }); err != nil {
				return err
			}
		}
		return nil
	}

	err := r.structure(KeywordAttrs{Type: KeywordTypeTry, Source: source, Lineno: block.Line}, func() error {
		return r.runSteps(ctx, block.Body, source)
	})

	switch {
	case err != nil && !isControlSignal(err) && !newFailure(err).Skip:
		message := newFailure(err).Message
		for _, except := range block.Excepts {
			matched, matchErr := r.exceptMatches(except, message)
			attrs := KeywordAttrs{Type: KeywordTypeExcept, KwName: strings.Join(except.Patterns, " | "), Source: source, Lineno: except.Line}
			if matchErr != nil {
				err = r.structure(attrs, func() error { return matchErr })
				break
			}
			if !matched {
				continue
			}
			err = r.structure(attrs, func() error {
				if except.AssignTo != "" {
					if setErr := assignOne(r.current(), except.AssignTo, message); setErr != nil {
						return setErr
					}
				}
				return r.runSteps(ctx, except.Body, source)
			})
			break
		}
	case err == nil && block.ElseLine > 0:
		err = r.structure(KeywordAttrs{Type: KeywordTypeElse, Source: source, Lineno: block.ElseLine}, func() error {
			return r.runSteps(ctx, block.Else, source)
		})
	}

	if block.FinallyLine > 0 {
		finallyErr := r.structure(KeywordAttrs{Type: KeywordTypeFinally, Source: source, Lineno: block.FinallyLine}, func() error {
			return r.runSteps(ctx, block.Finally, source)
		})
		if finallyErr != nil {
			err = finallyErr
		}
	}
	return err
}

func (r *Runner) exceptMatches(except ExceptBranch, message string) (bool, error) {
	if len(except.Patterns) == 0 {
		return true, nil
	}

	rep := r.replacer(nil)
	for _, raw := range except.Patterns {
		pattern, err := rep.replaceString(raw)
		if err != nil {
			return false, err
		}

		switch except.PatternType {
		case "", "LITERAL":
			if pattern == message {
				return true, nil
			}
		case "GLOB":
			if matched, _ := path.Match(pattern, message); matched {
				return true, nil
			}
		case "START":
			if strings.HasPrefix(message, pattern) {
				return true, nil
			}
		case "REGEXP":
			re, compileErr := regexp.Compile(`^(?:` + pattern + `)$`)
			if compileErr != nil {
				return false, &Failure{Message: fmt.Sprintf("Invalid EXCEPT pattern '%s': %s", pattern, compileErr.Error())}
			}
			if re.MatchString(message) {
				return true, nil
			}
		default:
			return false, &Failure{Message: fmt.Sprintf("Invalid EXCEPT pattern type '%s'. Valid values are 'GLOB', 'REGEXP', 'START' and 'LITERAL'.", except.PatternType)}
		}
	}
	return false, nil
}
