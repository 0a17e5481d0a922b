/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package debugger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/go-dap"

	"github.com/rfdebug/rfdebug/internal/jsonrpc"
	"github.com/rfdebug/rfdebug/internal/robot"
)

type scopeKind int

const (
	scopeLocal scopeKind = iota
	scopeTest
	scopeSuite
	scopeGlobal
)

const undefinedValue = "undefined"

// Variable references encode the frame ID and the scope kind.
func variablesReference(frameID int, kind scopeKind) int {
	return frameID<<2 | int(kind)
}

func decodeReference(ref int) (int, scopeKind) {
	return ref >> 2, scopeKind(ref & 3)
}

type frameStores struct {
	local  *robot.Store
	test   *robot.Store
	suite  *robot.Store
	global *robot.Store
}

func (s frameStores) get(kind scopeKind) *robot.Store {
	switch kind {
	case scopeLocal:
		return s.local
	case scopeTest:
		return s.test
	case scopeSuite:
		return s.suite
	default:
		return s.global
	}
}

func (d *Debugger) storesOf(f *frame) frameStores {
	var s frameStores
	if t := d.nearest(f, kindTest); t != nil {
		s.test = t.vars
	}
	if suite := d.nearest(f, kindSuite); suite != nil {
		s.suite = suite.vars
	}
	if d.ec != nil {
		s.global = d.ec.Variables(robot.ScopeGlobal)
	}
	if f.kind != kindSuite && f.kind != kindTest && f.vars != nil && f.vars != s.test && f.vars != s.suite {
		s.local = f.vars
	}
	return s
}

func (d *Debugger) frame(id int) (*frame, error) {
	f, found := d.frames[id]
	if !found {
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "Frame %d does not exist.", id)
	}
	return f, nil
}

func (d *Debugger) scopes(frameID int) ([]dap.Scope, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	f, err := d.frame(frameID)
	if err != nil {
		return nil, err
	}
	stores := d.storesOf(f)

	retval := []dap.Scope{}
	if stores.local != nil {
		retval = append(retval, dap.Scope{Name: "Local", PresentationHint: "locals", VariablesReference: variablesReference(f.id, scopeLocal)})
	}
	if stores.test != nil {
		retval = append(retval, dap.Scope{Name: "Test", VariablesReference: variablesReference(f.id, scopeTest)})
	}
	if stores.suite != nil {
		retval = append(retval, dap.Scope{Name: "Suite", VariablesReference: variablesReference(f.id, scopeSuite)})
	}
	if stores.global != nil {
		retval = append(retval, dap.Scope{Name: "Global", VariablesReference: variablesReference(f.id, scopeGlobal), Expensive: true})
	}
	return retval, nil
}

func (d *Debugger) variables(ref int, format *dap.ValueFormat) ([]dap.Variable, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	frameID, kind := decodeReference(ref)
	f, err := d.frame(frameID)
	if err != nil {
		return nil, err
	}
	stores := d.storesOf(f)

	var vars []robot.Variable
	switch kind {
	case scopeGlobal:
		if stores.global != nil {
			vars = stores.global.Variables()
		}
	case scopeSuite:
		vars = changedVariables(stores.suite, stores.global)
	case scopeTest:
		vars = changedVariables(stores.test, stores.suite)
	case scopeLocal:
		vars = d.localVariables(f, stores)
	}

	retval := make([]dap.Variable, 0, len(vars))
	for _, v := range vars {
		retval = append(retval, toDapVariable(v, format))
	}
	return retval, nil
}

// changedVariables returns the variables of store that are missing from base or have a different value.
func changedVariables(store *robot.Store, base *robot.Store) []robot.Variable {
	if store == nil {
		return nil
	}
	var retval []robot.Variable
	for _, v := range store.Variables() {
		if differs(base, v) {
			retval = append(retval, v)
		}
	}
	return retval
}

func differs(base *robot.Store, v robot.Variable) bool {
	if base == nil {
		return true
	}
	other, found := base.Get(v.Name)
	return !found || !robot.Equal(other, v.Value)
}

type missingArgument string

func (d *Debugger) localVariables(f *frame, stores frameStores) []robot.Variable {
	if stores.local == nil {
		return nil
	}

	var caller *robot.Store
	var owner *frame
	for current := f; current != nil; current = d.parentOf(current) {
		if current.vars != f.vars {
			caller = current.vars
			break
		}
		if current.isUser && owner == nil {
			owner = current
		}
	}

	var retval []robot.Variable
	seen := map[string]bool{}

	if owner != nil {
		for _, name := range owner.arguments {
			seen[robot.NormalizeName(name)] = true
			if v, found := stores.local.Lookup(name); found {
				retval = append(retval, v)
			} else {
				retval = append(retval, robot.Variable{Name: name, Value: missingArgument(fmt.Sprintf("Variable '%s' not found.", name))})
			}
		}
	}

	for _, v := range stores.local.Variables() {
		if seen[robot.NormalizeName(v.Name)] || !differs(caller, v) {
			continue
		}
		if owner != nil && (!differs(stores.suite, v) || !differs(stores.global, v)) {
			continue
		}
		retval = append(retval, v)
	}
	return retval
}

func toDapVariable(v robot.Variable, format *dap.ValueFormat) dap.Variable {
	if missing, isMissing := v.Value.(missingArgument); isMissing {
		return dap.Variable{Name: v.Name, Value: "<error: " + string(missing) + ">", Type: "VariableError"}
	}
	return dap.Variable{
		Name:         v.Name,
		Value:        formatValue(v.Value, format),
		Type:         robot.TypeRepr(v.Value),
		EvaluateName: v.Name,
	}
}

// evaluate answers an evaluate request. Evaluation failures are reported in the result,
// not as errors.
func (d *Debugger) evaluate(ctx context.Context, args dap.EvaluateArguments) (dap.EvaluateResponseBody, error) {
	d.lock.Lock()
	locked := true
	defer func() {
		if locked {
			d.lock.Unlock()
		}
	}()

	if d.ec == nil {
		return dap.EvaluateResponseBody{}, jsonrpc.NewError(jsonrpc.CodeInternalError, "The execution has not started.")
	}

	f := d.fullTop()
	if args.FrameId > 0 {
		var err error
		if f, err = d.frame(args.FrameId); err != nil {
			return dap.EvaluateResponseBody{}, err
		}
	}

	var store *robot.Store
	expression := args.Expression
	if f != nil {
		store = f.vars
		if f.source != "" {
			expression = strings.ReplaceAll(expression, "${CURDIR}", filepath.Dir(f.source))
		}
	}
	trimmed := strings.TrimSpace(expression)

	switch {
	case strings.HasPrefix(trimmed, "! "):
		locked = false
		return d.runKeyword(ctx, strings.TrimSpace(trimmed[2:]), args.Format)

	case robot.IsVariable(trimmed):
		value, err := d.ec.Resolve(trimmed, store)
		if err != nil {
			if args.Context == "hover" || args.Context == "watch" {
				return dap.EvaluateResponseBody{Result: undefinedValue}, nil
			}
			return errorResult(err), nil
		}
		return valueResult(value, args.Format), nil

	default:
		value, err := d.ec.Evaluate(expression, store)
		if err != nil {
			return errorResult(err), nil
		}
		return valueResult(value, args.Format), nil
	}
}

// runKeyword runs a keyword while the executor is suspended. Called with lock held; releases it.
func (d *Debugger) runKeyword(ctx context.Context, call string, format *dap.ValueFormat) (dap.EvaluateResponseBody, error) {
	// A pause request only takes effect at the next start, so the executor may still be running.
	if !d.suspended || d.evaluating {
		d.lock.Unlock()
		return errorResult(errors.New("Keywords can only be run while the execution is paused.")), nil
	}

	parts := robot.SplitArguments(call)
	if len(parts) == 0 {
		d.lock.Unlock()
		return errorResult(errors.New("No keyword given.")), nil
	}

	d.evaluating = true
	ec := d.ec
	d.lock.Unlock()

	defer func() {
		d.lock.Lock()
		d.evaluating = false
		d.lock.Unlock()
	}()

	value, err := ec.RunKeyword(ctx, parts[0], parts[1:])
	if err != nil {
		return errorResult(err), nil
	}
	return valueResult(value, format), nil
}

func valueResult(value any, format *dap.ValueFormat) dap.EvaluateResponseBody {
	return dap.EvaluateResponseBody{Result: formatValue(value, format), Type: robot.TypeRepr(value)}
}

// formatValue renders a value for the client, showing integers in hexadecimal when asked to.
func formatValue(value any, format *dap.ValueFormat) string {
	if format != nil && format.Hex {
		if n, isInt := value.(int64); isInt {
			if n < 0 {
				return fmt.Sprintf("-0x%x", uint64(-n))
			}
			return fmt.Sprintf("0x%x", n)
		}
	}
	return robot.Repr(value)
}

func errorResult(err error) dap.EvaluateResponseBody {
	typeName := "ExecutionFailed"
	var evalErr *robot.EvaluationError
	if errors.As(err, &evalErr) {
		typeName = "EvaluationError"
	}
	return dap.EvaluateResponseBody{Result: err.Error(), Type: typeName}
}

// setVariable assigns an existing variable. The new value is evaluated as an expression.
func (d *Debugger) setVariable(args dap.SetVariableArguments) (dap.SetVariableResponseBody, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	frameID, kind := decodeReference(args.VariablesReference)
	f, err := d.frame(frameID)
	if err != nil {
		return dap.SetVariableResponseBody{}, err
	}
	if d.ec == nil {
		return dap.SetVariableResponseBody{}, jsonrpc.NewError(jsonrpc.CodeInternalError, "The execution has not started.")
	}

	store := d.storesOf(f).get(kind)
	if store == nil {
		return dap.SetVariableResponseBody{}, jsonrpc.NewError(jsonrpc.CodeInternalError, "Scope is not available.")
	}
	old, found := store.Lookup(args.Name)
	if !found {
		return dap.SetVariableResponseBody{}, jsonrpc.NewError(jsonrpc.CodeInternalError, "Variable '%s' not found.", args.Name)
	}

	value, err := d.ec.Evaluate(args.Value, f.vars)
	if err != nil {
		return dap.SetVariableResponseBody{}, jsonrpc.NewError(jsonrpc.CodeInternalError, "%s", err.Error())
	}

	store.Set(old.Name, value)
	d.propagate(store, old, value)

	return dap.SetVariableResponseBody{Value: formatValue(value, args.Format), Type: robot.TypeRepr(value)}, nil
}

// propagate updates the live stores that started as copies of store and still hold the old value.
func (d *Debugger) propagate(store *robot.Store, old robot.Variable, value any) {
	from := 0
	for i, f := range d.fullStack {
		if f.vars == store {
			from = i + 1
			break
		}
	}

	seen := map[*robot.Store]bool{store: true}
	for _, f := range d.fullStack[from:] {
		if f.vars == nil || seen[f.vars] {
			continue
		}
		seen[f.vars] = true
		if current, found := f.vars.Get(old.Name); found && robot.Equal(current, old.Value) {
			f.vars.Set(old.Name, value)
		}
	}
}
