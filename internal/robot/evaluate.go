/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import (
	"errors"
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const (
	// Expressions are evaluated with a step budget so a runaway loop cannot hang the run.
	maxEvaluationSteps = 10_000_000

	boundVariablePrefix = "__rf_var_"
)

var (
	evaluationOptions = &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
	}

	errEmptyExpression = errors.New("Expression cannot be empty.")
)

// EvaluationError is an error raised by an evaluated expression.
type EvaluationError struct {
	Expression string
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("Evaluating expression '%s' failed: %s", e.Expression, e.Err.Error())
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// evaluateExpression evaluates a Python-like expression with the Starlark interpreter.
// ${name} is replaced with the string value of the variable first; $name is bound to the variable value.
func evaluateExpression(expression string, r replacer) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, errEmptyExpression
	}

	substituted, err := substituteForEvaluation(expression, r)
	if err != nil {
		return nil, err
	}

	src, env, err := bindVariables(substituted, r.store)
	if err != nil {
		return nil, err
	}

	thread := &starlark.Thread{Name: "evaluate"}
	thread.SetMaxExecutionSteps(maxEvaluationSteps)

	value, evalErr := starlark.EvalOptions(evaluationOptions, thread, "<expression>", strings.TrimSpace(src), env)
	if evalErr != nil {
		return nil, &EvaluationError{Expression: substituted, Err: evalErr}
	}
	return fromStarlark(value), nil
}

// Replaces ${var} occurrences but leaves the rest of the text, including backslashes, alone.
func substituteForEvaluation(expression string, r replacer) (string, error) {
	var b strings.Builder
	pos := 0
	for {
		m := findVariable(expression, pos)
		if !m.found {
			b.WriteString(expression[pos:])
			return b.String(), nil
		}

		b.WriteString(expression[pos:m.start])
		value, err := r.resolveMatch(m)
		if err != nil {
			return "", err
		}
		b.WriteString(ToString(value))
		pos = m.end
	}
}

// Rewrites $name references into identifiers and binds them to the variable values.
func bindVariables(expression string, store *Store) (string, starlark.StringDict, error) {
	env := starlark.StringDict{}
	var b strings.Builder
	var quote byte

	for i := 0; i < len(expression); i++ {
		c := expression[i]

		if quote != 0 {
			b.WriteByte(c)
			if c == '\\' && i+1 < len(expression) {
				i++
				b.WriteByte(expression[i])
			} else if c == quote {
				quote = 0
			}
			continue
		}

		if c == '\'' || c == '"' {
			quote = c
			b.WriteByte(c)
			continue
		}

		if c != '$' || i+1 >= len(expression) || !isIdentifierStart(expression[i+1]) {
			b.WriteByte(c)
			continue
		}

		end := i + 1
		for end < len(expression) && isIdentifierChar(expression[end]) {
			end++
		}
		name := expression[i+1 : end]

		var value any
		found := false
		if store != nil {
			value, found = store.Get(name)
		}
		if !found {
			return "", nil, fmt.Errorf("Variable '$%s' not found.", name)
		}

		converted, err := toStarlark(value)
		if err != nil {
			return "", nil, err
		}
		identifier := boundVariablePrefix + NormalizeName(name)
		env[identifier] = converted
		b.WriteString(identifier)
		i = end - 1
	}

	return b.String(), env, nil
}

func isIdentifierStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentifierChar(c byte) bool {
	return isIdentifierStart(c) || (c >= '0' && c <= '9')
}

func toStarlark(v any) (starlark.Value, error) {
	switch typed := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(typed), nil
	case int64:
		return starlark.MakeInt64(typed), nil
	case float64:
		return starlark.Float(typed), nil
	case string:
		return starlark.String(typed), nil
	case []any:
		items := make([]starlark.Value, len(typed))
		for i, item := range typed {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			items[i] = converted
		}
		return starlark.NewList(items), nil
	case *Dict:
		d := starlark.NewDict(typed.Len())
		var convErr error
		typed.Each(func(key, value any) {
			if convErr != nil {
				return
			}
			k, err := toStarlark(key)
			if err != nil {
				convErr = err
				return
			}
			val, err := toStarlark(value)
			if err != nil {
				convErr = err
				return
			}
			convErr = d.SetKey(k, val)
		})
		if convErr != nil {
			return nil, convErr
		}
		return d, nil
	default:
		return nil, fmt.Errorf("values of type %T cannot be used in expressions", v)
	}
}

func fromStarlark(v starlark.Value) any {
	switch typed := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(typed)
	case starlark.Int:
		if n, ok := typed.Int64(); ok {
			return n
		}
		return typed.String()
	case starlark.Float:
		return float64(typed)
	case starlark.String:
		return string(typed)
	case *starlark.List:
		items := make([]any, typed.Len())
		for i := 0; i < typed.Len(); i++ {
			items[i] = fromStarlark(typed.Index(i))
		}
		return items
	case starlark.Tuple:
		items := make([]any, len(typed))
		for i, item := range typed {
			items[i] = fromStarlark(item)
		}
		return items
	case *starlark.Dict:
		d := NewDict()
		for _, item := range typed.Items() {
			key := fromStarlark(item[0])
			if _, isList := key.([]any); isList {
				key = item[0].String() // tuple keys
			}
			d.Set(key, fromStarlark(item[1]))
		}
		return d
	default:
		return v.String()
	}
}
