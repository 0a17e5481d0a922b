/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestReplacer() replacer {
	store := NewStore()
	store.Set("${name}", "world")
	store.Set("${num}", int64(42))
	store.Set("@{list}", []any{"a", "b", "c"})
	d := NewDict()
	d.Set("key", "value")
	d.Set(int64(1), "one")
	store.Set("&{dict}", d)
	store.Set("${idx}", int64(1))
	store.Set("${name_1}", "nested")
	return replacer{store: store, evaluate: func(expression string, s *Store) (any, error) {
		return evaluateExpression(expression, replacer{store: s})
	}}
}

func TestReplaceString(t *testing.T) {
	t.Parallel()

	r := newTestReplacer()
	testcases := []struct {
		input    string
		expected string
	}{
		{"Hello ${name}!", "Hello world!"},
		{"${num} items", "42 items"},
		{"${list}", "['a', 'b', 'c']"},
		{"first ${list}[0], last ${list}[-1]", "first a, last c"},
		{"${dict}[key]", "value"},
		{"${dict}[1]", "one"},
		{`\${name}`, "${name}"},
		{`line\nbreak`, "line\nbreak"},
		{"${name_${idx}}", "nested"},
		{"${SPACE * 2}|", "  |"},
		{"%{RFDEBUG_TEST_SURELY_UNSET=fallback}", "fallback"},
		{"${{ 1 + 2 }}", "3"},
	}

	for _, tc := range testcases {
		actual, err := r.replaceString(tc.input)
		require.NoError(t, err, tc.input)
		require.Equal(t, tc.expected, actual, tc.input)
	}
}

func TestResolveKeepsTypes(t *testing.T) {
	t.Parallel()

	r := newTestReplacer()

	value, err := r.resolve("${num}")
	require.NoError(t, err)
	require.Equal(t, int64(42), value)

	value, err = r.resolve("${list}[1:]")
	require.NoError(t, err)
	require.Equal(t, []any{"b", "c"}, value)

	value, err = r.resolve("${True}")
	require.NoError(t, err)
	require.Equal(t, true, value)

	value, err = r.resolve("${0x10}")
	require.NoError(t, err)
	require.Equal(t, int64(16), value)

	value, err = r.resolve("${1.5}")
	require.NoError(t, err)
	require.Equal(t, 1.5, value)

	value, err = r.resolve("${None}")
	require.NoError(t, err)
	require.Nil(t, value)
}

func TestResolveList(t *testing.T) {
	t.Parallel()

	r := newTestReplacer()
	values, err := r.resolveList([]string{"x", "@{list}", "${num}"})
	require.NoError(t, err)
	require.Equal(t, []any{"x", "a", "b", "c", int64(42)}, values)

	_, err = r.resolveList([]string{"@{name}"})
	require.EqualError(t, err, "Value of variable '@{name}' is not list or list-like.")
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	r := newTestReplacer()

	_, err := r.resolve("${missing}")
	require.EqualError(t, err, "Variable '${missing}' not found.")

	_, err = r.resolve("${list}[10]")
	require.EqualError(t, err, "List index 10 out of range.")

	_, err = r.resolve("${dict}[nope]")
	require.EqualError(t, err, "Dictionary {'key': 'value', 1: 'one'} has no key 'nope'.")

	_, err = r.resolve("${num}[0]")
	require.EqualError(t, err, "Variable '${num}' is int, which is not subscriptable.")

	_, err = r.resolve("%{RFDEBUG_TEST_SURELY_UNSET}")
	require.EqualError(t, err, "Environment variable '%{RFDEBUG_TEST_SURELY_UNSET}' not found.")
}

func TestStoreKeepsOrderAndSpelling(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Set("${First Var}", "1")
	s.Set("second", []any{"x"})
	s.Set("${first_var}", "updated")

	vars := s.Variables()
	require.Len(t, vars, 2)
	require.Equal(t, "${First Var}", vars[0].Name)
	require.Equal(t, "updated", vars[0].Value)
	require.Equal(t, "@{second}", vars[1].Name)

	require.True(t, s.Has("${FIRSTVAR}"))
	require.True(t, s.Has("@{Second}"))

	c := s.Copy()
	c.Set("${third}", "3")
	require.False(t, s.Has("third"))
	require.Equal(t, 3, c.Len())

	s.Delete("first var")
	require.Equal(t, 1, s.Len())
}

func TestIsVariable(t *testing.T) {
	t.Parallel()

	require.True(t, IsVariable("${x}"))
	require.True(t, IsVariable("@{items}"))
	require.False(t, IsVariable("${x}[0]"))
	require.False(t, IsVariable("prefix ${x}"))
	require.False(t, IsVariable(`\${x}`))
}

func TestValueFormatting(t *testing.T) {
	t.Parallel()

	d := NewDict()
	d.Set("a", int64(1))
	d.Set("b", []any{true, nil, 2.0})

	require.Equal(t, "{'a': 1, 'b': [True, None, 2.0]}", ToString(d))
	require.Equal(t, `"it's"`, Repr("it's"))
	require.Equal(t, "<class 'dict'>", TypeRepr(d))
	require.True(t, Equal(int64(2), 2.0))
	require.False(t, IsTruthy([]any{}))
}
