/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/emirpasic/gods/maps/linkedhashmap"
)

// Variable values are nil, bool, int64, float64, string, []any or *Dict.

// Dict is an insertion ordered dictionary.
type Dict struct {
	m *linkedhashmap.Map
}

func NewDict() *Dict {
	return &Dict{m: linkedhashmap.New()}
}

func (d *Dict) Set(key any, value any) {
	d.m.Put(key, value)
}

func (d *Dict) Get(key any) (any, bool) {
	return d.m.Get(key)
}

func (d *Dict) Delete(key any) {
	d.m.Remove(key)
}

func (d *Dict) Len() int {
	return d.m.Size()
}

func (d *Dict) Keys() []any {
	return d.m.Keys()
}

func (d *Dict) Each(fn func(key any, value any)) {
	d.m.Each(fn)
}

func (d *Dict) Copy() *Dict {
	c := NewDict()
	d.Each(func(key, value any) {
		c.Set(key, value)
	})
	return c
}

// Normalize converts values coming from outside (YAML documents, Go code) into variable values.
func Normalize(v any) any {
	switch typed := v.(type) {
	case nil, bool, int64, float64, string, *Dict:
		return v
	case int:
		return int64(typed)
	case int32:
		return int64(typed)
	case uint64:
		if typed > math.MaxInt64 {
			return float64(typed)
		}
		return int64(typed)
	case float32:
		return float64(typed)
	case []any:
		list := make([]any, len(typed))
		for i, item := range typed {
			list[i] = Normalize(item)
		}
		return list
	case []string:
		list := make([]any, len(typed))
		for i, item := range typed {
			list[i] = item
		}
		return list
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for k := range typed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := NewDict()
		for _, k := range keys {
			d.Set(k, Normalize(typed[k]))
		}
		return d
	case map[any]any:
		d := NewDict()
		for k, item := range typed {
			d.Set(Normalize(k), Normalize(item))
		}
		return d
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ToString converts a value the way string formatting in test data does.
func ToString(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case nil:
		return "None"
	case bool:
		if typed {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(typed, 10)
	case float64:
		return formatFloat(typed)
	default:
		return Repr(v)
	}
}

// Repr returns the Python-like representation of a value.
func Repr(v any) string {
	switch typed := v.(type) {
	case string:
		return quote(typed)
	case []any:
		items := make([]string, len(typed))
		for i, item := range typed {
			items[i] = Repr(item)
		}
		return "[" + strings.Join(items, ", ") + "]"
	case *Dict:
		var items []string
		typed.Each(func(key, value any) {
			items = append(items, Repr(key)+": "+Repr(value))
		})
		return "{" + strings.Join(items, ", ") + "}"
	default:
		return ToString(v)
	}
}

// TypeName returns the Python-like type name of a value.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "NoneType"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "str"
	case []any:
		return "list"
	case *Dict:
		return "dict"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// TypeRepr returns the representation of the type of a value, e.g. "<class 'int'>".
func TypeRepr(v any) string {
	return "<class '" + TypeName(v) + "'>"
}

// IsTruthy applies Python truth rules.
func IsTruthy(v any) bool {
	switch typed := v.(type) {
	case nil:
		return false
	case bool:
		return typed
	case int64:
		return typed != 0
	case float64:
		return typed != 0
	case string:
		return typed != ""
	case []any:
		return len(typed) > 0
	case *Dict:
		return typed.Len() > 0
	default:
		return true
	}
}

// Equal compares values with Python equality rules for the supported types.
func Equal(a, b any) bool {
	switch ta := a.(type) {
	case int64:
		switch tb := b.(type) {
		case int64:
			return ta == tb
		case float64:
			return float64(ta) == tb
		case bool:
			return ta == boolToInt(tb)
		}
	case float64:
		switch tb := b.(type) {
		case int64:
			return ta == float64(tb)
		case float64:
			return ta == tb
		}
	case bool:
		switch tb := b.(type) {
		case bool:
			return ta == tb
		case int64:
			return boolToInt(ta) == tb
		}
	case []any:
		tb, isList := b.([]any)
		if !isList || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !Equal(ta[i], tb[i]) {
				return false
			}
		}
		return true
	case *Dict:
		tb, isDict := b.(*Dict)
		if !isDict || ta.Len() != tb.Len() {
			return false
		}
		equal := true
		ta.Each(func(key, value any) {
			other, found := tb.Get(key)
			if !found || !Equal(value, other) {
				equal = false
			}
		})
		return equal
	}
	return a == b
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}

	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eIn") {
		s += ".0"
	}
	return s
}

func quote(s string) string {
	q := byte('\'')
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		q = '"'
	}

	var b strings.Builder
	b.WriteByte(q)
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == rune(q):
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte(q)
	return b.String()
}
