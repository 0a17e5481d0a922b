/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type variableMatch struct {
	start      int
	end        int // exclusive, includes item accessors
	found      bool
	decoration byte
	body       string
	items      []string
}

// Finds the first variable in s at or after position from. Escaped variables (\${x}) are skipped.
func findVariable(s string, from int) variableMatch {
	for i := from; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++ // skip the escaped character
			continue
		case '$', '@', '&', '%':
		default:
			continue
		}

		if i+1 >= len(s) || s[i+1] != '{' {
			continue
		}

		closing := matchingBrace(s, i+1)
		if closing < 0 {
			return variableMatch{}
		}

		m := variableMatch{
			start:      i,
			end:        closing + 1,
			found:      true,
			decoration: s[i],
			body:       s[i+2 : closing],
		}

		if m.decoration != '%' {
			for m.end < len(s) && s[m.end] == '[' {
				itemEnd := matchingBracket(s, m.end)
				if itemEnd < 0 {
					break
				}
				m.items = append(m.items, s[m.end+1:itemEnd])
				m.end = itemEnd + 1
			}
		}

		return m
	}

	return variableMatch{}
}

func matchingBrace(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func matchingBracket(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// replacer substitutes variables of one store.
type replacer struct {
	store    *Store
	evaluate func(expression string, store *Store) (any, error)
}

// replaceString replaces all variables in s with their string values and unescapes the result.
func (r replacer) replaceString(s string) (string, error) {
	if !strings.ContainsAny(s, "$@&%\\") {
		return s, nil
	}

	var b strings.Builder
	pos := 0
	for {
		m := findVariable(s, pos)
		if !m.found {
			b.WriteString(unescape(s[pos:]))
			return b.String(), nil
		}

		b.WriteString(unescape(s[pos:m.start]))
		value, err := r.resolveMatch(m)
		if err != nil {
			return "", err
		}
		b.WriteString(ToString(value))
		pos = m.end
	}
}

// resolve returns the value of s. A string consisting of one variable yields the variable value itself.
func (r replacer) resolve(s string) (any, error) {
	m := findVariable(s, 0)
	if m.found && m.start == 0 && m.end == len(s) {
		return r.resolveMatch(m)
	}
	return r.replaceString(s)
}

// resolveList resolves values, expanding list variables used on their own (@{list}) into their items.
func (r replacer) resolveList(values []string) ([]any, error) {
	resolved := make([]any, 0, len(values))
	for _, raw := range values {
		if isWhole(raw, '@') {
			value, err := r.resolve(raw)
			if err != nil {
				return nil, err
			}
			items, isList := value.([]any)
			if !isList {
				return nil, fmt.Errorf("Value of variable '%s' is not list or list-like.", raw)
			}
			resolved = append(resolved, items...)
			continue
		}

		value, err := r.resolve(raw)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, value)
	}
	return resolved, nil
}

func isWhole(s string, decoration byte) bool {
	m := findVariable(s, 0)
	return m.found && m.start == 0 && m.end == len(s) && m.decoration == decoration
}

func (r replacer) resolveMatch(m variableMatch) (any, error) {
	body := m.body

	// Inline evaluation: ${{ expression }}
	if m.decoration == '$' && len(body) >= 2 && body[0] == '{' && body[len(body)-1] == '}' {
		if r.evaluate == nil {
			return nil, fmt.Errorf("Inline evaluation is not supported here.")
		}
		value, err := r.evaluate(strings.TrimSpace(body[1:len(body)-1]), r.store)
		if err != nil {
			return nil, err
		}
		return r.resolveItems(m, value)
	}

	if strings.ContainsAny(body, "$@&%") {
		replaced, err := r.replaceString(body)
		if err != nil {
			return nil, err
		}
		body = replaced
	}

	if m.decoration == '%' {
		return resolveEnvironmentVariable(body)
	}

	decorated := string(m.decoration) + "{" + body + "}"
	if value, found := r.lookup(body); found {
		if m.decoration == '@' {
			if _, isList := value.([]any); !isList {
				return nil, fmt.Errorf("Value of variable '%s' is not list or list-like.", decorated)
			}
		}
		if m.decoration == '&' {
			if _, isDict := value.(*Dict); !isDict {
				return nil, fmt.Errorf("Value of variable '%s' is not dictionary or dictionary-like.", decorated)
			}
		}
		return r.resolveItems(m, value)
	}

	if value, found := builtinVariable(m.decoration, body); found {
		return r.resolveItems(m, value)
	}

	return nil, fmt.Errorf("Variable '%s' not found.", decorated)
}

func (r replacer) lookup(name string) (any, bool) {
	if r.store == nil {
		return nil, false
	}
	return r.store.Get(name)
}

func (r replacer) resolveItems(m variableMatch, value any) (any, error) {
	for _, rawItem := range m.items {
		item, err := r.replaceString(rawItem)
		if err != nil {
			return nil, err
		}

		switch container := value.(type) {
		case []any:
			value, err = listItem(container, item)
		case string:
			var items []any
			for _, ch := range container {
				items = append(items, string(ch))
			}
			var sub any
			sub, err = listItem(items, item)
			if err == nil {
				value = joinStrings(sub)
			}
		case *Dict:
			found := false
			if v, ok := container.Get(item); ok {
				value, found = v, true
			} else if n, convErr := strconv.ParseInt(item, 10, 64); convErr == nil {
				if v, ok := container.Get(n); ok {
					value, found = v, true
				}
			}
			if !found {
				err = fmt.Errorf("Dictionary %s has no key '%s'.", Repr(container), item)
			}
		default:
			err = fmt.Errorf("Variable '%s{%s}' is %s, which is not subscriptable.", string(m.decoration), m.body, TypeName(value))
		}

		if err != nil {
			return nil, err
		}
	}
	return value, nil
}

func joinStrings(v any) any {
	items, isList := v.([]any)
	if !isList {
		return v
	}
	var b strings.Builder
	for _, item := range items {
		b.WriteString(item.(string))
	}
	return b.String()
}

func listItem(list []any, item string) (any, error) {
	if before, after, isSlice := strings.Cut(item, ":"); isSlice {
		start, end := 0, len(list)
		if before != "" {
			n, err := strconv.Atoi(strings.TrimSpace(before))
			if err != nil {
				return nil, fmt.Errorf("List index '%s' is invalid.", item)
			}
			start = clampIndex(n, len(list))
		}
		if after != "" {
			n, err := strconv.Atoi(strings.TrimSpace(after))
			if err != nil {
				return nil, fmt.Errorf("List index '%s' is invalid.", item)
			}
			end = clampIndex(n, len(list))
		}
		if start > end {
			return []any{}, nil
		}
		return append([]any{}, list[start:end]...), nil
	}

	index, err := strconv.Atoi(strings.TrimSpace(item))
	if err != nil {
		return nil, fmt.Errorf("List index '%s' is invalid.", item)
	}
	if index < 0 {
		index += len(list)
	}
	if index < 0 || index >= len(list) {
		return nil, fmt.Errorf("List index %s out of range.", item)
	}
	return list[index], nil
}

func clampIndex(n int, length int) int {
	if n < 0 {
		n += length
	}
	return max(0, min(n, length))
}

func resolveEnvironmentVariable(body string) (any, error) {
	name, defaultValue, hasDefault := strings.Cut(body, "=")
	if value, found := os.LookupEnv(name); found {
		return value, nil
	}
	if hasDefault {
		return defaultValue, nil
	}
	return nil, fmt.Errorf("Environment variable '%%{%s}' not found.", name)
}

// Variables that are always available, like ${True} and numbers.
func builtinVariable(decoration byte, body string) (any, bool) {
	switch decoration {
	case '@':
		if strings.EqualFold(body, "EMPTY") {
			return []any{}, true
		}
		return nil, false
	case '&':
		if strings.EqualFold(body, "EMPTY") {
			return NewDict(), true
		}
		return nil, false
	}

	normalized := NormalizeName(body)
	switch normalized {
	case "true":
		return true, true
	case "false":
		return false, true
	case "none", "null":
		return nil, true
	case "empty":
		return "", true
	case "space":
		return " ", true
	case "\\n":
		return "\n", true
	}

	if strings.HasPrefix(normalized, "space*") {
		if n, err := strconv.Atoi(strings.TrimPrefix(normalized, "space*")); err == nil && n >= 0 {
			return strings.Repeat(" ", n), true
		}
	}

	if n, err := strconv.ParseInt(strings.ReplaceAll(body, "_", ""), 0, 64); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(body, 64); err == nil {
		return f, true
	}
	return nil, false
}

// unescape processes backslash escapes of test data.
func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
