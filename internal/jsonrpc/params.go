/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ParamShape describes the parameter list of a method so that both by-name (object)
// and positional (array) parameters can be bound to the same Go struct.
// Names are the JSON field names of the struct, in positional order.
type ParamShape struct {
	names []string
	rest  string
}

func Params(names ...string) ParamShape {
	return ParamShape{names: names}
}

// WithRest names a catch-all field. Object members that match no declared name are
// collected into it as an object; surplus positional values as an array.
func (s ParamShape) WithRest(name string) ParamShape {
	s.rest = name
	return s
}

// normalize rewrites raw params into an object holding only the declared names (and the rest field).
func (s ParamShape) normalize(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var values []json.RawMessage
		if err := json.Unmarshal(trimmed, &values); err != nil {
			return nil, err
		}
		return s.bindPositional(values)
	case '{':
		var members map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &members); err != nil {
			return nil, err
		}
		return s.bindByName(members)
	default:
		return nil, fmt.Errorf("params must be an object or an array")
	}
}

func (s ParamShape) bindPositional(values []json.RawMessage) (json.RawMessage, error) {
	bound := make(map[string]json.RawMessage, len(s.names)+1)

	for i, value := range values {
		if i < len(s.names) {
			bound[s.names[i]] = value
		}
	}

	if surplus := len(values) - len(s.names); surplus > 0 {
		if s.rest == "" {
			return nil, fmt.Errorf("expected at most %d positional parameters, got %d", len(s.names), len(values))
		}
		extra, err := json.Marshal(values[len(s.names):])
		if err != nil {
			return nil, err
		}
		bound[s.rest] = extra
	}

	return json.Marshal(bound)
}

func (s ParamShape) bindByName(members map[string]json.RawMessage) (json.RawMessage, error) {
	bound := make(map[string]json.RawMessage, len(s.names)+1)
	var extra map[string]json.RawMessage

	for key, value := range members {
		if s.declares(key) {
			bound[key] = value
			continue
		}
		if s.rest == "" {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[key] = value
	}

	if extra != nil {
		rest, err := json.Marshal(extra)
		if err != nil {
			return nil, err
		}
		bound[s.rest] = rest
	}

	return json.Marshal(bound)
}

func (s ParamShape) declares(name string) bool {
	for _, n := range s.names {
		if n == name {
			return true
		}
	}
	return false
}
