/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"bytes"
	"encoding/json"
	"strings"
)

// pathMapper translates source paths between the IDE machine and the debuggee.
type pathMapper struct {
	mappings []PathMapping
}

func newPathMapper(mappings []PathMapping) *pathMapper {
	return &pathMapper{mappings: mappings}
}

func (m *pathMapper) empty() bool {
	return m == nil || len(m.mappings) == 0
}

func (m *pathMapper) toRemote(path string) string {
	for _, pm := range m.mappings {
		if mapped, ok := replaceRoot(path, pm.LocalRoot, pm.RemoteRoot); ok {
			return mapped
		}
	}
	return path
}

func (m *pathMapper) toLocal(path string) string {
	for _, pm := range m.mappings {
		if mapped, ok := replaceRoot(path, pm.RemoteRoot, pm.LocalRoot); ok {
			return mapped
		}
	}
	return path
}

// replaceRoot replaces the from prefix of path with to. Either separator style is accepted,
// and the result uses the separator style of to.
func replaceRoot(path string, from string, to string) (string, bool) {
	if from == "" {
		return path, false
	}
	normalizedPath := strings.ReplaceAll(path, "\\", "/")
	normalizedFrom := strings.TrimSuffix(strings.ReplaceAll(from, "\\", "/"), "/")

	if normalizedPath != normalizedFrom && !strings.HasPrefix(normalizedPath, normalizedFrom+"/") {
		return path, false
	}

	rest := normalizedPath[len(normalizedFrom):]
	target := strings.TrimRight(to, "/\\")
	if strings.Contains(to, "\\") && !strings.Contains(to, "/") {
		rest = strings.ReplaceAll(rest, "/", "\\")
	}
	return target + rest, true
}

// mapSources rewrites the source paths in a request, response or event payload.
// Paths appear as "source": {"path": ...} objects and as "source": "<path>" strings.
func (m *pathMapper) mapSources(payload json.RawMessage, mapPath func(string) string) json.RawMessage {
	if m.empty() || len(payload) == 0 {
		return payload
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return payload
	}

	if !rewriteSources(value, mapPath) {
		return payload
	}
	mapped, err := json.Marshal(value)
	if err != nil {
		return payload
	}
	return mapped
}

func rewriteSources(value any, mapPath func(string) string) bool {
	changed := false
	switch typed := value.(type) {
	case map[string]any:
		for key, item := range typed {
			if key == "source" {
				switch source := item.(type) {
				case string:
					if mapped := mapPath(source); mapped != source {
						typed[key] = mapped
						changed = true
					}
					continue
				case map[string]any:
					if path, isString := source["path"].(string); isString {
						if mapped := mapPath(path); mapped != path {
							source["path"] = mapped
							changed = true
						}
					}
				}
			}
			changed = rewriteSources(item, mapPath) || changed
		}
	case []any:
		for _, item := range typed {
			changed = rewriteSources(item, mapPath) || changed
		}
	}
	return changed
}
