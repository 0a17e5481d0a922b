/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadVariableFile reads a YAML variable file. The top level must be a mapping;
// lists become list variables (@{name}) and mappings become dictionaries (&{name}).
func LoadVariableFile(path string) ([]Variable, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("Importing variable file '%s' failed: only YAML variable files are supported.", path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Importing variable file '%s' failed: %w", path, err)
	}

	var doc yaml.Node
	if err = yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("Importing variable file '%s' failed: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	top := doc.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("Importing variable file '%s' failed: YAML variable file must be a mapping, got %s.", path, kindName(top.Kind))
	}

	// Decode key by key so the variables keep the order of the file.
	var retval []Variable
	for i := 0; i+1 < len(top.Content); i += 2 {
		var name string
		if err = top.Content[i].Decode(&name); err != nil {
			return nil, fmt.Errorf("Importing variable file '%s' failed: %w", path, err)
		}

		value, decodeErr := decodeNode(top.Content[i+1])
		if decodeErr != nil {
			return nil, fmt.Errorf("Importing variable file '%s' failed: %w", path, decodeErr)
		}
		retval = append(retval, Variable{Name: decorate(name, value), Value: value})
	}
	return retval, nil
}

func decodeNode(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.MappingNode:
		d := NewDict()
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, err := decodeNode(node.Content[i])
			if err != nil {
				return nil, err
			}
			value, err := decodeNode(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			d.Set(key, value)
		}
		return d, nil
	case yaml.SequenceNode:
		list := make([]any, 0, len(node.Content))
		for _, item := range node.Content {
			value, err := decodeNode(item)
			if err != nil {
				return nil, err
			}
			list = append(list, value)
		}
		return list, nil
	case yaml.AliasNode:
		return decodeNode(node.Alias)
	default:
		var value any
		if err := node.Decode(&value); err != nil {
			return nil, err
		}
		return Normalize(value), nil
	}
}

func kindName(kind yaml.Kind) string {
	switch kind {
	case yaml.SequenceNode:
		return "list"
	case yaml.ScalarNode:
		return "scalar"
	default:
		return "document"
	}
}
