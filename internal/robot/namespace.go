/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import (
	"fmt"
	"path/filepath"
	"strings"
)

// namespace holds the user keywords visible in a suite: its own and those of imported resource files.
type namespace struct {
	keywords map[string]*UserKeyword
	libNames map[*UserKeyword]string
}

func normalizeKeywordName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "")
	return strings.ReplaceAll(name, "_", "")
}

func (ns *namespace) add(kw *UserKeyword, libName string) {
	key := normalizeKeywordName(kw.Name)
	if _, exists := ns.keywords[key]; exists {
		// Keywords of the suite file win over those of resources; first import wins otherwise.
		return
	}
	ns.keywords[key] = kw
	ns.libNames[kw] = libName
}

func (ns *namespace) find(name string) *UserKeyword {
	if ns == nil {
		return nil
	}
	if kw, found := ns.keywords[normalizeKeywordName(name)]; found {
		return kw
	}
	// Resource.Keyword
	if lib, kwName, qualified := cutLast(name, "."); qualified {
		if kw, found := ns.keywords[normalizeKeywordName(kwName)]; found && strings.EqualFold(ns.libNames[kw], lib) {
			return kw
		}
	}
	return nil
}

func cutLast(s, sep string) (string, string, bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return "", s, false
	}
	return s[:i], s[i+len(sep):], true
}

// importNamespace imports the variables and resources of a suite file into vars and
// returns the keywords visible in the suite. Import errors are reported, not returned.
func (r *Runner) importNamespace(file *File, vars *Store) *namespace {
	ns := &namespace{keywords: map[string]*UserKeyword{}, libNames: map[*UserKeyword]string{}}
	for _, kw := range file.Keywords {
		ns.add(kw, "")
	}
	r.importFile(file, vars, ns, map[string]bool{file.Source: true})
	return ns
}

func (r *Runner) importFile(file *File, vars *Store, ns *namespace, visited map[string]bool) {
	rep := r.replacer(vars)
	dir := filepath.Dir(file.Source)

	r.setVariableTable(file, rep)

	for _, imp := range file.Settings.VariableFiles {
		path, err := r.importPath(rep, dir, imp)
		if err != nil {
			r.reportError(DataError{Source: file.Source, Line: imp.Line, Message: err.Error()}.Error())
			continue
		}
		loaded, err := LoadVariableFile(path)
		if err != nil {
			r.reportError(DataError{Source: file.Source, Line: imp.Line, Message: err.Error()}.Error())
			continue
		}
		for _, v := range loaded {
			vars.Set(v.Name, v.Value)
		}
	}

	for _, imp := range file.Settings.Libraries {
		if !strings.EqualFold(imp.Name, "BuiltIn") {
			r.reportError(DataError{Source: file.Source, Line: imp.Line, Message: fmt.Sprintf("Importing library '%s' failed: library is not available.", imp.Name)}.Error())
		}
	}

	for _, imp := range file.Settings.Resources {
		path, err := r.importPath(rep, dir, imp)
		if err != nil {
			r.reportError(DataError{Source: file.Source, Line: imp.Line, Message: err.Error()}.Error())
			continue
		}
		if visited[path] {
			continue
		}
		visited[path] = true

		resource, err := r.loadResource(path)
		if err != nil {
			r.reportError(DataError{Source: file.Source, Line: imp.Line, Message: err.Error()}.Error())
			continue
		}

		libName := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		for _, kw := range resource.Keywords {
			ns.add(kw, libName)
		}
		r.importFile(resource, vars, ns, visited)
	}
}

func (r *Runner) importPath(rep replacer, dir string, imp Import) (string, error) {
	name, err := rep.replaceString(imp.Name)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", fmt.Errorf("Import name cannot be empty.")
	}
	if !filepath.IsAbs(name) {
		name = filepath.Join(dir, name)
	}
	return filepath.Clean(name), nil
}

func (r *Runner) loadResource(path string) (*File, error) {
	if file, found := r.resources[path]; found {
		return file, nil
	}

	file, err := ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("Resource file '%s' does not exist.", path)
	}
	for _, e := range file.Errors {
		r.reportError(e.Error())
	}
	if len(file.Tests) > 0 {
		return nil, fmt.Errorf("Resource file '%s' cannot contain tests or tasks.", path)
	}
	r.resources[path] = file
	return file, nil
}

// Sets the variables of the Variables section. Variables may refer to variables defined before them.
func (r *Runner) setVariableTable(file *File, rep replacer) {
	for _, decl := range file.Variables {
		value, err := variableTableValue(decl, rep)
		if err != nil {
			r.reportError(DataError{Source: file.Source, Line: decl.Line, Message: fmt.Sprintf("Setting variable '%s' failed: %s", decl.Name, err.Error())}.Error())
			continue
		}
		rep.store.Set(decl.Name, value)
	}
}

func variableTableValue(decl VariableDecl, rep replacer) (any, error) {
	switch decl.Name[0] {
	case '@':
		return rep.resolveList(decl.Values)
	case '&':
		return dictFromItems(decl.Values, rep)
	default:
		switch len(decl.Values) {
		case 0:
			return "", nil
		case 1:
			return rep.resolve(decl.Values[0])
		default:
			parts := make([]string, len(decl.Values))
			for i, v := range decl.Values {
				s, err := rep.replaceString(v)
				if err != nil {
					return nil, err
				}
				parts[i] = s
			}
			return strings.Join(parts, " "), nil
		}
	}
}

// dictFromItems builds a dictionary from "key=value" items. &{dict} items are merged in.
func dictFromItems(items []string, rep replacer) (*Dict, error) {
	d := NewDict()
	for _, item := range items {
		if isWhole(item, '&') {
			value, err := rep.resolve(item)
			if err != nil {
				return nil, err
			}
			value.(*Dict).Each(func(k, v any) { d.Set(k, v) })
			continue
		}

		rawKey, rawValue, ok := splitNamedArgument(item)
		if !ok {
			return nil, fmt.Errorf("Invalid dictionary item '%s': items must use 'name=value' syntax or be dictionary variables themselves.", item)
		}
		key, err := rep.resolve(rawKey)
		if err != nil {
			return nil, err
		}
		switch key.(type) {
		case []any, *Dict:
			return nil, fmt.Errorf("Dictionary keys must be hashable, got %s.", TypeName(key))
		}
		value, err := rep.resolve(rawValue)
		if err != nil {
			return nil, err
		}
		d.Set(key, value)
	}
	return d, nil
}

// splitNamedArgument splits "name=value" at the first unescaped equal sign.
func splitNamedArgument(arg string) (string, string, bool) {
	for i := 0; i < len(arg); i++ {
		switch arg[i] {
		case '\\':
			i++
		case '$', '@', '&', '%':
			if i+1 < len(arg) && arg[i+1] == '{' {
				if closing := matchingBrace(arg, i+1); closing > 0 {
					i = closing
				}
			}
		case '=':
			if i == 0 {
				return "", "", false
			}
			return arg[:i], arg[i+1:], true
		}
	}
	return "", "", false
}
