/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"unicode"
)

const initFileName = "__init__.robot"

var (
	suiteExtensions = []string{".robot", ".txt"}
	namePrefix      = regexp.MustCompile(`^\d+__`)
)

// Suite is a test suite built from a file or a directory.
type Suite struct {
	Name   string
	ID     string
	Source string // absolute path of the file or directory

	// File holds the settings, variables and keywords of the suite.
	// For directory suites it comes from the __init__ file and may be empty.
	File *File

	Tests  []*TestCase
	Suites []*Suite
	Parent *Suite
}

func (s *Suite) LongName() string {
	if s.Parent == nil {
		return s.Name
	}
	return s.Parent.LongName() + "." + s.Name
}

// TestCount returns the number of tests in the suite and its child suites.
func (s *Suite) TestCount() int {
	count := len(s.Tests)
	for _, child := range s.Suites {
		count += child.TestCount()
	}
	return count
}

func (s *Suite) testID(index int) string {
	return fmt.Sprintf("%s-t%d", s.ID, index+1)
}

// Filter selects the tests to run. Patterns are glob patterns matched ignoring case and spaces.
type Filter struct {
	Tests   []string
	Suites  []string
	Include []string
	Exclude []string
}

func (f Filter) empty() bool {
	return len(f.Tests) == 0 && len(f.Suites) == 0 && len(f.Include) == 0 && len(f.Exclude) == 0
}

// BuildSuite builds the suite tree from one or more paths. Multiple paths become child suites
// of a combined suite. Parsing errors are reported through onError; only errors that leave
// nothing to run are returned.
func BuildSuite(paths []string, filter Filter, onError func(DataError)) (*Suite, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: expected at least one input file or directory", ErrInvalidData)
	}

	var roots []*Suite
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidData, err)
		}
		suite, err := buildSuite(abs, onError)
		if err != nil {
			return nil, err
		}
		roots = append(roots, suite)
	}

	root := roots[0]
	if len(roots) > 1 {
		names := make([]string, len(roots))
		for i, r := range roots {
			names[i] = r.Name
		}
		root = &Suite{Name: strings.Join(names, " & "), File: &File{Settings: Settings{Metadata: map[string]string{}}}}
		for _, r := range roots {
			r.Parent = root
			root.Suites = append(root.Suites, r)
		}
	}

	if !filter.empty() {
		filterSuite(root, filter)
	}
	pruneEmpty(root)
	if root.TestCount() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidData, noTestsMessage(root, filter))
	}

	assignIDs(root, "s1")
	return root, nil
}

func buildSuite(source string, onError func(DataError)) (*Suite, error) {
	info, err := os.Stat(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: parsing '%s' failed: File or directory does not exist.", ErrInvalidData, source)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidData, err)
	}

	if !info.IsDir() {
		file, parseErr := ParseFile(source)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidData, parseErr)
		}
		reportErrors(file, onError)
		return &Suite{Name: formatSuiteName(filepath.Base(source)), Source: source, File: file, Tests: file.Tests}, nil
	}

	suite := &Suite{
		Name:   formatSuiteName(filepath.Base(source)),
		Source: source,
		File:   &File{Source: source, Settings: Settings{Metadata: map[string]string{}}},
	}

	entries, err := os.ReadDir(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidData, err)
	}
	// ReadDir returns entries sorted by name, which is the execution order.
	for _, entry := range entries {
		name := entry.Name()
		full := filepath.Join(source, name)

		switch {
		case strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") && name != initFileName:
			continue
		case strings.EqualFold(name, initFileName):
			file, parseErr := ParseFile(full)
			if parseErr != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidData, parseErr)
			}
			reportErrors(file, onError)
			if len(file.Tests) > 0 {
				onError(DataError{Source: full, Line: file.Tests[0].Line, Message: "Test cases are not allowed in suite initialization files."})
				file.Tests = nil
			}
			suite.File = file
		case entry.IsDir():
			child, childErr := buildSuite(full, onError)
			if childErr != nil {
				return nil, childErr
			}
			child.Parent = suite
			suite.Suites = append(suite.Suites, child)
		case slices.Contains(suiteExtensions, strings.ToLower(filepath.Ext(name))):
			child, childErr := buildSuite(full, onError)
			if childErr != nil {
				return nil, childErr
			}
			if len(child.Tests) == 0 {
				// A file without tests is a resource file.
				continue
			}
			child.Parent = suite
			suite.Suites = append(suite.Suites, child)
		}
	}

	return suite, nil
}

func reportErrors(file *File, onError func(DataError)) {
	for _, e := range file.Errors {
		onError(e)
	}
}

// formatSuiteName turns a file or directory name into a suite name: "01__my_tests.robot" -> "My Tests".
func formatSuiteName(base string) string {
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = namePrefix.ReplaceAllString(name, "")
	name = strings.ReplaceAll(name, "_", " ")

	words := strings.Fields(name)
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

func assignIDs(s *Suite, id string) {
	s.ID = id
	for i, child := range s.Suites {
		child.Parent = s
		assignIDs(child, fmt.Sprintf("%s-s%d", id, i+1))
	}
}

func filterSuite(s *Suite, filter Filter) {
	suiteSelected := len(filter.Suites) == 0 || suiteMatches(s, filter.Suites)

	var kept []*TestCase
	for _, t := range s.Tests {
		if !suiteSelected {
			continue
		}
		if len(filter.Tests) > 0 && !matchesAny(filter.Tests, t.Name, s.LongName()+"."+t.Name) {
			continue
		}
		tags := append(slices.Clone(s.File.Settings.TestTags), t.Tags...)
		if len(filter.Include) > 0 && !tagsMatch(filter.Include, tags) {
			continue
		}
		if len(filter.Exclude) > 0 && tagsMatch(filter.Exclude, tags) {
			continue
		}
		kept = append(kept, t)
	}
	s.Tests = kept

	for _, child := range s.Suites {
		if suiteSelected && len(filter.Suites) > 0 {
			// Everything below a selected suite is selected.
			childFilter := filter
			childFilter.Suites = nil
			filterSuite(child, childFilter)
		} else {
			filterSuite(child, filter)
		}
	}
}

func suiteMatches(s *Suite, patterns []string) bool {
	return matchesAny(patterns, s.Name, s.LongName())
}

func tagsMatch(patterns []string, tags []string) bool {
	for _, pattern := range patterns {
		// AND patterns: tag1ANDtag2
		parts := strings.Split(pattern, "AND")
		all := true
		for _, part := range parts {
			found := false
			for _, tag := range tags {
				if globMatch(part, tag) {
					found = true
					break
				}
			}
			if !found {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func matchesAny(patterns []string, names ...string) bool {
	for _, pattern := range patterns {
		for _, name := range names {
			if globMatch(pattern, name) {
				return true
			}
		}
	}
	return false
}

func globMatch(pattern, name string) bool {
	normalize := func(s string) string {
		return strings.ToLower(strings.Join(strings.Fields(s), ""))
	}
	matched, err := path.Match(normalize(pattern), normalize(name))
	return err == nil && matched
}

func pruneEmpty(s *Suite) {
	var kept []*Suite
	for _, child := range s.Suites {
		pruneEmpty(child)
		if child.TestCount() > 0 {
			kept = append(kept, child)
		}
	}
	s.Suites = kept
}

func noTestsMessage(root *Suite, filter Filter) string {
	if filter.empty() {
		return fmt.Sprintf("Suite '%s' contains no tests.", root.Name)
	}

	var parts []string
	if len(filter.Tests) > 0 {
		parts = append(parts, "tests matching name '"+strings.Join(filter.Tests, "' or '")+"'")
	}
	if len(filter.Include) > 0 {
		parts = append(parts, "tests including tags '"+strings.Join(filter.Include, "' or '")+"'")
	}
	if len(filter.Exclude) > 0 {
		parts = append(parts, "tests excluding tags '"+strings.Join(filter.Exclude, "' or '")+"'")
	}
	if len(filter.Suites) > 0 {
		parts = append(parts, "suites matching name '"+strings.Join(filter.Suites, "' or '")+"'")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Suite '%s' contains no tests.", root.Name)
	}
	return fmt.Sprintf("Suite '%s' contains no %s.", root.Name, strings.Join(parts, " and "))
}
