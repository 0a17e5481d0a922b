/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import "strconv"

// File is a parsed test data file (a suite file, an __init__ file or a resource file).
type File struct {
	Source   string
	Settings Settings

	Variables []VariableDecl
	Tests     []*TestCase
	Keywords  []*UserKeyword

	// Errors found while parsing. The rest of the file is still usable.
	Errors []DataError
}

type DataError struct {
	Source  string
	Line    int
	Message string
}

func (e DataError) Error() string {
	return "Error in file '" + e.Source + "' on line " + strconv.Itoa(e.Line) + ": " + e.Message
}

type Settings struct {
	Documentation string
	Metadata      map[string]string
	SuiteSetup    *KeywordCall
	SuiteTeardown *KeywordCall
	TestSetup     *KeywordCall
	TestTeardown  *KeywordCall
	TestTags      []string
	Resources     []Import
	VariableFiles []Import
	Libraries     []Import
}

type Import struct {
	Name string
	Args []string
	Line int
}

type VariableDecl struct {
	Name   string // decorated
	Values []string
	Line   int
}

type TestCase struct {
	Name     string
	Line     int
	Doc      string
	Tags     []string
	Setup    *KeywordCall
	Teardown *KeywordCall
	Body     []Step

	// Set when the test declares its own [Setup] or [Teardown], even if empty,
	// which overrides the suite level Test Setup and Test Teardown.
	HasOwnSetup    bool
	HasOwnTeardown bool
}

type UserKeyword struct {
	Name      string
	Source    string
	Line      int
	Doc       string
	Arguments []ArgumentSpec
	Body      []Step
	Returns   []string // [Return] setting
	Teardown  *KeywordCall
	Tags      []string
}

type ArgumentKind int

const (
	ArgumentPositional ArgumentKind = iota
	ArgumentVarargs                 // @{args}
	ArgumentKwargs                  // &{kwargs}
)

type ArgumentSpec struct {
	Name       string // decorated, e.g. "${name}"
	Kind       ArgumentKind
	Default    string
	HasDefault bool
}

// Step is one statement of a test or keyword body.
type Step interface {
	StepLine() int
}

type KeywordCall struct {
	Name   string
	Args   []string
	Assign []string
	Line   int
}

type ForLoop struct {
	Flavor    string // IN, IN RANGE, IN ENUMERATE, IN ZIP
	Variables []string
	Values    []string
	Body      []Step
	Line      int
}

type IfBranch struct {
	Type      string // IF, ELSE IF, ELSE
	Condition string
	Body      []Step
	Line      int
}

type IfBlock struct {
	Branches []IfBranch
	Line     int
}

type WhileLoop struct {
	Condition string
	Limit     string
	Body      []Step
	Line      int
}

type ExceptBranch struct {
	Patterns    []string
	PatternType string // "", GLOB, REGEXP, START
	AssignTo    string
	Body        []Step
	Line        int
}

type TryBlock struct {
	Body        []Step
	Excepts     []ExceptBranch
	Else        []Step
	ElseLine    int
	Finally     []Step
	FinallyLine int
	Line        int
}

type ReturnStatement struct {
	Values []string
	Line   int
}

type BreakStatement struct {
	Line int
}

type ContinueStatement struct {
	Line int
}

// InvalidStep stands in for a statement that could not be parsed. Running it fails.
type InvalidStep struct {
	Message string
	Line    int
}

func (s *KeywordCall) StepLine() int       { return s.Line }
func (s *ForLoop) StepLine() int           { return s.Line }
func (s *IfBlock) StepLine() int           { return s.Line }
func (s *WhileLoop) StepLine() int         { return s.Line }
func (s *TryBlock) StepLine() int          { return s.Line }
func (s *ReturnStatement) StepLine() int   { return s.Line }
func (s *BreakStatement) StepLine() int    { return s.Line }
func (s *ContinueStatement) StepLine() int { return s.Line }
func (s *InvalidStep) StepLine() int       { return s.Line }
