/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package robot runs test suites written in the Robot Framework plain text format
// and reports their progress to listeners.
package robot

import (
	"context"
	"time"
)

type Status string

const (
	StatusPass   Status = "PASS"
	StatusFail   Status = "FAIL"
	StatusSkip   Status = "SKIP"
	StatusNotRun Status = "NOT RUN"
)

// Keyword types reported in KeywordAttrs.Type.
const (
	KeywordTypeKeyword   = "KEYWORD"
	KeywordTypeSetup     = "SETUP"
	KeywordTypeTeardown  = "TEARDOWN"
	KeywordTypeFor       = "FOR"
	KeywordTypeIteration = "ITERATION"
	KeywordTypeIf        = "IF"
	KeywordTypeElseIf    = "ELSE IF"
	KeywordTypeElse      = "ELSE"
	KeywordTypeWhile     = "WHILE"
	KeywordTypeTry       = "TRY"
	KeywordTypeExcept    = "EXCEPT"
	KeywordTypeFinally   = "FINALLY"
	KeywordTypeReturn    = "RETURN"
	KeywordTypeBreak     = "BREAK"
	KeywordTypeContinue  = "CONTINUE"
)

type SuiteAttrs struct {
	ID         string
	LongName   string
	Source     string
	Doc        string
	Metadata   map[string]string
	Tests      []string
	Suites     []string
	TotalTests int
	Status     Status
	Message    string
	StartTime  time.Time
	EndTime    time.Time
}

type TestAttrs struct {
	ID        string
	LongName  string
	Source    string
	Lineno    int
	Doc       string
	Tags      []string
	Status    Status
	Message   string
	StartTime time.Time
	EndTime   time.Time
}

type KeywordAttrs struct {
	Type    string
	KwName  string
	LibName string
	Args    []string
	Assign  []string
	Source  string
	Lineno  int
	Status  Status
	Message string

	// Handler identifies the keyword implementation. It is only meaningful as a map key.
	Handler any

	// IsUserKeyword is set for keywords implemented in test data rather than in a library.
	IsUserKeyword bool

	// Arguments lists the declared argument names of user keywords, e.g. "${name}".
	Arguments []string

	StartTime time.Time
	EndTime   time.Time
}

type LogLevel string

const (
	LevelTrace LogLevel = "TRACE"
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

type LogMessage struct {
	Message   string
	Level     LogLevel
	HTML      bool
	Timestamp time.Time
}

// Listener receives execution events. All callbacks are made on the goroutine running the suites.
// The name passed to StartKeyword/EndKeyword is the full name (library name and keyword name).
type Listener interface {
	StartSuite(name string, attrs SuiteAttrs)
	EndSuite(name string, attrs SuiteAttrs)
	StartTest(name string, attrs TestAttrs)
	EndTest(name string, attrs TestAttrs)
	StartKeyword(name string, attrs KeywordAttrs)
	EndKeyword(name string, attrs KeywordAttrs)

	// LogMessage reports messages logged by keywords.
	LogMessage(msg LogMessage)

	// Message reports messages of the framework itself, like syntax errors in test data.
	Message(msg LogMessage)

	// Close is called once, after the last suite has ended.
	Close()
}

// ContextAware listeners are given access to the execution context before the first suite starts.
type ContextAware interface {
	UseContext(ec ExecutionContext)
}

type Scope int

const (
	ScopeCurrent Scope = iota
	ScopeTest
	ScopeSuite
	ScopeGlobal
)

// ExecutionContext exposes the state of a running execution.
// Methods must only be called while the execution goroutine is inside a listener callback,
// or is blocked waiting for the caller.
type ExecutionContext interface {
	// Variables returns the variable store of a scope, or nil if the scope is not active
	// (there is no test store outside of tests).
	Variables(scope Scope) *Store

	// ReplaceString replaces variables in s with their string values.
	// A nil store means the current scope.
	ReplaceString(s string, store *Store) (string, error)

	// Resolve replaces variables in s. If s is a single variable, its value is returned as is.
	Resolve(s string, store *Store) (any, error)

	// Evaluate evaluates a Python-like expression. $name refers to variables of the store directly;
	// ${name} is replaced with the variable string value before evaluation.
	Evaluate(expression string, store *Store) (any, error)

	// RunKeyword runs a keyword in the current scope and returns its result.
	RunKeyword(ctx context.Context, name string, args []string) (any, error)
}
