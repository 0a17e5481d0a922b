/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
)

// Result models written to the JSON result file.
type SuiteResult struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Source    string         `json:"source,omitempty"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	StartTime time.Time      `json:"startTime"`
	EndTime   time.Time      `json:"endTime"`
	Suites    []*SuiteResult `json:"suites,omitempty"`
	Tests     []*TestResult  `json:"tests,omitempty"`
}

type TestResult struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Lineno    int       `json:"lineno"`
	Tags      []string  `json:"tags,omitempty"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
}

type RunResult struct {
	Suite  *SuiteResult `json:"suite"`
	Errors []string     `json:"errors,omitempty"`
}

// resultWriter collects the results of a run and writes them as JSON when the run ends.
type resultWriter struct {
	path   string
	log    logr.Logger
	result RunResult
	stack  []*SuiteResult
}

func newResultWriter(path string, log logr.Logger) *resultWriter {
	return &resultWriter{path: path, log: log}
}

var _ Listener = (*resultWriter)(nil)

func (w *resultWriter) StartSuite(name string, attrs SuiteAttrs) {
	s := &SuiteResult{ID: attrs.ID, Name: name, Source: attrs.Source, StartTime: attrs.StartTime}
	if len(w.stack) == 0 {
		w.result.Suite = s
	} else {
		parent := w.stack[len(w.stack)-1]
		parent.Suites = append(parent.Suites, s)
	}
	w.stack = append(w.stack, s)
}

func (w *resultWriter) EndSuite(_ string, attrs SuiteAttrs) {
	s := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]
	s.Status = attrs.Status
	s.Message = attrs.Message
	s.EndTime = attrs.EndTime
}

func (w *resultWriter) StartTest(string, TestAttrs) {}

func (w *resultWriter) EndTest(name string, attrs TestAttrs) {
	s := w.stack[len(w.stack)-1]
	s.Tests = append(s.Tests, &TestResult{
		ID:        attrs.ID,
		Name:      name,
		Lineno:    attrs.Lineno,
		Tags:      attrs.Tags,
		Status:    attrs.Status,
		Message:   attrs.Message,
		StartTime: attrs.StartTime,
		EndTime:   attrs.EndTime,
	})
}

func (w *resultWriter) StartKeyword(string, KeywordAttrs) {}

func (w *resultWriter) EndKeyword(string, KeywordAttrs) {}

func (w *resultWriter) LogMessage(LogMessage) {}

func (w *resultWriter) Message(msg LogMessage) {
	if msg.Level == LevelError || msg.Level == LevelWarn {
		w.result.Errors = append(w.result.Errors, msg.Message)
	}
}

func (w *resultWriter) Close() {
	if w.result.Suite == nil {
		return
	}

	content, err := json.MarshalIndent(w.result, "", "  ")
	if err != nil {
		w.log.Error(err, "Could not serialize the run result")
		return
	}
	if err = os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		w.log.Error(err, "Could not create the output directory", "path", filepath.Dir(w.path))
		return
	}
	if err = os.WriteFile(w.path, content, 0o644); err != nil {
		w.log.Error(err, "Could not write the run result", "path", w.path)
	}
}
