/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

const consoleWidth = 78

var consoleStderr io.Writer = os.Stderr

// consoleReporter writes the verbose progress report of a run.
type consoleReporter struct {
	w     io.Writer
	stats []Statistics
}

func newConsoleReporter(w io.Writer) *consoleReporter {
	return &consoleReporter{w: w}
}

var _ Listener = (*consoleReporter)(nil)

func (c *consoleReporter) separator(ch string) {
	fmt.Fprintln(c.w, strings.Repeat(ch, consoleWidth))
}

func (c *consoleReporter) statusLine(name string, status Status) {
	marker := fmt.Sprintf("| %s |", status)
	room := consoleWidth - utf8.RuneCountInString(marker) - 1
	if utf8.RuneCountInString(name) > room {
		runes := []rune(name)
		name = string(runes[:room-3]) + "..."
	}
	fmt.Fprintf(c.w, "%-*s %s\n", room, name, marker)
}

func (c *consoleReporter) StartSuite(_ string, attrs SuiteAttrs) {
	c.stats = append(c.stats, Statistics{})
	if len(c.stats) == 1 {
		c.separator("=")
	}
	fmt.Fprintln(c.w, attrs.LongName)
	c.separator("=")
}

func (c *consoleReporter) EndSuite(_ string, attrs SuiteAttrs) {
	stats := c.stats[len(c.stats)-1]
	c.stats = c.stats[:len(c.stats)-1]
	if len(c.stats) > 0 {
		c.stats[len(c.stats)-1].add(stats)
	}

	c.statusLine(attrs.LongName, attrs.Status)
	if attrs.Message != "" {
		fmt.Fprintln(c.w, attrs.Message)
	}
	fmt.Fprintln(c.w, stats.String())
	c.separator("=")
}

func (c *consoleReporter) StartTest(string, TestAttrs) {}

func (c *consoleReporter) EndTest(name string, attrs TestAttrs) {
	stats := &c.stats[len(c.stats)-1]
	stats.Total++
	switch attrs.Status {
	case StatusPass:
		stats.Passed++
	case StatusSkip:
		stats.Skipped++
	default:
		stats.Failed++
	}

	c.statusLine(name, attrs.Status)
	if attrs.Message != "" {
		fmt.Fprintln(c.w, attrs.Message)
	}
	c.separator("-")
}

func (c *consoleReporter) StartKeyword(string, KeywordAttrs) {}

func (c *consoleReporter) EndKeyword(string, KeywordAttrs) {}

func (c *consoleReporter) LogMessage(msg LogMessage) {
	if msg.Level == LevelWarn || msg.Level == LevelError {
		fmt.Fprintf(consoleStderr, "[ %s ] %s\n", msg.Level, msg.Message)
	}
}

func (c *consoleReporter) Message(msg LogMessage) {
	c.LogMessage(msg)
}

func (c *consoleReporter) Close() {}
