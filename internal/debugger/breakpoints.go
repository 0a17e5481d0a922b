/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package debugger

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/go-dap"

	"github.com/rfdebug/rfdebug/internal/robot"
)

// Exception breakpoint filters.
const (
	FilterFailedKeyword         = "failed_keyword"
	FilterUncaughtFailedKeyword = "uncaught_failed_keyword"
	FilterFailedTest            = "failed_test"
	FilterFailedSuite           = "failed_suite"
)

// ExceptionFilters describes the exception breakpoint filters the debugger supports.
func ExceptionFilters() []dap.ExceptionBreakpointsFilter {
	return []dap.ExceptionBreakpointsFilter{
		{Filter: FilterFailedKeyword, Label: "Failed Keywords", Description: "Breaks on failed keywords"},
		{Filter: FilterUncaughtFailedKeyword, Label: "Uncaught Failed Keywords", Description: "Breaks on uncaught failed keywords", Default: true},
		{Filter: FilterFailedTest, Label: "Failed Test", Description: "Breaks on failed tests"},
		{Filter: FilterFailedSuite, Label: "Failed Suite", Description: "Breaks on failed suites"},
	}
}

// Keywords that run another keyword and handle its failure.
var catchingKeywords = map[string]bool{
	"runkeywordandignoreerror":  true,
	"runkeywordandreturnstatus": true,
	"runkeywordandexpecterror":  true,
	"waituntilkeywordsucceeds":  true,
}

type breakpoint struct {
	id           int
	line         int
	condition    string
	hitCondition string
	logMessage   string
}

type hitKey struct {
	source string
	line   int
	kind   string
}

type exceptionStop struct {
	filter      string
	description string
	text        string
}

// normalizePath returns the key used to match breakpoint sources with executed files.
func normalizePath(path string) string {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.Clean(path)
	if runtime.GOOS == "windows" {
		path = strings.ToLower(path)
	}
	return path
}

// setBreakpoints replaces all breakpoints of a source.
func (d *Debugger) setBreakpoints(source string, points []dap.SourceBreakpoint) []dap.Breakpoint {
	d.lock.Lock()
	defer d.lock.Unlock()

	key := normalizePath(source)
	for hk := range d.hitCounts {
		if hk.source == key {
			delete(d.hitCounts, hk)
		}
	}

	if len(points) == 0 {
		delete(d.breakpoints, key)
		return []dap.Breakpoint{}
	}

	set := make([]*breakpoint, 0, len(points))
	retval := make([]dap.Breakpoint, 0, len(points))
	for _, p := range points {
		d.nextBreakpointID++
		bp := &breakpoint{
			id:           d.nextBreakpointID,
			line:         p.Line,
			condition:    p.Condition,
			hitCondition: p.HitCondition,
			logMessage:   p.LogMessage,
		}
		set = append(set, bp)
		retval = append(retval, dap.Breakpoint{
			Id:       bp.id,
			Verified: true,
			Source:   &dap.Source{Name: filepath.Base(source), Path: source},
			Line:     bp.line,
		})
	}
	d.breakpoints[key] = set
	return retval
}

func (d *Debugger) setExceptionBreakpoints(filters []string) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.exceptionFilters = make(map[string]bool, len(filters))
	for _, filter := range filters {
		switch filter {
		case FilterFailedKeyword, FilterUncaughtFailedKeyword, FilterFailedTest, FilterFailedSuite:
			d.exceptionFilters[filter] = true
		default:
			d.log.Info("Ignoring unknown exception breakpoint filter", "filter", filter)
		}
	}
}

func (d *Debugger) clearBreakpoints() {
	d.breakpoints = make(map[string][]*breakpoint)
	d.exceptionFilters = make(map[string]bool)
	d.hitCounts = make(map[hitKey]int)
}

// checkBreakpoints stops at breakpoints matching the position of f. Must be called with lock held.
func (d *Debugger) checkBreakpoints(f *frame) {
	if f.source == "" || f.line <= 0 || len(d.breakpoints) == 0 {
		return
	}
	points := d.breakpoints[normalizePath(f.source)]

	var hit []int
	for _, bp := range points {
		if bp.line != f.line {
			continue
		}

		if bp.condition != "" && !d.conditionHolds(bp.condition) {
			continue
		}

		if bp.hitCondition != "" {
			key := hitKey{source: normalizePath(f.source), line: f.line, kind: f.kind}
			d.hitCounts[key]++
			target, err := d.hitTarget(bp.hitCondition)
			if err != nil {
				d.log.V(1).Info("Invalid hit condition", "hitCondition", bp.hitCondition, "error", err.Error())
				continue
			}
			if d.hitCounts[key] != target {
				continue
			}
		}

		if bp.logMessage != "" {
			d.postOutput(dap.OutputEventBody{
				Category: "console",
				Output:   d.replaceLogMessage(bp.logMessage),
				Source:   dapSource(f.source),
				Line:     f.line,
			})
			continue
		}

		hit = append(hit, bp.id)
	}

	if len(hit) > 0 {
		d.stop("breakpoint", hit)
	}
}

func (d *Debugger) conditionHolds(condition string) bool {
	if d.ec == nil {
		return false
	}
	value, err := d.ec.Evaluate(condition, nil)
	if err != nil {
		d.log.V(1).Info("Breakpoint condition failed", "condition", condition, "error", err.Error())
		return false
	}
	return robot.IsTruthy(value)
}

func (d *Debugger) hitTarget(hitCondition string) (int, error) {
	if n, err := strconv.Atoi(strings.TrimSpace(hitCondition)); err == nil {
		return n, nil
	}
	if d.ec == nil {
		return 0, fmt.Errorf("cannot evaluate '%s'", hitCondition)
	}
	value, err := d.ec.Evaluate(hitCondition, nil)
	if err != nil {
		return 0, err
	}
	n, isInt := value.(int64)
	if !isInt {
		return 0, fmt.Errorf("hit condition '%s' is not an integer", hitCondition)
	}
	return int(n), nil
}

func (d *Debugger) replaceLogMessage(message string) string {
	if d.ec == nil {
		return message
	}
	replaced, err := d.ec.ReplaceString(message, nil)
	if err != nil {
		return err.Error()
	}
	return replaced
}

// failureCaught reports whether a failure of f is handled by an enclosing TRY
// or by a keyword running it.
func (d *Debugger) failureCaught(f *frame) bool {
	for current := d.parentOf(f); current != nil; current = d.parentOf(current) {
		if current.kind == robot.KeywordTypeTry {
			return true
		}
		if isKeywordKind(current.kind) && current.library == builtinLibrary && catchingKeywords[normalizeKeyword(current.kwName)] {
			return true
		}
	}
	return false
}

// checkExceptionBreakpoints stops when a failed frame matches an enabled filter.
// Must be called with lock held. Returns true if the debugger stopped.
func (d *Debugger) checkExceptionBreakpoints(f *frame, message string) bool {
	var stop *exceptionStop

	switch {
	case isKeywordKind(f.kind):
		uncaught := d.exceptionFilters[FilterUncaughtFailedKeyword] && !d.failureCaught(f)
		switch {
		case d.exceptionFilters[FilterFailedKeyword]:
			stop = newExceptionStop(FilterFailedKeyword, "Keyword failed", message)
		case uncaught && message != d.lastUncaught:
			stop = newExceptionStop(FilterUncaughtFailedKeyword, "Keyword failed", message)
		}
		if uncaught {
			d.lastUncaught = message
		}
	case f.kind == kindTest && d.exceptionFilters[FilterFailedTest]:
		stop = newExceptionStop(FilterFailedTest, "Test failed", message)
	case f.kind == kindSuite && d.exceptionFilters[FilterFailedSuite]:
		stop = newExceptionStop(FilterFailedSuite, "Suite failed", message)
	}

	if stop == nil {
		return false
	}

	d.lastException = stop
	d.state = statePaused
	d.requested = requestNone
	d.postStopped(dap.StoppedEventBody{
		Reason:      "exception",
		Description: stop.description,
		Text:        stop.text,
	})
	return true
}

func newExceptionStop(filter string, what string, message string) *exceptionStop {
	text := what + "."
	if message != "" {
		text = what + ": " + message
	}
	return &exceptionStop{filter: filter, description: what + ".", text: text}
}
