/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package debugger

import (
	"os"
	"strings"

	"github.com/google/go-dap"

	"github.com/rfdebug/rfdebug/internal/robot"
	"github.com/rfdebug/rfdebug/pkg/resiliency"
)

const builtinLibrary = "BuiltIn"

// Keywords that run the keyword named by one of their arguments, with the index of that argument.
// -1 means every argument may name a keyword.
var runKeywords = map[string]int{
	"runkeyword":                     0,
	"runkeywords":                    -1,
	"runkeywordif":                   1,
	"runkeywordunless":               1,
	"runkeywordandignoreerror":       0,
	"runkeywordandreturnstatus":      0,
	"runkeywordandexpecterror":       1,
	"runkeywordandcontinueonfailure": 0,
	"waituntilkeywordsucceeds":       2,
	"repeatkeyword":                  1,
}

func normalizeKeyword(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "")
	return strings.ReplaceAll(name, "_", "")
}

func isRunKeyword(f *frame) bool {
	if !isKeywordKind(f.kind) || f.library != builtinLibrary {
		return false
	}
	_, found := runKeywords[normalizeKeyword(f.kwName)]
	return found
}

// isWrappedCall reports whether f is the keyword run by its parent, a run-keyword variant
// called on the same line.
func isWrappedCall(parent *frame, f *frame) bool {
	if !isKeywordKind(f.kind) || !isRunKeyword(parent) {
		return false
	}
	if parent.source != f.source || parent.line != f.line {
		return false
	}

	index := runKeywords[normalizeKeyword(parent.kwName)]
	candidates := parent.args
	if index >= 0 {
		if index >= len(candidates) {
			return false
		}
		candidates = candidates[index:]
	}

	resolvable := false
	for _, candidate := range candidates {
		if strings.ContainsAny(candidate, "$@&%") {
			continue
		}
		resolvable = true
		name := normalizeKeyword(candidate)
		if name == normalizeKeyword(f.kwName) || name == normalizeKeyword(f.longname) {
			return true
		}
	}
	return !resolvable
}

// UseContext implements robot.ContextAware.
func (d *Debugger) UseContext(ec robot.ExecutionContext) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.ec = ec
}

func (d *Debugger) StartSuite(name string, attrs robot.SuiteAttrs) {
	d.intake(func() {
		d.start(&frame{
			kind:     kindSuite,
			name:     name,
			longname: attrs.LongName,
			source:   suiteSource(attrs.Source),
			line:     1,
		}, robot.ScopeSuite, &RobotEventBody{
			Type:     "suite",
			ID:       attrs.ID,
			Name:     name,
			LongName: attrs.LongName,
			Source:   attrs.Source,
		})
	})
}

func (d *Debugger) EndSuite(name string, attrs robot.SuiteAttrs) {
	d.intake(func() {
		d.end(attrs.Status, attrs.Message, &RobotEventBody{
			Type:     "suite",
			ID:       attrs.ID,
			Name:     name,
			LongName: attrs.LongName,
			Source:   attrs.Source,
			Status:   string(attrs.Status),
			Message:  attrs.Message,
		})
	})
}

func (d *Debugger) StartTest(name string, attrs robot.TestAttrs) {
	d.intake(func() {
		d.start(&frame{
			kind:     kindTest,
			name:     name,
			longname: attrs.LongName,
			source:   attrs.Source,
			line:     attrs.Lineno,
		}, robot.ScopeTest, &RobotEventBody{
			Type:     "test",
			ID:       attrs.ID,
			Name:     name,
			LongName: attrs.LongName,
			Source:   attrs.Source,
			Lineno:   attrs.Lineno,
		})
	})
}

func (d *Debugger) EndTest(name string, attrs robot.TestAttrs) {
	d.intake(func() {
		d.end(attrs.Status, attrs.Message, &RobotEventBody{
			Type:     "test",
			ID:       attrs.ID,
			Name:     name,
			LongName: attrs.LongName,
			Source:   attrs.Source,
			Lineno:   attrs.Lineno,
			Status:   string(attrs.Status),
			Message:  attrs.Message,
		})
	})
}

func (d *Debugger) StartKeyword(name string, attrs robot.KeywordAttrs) {
	d.intake(func() {
		d.start(&frame{
			kind:      attrs.Type,
			name:      frameName(attrs.Type, name, attrs),
			source:    attrs.Source,
			line:      attrs.Lineno,
			library:   attrs.LibName,
			kwName:    attrs.KwName,
			longname:  name,
			handler:   attrs.Handler,
			isUser:    attrs.IsUserKeyword,
			arguments: attrs.Arguments,
			args:      attrs.Args,
		}, robot.ScopeCurrent, nil)
	})
}

func (d *Debugger) EndKeyword(_ string, attrs robot.KeywordAttrs) {
	d.intake(func() {
		d.end(attrs.Status, attrs.Message, nil)
	})
}

func (d *Debugger) LogMessage(msg robot.LogMessage) {
	if d.opts.OutputLog {
		d.intake(func() { d.relay(msg) })
	}
}

func (d *Debugger) Message(msg robot.LogMessage) {
	if d.opts.OutputMessages {
		d.intake(func() { d.relay(msg) })
	}
}

func (d *Debugger) Close() {
	d.intake(func() {
		d.lock.Lock()
		defer d.lock.Unlock()
		d.post(EventTerminated, dap.TerminatedEventBody{})
	})
}

// intake runs a listener callback. A panic must not escape into the runner.
func (d *Debugger) intake(fn func()) {
	_ = resiliency.Guard(d.log, func() error {
		fn()
		return nil
	})
}

func (d *Debugger) start(f *frame, scope robot.Scope, notice *RobotEventBody) {
	d.lock.Lock()
	defer d.lock.Unlock()

	// Keywords run from an evaluate request are not part of the debugged execution.
	if d.evaluating {
		return
	}

	if d.ec != nil {
		f.vars = d.ec.Variables(scope)
	}
	if notice != nil {
		d.post(EventRobotStarted, *notice)
	}

	if parent := d.fullTop(); parent != nil {
		f.topHidden = isWrappedCall(parent, f)
	}
	d.pushFrame(f)
	d.lastUncaught = ""

	if d.opts.GroupOutput && isGroupKind(f.kind) {
		d.postOutput(dap.OutputEventBody{
			Category: "console",
			Output:   groupTitle(f) + "\n",
			Group:    "startCollapsed",
			Source:   dapSource(f.source),
			Line:     f.line,
		})
	}

	if d.opts.NoDebug || d.state == stateStopped {
		return
	}

	d.processStartState(f)
	d.waitForRunning()
}

func (d *Debugger) end(status robot.Status, message string, notice *RobotEventBody) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.evaluating {
		return
	}

	f := d.fullTop()
	if f == nil {
		d.log.Info("Unbalanced end event, no frame is active")
		return
	}

	if !d.opts.NoDebug && d.state != stateStopped && status == robot.StatusFail {
		if d.checkExceptionBreakpoints(f, message) {
			d.waitForRunning()
		}
	}

	if d.opts.GroupOutput && isGroupKind(f.kind) {
		d.postOutput(dap.OutputEventBody{
			Category: "console",
			Group:    "end",
			Source:   dapSource(f.source),
			Line:     f.line,
		})
	}
	if notice != nil {
		d.post(EventRobotEnded, *notice)
	}

	d.popFrame()
}

// processStartState decides whether to stop at the frame that just started. Must be called with lock held.
func (d *Debugger) processStartState(f *frame) {
	depth := len(d.fullStack)

	switch d.requested {
	case requestPause:
		reason := d.pauseReason
		if reason == "" {
			reason = "pause"
		}
		d.pauseReason = ""
		d.stop(reason, nil)
	case requestNext, requestStepOut:
		if depth <= d.stopStackLen {
			d.stop("step", nil)
		}
	case requestStepIn:
		if !f.topHidden {
			d.stop("step", nil)
		}
	}

	if d.state != statePaused && !f.topHidden {
		d.checkBreakpoints(f)
	}
}

func (d *Debugger) stop(reason string, hitBreakpointIDs []int) {
	d.state = statePaused
	d.requested = requestNone
	d.postStopped(dap.StoppedEventBody{
		Reason:           reason,
		HitBreakpointIds: hitBreakpointIDs,
	})
}

func (d *Debugger) relay(msg robot.LogMessage) {
	d.lock.Lock()
	defer d.lock.Unlock()

	body := dap.OutputEventBody{
		Category: "console",
		Output:   msg.Message + "\n",
	}
	if msg.Level == robot.LevelWarn || msg.Level == robot.LevelError {
		body.Category = "stderr"
		body.Output = "[ " + string(msg.Level) + " ] " + body.Output
	}
	if f := d.fullTop(); f != nil {
		body.Source = dapSource(f.source)
		body.Line = f.line
	}
	d.postOutput(body)
}

func isGroupKind(kind string) bool {
	return kind == kindSuite || kind == kindTest || isKeywordKind(kind)
}

func groupTitle(f *frame) string {
	if isKeywordKind(f.kind) {
		return f.kind + " " + f.name
	}
	return f.kind + " " + f.longname
}

// suiteSource returns the file a suite is defined in, or "" for directory suites.
func suiteSource(source string) string {
	if source == "" {
		return ""
	}
	if info, err := os.Stat(source); err == nil && info.IsDir() {
		return ""
	}
	return source
}
