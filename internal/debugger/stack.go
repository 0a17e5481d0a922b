/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package debugger

import (
	"path/filepath"
	"strings"

	"github.com/google/go-dap"

	"github.com/rfdebug/rfdebug/internal/robot"
)

const (
	kindSuite = "SUITE"
	kindTest  = "TEST"
)

// frame is an entry of the debugger stacks.
type frame struct {
	id int

	// Index of the enclosing frame in the full stack, -1 for the outermost suite.
	parent int

	name     string
	kind     string
	source   string
	line     int
	column   int
	library  string
	kwName   string
	longname string

	// Identifies the keyword implementation; used only for comparisons.
	handler any

	isUser    bool
	arguments []string // declared arguments of a user keyword
	args      []string // arguments as written at the call site

	// Hidden frames are not shown at the top of a stack trace; their caller is shown instead.
	topHidden bool

	// Variables visible to the frame. Valid until the frame ends.
	vars *robot.Store

	// Frames started inside this one that are not themselves on the visible stack,
	// plus the user keyword called from here. Only frames on the visible stack have children.
	children []*frame
}

func isKeywordKind(kind string) bool {
	switch kind {
	case robot.KeywordTypeKeyword, robot.KeywordTypeSetup, robot.KeywordTypeTeardown:
		return true
	default:
		return false
	}
}

func isControlFlowKind(kind string) bool {
	switch kind {
	case robot.KeywordTypeFor, robot.KeywordTypeIteration, robot.KeywordTypeWhile,
		robot.KeywordTypeIf, robot.KeywordTypeElseIf, robot.KeywordTypeElse,
		robot.KeywordTypeTry, robot.KeywordTypeExcept, robot.KeywordTypeFinally:
		return true
	default:
		return false
	}
}

func (f *frame) lastChild() *frame {
	if len(f.children) == 0 {
		return nil
	}
	return f.children[len(f.children)-1]
}

// current returns the frame describing where execution is inside f.
func (f *frame) current() *frame {
	if len(f.children) == 0 {
		return f
	}
	last := f.children[len(f.children)-1]
	if last.topHidden && len(f.children) > 1 {
		return f.children[len(f.children)-2]
	}
	return last
}

func (d *Debugger) visibleTop() *frame {
	if len(d.visibleStack) == 0 {
		return nil
	}
	return d.visibleStack[len(d.visibleStack)-1]
}

func (d *Debugger) fullTop() *frame {
	if len(d.fullStack) == 0 {
		return nil
	}
	return d.fullStack[len(d.fullStack)-1]
}

func (d *Debugger) parentOf(f *frame) *frame {
	if f.parent < 0 || f.parent >= len(d.fullStack) {
		return nil
	}
	return d.fullStack[f.parent]
}

func (d *Debugger) pushFrame(f *frame) {
	d.nextFrameID++
	f.id = d.nextFrameID
	f.parent = len(d.fullStack) - 1
	if f.column == 0 {
		f.column = 1
	}

	d.fullStack = append(d.fullStack, f)
	d.frames[f.id] = f

	top := d.visibleTop()
	switch {
	case f.kind == kindSuite || f.kind == kindTest:
		d.visibleStack = append(d.visibleStack, f)
	case f.isUser && isKeywordKind(f.kind):
		if top != nil {
			top.children = append(top.children, f)
		}
		d.visibleStack = append(d.visibleStack, f)
	default:
		if top != nil {
			top.children = append(top.children, f)
		}
	}
}

func (d *Debugger) popFrame() *frame {
	f := d.fullTop()
	if f == nil {
		return nil
	}
	d.fullStack = d.fullStack[:len(d.fullStack)-1]
	delete(d.frames, f.id)

	if d.visibleTop() == f {
		d.visibleStack = d.visibleStack[:len(d.visibleStack)-1]
	}
	if top := d.visibleTop(); top != nil && top.lastChild() == f {
		top.children = top.children[:len(top.children)-1]
	}
	return f
}

// nearest returns the innermost frame at or below f whose kind is the given one.
func (d *Debugger) nearest(f *frame, kind string) *frame {
	for current := f; current != nil; current = d.parentOf(current) {
		if current.kind == kind {
			return current
		}
	}
	return nil
}

// stackTrace returns the visible stack, innermost frame first.
func (d *Debugger) stackTrace() []dap.StackFrame {
	retval := make([]dap.StackFrame, 0, len(d.visibleStack))
	for i := len(d.visibleStack) - 1; i >= 0; i-- {
		vf := d.visibleStack[i]

		// A user keyword that has not started anything yet is shown at its call site.
		if len(vf.children) == 0 && i > 0 && d.visibleStack[i-1].lastChild() == vf {
			continue
		}

		f := vf.current()
		retval = append(retval, dap.StackFrame{
			Id:     f.id,
			Name:   f.name,
			Source: dapSource(f.source),
			Line:   f.line,
			Column: f.column,
		})
	}
	return retval
}

func dapSource(path string) *dap.Source {
	if path == "" {
		return nil
	}
	return &dap.Source{Name: filepath.Base(path), Path: path}
}

func frameName(kind string, name string, attrs robot.KeywordAttrs) string {
	if isKeywordKind(kind) {
		return name
	}
	if attrs.KwName == "" {
		return kind
	}
	return strings.TrimSpace(kind + " " + attrs.KwName)
}
