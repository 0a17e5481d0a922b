/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package debugger

import (
	"github.com/google/go-dap"

	"github.com/rfdebug/rfdebug/internal/jsonrpc"
)

func checkThread(threadID int) error {
	if threadID != MainThreadID {
		return jsonrpc.NewError(jsonrpc.CodeInternalError, "Invalid threadId")
	}
	return nil
}

// Continue resumes the execution.
func (d *Debugger) Continue(threadID int) error {
	if err := checkThread(threadID); err != nil {
		return err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	d.requested = requestNone
	d.resume()
	d.post(EventContinued, dap.ContinuedEventBody{ThreadId: MainThreadID, AllThreadsContinued: true})
	return nil
}

// Pause stops the execution when the next suite, test or keyword starts.
func (d *Debugger) Pause(threadID int) error {
	if err := checkThread(threadID); err != nil {
		return err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	if d.state == stateStopped {
		return nil
	}
	d.requested = requestPause
	d.state = statePaused
	d.cond.Broadcast()
	return nil
}

// Next steps over the current keyword.
func (d *Debugger) Next(threadID int) error {
	if err := checkThread(threadID); err != nil {
		return err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	top := d.fullTop()
	if top == nil || top.kind == kindSuite || top.kind == kindTest {
		// There is nothing to step over at the start of a suite or a test.
		d.requested = requestStepIn
	} else {
		d.requested = requestNext
		d.stopStackLen = len(d.fullStack)
		if isControlFlowKind(top.kind) {
			d.stopStackLen++
		}
	}
	d.resume()
	return nil
}

// StepIn stops at whatever starts next.
func (d *Debugger) StepIn(threadID int) error {
	if err := checkThread(threadID); err != nil {
		return err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	d.requested = requestStepIn
	d.resume()
	return nil
}

// StepOut runs until the enclosing user keyword, test or suite has finished.
func (d *Debugger) StepOut(threadID int) error {
	if err := checkThread(threadID); err != nil {
		return err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	top := d.fullTop()
	if top == nil || (top.kind == kindSuite && top.parent < 0) {
		// Nothing encloses the outermost suite: run to the end.
		d.requested = requestNone
		d.resume()
		return nil
	}

	// Control structures and run-keyword variants between the current frame and its caller
	// end together with it.
	enclosing := 0
	for current := d.parentOf(top); current != nil; current = d.parentOf(current) {
		if current.kind == kindSuite || current.kind == kindTest || (current.isUser && isKeywordKind(current.kind)) {
			break
		}
		if isControlFlowKind(current.kind) || isRunKeyword(current) {
			enclosing++
		}
	}

	d.requested = requestStepOut
	d.stopStackLen = len(d.fullStack) - 1 - enclosing
	d.resume()
	return nil
}

// resume lets the executor continue. Must be called with lock held.
func (d *Debugger) resume() {
	if d.state == stateStopped {
		return
	}
	d.state = stateRunning
	d.cond.Broadcast()
}

// disconnect forgets all breakpoints and lets the execution run to the end.
func (d *Debugger) disconnect() {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.clearBreakpoints()
	d.requested = requestNone
	d.pauseReason = ""
	d.resume()
}

func (d *Debugger) threads() []dap.Thread {
	return []dap.Thread{{Id: MainThreadID, Name: mainThreadName}}
}

func (d *Debugger) exceptionInfo(threadID int) (dap.ExceptionInfoResponseBody, error) {
	if err := checkThread(threadID); err != nil {
		return dap.ExceptionInfoResponseBody{}, err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	if d.lastException == nil {
		return dap.ExceptionInfoResponseBody{}, jsonrpc.NewError(jsonrpc.CodeInternalError, "No exception information available.")
	}
	return dap.ExceptionInfoResponseBody{
		ExceptionId: d.lastException.filter,
		Description: d.lastException.text,
		BreakMode:   "always",
		Details: &dap.ExceptionDetails{
			Message:  d.lastException.text,
			TypeName: d.lastException.description,
		},
	}, nil
}
