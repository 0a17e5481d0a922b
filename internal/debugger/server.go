/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package debugger

import (
	"context"
	"io"

	"github.com/google/go-dap"

	"github.com/rfdebug/rfdebug/internal/jsonrpc"
)

// SetBreakpointsParams are the arguments of the setBreakpoints request. Unlike
// dap.SetBreakpointsArguments it tells an absent breakpoints array from an empty one.
type SetBreakpointsParams struct {
	Source         dap.Source              `json:"source"`
	Breakpoints    *[]dap.SourceBreakpoint `json:"breakpoints,omitempty"`
	Lines          []int                   `json:"lines,omitempty"`
	SourceModified bool                    `json:"sourceModified,omitempty"`
}

// Serve answers the requests of a client connected over conn and sends it the debugger events,
// until the connection ends or the context is done.
func (d *Debugger) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	e := jsonrpc.NewEndpoint(conn, jsonrpc.EndpointOptions{Logger: d.log.WithName("rpc")})
	d.registerHandlers(e)

	senderCtx, cancelSender := context.WithCancel(ctx)
	defer cancelSender()
	go d.sendEvents(senderCtx, e)

	d.markClientConnected()
	d.log.V(1).Info("Debug client connected")

	return e.Run(ctx)
}

func (d *Debugger) registerHandlers(e *jsonrpc.Endpoint) {
	e.Register("configurationDone", jsonrpc.Notify(func(_ context.Context, _ *dap.ConfigurationDoneArguments) error {
		d.markConfigurationDone()
		return nil
	}))

	e.Register("setBreakpoints", jsonrpc.Method(func(_ context.Context, params SetBreakpointsParams) (dap.SetBreakpointsResponseBody, error) {
		var points []dap.SourceBreakpoint
		if params.Breakpoints != nil {
			points = *params.Breakpoints
		} else {
			for _, line := range params.Lines {
				points = append(points, dap.SourceBreakpoint{Line: line})
			}
		}
		return dap.SetBreakpointsResponseBody{Breakpoints: d.setBreakpoints(params.Source.Path, points)}, nil
	}))

	e.Register("setExceptionBreakpoints", jsonrpc.Method(func(_ context.Context, params dap.SetExceptionBreakpointsArguments) (dap.SetExceptionBreakpointsResponseBody, error) {
		d.setExceptionBreakpoints(params.Filters)
		return dap.SetExceptionBreakpointsResponseBody{}, nil
	}))

	e.Register("threads", jsonrpc.Method(func(_ context.Context, _ *struct{}) (dap.ThreadsResponseBody, error) {
		return dap.ThreadsResponseBody{Threads: d.threads()}, nil
	}))

	e.Register("stackTrace", jsonrpc.Method(func(_ context.Context, params dap.StackTraceArguments) (dap.StackTraceResponseBody, error) {
		if err := checkThread(params.ThreadId); err != nil {
			return dap.StackTraceResponseBody{}, err
		}

		d.lock.Lock()
		frames := d.stackTrace()
		d.lock.Unlock()

		total := len(frames)
		start := min(max(params.StartFrame, 0), total)
		frames = frames[start:]
		if params.Levels > 0 && params.Levels < len(frames) {
			frames = frames[:params.Levels]
		}
		return dap.StackTraceResponseBody{StackFrames: frames, TotalFrames: total}, nil
	}))

	e.Register("scopes", jsonrpc.Method(func(_ context.Context, params dap.ScopesArguments) (dap.ScopesResponseBody, error) {
		scopes, err := d.scopes(params.FrameId)
		return dap.ScopesResponseBody{Scopes: scopes}, err
	}))

	e.Register("variables", jsonrpc.Method(func(_ context.Context, params dap.VariablesArguments) (dap.VariablesResponseBody, error) {
		vars, err := d.variables(params.VariablesReference, params.Format)
		return dap.VariablesResponseBody{Variables: vars}, err
	}))

	e.Register("evaluate", jsonrpc.Method(d.evaluate))

	e.Register("setVariable", jsonrpc.Method(func(_ context.Context, params dap.SetVariableArguments) (dap.SetVariableResponseBody, error) {
		return d.setVariable(params)
	}))

	e.Register("continue", jsonrpc.Method(func(_ context.Context, params dap.ContinueArguments) (dap.ContinueResponseBody, error) {
		return dap.ContinueResponseBody{AllThreadsContinued: true}, d.Continue(params.ThreadId)
	}))

	e.Register("pause", jsonrpc.Notify(func(_ context.Context, params dap.PauseArguments) error {
		return d.Pause(params.ThreadId)
	}))

	e.Register("next", jsonrpc.Notify(func(_ context.Context, params dap.NextArguments) error {
		return d.Next(params.ThreadId)
	}))

	e.Register("stepIn", jsonrpc.Notify(func(_ context.Context, params dap.StepInArguments) error {
		return d.StepIn(params.ThreadId)
	}))

	e.Register("stepOut", jsonrpc.Notify(func(_ context.Context, params dap.StepOutArguments) error {
		return d.StepOut(params.ThreadId)
	}))

	e.Register("exceptionInfo", jsonrpc.Method(func(_ context.Context, params dap.ExceptionInfoArguments) (dap.ExceptionInfoResponseBody, error) {
		return d.exceptionInfo(params.ThreadId)
	}))

	e.Register("disconnect", jsonrpc.Notify(func(_ context.Context, _ *dap.DisconnectArguments) error {
		d.disconnect()
		return nil
	}))
}
