/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package debugger

import (
	"context"

	"github.com/google/go-dap"

	"github.com/rfdebug/rfdebug/internal/jsonrpc"
)

// Events are sent to the client as JSON-RPC notifications: the method is the DAP event name
// and the parameters are the event body.
const (
	EventStopped      = "stopped"
	EventContinued    = "continued"
	EventOutput       = "output"
	EventTerminated   = "terminated"
	EventRobotStarted = "robotStarted"
	EventRobotEnded   = "robotEnded"
)

// RobotEventBody reports the start or the end of a suite or a test.
type RobotEventBody struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Name     string `json:"name"`
	LongName string `json:"longname"`
	Source   string `json:"source,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
	Status   string `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
}

type event struct {
	name string
	body any

	// When set, the event is a marker: the sender closes the channel when it reaches it.
	flushed chan struct{}
}

// post queues an event. Events are delivered in the order they were posted.
func (d *Debugger) post(name string, body any) {
	select {
	case d.events.In <- event{name: name, body: body}:
	case <-d.lifetimeCtx.Done():
	}
}

func (d *Debugger) postStopped(body dap.StoppedEventBody) {
	body.ThreadId = MainThreadID
	body.AllThreadsStopped = true
	d.post(EventStopped, body)
}

func (d *Debugger) postOutput(body dap.OutputEventBody) {
	d.post(EventOutput, body)
}

// sendEvents delivers queued events to the client until the context is done
// or the connection fails.
func (d *Debugger) sendEvents(ctx context.Context, e *jsonrpc.Endpoint) {
	for {
		select {
		case ev, ok := <-d.events.Out:
			if !ok {
				return
			}
			if ev.flushed != nil {
				close(ev.flushed)
				continue
			}
			if err := e.Notify(ev.name, ev.body); err != nil {
				d.log.V(1).Info("Could not send event, client is gone", "event", ev.name, "error", err.Error())
				return
			}
		case <-ctx.Done():
			return
		case <-e.Done():
			return
		}
	}
}

// Flush waits until all events posted so far were handed to the client connection.
// It gives up when the context is done, for example when no client ever connected.
func (d *Debugger) Flush(ctx context.Context) error {
	marker := event{flushed: make(chan struct{})}
	select {
	case d.events.In <- marker:
	case <-d.lifetimeCtx.Done():
		return nil
	}

	select {
	case <-marker.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
