/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"io"
	"net"
)

var (
	// ErrDebuggeeTimeout: the debuggee could not be reached within the launch configuration timeout.
	ErrDebuggeeTimeout = errors.New("could not connect to the debuggee")

	// ErrDebuggeeExited: the debuggee process ended before the launcher connected to it.
	ErrDebuggeeExited = errors.New("the debuggee exited before a connection could be established")

	ErrNotConnected  = errors.New("no debuggee is connected")
	ErrInvalidState  = errors.New("request is not valid in the current session state")
	ErrSessionClosed = errors.New("session is closed")
)

// isEndOfSession reports whether a read error only means that the IDE went away
// or that the session is being torn down.
func isEndOfSession(ctx context.Context, err error) bool {
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrTransportClosed)
}
