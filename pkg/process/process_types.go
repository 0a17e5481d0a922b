/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"time"
)

type Pid_t int64

const (
	// A valid exit code of a process is a non-negative number. We use UnknownExitCode to indicate that we have not obtained the exit code yet.
	UnknownExitCode int32 = -1

	// UnknownPID is used when the process was not started (or failed to start).
	UnknownPID Pid_t = -1
)

// Signal is a portable request for a process to change its run state.
type Signal int

const (
	// SignalInterrupt asks the process to wind down gracefully (SIGINT, Ctrl+Break on Windows).
	SignalInterrupt Signal = iota
	// SignalTerminate asks the process to exit now (SIGTERM, forced termination on Windows).
	SignalTerminate
)

func (s Signal) String() string {
	switch s {
	case SignalInterrupt:
		return "interrupt"
	case SignalTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

type Executor interface {
	// Starts the process described by given command instance.
	// When the passed context is cancelled, the process is automatically terminated.
	// Returns the process PID, its start time, and a function that enables process exit notifications delivered to the exit handler.
	StartProcess(ctx context.Context, cmd *exec.Cmd, exitHandler ProcessExitHandler) (pid Pid_t, startTime time.Time, startWaitForProcessExit func(), err error)

	// Stops the process with a given PID, escalating from a graceful request to a forced kill.
	StopProcess(pid Pid_t, processStartTime time.Time) error

	// Delivers a signal to the process with a given PID.
	Signal(pid Pid_t, sig Signal) error
}

type ProcessExitHandler interface {
	// Indicates that process with a given PID has finished execution
	// If err is nil, the process exit code was properly captured and the exitCode value is valid
	// if err is not nil, there was a problem tracking the process and the exitCode value is not valid
	OnProcessExited(pid Pid_t, exitCode int32, err error)
}

// Make it easy to supply a function as a process exit handler.
type ProcessExitHandlerFunc func(Pid_t, int32, error)

func (f ProcessExitHandlerFunc) OnProcessExited(pid Pid_t, exitCode int32, err error) {
	f(pid, exitCode, err)
}

func IntToPidT(val int) (Pid_t, error) {
	if val < 0 || int64(val) > math.MaxInt32 {
		return UnknownPID, fmt.Errorf("value %d is not a valid process ID", val)
	}
	return Pid_t(val), nil
}

func PidT_ToInt(val Pid_t) (int, error) {
	if val < 0 || val > math.MaxInt32 {
		return 0, fmt.Errorf("value %d is not a valid process ID", val)
	}
	return int(val), nil
}
