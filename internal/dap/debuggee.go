/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/rfdebug/rfdebug/internal/jsonrpc"
	"github.com/rfdebug/rfdebug/pkg/process"
	"github.com/rfdebug/rfdebug/pkg/resiliency"
)

const outputChunkSize = 4096

// DebuggeeCommand describes how to start a debuggee.
type DebuggeeCommand struct {
	Executable string
	Args       []string
	Env        []string
	Cwd        string
}

// OutputFunc receives the output of a debuggee, with category "stdout" or "stderr".
type OutputFunc func(category string, output string)

// Debuggee represents a running debuggee process.
type Debuggee struct {
	// pid is the process ID of the debuggee.
	pid process.Pid_t

	// startTime is the process start time (used for process identity).
	startTime time.Time

	// executor is the process executor used for lifecycle management.
	executor process.Executor

	// done is closed when the process has exited and its output has been relayed.
	done chan struct{}

	exitCode int32
	exitErr  error
	mu       sync.Mutex
}

// Wait blocks until the debuggee exits.
// Returns the exit error if the process could not be tracked.
func (d *Debuggee) Wait() error {
	<-d.done
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitErr
}

// ExitCode returns the process exit code. Only valid after Wait() returns.
func (d *Debuggee) ExitCode() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode
}

func (d *Debuggee) Pid() process.Pid_t {
	return d.pid
}

// Done returns a channel that is closed when the debuggee exits.
func (d *Debuggee) Done() <-chan struct{} {
	return d.done
}

// Exited reports whether the debuggee has exited.
func (d *Debuggee) Exited() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Interrupt asks the debuggee to wind down (SIGINT).
func (d *Debuggee) Interrupt() error {
	return d.executor.Signal(d.pid, process.SignalInterrupt)
}

// Terminate asks the debuggee to exit (SIGTERM).
func (d *Debuggee) Terminate() error {
	return d.executor.Signal(d.pid, process.SignalTerminate)
}

// Stop stops the debuggee, killing it if it does not exit in time.
func (d *Debuggee) Stop() error {
	if d.pid == process.UnknownPID {
		return nil
	}
	err := d.executor.StopProcess(d.pid, d.startTime)
	if errors.Is(err, process.ErrProcessNotFound) {
		return nil
	}
	return err
}

// StartDebuggee starts a debuggee process and relays its output.
// The process lifetime is tied to the provided context.
func StartDebuggee(ctx context.Context, executor process.Executor, command DebuggeeCommand, output OutputFunc, log logr.Logger) (*Debuggee, error) {
	cmd := exec.Command(command.Executable, command.Args...)
	cmd.Env = command.Env
	cmd.Dir = command.Cwd

	stdoutReader, stdoutWriter, stdoutErr := os.Pipe()
	if stdoutErr != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", stdoutErr)
	}
	stderrReader, stderrWriter, stderrErr := os.Pipe()
	if stderrErr != nil {
		stdoutReader.Close()
		stdoutWriter.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", stderrErr)
	}
	cmd.Stdout = stdoutWriter
	cmd.Stderr = stderrWriter

	debuggee := &Debuggee{
		executor: executor,
		done:     make(chan struct{}),
		exitCode: process.UnknownExitCode,
	}

	var relays sync.WaitGroup
	exitHandler := process.ProcessExitHandlerFunc(func(pid process.Pid_t, exitCode int32, err error) {
		debuggee.mu.Lock()
		debuggee.exitCode = exitCode
		debuggee.exitErr = err
		debuggee.mu.Unlock()

		if err != nil {
			log.V(1).Info("Debuggee process exited with error",
				"pid", pid,
				"exitCode", exitCode,
				"error", err)
		} else {
			log.V(1).Info("Debuggee process exited",
				"pid", pid,
				"exitCode", exitCode)
		}

		// Output written just before the exit must reach the IDE before the exit is reported.
		relays.Wait()
		close(debuggee.done)
	})

	pid, startTime, startWaitForExit, startErr := executor.StartProcess(ctx, cmd, exitHandler)

	// The child has its own copies of the write ends now.
	stdoutWriter.Close()
	stderrWriter.Close()

	if startErr != nil {
		stdoutReader.Close()
		stderrReader.Close()
		return nil, fmt.Errorf("failed to start debuggee: %w", startErr)
	}

	relays.Add(2)
	go relayOutput(stdoutReader, "stdout", output, &relays)
	go relayOutput(stderrReader, "stderr", output, &relays)

	startWaitForExit()

	log.Info("Launched debuggee process",
		"command", command.Executable,
		"args", command.Args,
		"pid", pid)

	debuggee.pid = pid
	debuggee.startTime = startTime
	return debuggee, nil
}

// newAttachedDebuggee tracks a debuggee started by somebody else, for example by the IDE terminal.
func newAttachedDebuggee(executor process.Executor, pid process.Pid_t) *Debuggee {
	debuggee := &Debuggee{
		pid:      pid,
		executor: executor,
		done:     make(chan struct{}),
		exitCode: process.UnknownExitCode,
	}
	return debuggee
}

func relayOutput(r io.ReadCloser, category string, output OutputFunc, wg *sync.WaitGroup) {
	defer wg.Done()
	defer r.Close()

	buf := make([]byte, outputChunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 && output != nil {
			output(category, string(buf[:n]))
		}
		if readErr != nil {
			return
		}
	}
}

// ConnectDebuggee connects to a debuggee listening on address, retrying until the timeout elapses.
// If exited is closed before a connection is made, connecting stops early.
func ConnectDebuggee(ctx context.Context, address string, timeout time.Duration, exited <-chan struct{}, log logr.Logger) (net.Conn, error) {
	cfg := &jsonrpc.TransportConfig{Mode: jsonrpc.ModeTCP, Address: address}

	conn, err := resiliency.RetryGetWithTimeout(ctx, timeout, func() (net.Conn, error) {
		select {
		case <-exited:
			return nil, resiliency.Permanent(ErrDebuggeeExited)
		default:
		}

		dialCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		conn, dialErr := jsonrpc.Dial(dialCtx, cfg)
		if dialErr != nil {
			log.V(1).Info("Debuggee is not reachable yet", "address", address, "error", dialErr.Error())
		}
		return conn, dialErr
	})

	switch {
	case err == nil:
		log.Info("Connected to debuggee", "address", address)
		return conn, nil
	case errors.Is(err, ErrDebuggeeExited):
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("%w at %s: %w", ErrDebuggeeTimeout, address, err)
	}
}
