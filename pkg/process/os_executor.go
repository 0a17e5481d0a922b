/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/tklauser/ps"
)

const (
	// How long a process gets to react to a termination request before it is killed.
	gracefulStopTimeout = 5 * time.Second

	// Tolerance when comparing a recorded process start time against the OS view of it.
	startTimeTolerance = time.Second
)

var ErrProcessNotFound = errors.New("process not found")

type trackedProcess struct {
	cmd       *exec.Cmd
	startTime time.Time
	exited    chan struct{}
	notify    chan struct{}
	notifyOn  sync.Once
}

type OSExecutor struct {
	procs map[Pid_t]*trackedProcess
	lock  sync.Mutex
	log   logr.Logger
}

func NewOSExecutor(log logr.Logger) Executor {
	return &OSExecutor{
		procs: make(map[Pid_t]*trackedProcess),
		log:   log.WithName("os-executor"),
	}
}

func (e *OSExecutor) StartProcess(ctx context.Context, cmd *exec.Cmd, handler ProcessExitHandler) (Pid_t, time.Time, func(), error) {
	prepareCommand(cmd)

	if err := cmd.Start(); err != nil {
		return UnknownPID, time.Time{}, nil, err
	}
	processStartTime := time.Now()

	osPid := cmd.Process.Pid
	pid, err := IntToPidT(osPid)
	if err != nil {
		return UnknownPID, time.Time{}, nil, err
	}

	psProcess, psProcessErr := ps.FindProcess(osPid)
	if psProcessErr != nil {
		e.log.V(1).Info("could not find process startup time", "PID", osPid, "error", psProcessErr.Error())
	} else {
		// This is what the OS process startup timestamp is, so it is the most accurate value we can get.
		processStartTime = psProcess.CreationTime()
	}

	tp := &trackedProcess{
		cmd:       cmd,
		startTime: processStartTime,
		exited:    make(chan struct{}),
		notify:    make(chan struct{}),
	}

	e.lock.Lock()
	e.procs[pid] = tp
	e.lock.Unlock()

	go func() {
		waitErr := cmd.Wait()
		close(tp.exited)

		e.lock.Lock()
		delete(e.procs, pid)
		e.lock.Unlock()

		if handler == nil {
			return
		}

		// Exit notifications are held back until the caller asks for them.
		select {
		case <-tp.notify:
		case <-ctx.Done():
		}

		exitCode, execErr := getProcessExecResult(waitErr, cmd)
		handler.OnProcessExited(pid, exitCode, execErr)
	}()

	go func() {
		select {
		case <-tp.exited:
		case <-ctx.Done():
			if stopErr := e.StopProcess(pid, processStartTime); stopErr != nil && !errors.Is(stopErr, ErrProcessNotFound) {
				e.log.Error(stopErr, "could not stop process after its context expired", "PID", pid)
			}
		}
	}()

	startWaitingForProcessExit := func() {
		tp.notifyOn.Do(func() { close(tp.notify) })
	}

	return pid, processStartTime, startWaitingForProcessExit, nil
}

func (e *OSExecutor) StopProcess(pid Pid_t, processStartTime time.Time) error {
	proc, exited, err := e.findProcess(pid, processStartTime)
	if err != nil {
		return err
	}

	// Test runs often start helper processes; they should not outlive the run.
	descendants, treeErr := GetDescendants(pid)
	if treeErr != nil {
		e.log.V(1).Info("could not enumerate child processes", "PID", pid, "error", treeErr.Error())
	}
	defer killOrphans(descendants, e.log)

	if sigErr := sendSignal(proc, SignalTerminate); sigErr != nil {
		if errors.Is(sigErr, os.ErrProcessDone) {
			return nil
		}
		e.log.V(1).Info("could not request graceful termination, killing", "PID", pid, "error", sigErr.Error())
	} else {
		select {
		case <-exited:
			e.log.V(1).Info("process stopped gracefully", "PID", pid)
			return nil
		case <-time.After(gracefulStopTimeout):
		}
	}

	if killErr := proc.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		return fmt.Errorf("could not kill process %d: %w", pid, killErr)
	}

	<-exited
	e.log.V(1).Info("process killed", "PID", pid)
	return nil
}

func (e *OSExecutor) Signal(pid Pid_t, sig Signal) error {
	proc, _, err := e.findProcess(pid, time.Time{})
	if err != nil {
		return err
	}

	if sigErr := sendSignal(proc, sig); sigErr != nil {
		return fmt.Errorf("could not send %s signal to process %d: %w", sig.String(), pid, sigErr)
	}
	return nil
}

// Returns the OS process for pid and a channel that is closed when it exits.
// Processes not started by this executor are polled for exit.
func (e *OSExecutor) findProcess(pid Pid_t, expectedStartTime time.Time) (*os.Process, <-chan struct{}, error) {
	e.lock.Lock()
	tp, found := e.procs[pid]
	e.lock.Unlock()

	if found {
		return tp.cmd.Process, tp.exited, nil
	}

	osPid, err := PidT_ToInt(pid)
	if err != nil {
		return nil, nil, err
	}

	psProcess, psErr := ps.FindProcess(osPid)
	if psErr != nil {
		return nil, nil, fmt.Errorf("%w: %d", ErrProcessNotFound, pid)
	}
	if !expectedStartTime.IsZero() {
		delta := psProcess.CreationTime().Sub(expectedStartTime).Abs()
		if delta > startTimeTolerance {
			return nil, nil, fmt.Errorf("%w: process %d was replaced by another process", ErrProcessNotFound, pid)
		}
	}

	proc, findErr := os.FindProcess(osPid)
	if findErr != nil {
		return nil, nil, fmt.Errorf("%w: %d: %v", ErrProcessNotFound, pid, findErr)
	}

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			if _, gone := ps.FindProcess(osPid); gone != nil {
				return
			}
			time.Sleep(200 * time.Millisecond)
		}
	}()

	return proc, exited, nil
}

// Returns the process exit code and execution error depending on the result of command wait call.
func getProcessExecResult(waitErr error, cmd *exec.Cmd) (int32, error) {
	var ee *exec.ExitError
	if waitErr == nil {
		return int32(cmd.ProcessState.ExitCode()), nil
	} else if errors.As(waitErr, &ee) {
		return int32(ee.ExitCode()), nil
	} else {
		return UnknownExitCode, waitErr
	}
}

var _ Executor = (*OSExecutor)(nil)
