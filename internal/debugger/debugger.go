/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package debugger implements the debugger that runs inside the test process.
//
// The debugger is installed as a listener of the test runner. It builds a call stack from the
// runner lifecycle callbacks, enforces breakpoints and suspends the executor goroutine until the
// client (the launcher, see package dap) resumes it. Requests from the client arrive over a
// JSON-RPC connection served by Serve; events flow back over the same connection in the order
// the executor produced them.
package debugger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"

	"github.com/rfdebug/rfdebug/internal/robot"
)

// MainThreadID is the only thread the debugger reports. Test execution is single-threaded.
const MainThreadID = 1

const mainThreadName = "RobotMain"

// DefaultHandshakeTimeout bounds the wait for the client and for its configurationDone request.
const DefaultHandshakeTimeout = 5 * time.Second

const eventQueueInitialCapacity = 64

var (
	ErrAlreadyInstalled = errors.New("the debugger is already installed")
	ErrHandshakeTimeout = errors.New("timed out waiting for the debug client")
)

type Options struct {
	// NoDebug runs without stopping: breakpoints and stepping are disabled, only output is relayed.
	NoDebug bool

	// StopOnEntry stops before the first suite starts.
	StopOnEntry bool

	// OutputMessages relays framework messages (like test data errors) as output events.
	OutputMessages bool

	// OutputLog relays messages logged by keywords as output events.
	OutputLog bool

	// GroupOutput emits output events that group the output of suites, tests and keywords.
	GroupOutput bool

	Log logr.Logger
}

type runState int

const (
	// Not debugging (the session ended); the executor never waits.
	stateStopped runState = iota
	stateRunning
	statePaused
)

type requestedState int

const (
	requestNone requestedState = iota
	requestPause
	requestNext
	requestStepIn
	requestStepOut
)

// Debugger is the in-process debugger. All state is guarded by lock; the executor goroutine
// waits on cond while the debugger is paused.
type Debugger struct {
	opts Options
	log  logr.Logger

	lock sync.Mutex
	cond *sync.Cond

	state        runState
	requested    requestedState
	pauseReason  string
	stopStackLen int

	fullStack    []*frame
	visibleStack []*frame
	frames       map[int]*frame
	nextFrameID  int

	breakpoints      map[string][]*breakpoint
	nextBreakpointID int
	exceptionFilters map[string]bool
	hitCounts        map[hitKey]int
	lastException    *exceptionStop
	lastUncaught     string

	ec         robot.ExecutionContext
	evaluating bool
	// Set while the executor is blocked in waitForRunning.
	suspended  bool

	lifetimeCtx context.Context
	cancel      context.CancelFunc
	events      *chanx.UnboundedChan[event]

	clientConnected   chan struct{}
	clientOnce        sync.Once
	configurationDone chan struct{}
	configOnce        sync.Once
}

var _ robot.Listener = (*Debugger)(nil)
var _ robot.ContextAware = (*Debugger)(nil)

var (
	instanceLock sync.Mutex
	instance     *Debugger
)

// Install creates the process-wide debugger. Only one debugger can be installed at a time.
func Install(opts Options) (*Debugger, error) {
	instanceLock.Lock()
	defer instanceLock.Unlock()

	if instance != nil {
		return nil, ErrAlreadyInstalled
	}
	instance = newDebugger(opts)
	return instance, nil
}

// Instance returns the installed debugger, or nil.
func Instance() *Debugger {
	instanceLock.Lock()
	defer instanceLock.Unlock()
	return instance
}

// Uninstall shuts the installed debugger down. A suspended executor is released.
func Uninstall() {
	instanceLock.Lock()
	d := instance
	instance = nil
	instanceLock.Unlock()

	if d != nil {
		d.shutdown()
	}
}

func newDebugger(opts Options) *Debugger {
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	lifetimeCtx, cancel := context.WithCancel(context.Background())

	d := &Debugger{
		opts:              opts,
		log:               log,
		state:             stateRunning,
		frames:            make(map[int]*frame),
		breakpoints:       make(map[string][]*breakpoint),
		exceptionFilters:  make(map[string]bool),
		hitCounts:         make(map[hitKey]int),
		lifetimeCtx:       lifetimeCtx,
		cancel:            cancel,
		events:            chanx.NewUnboundedChan[event](lifetimeCtx, eventQueueInitialCapacity),
		clientConnected:   make(chan struct{}),
		configurationDone: make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.lock)

	if opts.StopOnEntry && !opts.NoDebug {
		d.requested = requestPause
		d.pauseReason = "entry"
	}
	return d
}

func (d *Debugger) shutdown() {
	d.lock.Lock()
	d.state = stateStopped
	d.requested = requestNone
	d.cond.Broadcast()
	d.lock.Unlock()

	d.cancel()
}

// WaitForClient blocks until a client connects, the timeout elapses, or the context is done.
func (d *Debugger) WaitForClient(ctx context.Context, timeout time.Duration) error {
	return waitHandshake(ctx, d.clientConnected, timeout)
}

// WaitForConfigurationDone blocks until the client has sent its initial configuration
// (breakpoints and exception filters).
func (d *Debugger) WaitForConfigurationDone(ctx context.Context, timeout time.Duration) error {
	return waitHandshake(ctx, d.configurationDone, timeout)
}

func waitHandshake(ctx context.Context, signal <-chan struct{}, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-signal:
		return nil
	case <-timer.C:
		return ErrHandshakeTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Debugger) markClientConnected() {
	d.clientOnce.Do(func() { close(d.clientConnected) })
}

func (d *Debugger) markConfigurationDone() {
	d.configOnce.Do(func() { close(d.configurationDone) })
}

// waitForRunning suspends the executor while the debugger is paused. Must be called with lock held.
func (d *Debugger) waitForRunning() {
	d.suspended = true
	for d.state == statePaused {
		d.cond.Wait()
	}
	d.suspended = false
}
