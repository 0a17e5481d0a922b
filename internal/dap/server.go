/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/smallnest/chanx"

	"github.com/rfdebug/rfdebug/internal/debugger"
	"github.com/rfdebug/rfdebug/internal/jsonrpc"
	"github.com/rfdebug/rfdebug/pkg/process"
)

const requestQueueInitialCapacity = 16

// State is the state of the IDE session.
type State int

const (
	StateIdle State = iota
	StateInitialized
	StateLaunching
	StateAttaching
	StateConfigured
	StateRunning
	StateTerminated
	StateExited
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateInitialized:
		return "Initialized"
	case StateLaunching:
		return "Launching"
	case StateAttaching:
		return "Attaching"
	case StateConfigured:
		return "Configured"
	case StateRunning:
		return "Running"
	case StateTerminated:
		return "Terminated"
	case StateExited:
		return "Exited"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Events relayed from the debuggee to the IDE.
var relayedEvents = []string{
	debugger.EventStopped,
	debugger.EventContinued,
	debugger.EventOutput,
	debugger.EventTerminated,
	debugger.EventRobotStarted,
	debugger.EventRobotEnded,
}

// EventTerminateRequested tells the IDE that the debuggee was asked to exit forcibly.
const EventTerminateRequested = "terminateRequested"

// ServerOptions contains configuration options for the launcher server.
type ServerOptions struct {
	// Executable hosts the debuggee unless the launch request names another one.
	// Defaults to the running executable.
	Executable string

	// Executor starts and signals debuggee processes. Defaults to an OS executor.
	Executor process.Executor

	// Exit ends the launcher process. Defaults to os.Exit.
	Exit func(code int)

	// ChildEnv is added to the debuggee environment, for example to pass on the log settings.
	// Variables set by the launch configuration take precedence.
	ChildEnv map[string]string

	// Logger is the logger for the server. If not set, logging is disabled.
	Logger logr.Logger
}

// Server speaks DAP to an IDE, starts the debuggee and forwards requests to it.
type Server struct {
	transport Transport
	opts      ServerOptions
	log       logr.Logger

	// seq generates sequence numbers of messages sent to the IDE.
	seq      *sequenceCounter
	sendLock sync.Mutex

	// ideRequests tracks requests sent to the IDE (runInTerminal).
	ideRequests *pendingRequestMap

	lock           sync.Mutex
	state          State
	clientArgs     dap.InitializeRequestArguments
	client         *jsonrpc.Endpoint
	debuggee       *Debuggee
	paths          *pathMapper
	watched        bool
	exitReported   chan struct{}
	terminations   int
	terminatedSent bool

	lifetimeCtx context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewServer(transport Transport, opts ServerOptions) *Server {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if opts.Executor == nil {
		opts.Executor = process.NewOSExecutor(log)
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.Executable == "" {
		if exe, err := os.Executable(); err == nil {
			opts.Executable = exe
		}
	}

	return &Server{
		transport:   transport,
		opts:        opts,
		log:         log,
		seq:         newSequenceCounter(),
		ideRequests: newPendingRequestMap(),
		paths:       newPathMapper(nil),
	}
}

// State returns the current session state.
func (s *Server) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *Server) setState(state State) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.setStateLocked(state)
}

func (s *Server) setStateLocked(state State) {
	if s.state != state {
		s.log.V(1).Info("Session state changed", "from", s.state.String(), "to", state.String())
		s.state = state
	}
}

// transition moves the session from one state to another.
// Returns false (and leaves the state unchanged) if the session is not in the expected state.
func (s *Server) transition(from State, to State) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != from {
		return false
	}
	s.setStateLocked(to)
	return true
}

// Run serves the IDE session and blocks until it ends.
// The session ends when the IDE disconnects, the transport fails or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.lifetimeCtx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	requests := chanx.NewUnboundedChan[*Message](s.lifetimeCtx, requestQueueInitialCapacity)

	// IDE requests are handled one at a time, in arrival order.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case req, ok := <-requests.Out:
				if !ok {
					return
				}
				s.handleRequest(s.lifetimeCtx, req)
			case <-s.lifetimeCtx.Done():
				return
			}
		}
	}()

	go func() {
		<-s.lifetimeCtx.Done()
		_ = s.transport.Close()
	}()

	readErr := s.readLoop(requests)
	s.cancel()
	s.shutdown()
	s.wg.Wait()

	return readErr
}

func (s *Server) readLoop(requests *chanx.UnboundedChan[*Message]) error {
	for {
		msg, readErr := s.transport.ReadMessage()
		if readErr != nil {
			if isEndOfSession(s.lifetimeCtx, readErr) {
				s.log.V(1).Info("IDE connection closed", "reason", readErr.Error())
				return nil
			}
			return fmt.Errorf("failed to read from IDE: %w", readErr)
		}

		switch msg.Type {
		case "request":
			s.log.V(1).Info("Received request from IDE", "command", msg.Command, "seq", msg.Seq)
			select {
			case requests.In <- msg:
			case <-s.lifetimeCtx.Done():
				return nil
			}
		case "response":
			if !s.ideRequests.Resolve(msg) {
				s.log.Info("Dropping response to unknown request", "command", msg.Command, "requestSeq", msg.RequestSeq)
			}
		default:
			s.log.Info("Unexpected message from IDE", "type", msg.Type)
		}
	}
}

// shutdown releases the debuggee connection and stops a debuggee started by the launcher itself.
func (s *Server) shutdown() {
	s.ideRequests.DrainWithError()

	s.lock.Lock()
	client := s.client
	s.lock.Unlock()

	if client != nil {
		_ = client.Close()
	}
	s.stopDebuggee()
}

func (s *Server) stopDebuggee() {
	s.lock.Lock()
	debuggee := s.debuggee
	watched := s.watched
	s.lock.Unlock()

	if debuggee != nil && watched && !debuggee.Exited() {
		if err := debuggee.Stop(); err != nil {
			s.log.Error(err, "Could not stop the debuggee")
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req *Message) {
	if req.Command != "initialize" && req.Command != "disconnect" && s.State() == StateIdle {
		s.respondError(req, fmt.Errorf("%w: the session has not been initialized", ErrInvalidState))
		return
	}

	switch req.Command {
	case "initialize":
		s.initialize(req)
	case "launch":
		s.launch(ctx, req)
	case "attach":
		s.attach(ctx, req)
	case "configurationDone":
		s.configurationDone(ctx, req)
	case "terminate":
		s.terminate(req)
	case "disconnect":
		s.disconnect(ctx, req)
	default:
		s.forward(ctx, req, nil)
	}
}

// send writes a message to the IDE, assigning its sequence number.
func (s *Server) send(msg outbound) error {
	s.sendLock.Lock()
	defer s.sendLock.Unlock()
	msg.setSeq(s.seq.Next())
	if err := s.transport.WriteMessage(msg); err != nil {
		if s.lifetimeCtx.Err() == nil {
			s.log.Error(err, "Failed to write message to IDE")
		}
		return err
	}
	return nil
}

func (s *Server) respond(req *Message, body any) {
	resp, err := newResponse(req, body)
	if err != nil {
		s.respondError(req, err)
		return
	}
	_ = s.send(resp)
}

func (s *Server) respondError(req *Message, err error) {
	s.log.V(1).Info("Request failed", "command", req.Command, "error", err.Error())
	_ = s.send(newErrorResponse(req, err))
}

func (s *Server) sendEvent(name string, body any) {
	event, err := newEvent(name, body)
	if err != nil {
		s.log.Error(err, "Could not create event", "event", name)
		return
	}
	_ = s.send(event)
}

// sendTerminated sends the terminated event once per session.
func (s *Server) sendTerminated() {
	s.lock.Lock()
	if s.terminatedSent {
		s.lock.Unlock()
		return
	}
	s.terminatedSent = true
	if s.state < StateTerminated {
		s.setStateLocked(StateTerminated)
	}
	s.lock.Unlock()

	s.sendEvent("terminated", dap.TerminatedEventBody{})
}

// request sends a request to the IDE and waits for its response.
func (s *Server) request(ctx context.Context, command string, arguments any) (*Message, error) {
	req, err := newRequest(command, arguments)
	if err != nil {
		return nil, err
	}

	s.sendLock.Lock()
	seq := s.seq.Next()
	req.setSeq(seq)
	respChan := s.ideRequests.Add(seq)
	writeErr := s.transport.WriteMessage(req)
	s.sendLock.Unlock()

	if writeErr != nil {
		s.ideRequests.Forget(seq)
		return nil, writeErr
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrSessionClosed
		}
		if !resp.Success {
			return nil, fmt.Errorf("%s request failed: %s", command, resp.Message)
		}
		return resp, nil
	case <-ctx.Done():
		s.ideRequests.Forget(seq)
		return nil, ctx.Err()
	}
}
