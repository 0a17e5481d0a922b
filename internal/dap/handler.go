/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/go-dap"

	"github.com/rfdebug/rfdebug/internal/debugger"
	"github.com/rfdebug/rfdebug/internal/jsonrpc"
	"github.com/rfdebug/rfdebug/internal/networking"
	"github.com/rfdebug/rfdebug/pkg/process"
)

const (
	debuggeeHost = "127.0.0.1"

	// How long the debuggee gets to acknowledge a disconnect request.
	disconnectTimeout = 2 * time.Second
)

// Capabilities returns the capabilities reported in response to the initialize request.
func Capabilities() dap.Capabilities {
	return dap.Capabilities{
		SupportsConfigurationDoneRequest:  true,
		SupportsConditionalBreakpoints:    true,
		SupportsHitConditionalBreakpoints: true,
		SupportsEvaluateForHovers:         true,
		SupportsLogPoints:                 true,
		SupportsSetVariable:               true,
		SupportsValueFormattingOptions:    true,
		SupportsTerminateRequest:          true,
		SupportsExceptionInfoRequest:      true,
		ExceptionBreakpointFilters:        debugger.ExceptionFilters(),
	}
}

func (s *Server) initialize(req *Message) {
	var args dap.InitializeRequestArguments
	if err := req.DecodeArguments(&args); err != nil {
		s.respondError(req, err)
		return
	}

	s.lock.Lock()
	if s.state != StateIdle {
		s.lock.Unlock()
		s.respondError(req, fmt.Errorf("%w: the session is already initialized", ErrInvalidState))
		return
	}
	s.clientArgs = args
	s.setStateLocked(StateInitialized)
	s.lock.Unlock()

	s.log.Info("Session initialized", "client", args.ClientID, "adapter", args.AdapterID)
	s.respond(req, Capabilities())
}

func (s *Server) launch(ctx context.Context, req *Message) {
	if !s.transition(StateInitialized, StateLaunching) {
		s.respondError(req, fmt.Errorf("%w: cannot launch in state %s", ErrInvalidState, s.State().String()))
		return
	}

	var args LaunchArguments
	if err := req.DecodeArguments(&args); err != nil {
		s.sendTerminated()
		s.respondError(req, err)
		return
	}

	conn, err := s.startDebuggee(ctx, &args)
	if err != nil {
		s.log.Error(err, "Could not launch the debuggee")
		s.stopDebuggee()
		s.sendTerminated()
		s.respondError(req, err)
		return
	}

	s.connect(conn)
	s.respond(req, nil)
	s.sendEvent("initialized", nil)
}

func (s *Server) startDebuggee(ctx context.Context, args *LaunchArguments) (net.Conn, error) {
	if len(s.opts.ChildEnv) > 0 {
		env := maps.Clone(s.opts.ChildEnv)
		maps.Copy(env, args.Env)
		args.Env = env
	}

	port, err := networking.GetFreePort(debuggeeHost, s.log)
	if err != nil {
		return nil, fmt.Errorf("could not find a port for the debuggee: %w", err)
	}
	diagnosticsPort := 0
	if args.AttachPython {
		diagnosticsPort, err = networking.GetFreePort(debuggeeHost, s.log)
		if err != nil {
			return nil, fmt.Errorf("could not find a port for the debuggee diagnostics: %w", err)
		}
	}

	command := DebuggeeCommand{
		Executable: s.opts.Executable,
		Args:       args.DebuggeeArgs(port, diagnosticsPort),
		Cwd:        args.Cwd,
	}
	if args.Python != "" {
		command.Executable = args.Python
	}

	console := args.EffectiveConsole()
	s.lock.Lock()
	supportsTerminal := s.clientArgs.SupportsRunInTerminalRequest
	s.lock.Unlock()
	if console != ConsoleInternal && !supportsTerminal {
		s.log.Info("The IDE cannot run the debuggee in a terminal, using the internal console", "console", string(console))
		console = ConsoleInternal
	}

	var exited <-chan struct{}
	if console == ConsoleInternal {
		env, envErr := args.Environment()
		if envErr != nil {
			return nil, envErr
		}
		command.Env = env

		debuggee, startErr := StartDebuggee(s.lifetimeCtx, s.opts.Executor, command, s.forwardOutput, s.log)
		if startErr != nil {
			return nil, startErr
		}

		reported := make(chan struct{})
		s.lock.Lock()
		s.debuggee = debuggee
		s.watched = true
		s.exitReported = reported
		s.lock.Unlock()
		exited = debuggee.Done()

		s.wg.Add(1)
		go s.watchDebuggee(debuggee, reported)
	} else {
		pid, runErr := s.runInTerminal(ctx, args, console, command)
		if runErr != nil {
			return nil, runErr
		}
		if pid > 0 {
			s.lock.Lock()
			s.debuggee = newAttachedDebuggee(s.opts.Executor, process.Pid_t(pid))
			s.lock.Unlock()
		}
	}

	address := net.JoinHostPort(debuggeeHost, strconv.Itoa(port))
	return ConnectDebuggee(ctx, address, args.Timeout(), exited, s.log)
}

// runInTerminal asks the IDE to start the debuggee in a terminal and returns the process ID it reports.
func (s *Server) runInTerminal(ctx context.Context, args *LaunchArguments, console ConsoleKind, command DebuggeeCommand) (int, error) {
	overrides, err := args.EnvironmentOverrides()
	if err != nil {
		return 0, err
	}
	env := make(map[string]any, len(overrides))
	for name, value := range overrides {
		env[name] = value
	}

	cwd := command.Cwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	kind := "integrated"
	if console == ConsoleExternalTerminal {
		kind = "external"
	}

	resp, err := s.request(ctx, "runInTerminal", dap.RunInTerminalRequestArguments{
		Kind:  kind,
		Title: args.Name,
		Cwd:   cwd,
		Args:  append([]string{command.Executable}, command.Args...),
		Env:   env,
	})
	if err != nil {
		return 0, err
	}

	var body dap.RunInTerminalResponseBody
	if len(resp.Body) > 0 {
		if err = json.Unmarshal(resp.Body, &body); err != nil {
			return 0, fmt.Errorf("invalid runInTerminal response: %w", err)
		}
	}
	s.log.Info("Debuggee started in terminal", "kind", kind, "pid", body.ProcessId)
	return body.ProcessId, nil
}

func (s *Server) attach(ctx context.Context, req *Message) {
	if !s.transition(StateInitialized, StateAttaching) {
		s.respondError(req, fmt.Errorf("%w: cannot attach in state %s", ErrInvalidState, s.State().String()))
		return
	}

	var args AttachArguments
	if err := req.DecodeArguments(&args); err != nil {
		s.sendTerminated()
		s.respondError(req, err)
		return
	}
	if !networking.IsValidPort(args.Connect.Port) {
		s.sendTerminated()
		s.respondError(req, fmt.Errorf("invalid debuggee port %d", args.Connect.Port))
		return
	}

	s.lock.Lock()
	s.paths = newPathMapper(args.PathMappings)
	s.lock.Unlock()

	conn, err := ConnectDebuggee(ctx, args.Address(), args.Timeout(), nil, s.log)
	if err != nil {
		s.log.Error(err, "Could not attach to the debuggee", "address", args.Address())
		s.sendTerminated()
		s.respondError(req, err)
		return
	}

	s.connect(conn)
	s.respond(req, nil)
	s.sendEvent("initialized", nil)
}

// connect starts the JSON-RPC session with the debuggee. Debuggee events are relayed to the IDE.
func (s *Server) connect(conn net.Conn) {
	client := jsonrpc.NewEndpoint(conn, jsonrpc.EndpointOptions{Logger: s.log.WithName("debuggee")})
	for _, name := range relayedEvents {
		event := name
		client.Register(event, jsonrpc.Raw(func(_ context.Context, params json.RawMessage) (any, error) {
			s.relayEvent(event, params)
			return nil, nil
		}))
	}

	s.lock.Lock()
	s.client = client
	s.lock.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runErr := client.Run(s.lifetimeCtx)
		if s.lifetimeCtx.Err() != nil {
			return
		}
		if runErr != nil {
			s.log.Info("Debuggee connection ended", "error", runErr.Error())
		}

		// A debuggee the launcher started reports its exit separately.
		s.lock.Lock()
		watched := s.watched
		s.lock.Unlock()
		if !watched {
			s.sendTerminated()
		}
	}()
}

func (s *Server) relayEvent(name string, body json.RawMessage) {
	if name == debugger.EventTerminated {
		s.sendTerminated()
		return
	}

	s.lock.Lock()
	paths := s.paths
	s.lock.Unlock()
	s.sendEvent(name, paths.mapSources(body, paths.toLocal))
}

func (s *Server) forwardOutput(category string, output string) {
	s.sendEvent(debugger.EventOutput, dap.OutputEventBody{Category: category, Output: output})
}

// watchDebuggee reports the exit of the debuggee to the IDE and closes reported when done.
func (s *Server) watchDebuggee(debuggee *Debuggee, reported chan struct{}) {
	defer s.wg.Done()
	defer close(reported)

	select {
	case <-debuggee.Done():
	case <-s.lifetimeCtx.Done():
		return
	}

	exitCode := debuggee.ExitCode()
	s.log.Info("Debuggee exited", "pid", debuggee.Pid(), "exitCode", exitCode)
	s.sendEvent("exited", dap.ExitedEventBody{ExitCode: int(exitCode)})
	s.sendTerminated()

	s.lock.Lock()
	if s.state != StateDisconnected {
		s.setStateLocked(StateExited)
	}
	s.lock.Unlock()
}

func (s *Server) configurationDone(ctx context.Context, req *Message) {
	s.lock.Lock()
	if s.state != StateLaunching && s.state != StateAttaching {
		state := s.state
		s.lock.Unlock()
		s.respondError(req, fmt.Errorf("%w: unexpected configurationDone in state %s", ErrInvalidState, state.String()))
		return
	}
	s.setStateLocked(StateConfigured)
	s.lock.Unlock()

	s.forward(ctx, req, func() {
		s.transition(StateConfigured, StateRunning)
	})
}

// forward sends a request to the debuggee and answers the IDE once the debuggee responds.
// Requests are written in arrival order; responses may complete in any order.
func (s *Server) forward(ctx context.Context, req *Message, onSuccess func()) {
	s.lock.Lock()
	client := s.client
	paths := s.paths
	s.lock.Unlock()

	if client == nil {
		s.respondError(req, fmt.Errorf("%w: cannot handle %s", ErrNotConnected, req.Command))
		return
	}

	call, err := client.SendRequest(req.Command, paths.mapSources(req.Arguments, paths.toRemote))
	if err != nil {
		s.respondError(req, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var result json.RawMessage
		if waitErr := call.Wait(ctx, &result); waitErr != nil {
			var wireErr *jsonrpc.Error
			if errors.As(waitErr, &wireErr) {
				s.respondError(req, errors.New(wireErr.Message))
			} else {
				s.respondError(req, waitErr)
			}
			return
		}

		if onSuccess != nil {
			onSuccess()
		}
		if string(result) == "null" {
			result = nil
		}
		s.respond(req, paths.mapSources(result, paths.toLocal))
	}()
}

// terminate asks the debuggee to wind down. Repeated requests terminate it forcibly.
func (s *Server) terminate(req *Message) {
	s.lock.Lock()
	debuggee := s.debuggee
	s.terminations++
	terminations := s.terminations
	s.lock.Unlock()

	if debuggee == nil || debuggee.Exited() {
		s.respond(req, nil)
		s.sendTerminated()
		return
	}

	var err error
	if terminations == 1 {
		s.log.Info("Interrupting the debuggee", "pid", debuggee.Pid())
		err = debuggee.Interrupt()
	} else {
		s.log.Info("Terminating the debuggee", "pid", debuggee.Pid())
		err = debuggee.Terminate()
		s.sendEvent(EventTerminateRequested, nil)
	}

	if err != nil && !errors.Is(err, process.ErrProcessNotFound) {
		s.respondError(req, err)
		return
	}
	s.respond(req, nil)
}

// disconnect ends the session. A live debuggee is either killed together with the launcher
// or told to wind down on its own.
func (s *Server) disconnect(ctx context.Context, req *Message) {
	var args dap.DisconnectArguments
	if err := req.DecodeArguments(&args); err != nil {
		s.log.V(1).Info("Ignoring invalid disconnect arguments", "error", err.Error())
	}

	s.lock.Lock()
	debuggee := s.debuggee
	client := s.client
	reported := s.exitReported
	s.lock.Unlock()

	live := debuggee != nil && !debuggee.Exited()
	if live && args.TerminateDebuggee {
		s.log.Info("Disconnecting and terminating the debuggee", "pid", debuggee.Pid())
		if err := debuggee.Terminate(); err != nil && !errors.Is(err, process.ErrProcessNotFound) {
			s.log.Error(err, "Could not terminate the debuggee")
		}
		s.respond(req, nil)
		s.opts.Exit(-1)
		return
	}

	if client != nil {
		callCtx, cancel := context.WithTimeout(ctx, disconnectTimeout)
		if err := client.Call(callCtx, req.Command, req.Arguments, nil); err != nil {
			s.log.V(1).Info("Debuggee did not acknowledge disconnect", "error", err.Error())
		}
		cancel()
	}

	s.setState(StateDisconnected)
	s.respond(req, nil)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if live && reported != nil {
			select {
			case <-reported:
			case <-s.lifetimeCtx.Done():
			}
		}
		s.cancel()
	}()
}
