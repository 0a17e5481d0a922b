/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfdebug/rfdebug/internal/debugger"
	"github.com/rfdebug/rfdebug/internal/jsonrpc"
	"github.com/rfdebug/rfdebug/internal/networking"
	"github.com/rfdebug/rfdebug/pkg/logger"
	"github.com/rfdebug/rfdebug/pkg/testutil"
)

const (
	launcherTestTimeout = 30 * time.Second

	// Set in the environment of a launched debuggee to make the test binary act as a fake debuggee.
	fakeDebuggeeEnv = "RFDEBUG_TEST_FAKE_DEBUGGEE"
	fakeExitCode    = 3
)

func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeDebuggeeEnv); mode != "" {
		os.Exit(runFakeDebuggee(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

// runFakeDebuggee answers a few requests the way the debug command would.
// In "silent" mode it never listens, so connecting to it times out.
func runFakeDebuggee(mode string, args []string) int {
	fmt.Println("fake debuggee started")
	fmt.Fprintln(os.Stderr, "args: "+strings.Join(args, " ")+" session: "+os.Getenv(logger.RFDEBUG_LOG_SESSION_ID))

	if mode == "silent" {
		time.Sleep(time.Minute)
		return 0
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)

	port := ""
	for i, arg := range args {
		if arg == "-p" && i+1 < len(args) {
			port = args[i+1]
		}
	}

	listener, listenErr := jsonrpc.Listen(&jsonrpc.TransportConfig{Mode: jsonrpc.ModeTCP, Address: "127.0.0.1:" + port})
	if listenErr != nil {
		fmt.Fprintln(os.Stderr, listenErr.Error())
		return 250
	}
	ctx := context.Background()
	conn, acceptErr := jsonrpc.AcceptSingle(ctx, listener, testutil.NewLogForTesting("fake-debuggee"))
	if acceptErr != nil {
		return 251
	}

	endpoint := jsonrpc.NewEndpoint(conn, jsonrpc.EndpointOptions{})
	disconnected := make(chan struct{})
	var disconnectOnce sync.Once

	endpoint.Register("threads", jsonrpc.Raw(func(_ context.Context, _ json.RawMessage) (any, error) {
		return dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: 1, Name: "RobotMain"}}}, nil
	}))
	endpoint.Register("configurationDone", jsonrpc.Raw(func(_ context.Context, _ json.RawMessage) (any, error) {
		_ = endpoint.Notify(debugger.EventRobotStarted, map[string]any{"name": "Suite"})
		return nil, nil
	}))
	endpoint.Register("disconnect", jsonrpc.Raw(func(_ context.Context, _ json.RawMessage) (any, error) {
		disconnectOnce.Do(func() { close(disconnected) })
		return nil, nil
	}))
	go func() { _ = endpoint.Run(ctx) }()

	for {
		select {
		case <-interrupts:
			_ = endpoint.Notify(debugger.EventOutput, dap.OutputEventBody{Category: "console", Output: "interrupted\n"})
		case <-disconnected:
			_ = endpoint.Notify(debugger.EventTerminated, nil)
			_ = endpoint.Close()
			return fakeExitCode
		case <-endpoint.Done():
			return fakeExitCode + 1
		}
	}
}

// ideClient plays the IDE side of a launcher session.
type ideClient struct {
	t         *testing.T
	transport Transport
	seq       *sequenceCounter
	pending   *pendingRequestMap

	// reverse receives requests sent by the launcher (runInTerminal).
	reverse chan *Message

	eventsLock sync.Mutex
	events     []*Message
	newEvent   chan struct{}
}

func newIDEClient(t *testing.T, transport Transport) *ideClient {
	c := &ideClient{
		t:         t,
		transport: transport,
		seq:       newSequenceCounter(),
		pending:   newPendingRequestMap(),
		reverse:   make(chan *Message, 4),
		newEvent:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *ideClient) readLoop() {
	defer c.pending.DrainWithError()

	for {
		msg, readErr := c.transport.ReadMessage()
		if readErr != nil {
			return
		}

		switch msg.Type {
		case "response":
			c.pending.Resolve(msg)
		case "request":
			c.reverse <- msg
		case "event":
			c.eventsLock.Lock()
			c.events = append(c.events, msg)
			close(c.newEvent)
			c.newEvent = make(chan struct{})
			c.eventsLock.Unlock()
		}
	}
}

// start sends a request without waiting for its response.
func (c *ideClient) start(command string, arguments any) <-chan *Message {
	req, err := newRequest(command, arguments)
	require.NoError(c.t, err)
	seq := c.seq.Next()
	req.setSeq(seq)
	respChan := c.pending.Add(seq)
	require.NoError(c.t, c.transport.WriteMessage(req))
	return respChan
}

func (c *ideClient) request(ctx context.Context, command string, arguments any) *Message {
	c.t.Helper()
	return testutil.Receive(c.t, ctx, c.start(command, arguments))
}

func (c *ideClient) respond(req *Message, body any) {
	resp, err := newResponse(req, body)
	require.NoError(c.t, err)
	resp.setSeq(c.seq.Next())
	require.NoError(c.t, c.transport.WriteMessage(resp))
}

// waitEvent waits until an event with the given name (and matching the optional filter) has been received.
func (c *ideClient) waitEvent(ctx context.Context, name string, filter func(*Message) bool) *Message {
	c.t.Helper()

	for {
		c.eventsLock.Lock()
		for _, event := range c.events {
			if event.Event == name && (filter == nil || filter(event)) {
				c.eventsLock.Unlock()
				return event
			}
		}
		changed := c.newEvent
		c.eventsLock.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			c.t.Fatalf("timed out waiting for %s event", name)
			return nil
		}
	}
}

func (c *ideClient) countEvents(name string) int {
	c.eventsLock.Lock()
	defer c.eventsLock.Unlock()
	count := 0
	for _, event := range c.events {
		if event.Event == name {
			count++
		}
	}
	return count
}

func bodyContains(text string) func(*Message) bool {
	return func(m *Message) bool {
		return strings.Contains(string(m.Body), text)
	}
}

type launcherSession struct {
	client *ideClient
	server *Server
	done   chan error
	ctx    context.Context
}

func startLauncher(t *testing.T, opts ServerOptions) *launcherSession {
	serverConn, clientConn := net.Pipe()

	if opts.Logger.GetSink() == nil {
		opts.Logger = testutil.NewLogForTesting(t.Name())
	}
	server := NewServer(NewTransport(serverConn), opts)

	ctx, cancel := testutil.GetTestContext(t, launcherTestTimeout)
	done := make(chan error, 1)
	go func() {
		done <- server.Run(ctx)
	}()

	client := newIDEClient(t, NewTransport(clientConn))
	t.Cleanup(func() {
		_ = client.transport.Close()
		cancel()
	})

	return &launcherSession{client: client, server: server, done: done, ctx: ctx}
}

func (s *launcherSession) initialize(t *testing.T, supportsRunInTerminal bool) {
	resp := s.client.request(s.ctx, "initialize", dap.InitializeRequestArguments{
		ClientID:                     "test-client",
		AdapterID:                    "robotframework",
		LinesStartAt1:                true,
		ColumnsStartAt1:              true,
		PathFormat:                   "path",
		SupportsRunInTerminalRequest: supportsRunInTerminal,
	})
	require.True(t, resp.Success, resp.Message)
}

func (s *launcherSession) launchFake(t *testing.T, mode string, extra map[string]any) *Message {
	args := map[string]any{
		"console":         ConsoleInternal,
		"target":          "suite.robot",
		"name":            "Robot",
		"launcherTimeout": 10,
		"env":             map[string]string{fakeDebuggeeEnv: mode},
	}
	for k, v := range extra {
		args[k] = v
	}
	return s.client.request(s.ctx, "launch", args)
}

func (s *launcherSession) waitForEnd(t *testing.T) {
	t.Helper()
	err := testutil.Receive(t, s.ctx, s.done)
	require.NoError(t, err)
}

// fakeDebuggee is an in-process debuggee for attach sessions.
type fakeDebuggee struct {
	port        int
	breakpoints chan json.RawMessage
}

func startFakeDebuggee(t *testing.T, ctx context.Context) *fakeDebuggee {
	log := testutil.NewLogForTesting(t.Name() + "-debuggee")
	port, portErr := networking.GetFreePort("127.0.0.1", log)
	require.NoError(t, portErr)

	listener, listenErr := jsonrpc.Listen(&jsonrpc.TransportConfig{
		Mode:    jsonrpc.ModeTCP,
		Address: networking.AddressAndPort("127.0.0.1", port),
	})
	require.NoError(t, listenErr)

	fd := &fakeDebuggee{port: port, breakpoints: make(chan json.RawMessage, 1)}

	go func() {
		conn, acceptErr := jsonrpc.AcceptSingle(ctx, listener, log)
		if acceptErr != nil {
			return
		}
		endpoint := jsonrpc.NewEndpoint(conn, jsonrpc.EndpointOptions{Logger: log})

		endpoint.Register("setBreakpoints", jsonrpc.Raw(func(_ context.Context, params json.RawMessage) (any, error) {
			fd.breakpoints <- params
			return json.RawMessage(`{"breakpoints":[{"verified":true,"line":3,"source":{"path":"/srv/project/suite.robot"}}]}`), nil
		}))
		endpoint.Register("configurationDone", jsonrpc.Raw(func(_ context.Context, _ json.RawMessage) (any, error) {
			_ = endpoint.Notify(debugger.EventStopped, dap.StoppedEventBody{Reason: "breakpoint", ThreadId: 1, AllThreadsStopped: true})
			_ = endpoint.Notify(debugger.EventRobotStarted, map[string]any{"name": "Suite", "source": "/srv/project/suite.robot"})
			return nil, nil
		}))
		endpoint.Register("evaluate", jsonrpc.Raw(func(_ context.Context, _ json.RawMessage) (any, error) {
			return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "Variable '${missing}' not found.")
		}))

		_ = endpoint.Run(ctx)
	}()

	return fd
}

func TestRequestsBeforeInitializeAreRejected(t *testing.T) {
	t.Parallel()

	s := startLauncher(t, ServerOptions{})

	resp := s.client.request(s.ctx, "threads", nil)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "not been initialized")

	resp = s.client.request(s.ctx, "initialize", dap.InitializeRequestArguments{ClientID: "test-client"})
	require.True(t, resp.Success)
	var caps dap.Capabilities
	require.NoError(t, json.Unmarshal(resp.Body, &caps))
	assert.True(t, caps.SupportsConfigurationDoneRequest)
	assert.True(t, caps.SupportsConditionalBreakpoints)
	assert.True(t, caps.SupportsHitConditionalBreakpoints)
	assert.True(t, caps.SupportsLogPoints)
	assert.True(t, caps.SupportsSetVariable)
	assert.True(t, caps.SupportsValueFormattingOptions)
	assert.True(t, caps.SupportsTerminateRequest)
	assert.Len(t, caps.ExceptionBreakpointFilters, len(debugger.ExceptionFilters()))
	assert.Equal(t, StateInitialized, s.server.State())

	resp = s.client.request(s.ctx, "initialize", dap.InitializeRequestArguments{ClientID: "test-client"})
	assert.False(t, resp.Success, "second initialize should fail")

	resp = s.client.request(s.ctx, "threads", nil)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, ErrNotConnected.Error())

	resp = s.client.request(s.ctx, "configurationDone", nil)
	assert.False(t, resp.Success)
}

func TestAttachForwardsWithPathMappings(t *testing.T) {
	t.Parallel()

	s := startLauncher(t, ServerOptions{})
	fd := startFakeDebuggee(t, s.ctx)

	s.initialize(t, false)
	resp := s.client.request(s.ctx, "attach", map[string]any{
		"connect":      map[string]any{"port": fd.port},
		"pathMappings": []PathMapping{{LocalRoot: "/home/me/project", RemoteRoot: "/srv/project"}},
	})
	require.True(t, resp.Success, resp.Message)
	s.client.waitEvent(s.ctx, "initialized", nil)
	assert.Equal(t, StateAttaching, s.server.State())

	resp = s.client.request(s.ctx, "setBreakpoints", map[string]any{
		"source":      map[string]any{"path": "/home/me/project/suite.robot"},
		"breakpoints": []map[string]any{{"line": 3}},
	})
	require.True(t, resp.Success, resp.Message)
	assert.JSONEq(t, `{"breakpoints":[{"verified":true,"line":3,"source":{"path":"/home/me/project/suite.robot"}}]}`, string(resp.Body))

	received := testutil.Receive(t, s.ctx, fd.breakpoints)
	assert.Contains(t, string(received), `"/srv/project/suite.robot"`)

	resp = s.client.request(s.ctx, "configurationDone", nil)
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, StateRunning, s.server.State())

	stopped := s.client.waitEvent(s.ctx, debugger.EventStopped, nil)
	var stoppedBody dap.StoppedEventBody
	require.NoError(t, json.Unmarshal(stopped.Body, &stoppedBody))
	assert.Equal(t, "breakpoint", stoppedBody.Reason)
	assert.Equal(t, 1, stoppedBody.ThreadId)

	started := s.client.waitEvent(s.ctx, debugger.EventRobotStarted, nil)
	assert.JSONEq(t, `{"name":"Suite","source":"/home/me/project/suite.robot"}`, string(started.Body))

	resp = s.client.request(s.ctx, "evaluate", map[string]any{"expression": "${missing}", "frameId": 1})
	assert.False(t, resp.Success)
	assert.Equal(t, "Variable '${missing}' not found.", resp.Message)

	// Requests the debuggee does not know are still forwarded; the debuggee rejects them.
	resp = s.client.request(s.ctx, "robotCustom", map[string]any{"any": "thing"})
	assert.False(t, resp.Success)

	resp = s.client.request(s.ctx, "disconnect", dap.DisconnectArguments{})
	require.True(t, resp.Success, resp.Message)
	s.waitForEnd(t)
	assert.Equal(t, StateDisconnected, s.server.State())
}

func TestAttachFailsWhenDebuggeeIsUnreachable(t *testing.T) {
	t.Parallel()

	s := startLauncher(t, ServerOptions{})
	port, portErr := networking.GetFreePort("127.0.0.1", testutil.NewLogForTesting(t.Name()))
	require.NoError(t, portErr)

	s.initialize(t, false)
	resp := s.client.request(s.ctx, "attach", map[string]any{
		"connect":         map[string]any{"port": port},
		"launcherTimeout": 0.3,
	})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, ErrDebuggeeTimeout.Error())
	s.client.waitEvent(s.ctx, "terminated", nil)
	assert.Equal(t, StateTerminated, s.server.State())

	resp = s.client.request(s.ctx, "attach", map[string]any{"connect": map[string]any{"port": port}})
	assert.False(t, resp.Success, "a session can only attach once")
}

func TestLaunchInternalConsole(t *testing.T) {
	t.Parallel()

	s := startLauncher(t, ServerOptions{
		ChildEnv: map[string]string{logger.RFDEBUG_LOG_SESSION_ID: "session-under-test"},
	})
	s.initialize(t, false)

	resp := s.launchFake(t, "serve", nil)
	require.True(t, resp.Success, resp.Message)
	s.client.waitEvent(s.ctx, "initialized", nil)

	s.client.waitEvent(s.ctx, debugger.EventOutput, bodyContains("fake debuggee started"))
	args := s.client.waitEvent(s.ctx, debugger.EventOutput, bodyContains("args: "))
	var argsBody dap.OutputEventBody
	require.NoError(t, json.Unmarshal(args.Body, &argsBody))
	assert.Equal(t, "stderr", argsBody.Category)
	assert.Contains(t, argsBody.Output, "-w -t 10 -c 10 -- suite.robot")
	assert.Contains(t, argsBody.Output, "session: session-under-test")

	resp = s.client.request(s.ctx, "threads", nil)
	require.True(t, resp.Success, resp.Message)
	var threads dap.ThreadsResponseBody
	require.NoError(t, json.Unmarshal(resp.Body, &threads))
	assert.Equal(t, []dap.Thread{{Id: 1, Name: "RobotMain"}}, threads.Threads)

	resp = s.client.request(s.ctx, "configurationDone", nil)
	require.True(t, resp.Success, resp.Message)
	s.client.waitEvent(s.ctx, debugger.EventRobotStarted, nil)

	resp = s.client.request(s.ctx, "disconnect", dap.DisconnectArguments{})
	require.True(t, resp.Success, resp.Message)

	exited := s.client.waitEvent(s.ctx, "exited", nil)
	var exitedBody dap.ExitedEventBody
	require.NoError(t, json.Unmarshal(exited.Body, &exitedBody))
	assert.Equal(t, fakeExitCode, exitedBody.ExitCode)

	s.waitForEnd(t)
	assert.Equal(t, 1, s.client.countEvents("terminated"), "terminated should be sent exactly once")
}

func TestLaunchTimeout(t *testing.T) {
	t.Parallel()

	s := startLauncher(t, ServerOptions{})
	s.initialize(t, false)

	resp := s.launchFake(t, "silent", map[string]any{"launcherTimeout": 0.5})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, ErrDebuggeeTimeout.Error())
	s.client.waitEvent(s.ctx, "terminated", nil)
	assert.Equal(t, 0, s.client.countEvents("initialized"))
}

func TestLaunchFailsForMissingExecutable(t *testing.T) {
	t.Parallel()

	s := startLauncher(t, ServerOptions{})
	s.initialize(t, false)

	resp := s.launchFake(t, "serve", map[string]any{"python": "/no/such/executable"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "failed to start debuggee")
	s.client.waitEvent(s.ctx, "terminated", nil)
}

func TestTerminateInterruptsThenTerminates(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("interrupt signals are delivered differently on Windows")
	}
	t.Parallel()

	s := startLauncher(t, ServerOptions{})
	s.initialize(t, false)

	resp := s.launchFake(t, "serve", nil)
	require.True(t, resp.Success, resp.Message)
	resp = s.client.request(s.ctx, "configurationDone", nil)
	require.True(t, resp.Success, resp.Message)

	resp = s.client.request(s.ctx, "terminate", nil)
	require.True(t, resp.Success, resp.Message)
	s.client.waitEvent(s.ctx, debugger.EventOutput, bodyContains("interrupted"))
	assert.Equal(t, 0, s.client.countEvents(EventTerminateRequested))

	resp = s.client.request(s.ctx, "terminate", nil)
	require.True(t, resp.Success, resp.Message)
	s.client.waitEvent(s.ctx, EventTerminateRequested, nil)
	s.client.waitEvent(s.ctx, "exited", nil)
	s.client.waitEvent(s.ctx, "terminated", nil)

	resp = s.client.request(s.ctx, "disconnect", dap.DisconnectArguments{})
	require.True(t, resp.Success, resp.Message)
	s.waitForEnd(t)
}

func TestDisconnectWithTerminateDebuggeeExitsLauncher(t *testing.T) {
	t.Parallel()

	exitCodes := make(chan int, 1)
	s := startLauncher(t, ServerOptions{
		Exit: func(code int) { exitCodes <- code },
	})
	s.initialize(t, false)

	resp := s.launchFake(t, "serve", nil)
	require.True(t, resp.Success, resp.Message)

	resp = s.client.request(s.ctx, "disconnect", dap.DisconnectArguments{TerminateDebuggee: true})
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, -1, testutil.Receive(t, s.ctx, exitCodes))

	// The debuggee was terminated along with the launcher.
	s.client.waitEvent(s.ctx, "exited", nil)
}

func TestLaunchInTerminal(t *testing.T) {
	t.Parallel()

	s := startLauncher(t, ServerOptions{})
	s.initialize(t, true)

	launched := s.client.start("launch", map[string]any{
		"console":         ConsoleIntegratedTerminal,
		"target":          "suite.robot",
		"name":            "Robot Tests",
		"launcherTimeout": 10,
		"env":             map[string]string{fakeDebuggeeEnv: "serve"},
	})

	req := testutil.Receive(t, s.ctx, s.client.reverse)
	require.Equal(t, "runInTerminal", req.Command)
	var args dap.RunInTerminalRequestArguments
	require.NoError(t, req.DecodeArguments(&args))
	assert.Equal(t, "integrated", args.Kind)
	assert.Equal(t, "Robot Tests", args.Title)
	assert.Equal(t, "serve", args.Env[fakeDebuggeeEnv])
	require.Greater(t, len(args.Args), 2)
	assert.Equal(t, "debug", args.Args[1])

	// Play the terminal: start the command with the requested environment.
	cmd := exec.Command(args.Args[0], args.Args[1:]...)
	cmd.Dir = args.Cwd
	cmd.Env = os.Environ()
	for name, value := range args.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", name, value))
	}
	require.NoError(t, cmd.Start())
	exitErr := make(chan error, 1)
	go func() { exitErr <- cmd.Wait() }()

	s.client.respond(req, dap.RunInTerminalResponseBody{ProcessId: cmd.Process.Pid})

	resp := testutil.Receive(t, s.ctx, launched)
	require.True(t, resp.Success, resp.Message)
	s.client.waitEvent(s.ctx, "initialized", nil)

	resp = s.client.request(s.ctx, "disconnect", dap.DisconnectArguments{})
	require.True(t, resp.Success, resp.Message)
	s.waitForEnd(t)

	waitErr := testutil.Receive(t, s.ctx, exitErr)
	var processExit *exec.ExitError
	require.ErrorAs(t, waitErr, &processExit)
	assert.Equal(t, fakeExitCode, processExit.ExitCode())
}
