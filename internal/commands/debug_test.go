/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	rfdap "github.com/rfdebug/rfdebug/internal/dap"
	"github.com/rfdebug/rfdebug/internal/debugger"
	"github.com/rfdebug/rfdebug/internal/jsonrpc"
	"github.com/rfdebug/rfdebug/internal/networking"
	"github.com/rfdebug/rfdebug/internal/robot"
	"github.com/rfdebug/rfdebug/pkg/logger"
	"github.com/rfdebug/rfdebug/pkg/testutil"
)

const commandsTestTimeout = 30 * time.Second

const debugTestSuite = `*** Test Cases ***
First
    Log    hello
    Log    second
`

type debugEvent struct {
	name string
	body json.RawMessage
}

// The debugger is a process-wide singleton, so only this test runs a debug session.
func TestDebugSessionStopsAtBreakpoint(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, commandsTestTimeout)
	defer cancel()
	log := testutil.NewLogForTesting(t.Name())

	source := filepath.Join(t.TempDir(), "example.robot")
	require.NoError(t, os.WriteFile(source, []byte(debugTestSuite), 0o644))

	port, portErr := networking.GetFreePort(DefaultDebuggerAddress, log)
	require.NoError(t, portErr)

	var console bytes.Buffer
	session := &debugSession{
		flags: &debugFlags{
			port:                     port,
			portSet:                  true,
			wait:                     true,
			timeout:                  10,
			configurationDoneTimeout: 10,
		},
		runner:  &runnerArgs{paths: []string{source}},
		console: &console,
		errOut:  io.Discard,
		log:     log,
	}

	type runResult struct {
		rc  int
		err error
	}
	results := make(chan runResult, 1)
	go func() {
		rc, err := session.run(ctx)
		results <- runResult{rc, err}
	}()

	conn, connErr := rfdap.ConnectDebuggee(ctx, networking.AddressAndPort(DefaultDebuggerAddress, port), 10*time.Second, nil, log)
	require.NoError(t, connErr)

	client := jsonrpc.NewEndpoint(conn, jsonrpc.EndpointOptions{Logger: log.WithName("client")})
	events := make(chan debugEvent, 256)
	for _, name := range []string{debugger.EventStopped, debugger.EventContinued, debugger.EventOutput, debugger.EventTerminated, debugger.EventRobotStarted, debugger.EventRobotEnded} {
		eventName := name
		client.Register(eventName, jsonrpc.Raw(func(_ context.Context, params json.RawMessage) (any, error) {
			events <- debugEvent{name: eventName, body: params}
			return nil, nil
		}))
	}
	go func() {
		_ = client.Run(ctx)
	}()
	defer client.Close()

	points := []dap.SourceBreakpoint{{Line: 3}}
	var breakpoints dap.SetBreakpointsResponseBody
	require.NoError(t, client.Call(ctx, "setBreakpoints", debugger.SetBreakpointsParams{
		Source:      dap.Source{Path: source},
		Breakpoints: &points,
	}, &breakpoints))
	require.Len(t, breakpoints.Breakpoints, 1)
	require.True(t, breakpoints.Breakpoints[0].Verified)

	require.NoError(t, client.Call(ctx, "configurationDone", dap.ConfigurationDoneArguments{}, nil))

	stopped := nextDebugEvent(t, ctx, events, debugger.EventStopped)
	var stoppedBody dap.StoppedEventBody
	require.NoError(t, json.Unmarshal(stopped.body, &stoppedBody))
	require.Equal(t, "breakpoint", stoppedBody.Reason)
	require.Equal(t, debugger.MainThreadID, stoppedBody.ThreadId)

	var stack dap.StackTraceResponseBody
	require.NoError(t, client.Call(ctx, "stackTrace", dap.StackTraceArguments{ThreadId: debugger.MainThreadID}, &stack))
	require.NotEmpty(t, stack.StackFrames)
	require.Equal(t, 3, stack.StackFrames[0].Line)

	require.NoError(t, client.Call(ctx, "continue", dap.ContinueArguments{ThreadId: debugger.MainThreadID}, nil))
	_ = nextDebugEvent(t, ctx, events, debugger.EventTerminated)

	result := testutil.Receive(t, ctx, results)
	require.NoError(t, result.err)
	require.Equal(t, robot.RcAllPassed, result.rc)
	require.Contains(t, console.String(), "First")
}

func TestDebugCommandExitCodes(t *testing.T) {
	t.Parallel()

	type testcase struct {
		description string
		args        []string
		expectedRc  int
		expectedOut string
	}

	testcases := []testcase{
		{
			description: "runner version",
			args:        []string{"--", "--version"},
			expectedRc:  RcHelpOrVersion,
			expectedOut: "rfdebug ",
		},
		{
			description: "runner help",
			args:        []string{"--", "--help"},
			expectedRc:  RcHelpOrVersion,
			expectedOut: "--variable",
		},
		{
			description: "debugger help",
			args:        []string{"--help"},
			expectedRc:  RcHelpOrVersion,
			expectedOut: "--soe",
		},
		{
			description: "no test data",
			args:        []string{"-n", "--"},
			expectedRc:  robot.RcInvalidData,
		},
		{
			description: "unknown debugger flag",
			args:        []string{"-x", "--", "suite.robot"},
			expectedRc:  RcStartupError,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.description, func(t *testing.T) {
			t.Parallel()

			cmd, err := NewDebugCommand(logger.New("commands-test"))
			require.NoError(t, err)

			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetErr(io.Discard)
			cmd.SetArgs(tc.args)

			execErr := cmd.Execute()
			require.Equal(t, tc.expectedRc, ExitCode(execErr, 1))
			require.Contains(t, out.String(), tc.expectedOut)
		})
	}
}

func nextDebugEvent(t *testing.T, ctx context.Context, events <-chan debugEvent, name string) debugEvent {
	for {
		ev := testutil.Receive(t, ctx, events)
		if ev.name == name {
			return ev
		}
	}
}
