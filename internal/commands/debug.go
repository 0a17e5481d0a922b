/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rfdebug/rfdebug/internal/debugger"
	"github.com/rfdebug/rfdebug/internal/jsonrpc"
	"github.com/rfdebug/rfdebug/internal/networking"
	"github.com/rfdebug/rfdebug/internal/robot"
	"github.com/rfdebug/rfdebug/internal/version"
	"github.com/rfdebug/rfdebug/pkg/logger"
	"github.com/rfdebug/rfdebug/pkg/osutil"
)

const (
	// RcHelpOrVersion is the exit code when help or version information was requested.
	RcHelpOrVersion = 251

	// RcStartupError is the exit code when the debug session could not be set up.
	RcStartupError = 255

	// How long pending events may take to reach the launcher once the run is over.
	eventFlushTimeout = 5 * time.Second
)

func NewDebugCommand(log *logger.Logger) (*cobra.Command, error) {
	debugCmd := &cobra.Command{
		Use:   "debug [flags] -- [runner options] <paths>",
		Short: "Runs tests under the debugger",
		Long: `Runs tests under the debugger.

The debugger listens for the launcher (see the launcher command) and stops at breakpoints,
steps and relays output while the tests run. Everything after "--" is passed to the test runner.

Exit codes: 0 when all tests passed, 1-250 the number of failed tests, 251 when help or version
information was requested, 252 for invalid test data or runner options, 253 when the run was
interrupted, 255 when the debug session could not be set up.`,
		// Flags like -soe are not valid pflag syntax and are parsed by the command itself.
		DisableFlagParsing: true,
		RunE:               runDebug(log),
	}

	return debugCmd, nil
}

func runDebug(log *logger.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		flags, fs, rest, parseErr := parseDebugArgs(args, log)
		if parseErr != nil {
			if errors.Is(parseErr, pflag.ErrHelp) {
				fmt.Fprint(cmd.OutOrStdout(), usage(cmd.Long, fs))
				return exitWith(RcHelpOrVersion, nil)
			}
			return exitWith(RcStartupError, parseErr)
		}

		ra, runnerFs, runnerErr := parseRunnerArgs(rest)
		switch {
		case runnerErr != nil:
			return exitWith(robot.RcInvalidData, fmt.Errorf("[ ERROR ] %w%sTry --help for usage information.", runnerErr, string(osutil.LineSep())))
		case ra.help:
			fmt.Fprint(cmd.OutOrStdout(), usage("Runner options:", runnerFs))
			return exitWith(RcHelpOrVersion, nil)
		case ra.version:
			fmt.Fprintf(cmd.OutOrStdout(), "%s%s", version.Version(), osutil.LineSep())
			return exitWith(RcHelpOrVersion, nil)
		}

		session := &debugSession{
			flags:   flags,
			runner:  ra,
			console: cmd.OutOrStdout(),
			errOut:  cmd.ErrOrStderr(),
			log:     log.Logger.WithName("debug"),
		}
		rc, err := session.run(cmd.Context())
		if err != nil {
			return exitWith(rc, err)
		}
		if rc != robot.RcAllPassed {
			return exitWith(rc, nil)
		}
		return nil
	}
}

// debugSession runs the tests with the debugger installed as a runner listener.
type debugSession struct {
	flags   *debugFlags
	runner  *runnerArgs
	console io.Writer
	errOut  io.Writer
	log     logr.Logger

	// address is where the debugger listens, known once the session started.
	address string
}

func (s *debugSession) run(ctx context.Context) (int, error) {
	opts := s.flags.debuggerOptions()
	opts.Log = s.log.WithName("debugger")
	d, err := debugger.Install(opts)
	if err != nil {
		return RcStartupError, err
	}
	defer debugger.Uninstall()

	// A suspended executor must not outlive an interrupt.
	stopUninstall := context.AfterFunc(ctx, debugger.Uninstall)
	defer stopUninstall()

	if s.flags.diagnostics {
		diag, diagErr := startDiagnostics(DefaultDebuggerAddress, s.flags.diagnosticsPort, s.log.WithName("diagnostics"))
		if diagErr != nil {
			return RcStartupError, diagErr
		}
		defer func() { _ = diag.Close() }()

		fmt.Fprintf(s.errOut, "rfdebug diagnostics on http://%s%s", diag.Address(), osutil.LineSep())
		if s.flags.diagnosticsWait {
			if waitErr := diag.WaitForContinue(ctx, s.flags.connectTimeout()); waitErr != nil {
				s.log.Info("Continuing without a diagnostics client", "reason", waitErr.Error())
			}
		}
	}

	l, listenErr := s.listen()
	if listenErr != nil {
		return RcStartupError, listenErr
	}

	// Serving outlives an interrupt so that the final events still reach the launcher.
	serveCtx, cancelServe := context.WithCancel(context.WithoutCancel(ctx))
	var connected atomic.Bool
	served := make(chan struct{})
	go func() {
		defer close(served)
		conn, acceptErr := jsonrpc.AcceptSingle(serveCtx, l, s.log)
		if acceptErr != nil {
			if serveCtx.Err() == nil {
				s.log.Error(acceptErr, "Debug client could not connect")
			}
			return
		}
		connected.Store(true)
		if serveErr := d.Serve(serveCtx, conn); serveErr != nil && serveCtx.Err() == nil {
			s.log.Error(serveErr, "Debug session ended with an error")
		}
	}()
	defer func() {
		cancelServe()
		<-served
	}()

	if s.flags.wait {
		if waitErr := d.WaitForClient(ctx, s.flags.connectTimeout()); waitErr != nil {
			return RcStartupError, fmt.Errorf("no debug client connected to %s: %w", s.address, waitErr)
		}
		if waitErr := d.WaitForConfigurationDone(ctx, s.flags.configurationTimeout()); waitErr != nil {
			return RcStartupError, fmt.Errorf("the debug client did not finish its configuration: %w", waitErr)
		}
	}

	runnerOpts := s.runner.options()
	runnerOpts.Console = s.console
	runnerOpts.Listeners = []robot.Listener{d}
	runnerOpts.Log = s.log.WithName("runner")

	rc, runErr := robot.NewRunner(runnerOpts).Run(ctx, s.runner.paths)
	if runErr == nil && ctx.Err() != nil {
		rc = robot.RcInterrupted
	}

	if connected.Load() {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), eventFlushTimeout)
		if flushErr := d.Flush(flushCtx); flushErr != nil {
			s.log.V(1).Info("Not all events reached the debug client", "error", flushErr.Error())
		}
		cancelFlush()
	}

	return rc, runErr
}

// listen opens the port the launcher connects to. An explicitly requested port is used as is.
func (s *debugSession) listen() (net.Listener, error) {
	port := s.flags.port
	if !s.flags.portSet {
		freePort, portErr := networking.FindFreePort(DefaultDebuggerAddress, port, s.log)
		if portErr != nil {
			return nil, fmt.Errorf("could not find a port for the debugger: %w", portErr)
		}
		port = freePort
	}

	s.address = networking.AddressAndPort(DefaultDebuggerAddress, port)
	l, err := jsonrpc.Listen(&jsonrpc.TransportConfig{Mode: jsonrpc.ModeTCP, Address: s.address})
	if err != nil {
		return nil, err
	}

	s.log.Info("Debugger listening", "address", s.address)
	if !s.flags.wait {
		fmt.Fprintf(s.errOut, "rfdebug debugger listening on %s%s", s.address, osutil.LineSep())
	}
	return l, nil
}
