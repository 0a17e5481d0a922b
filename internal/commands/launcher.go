/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/rfdebug/rfdebug/internal/dap"
	"github.com/rfdebug/rfdebug/internal/jsonrpc"
	"github.com/rfdebug/rfdebug/internal/networking"
	"github.com/rfdebug/rfdebug/pkg/logger"
	"github.com/rfdebug/rfdebug/pkg/osutil"
)

const (
	DefaultLauncherAddress = "127.0.0.1"
	DefaultLauncherPort    = 6611
)

type launcherFlags struct {
	mode     string
	bind     string
	port     int
	pipeName string
	monitor  monitorFlags
}

func NewLauncherCommand(log *logger.Logger) (*cobra.Command, error) {
	flags := &launcherFlags{}

	launcherCmd := &cobra.Command{
		Use:   "launcher",
		Short: "Runs the debug adapter the IDE talks to",
		Long: `Runs the debug adapter the IDE talks to.

The launcher speaks the Debug Adapter Protocol with the IDE, starts the test process
(see the debug command) and forwards requests to the debugger running inside it.`,
		RunE: runLauncher(flags, log),
		Args: cobra.NoArgs,
	}

	launcherCmd.Flags().StringVar(&flags.mode, "mode", string(jsonrpc.ModeStdio), "How the IDE connects: 'stdio', 'tcp' or 'pipe'.")
	launcherCmd.Flags().StringVar(&flags.bind, "bind", DefaultLauncherAddress, "The address to listen on in tcp mode.")
	launcherCmd.Flags().IntVar(&flags.port, "port", DefaultLauncherPort, "The port to listen on in tcp mode. A free port is picked if this one is taken.")
	launcherCmd.Flags().StringVar(&flags.pipeName, "pipe-name", "", "The name of the pipe to listen on in pipe mode. Generated if empty.")
	flags.monitor.addFlags(launcherCmd.Flags())

	return launcherCmd, nil
}

func runLauncher(flags *launcherFlags, rootLog *logger.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log := rootLog.Logger.WithName("launcher")
		ctx := flags.monitor.monitor(cmd.Context(), log)

		conn, err := openIdeConnection(ctx, flags, cmd.ErrOrStderr(), log)
		if err != nil {
			return err
		}

		server := dap.NewServer(dap.NewTransport(conn), dap.ServerOptions{
			ChildEnv: rootLog.ChildEnv(),
			Logger:   log.WithName("server"),
		})
		return server.Run(ctx)
	}
}

// openIdeConnection waits for the IDE to connect over the configured transport.
func openIdeConnection(ctx context.Context, flags *launcherFlags, announce io.Writer, log logr.Logger) (io.ReadWriteCloser, error) {
	cfg := &jsonrpc.TransportConfig{Mode: jsonrpc.Mode(flags.mode)}

	switch cfg.Mode {
	case jsonrpc.ModeStdio:
		return jsonrpc.Stdio(), nil

	case jsonrpc.ModeTCP:
		port, portErr := networking.FindFreePort(flags.bind, flags.port, log)
		if portErr != nil {
			return nil, fmt.Errorf("could not find a port to listen on: %w", portErr)
		}
		cfg.Address = networking.AddressAndPort(flags.bind, port)

	case jsonrpc.ModePipe:
		cfg.PipeName = flags.pipeName

	default:
		return nil, fmt.Errorf("%w: %q", jsonrpc.ErrUnsupportedMode, flags.mode)
	}

	l, err := jsonrpc.Listen(cfg)
	if err != nil {
		return nil, err
	}

	where := cfg.Address
	if cfg.Mode == jsonrpc.ModePipe {
		where = cfg.PipeName
	}
	log.Info("Waiting for the IDE to connect", "mode", cfg.Mode, "address", where)
	fmt.Fprintf(announce, "rfdebug launcher listening on %s%s", where, osutil.LineSep())

	return jsonrpc.AcceptSingle(ctx, l, log)
}
