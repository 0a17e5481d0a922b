/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/rfdebug/rfdebug/internal/version"
)

const (
	// Logged right after the start message, so that a launcher can tag the debuggee's log, e.g. with the launch name.
	RFDEBUG_LOGGING_CONTEXT = "RFDEBUG_LOGGING_CONTEXT"
)

func NewVersionCommand(log logr.Logger) (*cobra.Command, error) {
	var short bool

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		Long: `Prints version information as JSON.

With --short only the product name and version are printed, the same text as "rfdebug debug -- --version".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Version()
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), info.String())
				return nil
			}

			serialized, err := json.Marshal(info)
			if err != nil {
				log.WithName("version").Error(err, "Could not serialize version information")
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(serialized))
			return nil
		},
	}

	versionCmd.Flags().BoolVar(&short, "short", false, "Print only the product name and version")
	return versionCmd, nil
}

// LogVersion records who started the process and with which build, at V(1).
func LogVersion(log logr.Logger, startMessage string) func(*cobra.Command, []string) {
	return func(*cobra.Command, []string) {
		exe, exeErr := os.Executable()
		if exeErr != nil {
			exe = os.Args[0]
		}

		info := version.Version()
		log.V(1).Info(startMessage,
			"PID", os.Getpid(),
			"Exe", exe,
			"Args", os.Args[1:],
			"Version", info.Version,
			"Commit", info.CommitHash,
		)

		if logContext := os.Getenv(RFDEBUG_LOGGING_CONTEXT); logContext != "" {
			log.V(1).Info(logContext)
		}
	}
}
