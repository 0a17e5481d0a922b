/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/go-logr/logr"
	godap "github.com/google/go-dap"
	"github.com/spf13/cobra"

	"github.com/rfdebug/rfdebug/internal/dap"
	"github.com/rfdebug/rfdebug/internal/version"
)

const defaultPythonExecutable = "python"

type pythonInfo struct {
	Executable string `json:"executable"`
	Found      bool   `json:"found"`
	Path       string `json:"path,omitempty"`
}

type information struct {
	Version      version.Info       `json:"version"`
	Capabilities godap.Capabilities `json:"capabilities"`
	Python       pythonInfo         `json:"python"`
}

func NewInfoCommand(log logr.Logger) (*cobra.Command, error) {
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Prints information about the debugger and its environment",
		Long: `Prints information about the debugger and its environment.

The output includes the debug adapter capabilities the launcher reports to the IDE and
whether a host interpreter (named by the launch configuration's python setting) is on the PATH.`,
		RunE: getInfo(log),
		Args: cobra.MaximumNArgs(1),
	}

	return infoCmd, nil
}

func getInfo(log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log := log.WithName("info")

		python := pythonInfo{Executable: defaultPythonExecutable}
		if len(args) > 0 {
			python.Executable = args[0]
		}
		if path, lookErr := exec.LookPath(python.Executable); lookErr == nil {
			python.Found = true
			python.Path = path
		}

		info := information{
			Version:      version.Version(),
			Capabilities: dap.Capabilities(),
			Python:       python,
		}

		if infoStr, err := json.Marshal(info); err != nil {
			log.Error(err, "Could not serialize application information")
			return err
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), string(infoStr))
		}

		return nil
	}
}
