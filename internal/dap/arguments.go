/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultLauncherTimeout is how long the launcher tries to connect to a debuggee it started.
const DefaultLauncherTimeout = 5 * time.Second

// ConsoleKind tells where the debuggee runs.
type ConsoleKind string

const (
	ConsoleInternal           ConsoleKind = "internalConsole"
	ConsoleIntegratedTerminal ConsoleKind = "integratedTerminal"
	ConsoleExternalTerminal   ConsoleKind = "externalTerminal"
)

// StringList decodes from either a single string or a list of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("expected a string or a list of strings: %w", err)
	}
	*l = list
	return nil
}

// LaunchArguments are the arguments of the launch request.
type LaunchArguments struct {
	// Python names the executable that hosts the debuggee. Defaults to the launcher executable.
	Python  string            `json:"python,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Target  StringList        `json:"target,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	EnvFile string            `json:"envFile,omitempty"`
	Console ConsoleKind       `json:"console,omitempty"`
	Name    string            `json:"name,omitempty"`
	NoDebug bool              `json:"noDebug,omitempty"`

	// RobotPythonPath entries are put on the debuggee's PYTHONPATH.
	RobotPythonPath StringList `json:"robotPythonPath,omitempty"`

	// LauncherArgs are passed to the debuggee before its own flags.
	LauncherArgs []string `json:"launcherArgs,omitempty"`

	// LauncherTimeout is the connect timeout in seconds.
	LauncherTimeout float64 `json:"launcherTimeout,omitempty"`

	// AttachPython enables the debuggee's diagnostics endpoint on a free port.
	AttachPython bool `json:"attachPython,omitempty"`

	Variables      map[string]any `json:"variables,omitempty"`
	OutputDir      string         `json:"outputDir,omitempty"`
	OutputMessages bool           `json:"outputMessages,omitempty"`
	OutputLog      bool           `json:"outputLog,omitempty"`
	GroupOutput    bool           `json:"groupOutput,omitempty"`
	StopOnEntry    bool           `json:"stopOnEntry,omitempty"`
	DryRun         bool           `json:"dryRun,omitempty"`
}

// Timeout returns the launcher timeout.
func (a *LaunchArguments) Timeout() time.Duration {
	if a.LauncherTimeout > 0 {
		return time.Duration(a.LauncherTimeout * float64(time.Second))
	}
	return DefaultLauncherTimeout
}

// EffectiveConsole returns the console kind, defaulting to the integrated terminal.
func (a *LaunchArguments) EffectiveConsole() ConsoleKind {
	switch a.Console {
	case ConsoleInternal, ConsoleIntegratedTerminal, ConsoleExternalTerminal:
		return a.Console
	default:
		return ConsoleIntegratedTerminal
	}
}

// DebuggeeArgs builds the command line arguments of the debuggee, listening on the given port.
// diagnosticsPort is only used if AttachPython is set.
func (a *LaunchArguments) DebuggeeArgs(port int, diagnosticsPort int) []string {
	seconds := strconv.Itoa(int(a.Timeout().Round(time.Second) / time.Second))
	if seconds == "0" {
		seconds = "1"
	}

	args := slices.Clone(a.LauncherArgs)
	args = append(args, "debug", "-p", strconv.Itoa(port), "-w", "-t", seconds, "-c", seconds)

	flags := []struct {
		set  bool
		flag string
	}{
		{a.NoDebug, "-n"},
		{a.OutputMessages, "-om"},
		{a.OutputLog, "-ol"},
		{a.GroupOutput, "-og"},
		{a.StopOnEntry, "-soe"},
	}
	for _, f := range flags {
		if f.set {
			args = append(args, f.flag)
		}
	}
	if a.AttachPython {
		args = append(args, "-d", "-dp", strconv.Itoa(diagnosticsPort))
	}

	args = append(args, "--")
	for _, name := range slices.Sorted(maps.Keys(a.Variables)) {
		args = append(args, "--variable", name+":"+fmt.Sprint(a.Variables[name]))
	}
	if a.OutputDir != "" {
		args = append(args, "--outputdir", a.OutputDir)
	}
	if a.DryRun {
		args = append(args, "--dryrun")
	}
	args = append(args, a.Args...)
	args = append(args, a.Target...)
	return args
}

// EnvironmentOverrides returns the variables the debuggee environment adds to the launcher's:
// the env file, overridden by the env map, plus the robot python path.
func (a *LaunchArguments) EnvironmentOverrides() (map[string]string, error) {
	env := map[string]string{}

	if a.EnvFile != "" {
		path := a.EnvFile
		if !filepath.IsAbs(path) && a.Cwd != "" {
			path = filepath.Join(a.Cwd, path)
		}
		fileEnv, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("could not read environment file '%s': %w", a.EnvFile, err)
		}
		maps.Copy(env, fileEnv)
	}
	maps.Copy(env, a.Env)

	if len(a.RobotPythonPath) > 0 {
		entries := slices.Clone([]string(a.RobotPythonPath))
		existing, found := env["PYTHONPATH"]
		if !found {
			existing = os.Getenv("PYTHONPATH")
		}
		if existing != "" {
			entries = append(entries, existing)
		}
		env["PYTHONPATH"] = strings.Join(entries, string(os.PathListSeparator))
	}

	return env, nil
}

// Environment returns the complete environment of the debuggee, sorted by variable name.
func (a *LaunchArguments) Environment() ([]string, error) {
	overrides, err := a.EnvironmentOverrides()
	if err != nil {
		return nil, err
	}

	env := map[string]string{}
	for _, entry := range os.Environ() {
		if name, value, found := strings.Cut(entry, "="); found && name != "" {
			env[name] = value
		}
	}
	maps.Copy(env, overrides)

	retval := make([]string, 0, len(env))
	for _, name := range slices.Sorted(maps.Keys(env)) {
		retval = append(retval, name+"="+env[name])
	}
	return retval, nil
}

// PathMapping maps a source root on the IDE machine to the corresponding root on the debuggee side.
type PathMapping struct {
	LocalRoot  string `json:"localRoot"`
	RemoteRoot string `json:"remoteRoot"`
}

// AttachArguments are the arguments of the attach request.
type AttachArguments struct {
	Connect struct {
		Host string `json:"host,omitempty"`
		Port int    `json:"port"`
	} `json:"connect"`
	PathMappings []PathMapping `json:"pathMappings,omitempty"`

	// LauncherTimeout is the connect timeout in seconds.
	LauncherTimeout float64 `json:"launcherTimeout,omitempty"`
}

// Address returns the address of the debuggee to attach to.
func (a *AttachArguments) Address() string {
	host := a.Connect.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, a.Connect.Port)
}

func (a *AttachArguments) Timeout() time.Duration {
	if a.LauncherTimeout > 0 {
		return time.Duration(a.LauncherTimeout * float64(time.Second))
	}
	return DefaultLauncherTimeout
}
