/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/rfdebug/rfdebug/internal/debugger"
	"github.com/rfdebug/rfdebug/internal/robot"
	"github.com/rfdebug/rfdebug/pkg/logger"
)

const (
	DefaultDebuggerAddress = "127.0.0.1"
	DefaultDebuggerPort    = 6612
)

// Flags made of several letters behind a single dash, as the launcher passes them.
var multiLetterFlags = []string{"om", "ol", "og", "soe", "dp", "dw"}

type debugFlags struct {
	port                     int
	portSet                  bool
	wait                     bool
	timeout                  float64
	configurationDoneTimeout float64
	noDebug                  bool
	outputMessages           bool
	outputLog                bool
	groupOutput              bool
	stopOnEntry              bool
	diagnostics              bool
	diagnosticsPort          int
	diagnosticsWait          bool
}

func (f *debugFlags) connectTimeout() time.Duration {
	return secondsOrDefault(f.timeout)
}

func (f *debugFlags) configurationTimeout() time.Duration {
	return secondsOrDefault(f.configurationDoneTimeout)
}

func (f *debugFlags) debuggerOptions() debugger.Options {
	return debugger.Options{
		NoDebug:        f.noDebug,
		StopOnEntry:    f.stopOnEntry,
		OutputMessages: f.outputMessages,
		OutputLog:      f.outputLog,
		GroupOutput:    f.groupOutput,
	}
}

func secondsOrDefault(seconds float64) time.Duration {
	if seconds <= 0 {
		return debugger.DefaultHandshakeTimeout
	}
	return time.Duration(seconds * float64(time.Second))
}

func newDebugFlagSet(f *debugFlags, log *logger.Logger) *pflag.FlagSet {
	fs := pflag.NewFlagSet("debug", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false

	defaultTimeout := debugger.DefaultHandshakeTimeout.Seconds()
	fs.IntVarP(&f.port, "port", "p", DefaultDebuggerPort, "The port the debugger listens on for the launcher. Without this flag a free port is picked if the default one is taken.")
	fs.BoolVarP(&f.wait, "wait-for-client", "w", false, "Wait for the launcher to connect and finish its configuration before running tests.")
	fs.Float64VarP(&f.timeout, "timeout", "t", defaultTimeout, "Seconds to wait for the launcher to connect.")
	fs.Float64VarP(&f.configurationDoneTimeout, "configuration-done-timeout", "c", defaultTimeout, "Seconds to wait for the launcher to finish its configuration.")
	fs.BoolVarP(&f.noDebug, "no-debug", "n", false, "Run without stopping. Only output is relayed.")
	fs.BoolVar(&f.outputMessages, "om", false, "Relay framework messages as output.")
	fs.BoolVar(&f.outputLog, "ol", false, "Relay messages logged by keywords as output.")
	fs.BoolVar(&f.groupOutput, "og", false, "Group the output of suites, tests and keywords.")
	fs.BoolVar(&f.stopOnEntry, "soe", false, "Stop before the first suite starts.")
	fs.BoolVarP(&f.diagnostics, "diagnostics", "d", false, "Serve runtime diagnostics (profiles, goroutine dumps) over HTTP.")
	fs.IntVar(&f.diagnosticsPort, "dp", 0, "The port of the diagnostics endpoint. A free port is picked if zero or taken.")
	fs.BoolVar(&f.diagnosticsWait, "dw", false, "Wait for a diagnostics client to call /continue before running tests.")
	log.AddLevelFlag(fs)
	return fs
}

// normalizeDebugArgs rewrites the multi letter single dash flags (like -soe) into their long form.
// Everything after the "--" terminator belongs to the runner and is kept as is.
func normalizeDebugArgs(args []string) []string {
	retval := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			return append(retval, args[i:]...)
		}
		retval = append(retval, normalizeFlag(arg))
	}
	return retval
}

func normalizeFlag(arg string) string {
	if !strings.HasPrefix(arg, "-") || strings.HasPrefix(arg, "--") {
		return arg
	}
	name, value, hasValue := strings.Cut(arg[1:], "=")
	if !slices.Contains(multiLetterFlags, name) {
		return arg
	}
	if hasValue {
		return "--" + name + "=" + value
	}
	return "--" + name
}

// parseDebugArgs parses the debugger flags. The remaining arguments are for the runner.
func parseDebugArgs(args []string, log *logger.Logger) (*debugFlags, *pflag.FlagSet, []string, error) {
	f := &debugFlags{}
	fs := newDebugFlagSet(f, log)
	if err := fs.Parse(normalizeDebugArgs(args)); err != nil {
		return nil, fs, nil, err
	}
	f.portSet = fs.Changed("port")
	return f, fs, fs.Args(), nil
}

type runnerArgs struct {
	variables     []string
	variableFiles []string
	filter        robot.Filter
	dryRun        bool
	outputDir     string
	version       bool
	help          bool
	paths         []string
}

func (ra *runnerArgs) options() robot.Options {
	return robot.Options{
		Variables:     ra.variables,
		VariableFiles: ra.variableFiles,
		Filter:        ra.filter,
		DryRun:        ra.dryRun,
		OutputDir:     ra.outputDir,
	}
}

var errNoPaths = errors.New("expected at least 1 argument, got 0")

func newRunnerFlagSet(ra *runnerArgs) *pflag.FlagSet {
	fs := pflag.NewFlagSet("runner", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false

	fs.StringArrayVarP(&ra.variables, "variable", "v", nil, "Set a variable, as name:value.")
	fs.StringArrayVarP(&ra.variableFiles, "variablefile", "V", nil, "Read variables from a YAML file.")
	fs.StringArrayVarP(&ra.filter.Tests, "test", "t", nil, "Select tests by name (glob patterns allowed).")
	fs.StringArrayVarP(&ra.filter.Suites, "suite", "s", nil, "Select suites by name (glob patterns allowed).")
	fs.StringArrayVarP(&ra.filter.Include, "include", "i", nil, "Select tests by tag.")
	fs.StringArrayVarP(&ra.filter.Exclude, "exclude", "e", nil, "Skip tests by tag.")
	fs.BoolVar(&ra.dryRun, "dryrun", false, "Verify the test data without running library keywords.")
	fs.StringVarP(&ra.outputDir, "outputdir", "d", "", "Write the JSON result file into this directory.")
	fs.BoolVar(&ra.version, "version", false, "Print version information and exit.")
	return fs
}

// parseRunnerArgs parses the runner options and the paths of the test data.
func parseRunnerArgs(args []string) (*runnerArgs, *pflag.FlagSet, error) {
	ra := &runnerArgs{}
	fs := newRunnerFlagSet(ra)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			ra.help = true
			return ra, fs, nil
		}
		return nil, fs, err
	}

	ra.paths = fs.Args()
	if len(ra.paths) == 0 && !ra.version {
		return nil, fs, errNoPaths
	}
	return ra, fs, nil
}

func usage(title string, fs *pflag.FlagSet) string {
	return fmt.Sprintf("%s%s%s", title, "\n\n", fs.FlagUsages())
}
