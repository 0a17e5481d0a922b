/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringListAcceptsStringOrList(t *testing.T) {
	t.Parallel()

	var single StringList
	require.NoError(t, json.Unmarshal([]byte(`"suite.robot"`), &single))
	assert.Equal(t, StringList{"suite.robot"}, single)

	var list StringList
	require.NoError(t, json.Unmarshal([]byte(`["a.robot","b.robot"]`), &list))
	assert.Equal(t, StringList{"a.robot", "b.robot"}, list)

	var invalid StringList
	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &invalid))
}

func TestLaunchArgumentDefaults(t *testing.T) {
	t.Parallel()

	var args LaunchArguments
	assert.Equal(t, DefaultLauncherTimeout, args.Timeout())
	assert.Equal(t, ConsoleIntegratedTerminal, args.EffectiveConsole())

	args.Console = "somethingElse"
	assert.Equal(t, ConsoleIntegratedTerminal, args.EffectiveConsole())

	args.Console = ConsoleInternal
	args.LauncherTimeout = 1.5
	assert.Equal(t, ConsoleInternal, args.EffectiveConsole())
	assert.Equal(t, 1500*time.Millisecond, args.Timeout())
}

func TestDebuggeeArgs(t *testing.T) {
	t.Parallel()

	t.Run("minimal", func(t *testing.T) {
		t.Parallel()

		args := LaunchArguments{Target: StringList{"suite.robot"}}
		assert.Equal(t,
			[]string{"debug", "-p", "4711", "-w", "-t", "5", "-c", "5", "--", "suite.robot"},
			args.DebuggeeArgs(4711, 0))
	})

	t.Run("all options", func(t *testing.T) {
		t.Parallel()

		args := LaunchArguments{
			Target:          StringList{"a.robot", "b.robot"},
			Args:            []string{"--include", "smoke"},
			LauncherArgs:    []string{"--verbosity", "debug"},
			LauncherTimeout: 12,
			NoDebug:         true,
			OutputMessages:  true,
			OutputLog:       true,
			GroupOutput:     true,
			StopOnEntry:     true,
			AttachPython:    true,
			Variables:       map[string]any{"ZED": "last", "BROWSER": "chrome", "COUNT": 3},
			OutputDir:       "out",
			DryRun:          true,
		}

		assert.Equal(t, []string{
			"--verbosity", "debug",
			"debug", "-p", "4711", "-w", "-t", "12", "-c", "12",
			"-n", "-om", "-ol", "-og", "-soe",
			"-d", "-dp", "5678",
			"--",
			"--variable", "BROWSER:chrome",
			"--variable", "COUNT:3",
			"--variable", "ZED:last",
			"--outputdir", "out",
			"--dryrun",
			"--include", "smoke",
			"a.robot", "b.robot",
		}, args.DebuggeeArgs(4711, 5678))
	})

	t.Run("sub-second timeout", func(t *testing.T) {
		t.Parallel()

		args := LaunchArguments{LauncherTimeout: 0.2}
		assert.Equal(t, []string{"debug", "-p", "1", "-w", "-t", "1", "-c", "1", "--"}, args.DebuggeeArgs(1, 0))
	})
}

func TestEnvironment(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	envFile := "test.env"
	require.NoError(t, os.WriteFile(filepath.Join(dir, envFile), []byte("FROM_FILE=file\nOVERRIDDEN=file\n"), 0o600))

	args := LaunchArguments{
		Cwd:             dir,
		EnvFile:         envFile,
		Env:             map[string]string{"OVERRIDDEN": "env", "FROM_ENV": "env", "PYTHONPATH": "existing"},
		RobotPythonPath: StringList{"libs", "resources"},
	}

	overrides, err := args.EnvironmentOverrides()
	require.NoError(t, err)
	assert.Equal(t, "file", overrides["FROM_FILE"])
	assert.Equal(t, "env", overrides["OVERRIDDEN"])
	assert.Equal(t, "env", overrides["FROM_ENV"])
	sep := string(os.PathListSeparator)
	assert.Equal(t, "libs"+sep+"resources"+sep+"existing", overrides["PYTHONPATH"])

	env, err := args.Environment()
	require.NoError(t, err)
	assert.Contains(t, env, "FROM_FILE=file")
	assert.Contains(t, env, "OVERRIDDEN=env")
	assert.True(t, slices.IsSorted(env), "environment should be sorted")
	if path, found := os.LookupEnv("PATH"); found {
		assert.Contains(t, env, "PATH="+path)
	}

	missing := LaunchArguments{Cwd: dir, EnvFile: "missing.env"}
	_, err = missing.Environment()
	assert.ErrorContains(t, err, "could not read environment file 'missing.env'")
}

func TestAttachArguments(t *testing.T) {
	t.Parallel()

	var args AttachArguments
	require.NoError(t, json.Unmarshal([]byte(`{
		"connect": {"port": 6612},
		"pathMappings": [{"localRoot": "C:\\work", "remoteRoot": "/srv/work"}]
	}`), &args))

	assert.Equal(t, "127.0.0.1:6612", args.Address())
	assert.Equal(t, DefaultLauncherTimeout, args.Timeout())
	require.Len(t, args.PathMappings, 1)
	assert.Equal(t, "/srv/work", args.PathMappings[0].RemoteRoot)

	args.Connect.Host = "build-agent"
	args.LauncherTimeout = 2
	assert.Equal(t, "build-agent:6612", args.Address())
	assert.Equal(t, 2*time.Second, args.Timeout())
}
