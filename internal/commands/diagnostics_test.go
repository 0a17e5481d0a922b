/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rfdebug/rfdebug/pkg/testutil"
)

func TestDiagnosticsEndpoint(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, commandsTestTimeout)
	defer cancel()

	diag, err := startDiagnostics(DefaultDebuggerAddress, 0, testutil.NewLogForTesting(t.Name()))
	require.NoError(t, err)
	defer func() { require.NoError(t, diag.Close()) }()

	baseUrl := "http://" + diag.Address()

	resp, err := http.Get(baseUrl + "/health")
	require.NoError(t, err)
	var status diagnosticsStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, os.Getpid(), status.Pid)
	require.False(t, status.Waiting)

	profiles, err := http.Get(baseUrl + "/debug/pprof/")
	require.NoError(t, err)
	_ = profiles.Body.Close()
	require.Equal(t, http.StatusOK, profiles.StatusCode)

	wallClock, err := http.Get(baseUrl + "/fgprof?seconds=1")
	require.NoError(t, err)
	_ = wallClock.Body.Close()
	require.Equal(t, http.StatusOK, wallClock.StatusCode)

	released := make(chan error, 1)
	go func() {
		released <- diag.WaitForContinue(ctx, 20*time.Second)
	}()

	require.Eventually(t, func() bool {
		diag.lock.Lock()
		defer diag.lock.Unlock()
		return diag.waiting
	}, 10*time.Second, 20*time.Millisecond)

	cont, err := http.Post(baseUrl+"/continue", "application/json", nil)
	require.NoError(t, err)
	_ = cont.Body.Close()
	require.Equal(t, http.StatusNoContent, cont.StatusCode)

	require.NoError(t, testutil.Receive(t, ctx, released))
}

func TestDiagnosticsWaitTimesOut(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, commandsTestTimeout)
	defer cancel()

	diag, err := startDiagnostics(DefaultDebuggerAddress, 0, testutil.NewLogForTesting(t.Name()))
	require.NoError(t, err)
	defer func() { _ = diag.Close() }()

	require.ErrorIs(t, diag.WaitForContinue(ctx, 50*time.Millisecond), errDiagnosticsWaitTimeout)
}
