/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func TestRetryGetWithTimeoutSucceedsEventually(t *testing.T) {
	t.Parallel()

	attempts := 0
	val, err := RetryGetWithTimeout(context.Background(), 10*time.Second, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})

	require.NoError(t, err)
	require.Equal(t, 42, val)
	require.Equal(t, 3, attempts)
}

func TestRetryGetStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	errGone := errors.New("gone")
	attempts := 0
	_, err := RetryGetWithTimeout(context.Background(), 10*time.Second, func() (string, error) {
		attempts++
		return "", Permanent(errGone)
	})

	require.ErrorIs(t, err, errGone)
	require.Equal(t, 1, attempts)
}

func TestRetryGetReportsLastAttemptOnTimeout(t *testing.T) {
	t.Parallel()

	errRefused := errors.New("connection refused")
	_, err := RetryGetWithTimeout(context.Background(), 300*time.Millisecond, func() (string, error) {
		return "", errRefused
	})

	require.ErrorIs(t, err, errRefused)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGuardRecoversPanic(t *testing.T) {
	t.Parallel()

	err := Guard(logr.Discard(), func() error {
		panic("listener blew up")
	})
	require.ErrorContains(t, err, "listener blew up")
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	require.Equal(t, "listener blew up", panicErr.Value)
	require.NotEmpty(t, panicErr.Stack)

	errPlain := errors.New("plain")
	require.ErrorIs(t, Guard(logr.Discard(), func() error { return errPlain }), errPlain)
	require.NoError(t, MakePanicError(nil, logr.Discard()))
}
