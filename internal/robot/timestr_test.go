/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseTimeString(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		input    string
		expected time.Duration
	}{
		{"1.5", 1500 * time.Millisecond},
		{"2 seconds", 2 * time.Second},
		{"1 min 30 s", 90 * time.Second},
		{"100ms", 100 * time.Millisecond},
		{"1h 2m", time.Hour + 2*time.Minute},
		{"01:30", 90 * time.Second},
		{"1:00:05", time.Hour + 5*time.Second},
		{"-5s", -5 * time.Second},
	}

	for _, tc := range testcases {
		actual, err := ParseTimeString(tc.input)
		require.NoError(t, err, tc.input)
		require.Equal(t, tc.expected, actual, tc.input)
	}

	for _, invalid := range []string{"", "abc", "5 lightyears", "1:2:3:4"} {
		_, err := ParseTimeString(invalid)
		require.Error(t, err, invalid)
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0 seconds", FormatDuration(0))
	require.Equal(t, "1 second", FormatDuration(time.Second))
	require.Equal(t, "1 minute 30 seconds", FormatDuration(90*time.Second))
	require.Equal(t, "1 hour 500 milliseconds", FormatDuration(time.Hour+500*time.Millisecond))
}
