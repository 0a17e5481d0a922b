package osutil

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLineSep(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		require.Equal(t, "\r\n", string(LineSep()))
		require.True(t, IsWindows())
	} else {
		require.Equal(t, "\n", string(LineSep()))
		require.False(t, IsWindows())
	}
}
