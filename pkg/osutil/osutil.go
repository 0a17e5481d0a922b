package osutil

import (
	"runtime"
)

var (
	lf   = []byte("\n")
	crlf = []byte("\r\n")
)

func IsWindows() bool {
	return runtime.GOOS == "windows"
}

// LineSep returns the line separator of the platform.
func LineSep() []byte {
	if IsWindows() {
		return crlf
	} else {
		return lf
	}
}
