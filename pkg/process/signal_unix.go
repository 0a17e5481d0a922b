/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build !windows

package process

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

func prepareCommand(_ *exec.Cmd) {}

func sendSignal(proc *os.Process, sig Signal) error {
	switch sig {
	case SignalInterrupt:
		return proc.Signal(syscall.SIGINT)
	case SignalTerminate:
		return proc.Signal(syscall.SIGTERM)
	default:
		return fmt.Errorf("unsupported signal %d", sig)
	}
}
