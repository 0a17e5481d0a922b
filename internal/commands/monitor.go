/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"

	"github.com/rfdebug/rfdebug/pkg/process"
)

const defaultMonitorInterval = 2 * time.Second

var errNoMonitorPid = errors.New("no PID to monitor")

type monitorFlags struct {
	pid      int64
	interval uint8
}

func (m *monitorFlags) addFlags(fs *pflag.FlagSet) {
	fs.Int64VarP(&m.pid, "monitor", "m", int64(process.UnknownPID), "If present, monitor the given process ID (for example the IDE) and shut down when it exits.")
	fs.Uint8Var(&m.interval, "monitor-interval", 0, "If present, the time in seconds between checks of the monitored process.")
}

// monitor returns a context that is cancelled when the monitored process exits.
// Without a PID to monitor the parent context is returned unchanged.
func (m *monitorFlags) monitor(ctx context.Context, log logr.Logger) context.Context {
	monitorCtx, err := MonitorPid(ctx, m.pid, m.interval, log)
	if err != nil && !errors.Is(err, errNoMonitorPid) {
		log.Error(err, "Could not monitor process", "pid", m.pid)
	}
	return monitorCtx
}

// MonitorPid returns a context that is cancelled when the process with the given ID exits.
func MonitorPid(ctx context.Context, pid int64, pollInterval uint8, log logr.Logger) (context.Context, error) {
	if pid == int64(process.UnknownPID) || pid <= 0 {
		return ctx, errNoMonitorPid
	}

	monitorPid := process.Pid_t(pid)
	running, err := process.Exists(ctx, monitorPid)
	if err != nil {
		return ctx, fmt.Errorf("could not check process %d: %w", pid, err)
	}

	monitorCtx, monitorCtxCancel := context.WithCancel(ctx)
	if !running {
		log.Info("Monitored process is not running, shutting down", "pid", pid)
		monitorCtxCancel()
		return monitorCtx, nil
	}

	interval := defaultMonitorInterval
	if pollInterval > 0 {
		interval = time.Second * time.Duration(pollInterval)
	}

	go func() {
		defer monitorCtxCancel()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-monitorCtx.Done():
				log.V(1).Info("Monitoring cancelled by context", "pid", pid)
				return
			case <-ticker.C:
				stillRunning, checkErr := process.Exists(monitorCtx, monitorPid)
				if checkErr != nil {
					if monitorCtx.Err() == nil {
						log.Error(checkErr, "Error checking monitored process", "pid", pid)
					}
					continue
				}
				if !stillRunning {
					log.Info("Monitored process exited, shutting down", "pid", pid)
					return
				}
			}
		}
	}()

	return monitorCtx, nil
}
