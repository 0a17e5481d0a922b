// Copyright (c) Microsoft Corporation. All rights reserved.

package process

import (
	"context"
	"errors"

	"github.com/go-logr/logr"
	ps "github.com/shirou/gopsutil/v4/process"
)

// Returns the IDs of all descendants of a given process, children first, then grandchildren etc.
// The process itself is not included.
func GetDescendants(pid Pid_t) ([]Pid_t, error) {
	osPid, err := PidT_ToInt(pid)
	if err != nil {
		return nil, err
	}

	root, err := ps.NewProcess(int32(osPid))
	if err != nil {
		if errors.Is(err, ps.ErrorProcessNotRunning) {
			return nil, ErrProcessNotFound
		}
		return nil, err
	}

	var descendants []Pid_t
	next := []*ps.Process{root}

	for len(next) > 0 {
		current := next[0]
		next = next[1:]

		children, childrenErr := current.Children()
		if childrenErr != nil {
			// If we fail to get the children, assume there are no children.
			continue
		}

		for _, child := range children {
			descendants = append(descendants, Pid_t(child.Pid))
		}
		next = append(next, children...)
	}

	return descendants, nil
}

// Kills processes that outlived their parent. Processes that are already gone are ignored.
func killOrphans(pids []Pid_t, log logr.Logger) {
	for _, pid := range pids {
		proc, err := ps.NewProcess(int32(pid))
		if err != nil {
			continue
		}
		if running, _ := proc.IsRunning(); !running {
			continue
		}
		if killErr := proc.Kill(); killErr != nil {
			log.V(1).Info("could not kill orphaned child process", "PID", pid, "error", killErr.Error())
		} else {
			log.V(1).Info("killed orphaned child process", "PID", pid)
		}
	}
}

// Exists reports whether a process with the given ID is running.
func Exists(ctx context.Context, pid Pid_t) (bool, error) {
	osPid, err := PidT_ToInt(pid)
	if err != nil {
		return false, err
	}
	return ps.PidExistsWithContext(ctx, int32(osPid))
}
