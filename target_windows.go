//go:build windows

package main

import (
	"github.com/needle/needle/core"
	"github.com/needle/needle/memory"
	"github.com/needle/needle/thread"
)

// openTarget opens a process handle for the target and returns its
// memory accessor and thread driver. Closing the accessor releases
// the handle.
func openTarget(pid int, logger *core.Logger) (memory.ProcessAccessor, thread.Driver, error) {
	proc, err := memory.OpenProcess(pid, logger)
	if err != nil {
		return nil, nil, err
	}
	return proc, thread.NewRemoteDriver(proc.Handle(), logger), nil
}
