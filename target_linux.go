//go:build linux && amd64

package main

import (
	"github.com/needle/needle/core"
	"github.com/needle/needle/memory"
	"github.com/needle/needle/thread"
)

// openTarget attaches to the target with ptrace and returns its memory
// accessor and thread driver. Closing the accessor detaches.
func openTarget(pid int, logger *core.Logger) (memory.ProcessAccessor, thread.Driver, error) {
	proc, err := memory.AttachProcess(pid, logger)
	if err != nil {
		return nil, nil, err
	}
	return proc, thread.NewTracedDriver(proc, logger), nil
}
