//go:build !windows && !(linux && amd64)

package main

import (
	"fmt"
	"runtime"

	"github.com/needle/needle/core"
	"github.com/needle/needle/memory"
	"github.com/needle/needle/thread"
)

func openTarget(pid int, logger *core.Logger) (memory.ProcessAccessor, thread.Driver, error) {
	return nil, nil, fmt.Errorf("injection not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}
