//go:build !windows && !linux
// +build !windows,!linux

package processes

import (
	"fmt"
	"runtime"
)

func (m *Manager) listProcesses() ([]ProcessInfo, error) {
	return nil, fmt.Errorf("process listing not supported on %s", runtime.GOOS)
}
