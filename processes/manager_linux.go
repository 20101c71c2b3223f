//go:build linux
// +build linux

package processes

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

func (m *Manager) listProcesses() ([]ProcessInfo, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc: %w", err)
	}

	processes := make([]ProcessInfo, 0, 50)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		procInfo := ProcessInfo{
			PID: pid,
		}

		// Read /proc/[pid]/stat for name and PPID
		if statData, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid)); err == nil {
			fields := strings.Fields(string(statData))
			if len(fields) > 1 {
				procInfo.Name = strings.Trim(fields[1], "()")
			}
			if len(fields) > 3 {
				if ppid, err := strconv.Atoi(fields[3]); err == nil {
					procInfo.PPID = ppid
				}
			}
		}

		// Read /proc/[pid]/cmdline for path
		if cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid)); err == nil {
			args := strings.Split(string(cmdline), "\x00")
			if len(args) > 0 && args[0] != "" {
				procInfo.Path = args[0]
				if procInfo.Name == "" {
					procInfo.Name = filepath.Base(args[0])
				}
			}
		}

		// Get process owner
		if stat, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err == nil {
			if statSys, ok := stat.Sys().(*syscall.Stat_t); ok {
				if u, err := user.LookupId(fmt.Sprintf("%d", statSys.Uid)); err == nil {
					procInfo.Owner = u.Username
				} else {
					procInfo.Owner = fmt.Sprintf("%d", statSys.Uid)
				}
			}
		}

		processes = append(processes, procInfo)
	}

	return processes, nil
}
