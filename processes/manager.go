// Package processes enumerates candidate target processes so callers
// can pick an injection target by pid or by name.
package processes

import (
	"strings"
)

// ProcessInfo represents process information
type ProcessInfo struct {
	PID   int
	PPID  int
	Name  string
	Path  string
	Owner string
}

// Manager manages process enumeration
type Manager struct {
	logger interface {
		Info(string, ...interface{})
		Debug(string, ...interface{})
		Error(string, ...interface{})
	}
}

// NewManager creates a new process manager
func NewManager(logger interface {
	Info(string, ...interface{})
	Debug(string, ...interface{})
	Error(string, ...interface{})
}) *Manager {
	return &Manager{logger: logger}
}

// List lists all running processes
func (m *Manager) List() ([]ProcessInfo, error) {
	procs, err := m.listProcesses()
	if err != nil {
		m.logger.Error("Process listing failed: %v", err)
		return nil, err
	}
	m.logger.Debug("Enumerated %d processes", len(procs))
	return procs, nil
}

// FindByName returns all processes whose name matches, case-insensitively.
func (m *Manager) FindByName(name string) ([]ProcessInfo, error) {
	procs, err := m.listProcesses()
	if err != nil {
		return nil, err
	}

	var matches []ProcessInfo
	for _, p := range procs {
		if strings.EqualFold(p.Name, name) {
			matches = append(matches, p)
		}
	}
	return matches, nil
}
