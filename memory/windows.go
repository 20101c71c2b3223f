//go:build windows

package memory

import (
	"fmt"

	"golang.org/x/sys/windows"
)

const processAllAccess = 0x1F0FFF

// RemoteProcess is an Accessor over an opened Windows process.
type RemoteProcess struct {
	pid    int
	handle windows.Handle
	logger interface {
		Info(string, ...interface{})
		Debug(string, ...interface{})
		Error(string, ...interface{})
	}
}

// OpenProcess opens the process with the given pid for memory
// operations.
func OpenProcess(pid int, logger interface {
	Info(string, ...interface{})
	Debug(string, ...interface{})
	Error(string, ...interface{})
}) (*RemoteProcess, error) {
	handle, err := windows.OpenProcess(processAllAccess, false, uint32(pid))
	if err != nil {
		return nil, &AccessError{Op: "open", Err: err}
	}
	return &RemoteProcess{pid: pid, handle: handle, logger: logger}, nil
}

// Pid returns the target process id.
func (p *RemoteProcess) Pid() int { return p.pid }

// Handle exposes the process handle for the thread driver.
func (p *RemoteProcess) Handle() windows.Handle { return p.handle }

// Allocate reserves an executable RWX region in the target process.
func (p *RemoteProcess) Allocate(size int) (uintptr, error) {
	addr, err := windows.VirtualAllocEx(p.handle, 0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return 0, &AccessError{Op: "allocate", Err: err}
	}
	p.logger.Debug("Allocated %d bytes at 0x%x in PID %d", size, addr, p.pid)
	return addr, nil
}

// Write copies data into the target process.
func (p *RemoteProcess) Write(addr uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var written uintptr
	err := windows.WriteProcessMemory(p.handle, addr, &data[0], uintptr(len(data)), &written)
	if err != nil {
		return &AccessError{Op: "write", Addr: addr, Err: err}
	}
	if written != uintptr(len(data)) {
		return &AccessError{Op: "write", Addr: addr,
			Err: fmt.Errorf("partial write: wrote %d of %d bytes", written, len(data))}
	}
	p.logger.Debug("Wrote %d bytes at 0x%x in PID %d", written, addr, p.pid)
	return nil
}

// Read copies size bytes out of the target process.
func (p *RemoteProcess) Read(addr uintptr, size int) ([]byte, error) {
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	var read uintptr
	err := windows.ReadProcessMemory(p.handle, addr, &buf[0], uintptr(size), &read)
	if err != nil {
		return nil, &AccessError{Op: "read", Addr: addr, Err: err}
	}
	return buf[:read], nil
}

// Free releases an allocated region.
func (p *RemoteProcess) Free(addr uintptr) error {
	err := windows.VirtualFreeEx(p.handle, addr, 0, windows.MEM_RELEASE)
	if err != nil {
		return &AccessError{Op: "free", Addr: addr, Err: err}
	}
	return nil
}

// Protect changes a region's protection and returns the previous one.
func (p *RemoteProcess) Protect(addr uintptr, size int, prot uint32) (uint32, error) {
	var old uint32
	err := windows.VirtualProtectEx(p.handle, addr, uintptr(size), prot, &old)
	if err != nil {
		return 0, &AccessError{Op: "protect", Addr: addr, Err: err}
	}
	return old, nil
}

// Close releases the process handle.
func (p *RemoteProcess) Close() error {
	return windows.CloseHandle(p.handle)
}
