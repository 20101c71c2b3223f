// Package memory provides raw read/write/allocate access to a target
// process's address space.
package memory

import "fmt"

// Accessor is the cross-process memory primitive the injector writes
// through. Allocated regions are executable.
type Accessor interface {
	// Allocate reserves an executable region of at least size bytes
	// in the target process and returns its base address.
	Allocate(size int) (uintptr, error)

	// Write copies data into the target process at addr.
	Write(addr uintptr, data []byte) error

	// Read copies size bytes out of the target process at addr.
	Read(addr uintptr, size int) ([]byte, error)

	// Free releases a region previously returned by Allocate.
	Free(addr uintptr) error
}

// ProcessAccessor is an Accessor bound to an open process handle.
type ProcessAccessor interface {
	Accessor
	Pid() int
	Close() error
}

// AccessError reports a failed operation against the target process.
type AccessError struct {
	Op   string
	Addr uintptr
	Err  error
}

func (e *AccessError) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("memory %s at 0x%x: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("memory %s: %v", e.Op, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }
