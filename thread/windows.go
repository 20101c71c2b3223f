//go:build windows

package thread

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	threadAllAccess = 0x1FFFFF

	// CONTEXT_AMD64 | CONTEXT_CONTROL | CONTEXT_INTEGER
	contextControlInteger = 0x100003
)

var (
	kernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procCreateRemoteThread = kernel32.NewProc("CreateRemoteThread")
	procGetExitCodeThread  = kernel32.NewProc("GetExitCodeThread")
	procGetThreadContext   = kernel32.NewProc("GetThreadContext")
	procSetThreadContext   = kernel32.NewProc("SetThreadContext")
	procExitThread         = kernel32.NewProc("ExitThread")
)

// amd64 thread context as consumed by Get/SetThreadContext. Must sit
// on a 16-byte boundary.
type threadContext struct {
	P1Home               uint64
	P2Home               uint64
	P3Home               uint64
	P4Home               uint64
	P5Home               uint64
	P6Home               uint64
	ContextFlags         uint32
	MxCsr                uint32
	SegCs                uint16
	SegDs                uint16
	SegEs                uint16
	SegFs                uint16
	SegGs                uint16
	SegSs                uint16
	EFlags               uint32
	Dr0                  uint64
	Dr1                  uint64
	Dr2                  uint64
	Dr3                  uint64
	Dr6                  uint64
	Dr7                  uint64
	Rax                  uint64
	Rcx                  uint64
	Rdx                  uint64
	Rbx                  uint64
	Rsp                  uint64
	Rbp                  uint64
	Rsi                  uint64
	Rdi                  uint64
	R8                   uint64
	R9                   uint64
	R10                  uint64
	R11                  uint64
	R12                  uint64
	R13                  uint64
	R14                  uint64
	R15                  uint64
	Rip                  uint64
	FltSave              [512]byte
	VectorReg            [26][16]byte
	VectorCtl            uint64
	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

func alignedContext() (*threadContext, []byte) {
	buf := make([]byte, unsafe.Sizeof(threadContext{})+15)
	p := (uintptr(unsafe.Pointer(&buf[0])) + 15) &^ 15
	return (*threadContext)(unsafe.Pointer(p)), buf
}

// RemoteDriver runs injected code in an opened Windows process.
type RemoteDriver struct {
	process windows.Handle
	logger  interface {
		Info(string, ...interface{})
		Debug(string, ...interface{})
		Error(string, ...interface{})
	}
}

// NewRemoteDriver creates a driver over the given process handle.
func NewRemoteDriver(process windows.Handle, logger interface {
	Info(string, ...interface{})
	Debug(string, ...interface{})
	Error(string, ...interface{})
}) *RemoteDriver {
	return &RemoteDriver{process: process, logger: logger}
}

// Spawn creates a remote thread at entry.
func (d *RemoteDriver) Spawn(entry uintptr) (Completion, error) {
	var threadID uint32
	h, _, err := procCreateRemoteThread.Call(
		uintptr(d.process),
		0, // lpThreadAttributes
		0, // dwStackSize
		entry,
		0, // lpParameter
		0, // dwCreationFlags
		uintptr(unsafe.Pointer(&threadID)),
	)
	if h == 0 {
		return nil, &ExecutionError{Op: "spawn", Err: err}
	}

	d.logger.Info("Created remote thread %d at 0x%x", threadID, entry)
	return &remoteCompletion{thread: windows.Handle(h)}, nil
}

// Hijack suspends the referenced thread, points it at entry with the
// thread-exit routine as its return address, and resumes it. The
// thread terminates when the injected code returns, carrying the
// code's result as its exit code.
func (d *RemoteDriver) Hijack(ref Ref, entry uintptr) (Completion, error) {
	th, err := windows.OpenThread(threadAllAccess, false, uint32(ref))
	if err != nil {
		return nil, &ExecutionError{Op: "hijack", Err: err}
	}

	if _, err := windows.SuspendThread(th); err != nil {
		windows.CloseHandle(th)
		return nil, &ExecutionError{Op: "hijack", Err: err}
	}

	ctx, _ := alignedContext()
	ctx.ContextFlags = contextControlInteger
	if ret, _, err := procGetThreadContext.Call(uintptr(th), uintptr(unsafe.Pointer(ctx))); ret == 0 {
		windows.ResumeThread(th)
		windows.CloseHandle(th)
		return nil, &ExecutionError{Op: "hijack", Err: err}
	}

	// kernel32 loads at the same base in every process, so the local
	// ExitThread address is valid in the target.
	exitAddr := uint64(procExitThread.Addr())
	ctx.Rsp -= 8
	if err := d.writeWord(uintptr(ctx.Rsp), exitAddr); err != nil {
		windows.ResumeThread(th)
		windows.CloseHandle(th)
		return nil, err
	}
	ctx.Rip = uint64(entry)

	if ret, _, err := procSetThreadContext.Call(uintptr(th), uintptr(unsafe.Pointer(ctx))); ret == 0 {
		windows.ResumeThread(th)
		windows.CloseHandle(th)
		return nil, &ExecutionError{Op: "hijack", Err: err}
	}

	if _, err := windows.ResumeThread(th); err != nil {
		windows.CloseHandle(th)
		return nil, &ExecutionError{Op: "hijack", Err: err}
	}

	d.logger.Info("Hijacked thread %d to 0x%x", ref, entry)
	return &remoteCompletion{thread: th}, nil
}

func (d *RemoteDriver) writeWord(addr uintptr, v uint64) error {
	var written uintptr
	err := windows.WriteProcessMemory(d.process, addr,
		(*byte)(unsafe.Pointer(&v)), unsafe.Sizeof(v), &written)
	if err != nil {
		return &ExecutionError{Op: "hijack", Err: fmt.Errorf("failed to write return address: %w", err)}
	}
	return nil
}

type remoteCompletion struct {
	thread windows.Handle
}

// Wait blocks until the thread finishes and returns its exit code.
func (c *remoteCompletion) Wait(ctx context.Context) (uintptr, error) {
	defer windows.CloseHandle(c.thread)

	const slice = 100 // milliseconds per wait slice, to honor ctx
	for {
		ev, err := windows.WaitForSingleObject(c.thread, slice)
		switch ev {
		case windows.WAIT_OBJECT_0:
			var code uint32
			ret, _, err := procGetExitCodeThread.Call(uintptr(c.thread), uintptr(unsafe.Pointer(&code)))
			if ret == 0 {
				return 0, &ExecutionError{Op: "wait", Err: err}
			}
			return uintptr(code), nil
		case uint32(windows.WAIT_TIMEOUT):
			if cerr := ctx.Err(); cerr != nil {
				return 0, &ExecutionError{Op: "wait", Err: cerr}
			}
		default:
			if err == nil {
				err = fmt.Errorf("wait returned event 0x%x", ev)
			}
			return 0, &ExecutionError{Op: "wait", Err: err}
		}
	}
}
