//go:build linux && amd64

package memory

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// TracedProcess is an Accessor over a ptrace-attached Linux process.
// Reads and writes go through /proc/pid/mem; allocation drives an
// mmap syscall inside the tracee at its current instruction pointer,
// with registers and code restored afterwards.
//
// ptrace ties the attachment to the attaching OS thread, so
// AttachProcess locks the calling goroutine to its thread and all
// further calls must come from that goroutine.
type TracedProcess struct {
	pid    int
	mem    *os.File
	logger interface {
		Info(string, ...interface{})
		Debug(string, ...interface{})
		Error(string, ...interface{})
	}
	allocs map[uintptr]int
}

// AttachProcess attaches to pid and stops it for memory operations.
func AttachProcess(pid int, logger interface {
	Info(string, ...interface{})
	Debug(string, ...interface{})
	Error(string, ...interface{})
}) (*TracedProcess, error) {
	runtime.LockOSThread()

	if err := unix.PtraceAttach(pid); err != nil {
		runtime.UnlockOSThread()
		return nil, &AccessError{Op: "attach", Err: err}
	}

	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
		unix.PtraceDetach(pid)
		runtime.UnlockOSThread()
		return nil, &AccessError{Op: "attach", Err: err}
	}

	mem, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
	if err != nil {
		unix.PtraceDetach(pid)
		runtime.UnlockOSThread()
		return nil, &AccessError{Op: "open", Err: err}
	}

	logger.Debug("Attached to PID %d", pid)
	return &TracedProcess{pid: pid, mem: mem, logger: logger, allocs: make(map[uintptr]int)}, nil
}

// Pid returns the target process id.
func (p *TracedProcess) Pid() int { return p.pid }

// Read copies size bytes out of the tracee.
func (p *TracedProcess) Read(addr uintptr, size int) ([]byte, error) {
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	if _, err := p.mem.ReadAt(buf, int64(addr)); err != nil {
		return nil, &AccessError{Op: "read", Addr: addr, Err: err}
	}
	return buf, nil
}

// Write copies data into the tracee.
func (p *TracedProcess) Write(addr uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := p.mem.WriteAt(data, int64(addr)); err != nil {
		return &AccessError{Op: "write", Addr: addr, Err: err}
	}
	p.logger.Debug("Wrote %d bytes at 0x%x in PID %d", len(data), addr, p.pid)
	return nil
}

// Allocate maps an anonymous RWX region of at least size bytes inside
// the tracee.
func (p *TracedProcess) Allocate(size int) (uintptr, error) {
	pageSize := unix.Getpagesize()
	mapped := (size + pageSize - 1) &^ (pageSize - 1)

	addr, err := p.InjectSyscall(nil, unix.SYS_MMAP,
		0,
		uint64(mapped),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
		^uint64(0), // fd = -1
		0,
	)
	if err != nil {
		return 0, &AccessError{Op: "allocate", Err: err}
	}

	p.allocs[uintptr(addr)] = mapped
	p.logger.Debug("Mapped %d bytes at 0x%x in PID %d", mapped, addr, p.pid)
	return uintptr(addr), nil
}

// Free unmaps a region previously returned by Allocate.
func (p *TracedProcess) Free(addr uintptr) error {
	size, ok := p.allocs[addr]
	if !ok {
		return &AccessError{Op: "free", Addr: addr, Err: fmt.Errorf("unknown allocation")}
	}

	if _, err := p.InjectSyscall(nil, unix.SYS_MUNMAP, uint64(addr), uint64(size)); err != nil {
		return &AccessError{Op: "free", Addr: addr, Err: err}
	}
	delete(p.allocs, addr)
	return nil
}

// Regs returns the tracee's current registers.
func (p *TracedProcess) Regs() (unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(p.pid, &regs); err != nil {
		return regs, &AccessError{Op: "getregs", Err: err}
	}
	return regs, nil
}

// SetRegs overwrites the tracee's registers.
func (p *TracedProcess) SetRegs(regs *unix.PtraceRegs) error {
	if err := unix.PtraceSetRegs(p.pid, regs); err != nil {
		return &AccessError{Op: "setregs", Err: err}
	}
	return nil
}

// Resume lets the tracee run without waiting for its next stop.
func (p *TracedProcess) Resume() error {
	if err := unix.PtraceCont(p.pid, 0); err != nil {
		return &AccessError{Op: "cont", Err: err}
	}
	return nil
}

// TryWait polls for a tracee stop without blocking. ok reports
// whether a status was collected.
func (p *TracedProcess) TryWait() (status unix.WaitStatus, ok bool, err error) {
	pid, err := unix.Wait4(p.pid, &status, unix.WNOHANG, nil)
	if err != nil {
		return status, false, &AccessError{Op: "wait", Err: err}
	}
	return status, pid == p.pid, nil
}

// Continue resumes the tracee and waits for its next stop, returning
// the wait status.
func (p *TracedProcess) Continue() (unix.WaitStatus, error) {
	var status unix.WaitStatus
	if err := unix.PtraceCont(p.pid, 0); err != nil {
		return status, &AccessError{Op: "cont", Err: err}
	}
	if _, err := unix.Wait4(p.pid, &status, 0, nil); err != nil {
		return status, &AccessError{Op: "wait", Err: err}
	}
	return status, nil
}

// InjectSyscall executes one syscall inside the tracee at its current
// instruction pointer. The original code bytes and registers are
// restored before returning. tail is written after the syscall
// instruction; it only matters to an untraced child a clone call
// leaves running there.
func (p *TracedProcess) InjectSyscall(tail []byte, nr uint64, args ...uint64) (uint64, error) {
	if len(args) > 6 {
		return 0, fmt.Errorf("too many syscall arguments")
	}

	savedRegs, err := p.Regs()
	if err != nil {
		return 0, err
	}
	pc := uintptr(savedRegs.Rip)

	code := append([]byte{0x0F, 0x05}, tail...) // syscall
	savedCode, err := p.Read(pc, len(code))
	if err != nil {
		return 0, err
	}
	if err := p.Write(pc, code); err != nil {
		return 0, err
	}

	var a [6]uint64
	copy(a[:], args)
	regs := savedRegs
	regs.Rax = nr
	regs.Rdi, regs.Rsi, regs.Rdx = a[0], a[1], a[2]
	regs.R10, regs.R8, regs.R9 = a[3], a[4], a[5]
	regs.Rip = uint64(pc)

	result, stepErr := p.step(&regs)

	// Best effort restore; a step failure is the error worth reporting.
	restoreErr := p.Write(pc, savedCode)
	if err := p.SetRegs(&savedRegs); err != nil && restoreErr == nil {
		restoreErr = err
	}
	if stepErr != nil {
		return 0, stepErr
	}
	if restoreErr != nil {
		return 0, restoreErr
	}

	if e := int64(result); e < 0 && e > -4096 {
		return 0, unix.Errno(-e)
	}
	return result, nil
}

func (p *TracedProcess) step(regs *unix.PtraceRegs) (uint64, error) {
	if err := p.SetRegs(regs); err != nil {
		return 0, err
	}
	if err := unix.PtraceSingleStep(p.pid); err != nil {
		return 0, &AccessError{Op: "step", Err: err}
	}
	var status unix.WaitStatus
	if _, err := unix.Wait4(p.pid, &status, 0, nil); err != nil {
		return 0, &AccessError{Op: "wait", Err: err}
	}
	if status.Exited() {
		return 0, &AccessError{Op: "step", Err: fmt.Errorf("process exited with status %d", status.ExitStatus())}
	}

	after, err := p.Regs()
	if err != nil {
		return 0, err
	}
	return after.Rax, nil
}

// Close detaches from the tracee and releases resources. Mapped
// regions left in the tracee stay resident.
func (p *TracedProcess) Close() error {
	err := p.mem.Close()
	if derr := unix.PtraceDetach(p.pid); derr != nil && err == nil {
		err = derr
	}
	runtime.UnlockOSThread()
	return err
}
