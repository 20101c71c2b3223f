//go:build linux && amd64

package thread

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/needle/needle/memory"
)

const spawnStackSize = 64 * 1024

// TracedDriver runs injected code in a ptrace-attached process. It
// shares the attachment owned by the memory accessor, so calls must
// come from the goroutine that attached.
type TracedDriver struct {
	proc   *memory.TracedProcess
	logger interface {
		Info(string, ...interface{})
		Debug(string, ...interface{})
		Error(string, ...interface{})
	}
}

// NewTracedDriver creates a driver over an attached process.
func NewTracedDriver(proc *memory.TracedProcess, logger interface {
	Info(string, ...interface{})
	Debug(string, ...interface{})
	Error(string, ...interface{})
}) *TracedDriver {
	return &TracedDriver{proc: proc, logger: logger}
}

// Spawn clones a new thread inside the tracee that runs a small
// trampoline: call entry, store the result and a done flag into a
// mailbox region, then exit the thread. The tracee's own threads keep
// running; only the traced thread stays stopped.
func (d *TracedDriver) Spawn(entry uintptr) (Completion, error) {
	mailbox, err := d.proc.Allocate(16)
	if err != nil {
		return nil, &ExecutionError{Op: "spawn", Err: err}
	}
	if err := d.proc.Write(mailbox, make([]byte, 16)); err != nil {
		return nil, &ExecutionError{Op: "spawn", Err: err}
	}

	tramp := trampoline(entry, mailbox)
	trampAddr, err := d.proc.Allocate(len(tramp))
	if err != nil {
		return nil, &ExecutionError{Op: "spawn", Err: err}
	}
	if err := d.proc.Write(trampAddr, tramp); err != nil {
		return nil, &ExecutionError{Op: "spawn", Err: err}
	}

	stack, err := d.proc.Allocate(spawnStackSize)
	if err != nil {
		return nil, &ExecutionError{Op: "spawn", Err: err}
	}
	top := (stack + spawnStackSize - 256) &^ 15
	var ret [8]byte
	binary.LittleEndian.PutUint64(ret[:], uint64(trampAddr))
	if err := d.proc.Write(top, ret[:]); err != nil {
		return nil, &ExecutionError{Op: "spawn", Err: err}
	}

	// The clone child is untraced and resumes right after the
	// injected syscall instruction, where a ret pops the trampoline
	// address off its prepared stack.
	flags := uint64(unix.CLONE_VM | unix.CLONE_FS | unix.CLONE_FILES |
		unix.CLONE_SIGHAND | unix.CLONE_THREAD | unix.CLONE_SYSVSEM)
	tid, err := d.proc.InjectSyscall([]byte{0xC3}, unix.SYS_CLONE, flags, uint64(top))
	if err != nil {
		return nil, &ExecutionError{Op: "spawn", Err: err}
	}

	d.logger.Info("Spawned thread %d at 0x%x in PID %d", tid, entry, d.proc.Pid())
	return &spawnCompletion{mem: d.proc, mailbox: mailbox}, nil
}

// Hijack redirects the traced thread itself to entry. The thread's
// registers are saved, its stack gains a return address pointing at a
// breakpoint, and execution resumes at entry; when the injected code
// returns it traps, the result is read from rax and the original
// register state is restored.
func (d *TracedDriver) Hijack(ref Ref, entry uintptr) (Completion, error) {
	if ref != 0 && int(ref) != d.proc.Pid() {
		return nil, &ExecutionError{Op: "hijack",
			Err: fmt.Errorf("only the traced thread %d can be hijacked", d.proc.Pid())}
	}

	saved, err := d.proc.Regs()
	if err != nil {
		return nil, &ExecutionError{Op: "hijack", Err: err}
	}

	trap, err := d.proc.Allocate(1)
	if err != nil {
		return nil, &ExecutionError{Op: "hijack", Err: err}
	}
	if err := d.proc.Write(trap, []byte{0xCC}); err != nil {
		return nil, &ExecutionError{Op: "hijack", Err: err}
	}

	// Step past the red zone, then push the trap as return address.
	rsp := (saved.Rsp - 128) &^ 15
	rsp -= 8
	var ret [8]byte
	binary.LittleEndian.PutUint64(ret[:], uint64(trap))
	if err := d.proc.Write(uintptr(rsp), ret[:]); err != nil {
		return nil, &ExecutionError{Op: "hijack", Err: err}
	}

	regs := saved
	regs.Rip = uint64(entry)
	regs.Rsp = rsp
	if err := d.proc.SetRegs(&regs); err != nil {
		return nil, &ExecutionError{Op: "hijack", Err: err}
	}

	if err := d.proc.Resume(); err != nil {
		return nil, &ExecutionError{Op: "hijack", Err: err}
	}

	d.logger.Info("Hijacked traced thread to 0x%x in PID %d", entry, d.proc.Pid())
	return &hijackCompletion{proc: d.proc, saved: saved, trap: trap}, nil
}

// trampoline builds: call entry; store rax and a done flag into the
// mailbox; exit the thread.
func trampoline(entry, mailbox uintptr) []byte {
	code := []byte{0x48, 0xB8} // movabs rax, entry
	code = binary.LittleEndian.AppendUint64(code, uint64(entry))
	code = append(code, 0xFF, 0xD0) // call rax
	code = append(code, 0x49, 0xBB) // movabs r11, mailbox
	code = binary.LittleEndian.AppendUint64(code, uint64(mailbox))
	code = append(code,
		0x49, 0x89, 0x03, // mov [r11], rax
		0x41, 0xC6, 0x43, 0x08, 0x01, // mov byte [r11+8], 1
		0x48, 0x31, 0xFF, // xor rdi, rdi
		0xB8, 0x3C, 0x00, 0x00, 0x00, // mov eax, SYS_exit
		0x0F, 0x05, // syscall
	)
	return code
}

// remoteReader is the slice of the traced process the spawn
// completion polls through.
type remoteReader interface {
	Read(addr uintptr, size int) ([]byte, error)
}

type spawnCompletion struct {
	mem     remoteReader
	mailbox uintptr
}

// Wait polls the mailbox until the trampoline reports completion.
// The mailbox, trampoline and stack regions stay mapped: the flag is
// raised before the child reaches its exit syscall, so unmapping here
// could fault the still-running thread and take the whole target
// down with it.
func (c *spawnCompletion) Wait(ctx context.Context) (uintptr, error) {
	for {
		buf, err := c.mem.Read(c.mailbox, 16)
		if err != nil {
			return 0, &ExecutionError{Op: "wait", Err: err}
		}
		if buf[8] != 0 {
			return uintptr(binary.LittleEndian.Uint64(buf[:8])), nil
		}

		select {
		case <-ctx.Done():
			return 0, &ExecutionError{Op: "wait", Err: ctx.Err()}
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type hijackCompletion struct {
	proc  *memory.TracedProcess
	saved unix.PtraceRegs
	trap  uintptr
}

// Wait collects the trap stop left when the injected code returns,
// reads the result from rax and restores the original registers.
func (c *hijackCompletion) Wait(ctx context.Context) (uintptr, error) {
	for {
		status, ok, err := c.proc.TryWait()
		if err != nil {
			return 0, &ExecutionError{Op: "wait", Err: err}
		}
		if ok {
			switch {
			case status.Exited():
				return uintptr(status.ExitStatus()), nil
			case status.Stopped() && status.StopSignal() == unix.SIGTRAP:
				regs, err := c.proc.Regs()
				if err != nil {
					return 0, &ExecutionError{Op: "wait", Err: err}
				}
				if err := c.proc.SetRegs(&c.saved); err != nil {
					return 0, &ExecutionError{Op: "wait", Err: err}
				}
				c.proc.Free(c.trap)
				return uintptr(regs.Rax), nil
			case status.Stopped():
				// Forward unrelated stops and keep waiting.
				if err := c.proc.Resume(); err != nil {
					return 0, &ExecutionError{Op: "wait", Err: err}
				}
			}
		}

		select {
		case <-ctx.Done():
			return 0, &ExecutionError{Op: "wait", Err: ctx.Err()}
		case <-time.After(10 * time.Millisecond):
		}
	}
}
