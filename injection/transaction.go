// Package injection builds programs out of assembler mnemonics and
// commits them into a target process: assemble, write, optionally
// execute, and capture the thread's exit value.
package injection

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/needle/needle/assembler"
	"github.com/needle/needle/core"
	"github.com/needle/needle/memory"
	"github.com/needle/needle/thread"
)

// Transaction accumulates mnemonic lines and commits them exactly
// once when closed. Until then the buffer is mutable; after Close the
// transaction is spent and must not be reused.
//
// The usual shape is:
//
//	tx := injection.NewTransaction(asm, mem, drv, logger, injection.WithAutoExecute())
//	defer tx.Close()
//	tx.Add("mov eax, %d", 42)
//	tx.Add("ret")
//
// Where to write and whether to run are independent choices: an
// explicit address suppresses allocation, and auto-execute decides
// whether a thread is driven at all. A transaction with neither an
// address nor auto-execute commits as a deliberate no-op.
type Transaction struct {
	id     uuid.UUID
	logger interface {
		Info(string, ...interface{})
		Debug(string, ...interface{})
		Error(string, ...interface{})
	}
	asm     assembler.Assembler
	mem     memory.Accessor
	threads thread.Driver
	broker  *core.EventBroker

	addr      uintptr
	hasAddr   bool
	execute   bool
	hijack    thread.Ref
	hasHijack bool
	waitCtx   context.Context

	program []byte

	closed       bool
	closeErr     error
	injectedAddr uintptr
	injected     bool
	exitValue    uintptr
	hasExit      bool
}

// Option configures a Transaction at construction time.
type Option func(*Transaction)

// WithAddress writes the assembled code at addr instead of
// allocating. Allocation lifecycle stays with the caller.
func WithAddress(addr uintptr) Option {
	return func(t *Transaction) {
		t.addr = addr
		t.hasAddr = true
	}
}

// WithAutoExecute makes the commit run the injected code and record
// its exit value.
func WithAutoExecute() Option {
	return func(t *Transaction) {
		t.execute = true
	}
}

// WithHijack executes on the referenced existing thread instead of a
// new one.
func WithHijack(ref thread.Ref) Option {
	return func(t *Transaction) {
		t.hijack = ref
		t.hasHijack = true
	}
}

// WithWaitContext bounds the wait for the injected code to finish.
// The default waits forever.
func WithWaitContext(ctx context.Context) Option {
	return func(t *Transaction) {
		t.waitCtx = ctx
	}
}

// WithBroker publishes transaction lifecycle events to b.
func WithBroker(b *core.EventBroker) Option {
	return func(t *Transaction) {
		t.broker = b
	}
}

// NewTransaction creates a transaction over the given collaborators.
func NewTransaction(asm assembler.Assembler, mem memory.Accessor, threads thread.Driver, logger interface {
	Info(string, ...interface{})
	Debug(string, ...interface{})
	Error(string, ...interface{})
}, opts ...Option) *Transaction {
	t := &Transaction{
		id:      uuid.New(),
		logger:  logger,
		asm:     asm,
		mem:     mem,
		threads: threads,
		waitCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the transaction's identity.
func (t *Transaction) ID() uuid.UUID { return t.id }

// Add renders the mnemonic template with its arguments and appends
// the line to the program.
func (t *Transaction) Add(format string, args ...interface{}) error {
	if t.closed {
		return ErrCommitted
	}
	line, err := render(format, args...)
	if err != nil {
		return err
	}
	t.program = append(t.program, line...)
	t.program = append(t.program, '\n')
	return nil
}

// InsertAt renders the mnemonic template and inserts the line at the
// given character offset into the accumulated program text.
func (t *Transaction) InsertAt(offset int, format string, args ...interface{}) error {
	if t.closed {
		return ErrCommitted
	}
	if offset < 0 || offset > len(t.program) {
		return &OffsetError{Offset: offset, Length: len(t.program)}
	}
	line, err := render(format, args...)
	if err != nil {
		return err
	}
	line += "\n"

	t.program = append(t.program[:offset], append([]byte(line), t.program[offset:]...)...)
	return nil
}

// Clear discards all accumulated text. The transaction can take a new
// program as long as it has not committed.
func (t *Transaction) Clear() error {
	if t.closed {
		return ErrCommitted
	}
	t.program = t.program[:0]
	return nil
}

// Text returns the full accumulated program text.
func (t *Transaction) Text() string {
	return string(t.program)
}

// Assemble translates the current program without injecting it.
func (t *Transaction) Assemble() ([]byte, error) {
	return t.asm.Assemble(t.Text())
}

// render materializes a mnemonic line. Mismatched arguments surface
// as fmt's %! markers in the output and are rejected rather than
// injected as garbage text.
func render(format string, args ...interface{}) (string, error) {
	line := fmt.Sprintf(format, args...)
	if strings.Contains(line, "%!") {
		return "", &FormatError{Format: format}
	}
	return line, nil
}

// Close commits the transaction: assemble, resolve the target
// address, write, and optionally execute and capture the exit value.
// The first call decides; later calls return the recorded result
// without re-running any step.
func (t *Transaction) Close() error {
	if t.closed {
		return t.closeErr
	}
	t.closed = true
	t.closeErr = t.commit()

	if t.closeErr != nil {
		t.logger.Error("Transaction %s failed: %v", t.id, t.closeErr)
		t.publish(core.EventTransactionFailed, map[string]interface{}{
			"id": t.id.String(), "error": t.closeErr.Error(),
		})
	} else {
		t.publish(core.EventTransactionCommitted, map[string]interface{}{
			"id": t.id.String(),
		})
	}
	return t.closeErr
}

func (t *Transaction) commit() error {
	// No destination and no execution requested: a deliberate no-op,
	// not an error. Nothing is assembled or written.
	if !t.hasAddr && !t.execute {
		t.logger.Debug("Transaction %s committed without address or execution", t.id)
		return nil
	}

	code, err := t.asm.Assemble(t.Text())
	if err != nil {
		return err
	}

	addr := t.addr
	if !t.hasAddr {
		addr, err = t.mem.Allocate(len(code))
		if err != nil {
			return err
		}
		t.publish(core.EventMemoryAllocated, map[string]interface{}{
			"id": t.id.String(), "address": addr, "size": len(code),
		})
	}

	if err := t.mem.Write(addr, code); err != nil {
		return err
	}
	t.injectedAddr = addr
	t.injected = true
	t.logger.Info("Injected %d bytes at 0x%x", len(code), addr)
	t.publish(core.EventMemoryWritten, map[string]interface{}{
		"id": t.id.String(), "address": addr, "bytes": len(code),
	})

	if !t.execute {
		return nil
	}

	var completion thread.Completion
	if t.hasHijack {
		completion, err = t.threads.Hijack(t.hijack, addr)
	} else {
		completion, err = t.threads.Spawn(addr)
	}
	if err != nil {
		return err
	}

	value, err := completion.Wait(t.waitCtx)
	if err != nil {
		return err
	}
	t.exitValue = value
	t.hasExit = true

	t.logger.Info("Transaction %s executed, exit value 0x%x", t.id, value)
	t.publish(core.EventTransactionExecuted, map[string]interface{}{
		"id": t.id.String(), "exit_value": value,
	})
	return nil
}

func (t *Transaction) publish(ev core.EventType, data map[string]interface{}) {
	if t.broker != nil {
		t.broker.Publish(ev, data)
	}
}

// InjectedAddress returns where the code was written, once it has
// been.
func (t *Transaction) InjectedAddress() (uintptr, bool) {
	return t.injectedAddr, t.injected
}

// ExitValue returns the raw pointer-sized result of an executing
// commit.
func (t *Transaction) ExitValue() (uintptr, bool) {
	return t.exitValue, t.hasExit
}
