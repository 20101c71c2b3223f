package injection

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/needle/needle/assembler"
	"github.com/needle/needle/core"
	"github.com/needle/needle/memory"
	"github.com/needle/needle/thread"
)

type mockLogger struct {
	logs []string
}

func (m *mockLogger) Info(format string, v ...interface{}) {
	m.logs = append(m.logs, "INFO: "+format)
}

func (m *mockLogger) Debug(format string, v ...interface{}) {
	m.logs = append(m.logs, "DEBUG: "+format)
}

func (m *mockLogger) Error(format string, v ...interface{}) {
	m.logs = append(m.logs, "ERROR: "+format)
}

// collaborators share one ordered call log so tests can assert on the
// exact commit sequence.
type callLog struct {
	calls []string
}

func (l *callLog) record(format string, args ...interface{}) {
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

type mockAssembler struct {
	log    *callLog
	output []byte
	err    error
}

func (m *mockAssembler) Assemble(program string) ([]byte, error) {
	m.log.record("assemble")
	if m.err != nil {
		return nil, m.err
	}
	return m.output, nil
}

type mockAccessor struct {
	log       *callLog
	allocAddr uintptr
	allocErr  error
	writeErr  error
	writes    map[uintptr][]byte
}

func (m *mockAccessor) Allocate(size int) (uintptr, error) {
	m.log.record("allocate(%d)", size)
	if m.allocErr != nil {
		return 0, m.allocErr
	}
	return m.allocAddr, nil
}

func (m *mockAccessor) Write(addr uintptr, data []byte) error {
	m.log.record("write(0x%x,%d)", addr, len(data))
	if m.writeErr != nil {
		return m.writeErr
	}
	if m.writes == nil {
		m.writes = make(map[uintptr][]byte)
	}
	m.writes[addr] = append([]byte(nil), data...)
	return nil
}

func (m *mockAccessor) Read(addr uintptr, size int) ([]byte, error) {
	return m.writes[addr], nil
}

func (m *mockAccessor) Free(addr uintptr) error {
	m.log.record("free(0x%x)", addr)
	return nil
}

type mockCompletion struct {
	log    *callLog
	result uintptr
}

func (m *mockCompletion) Wait(ctx context.Context) (uintptr, error) {
	if err := ctx.Err(); err != nil {
		return 0, &thread.ExecutionError{Op: "wait", Err: err}
	}
	m.log.record("wait")
	return m.result, nil
}

type mockDriver struct {
	log       *callLog
	result    uintptr
	spawnErr  error
	hijackErr error
}

func (m *mockDriver) Spawn(entry uintptr) (thread.Completion, error) {
	m.log.record("spawn(0x%x)", entry)
	if m.spawnErr != nil {
		return nil, m.spawnErr
	}
	return &mockCompletion{log: m.log, result: m.result}, nil
}

func (m *mockDriver) Hijack(ref thread.Ref, entry uintptr) (thread.Completion, error) {
	m.log.record("hijack(%d,0x%x)", ref, entry)
	if m.hijackErr != nil {
		return nil, m.hijackErr
	}
	return &mockCompletion{log: m.log, result: m.result}, nil
}

func newMocks(code []byte, result uintptr) (*callLog, *mockAssembler, *mockAccessor, *mockDriver) {
	log := &callLog{}
	return log,
		&mockAssembler{log: log, output: code},
		&mockAccessor{log: log, allocAddr: 0x7000},
		&mockDriver{log: log, result: result}
}

func TestTransaction_BufferAccumulation(t *testing.T) {
	_, asm, mem, drv := newMocks(nil, 0)
	tx := NewTransaction(asm, mem, drv, &mockLogger{})

	require.NoError(t, tx.Add("mov eax, %d", 1))
	require.NoError(t, tx.Add("ret"))
	assert.Equal(t, "mov eax, 1\nret\n", tx.Text())
}

func TestTransaction_ClearEmptiesBuffer(t *testing.T) {
	_, asm, mem, drv := newMocks(nil, 0)
	tx := NewTransaction(asm, mem, drv, &mockLogger{})

	for i := 0; i < 5; i++ {
		require.NoError(t, tx.Add("nop"))
	}
	require.NoError(t, tx.Clear())
	assert.Empty(t, tx.Text())

	// Cleared transactions accept a fresh program.
	require.NoError(t, tx.Add("ret"))
	assert.Equal(t, "ret\n", tx.Text())
}

func TestTransaction_InsertAt(t *testing.T) {
	_, asm, mem, drv := newMocks(nil, 0)
	tx := NewTransaction(asm, mem, drv, &mockLogger{})

	require.NoError(t, tx.Add("ret"))
	require.NoError(t, tx.InsertAt(0, "mov eax, %d", 2))
	assert.Equal(t, "mov eax, 2\nret\n", tx.Text())

	// Character-level offset, not instruction-level.
	require.NoError(t, tx.InsertAt(11, "nop"))
	assert.Equal(t, "mov eax, 2\nnop\nret\n", tx.Text())
}

func TestTransaction_InsertAtBounds(t *testing.T) {
	_, asm, mem, drv := newMocks(nil, 0)
	tx := NewTransaction(asm, mem, drv, &mockLogger{})
	require.NoError(t, tx.Add("ret"))

	var oerr *OffsetError
	err := tx.InsertAt(-1, "nop")
	require.ErrorAs(t, err, &oerr)

	err = tx.InsertAt(len(tx.Text())+1, "nop")
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, 4, oerr.Length)

	// Insertion at the exact end is legal.
	require.NoError(t, tx.InsertAt(len(tx.Text()), "nop"))
	assert.Equal(t, "ret\nnop\n", tx.Text())
}

func TestTransaction_FormatErrors(t *testing.T) {
	_, asm, mem, drv := newMocks(nil, 0)
	tx := NewTransaction(asm, mem, drv, &mockLogger{})

	var ferr *FormatError
	missingArg := "mov eax, %d"
	noVerbs := "ret"
	wrongType := "mov eax, %d"
	require.ErrorAs(t, tx.Add(missingArg), &ferr)
	require.ErrorAs(t, tx.Add(noVerbs, 1), &ferr)
	require.ErrorAs(t, tx.Add(wrongType, "banana"), &ferr)

	// Failed renders leave the buffer untouched.
	assert.Empty(t, tx.Text())
}

func TestCommit_ExplicitAddressNoExecute(t *testing.T) {
	code := []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xC3}
	log, asm, mem, drv := newMocks(code, 0)
	tx := NewTransaction(asm, mem, drv, &mockLogger{}, WithAddress(0x1000))

	require.NoError(t, tx.Add("mov eax, 1"))
	require.NoError(t, tx.Add("ret"))
	require.NoError(t, tx.Close())

	assert.Equal(t, []string{"assemble", "write(0x1000,6)"}, log.calls)
	assert.Equal(t, code, mem.writes[0x1000])

	addr, ok := tx.InjectedAddress()
	assert.True(t, ok)
	assert.Equal(t, uintptr(0x1000), addr)
}

func TestCommit_ExplicitAddressExecute(t *testing.T) {
	log, asm, mem, drv := newMocks([]byte{0xC3}, 7)
	tx := NewTransaction(asm, mem, drv, &mockLogger{}, WithAddress(0x1000), WithAutoExecute())

	require.NoError(t, tx.Add("ret"))
	require.NoError(t, tx.Close())

	assert.Equal(t, []string{"assemble", "write(0x1000,1)", "spawn(0x1000)", "wait"}, log.calls)
}

func TestCommit_NoAddressNoExecuteIsNoOp(t *testing.T) {
	log, asm, mem, drv := newMocks([]byte{0xC3}, 0)
	tx := NewTransaction(asm, mem, drv, &mockLogger{})

	require.NoError(t, tx.Add("ret"))
	require.NoError(t, tx.Close())

	// Nothing external happens at all: no assemble, write or execute.
	assert.Empty(t, log.calls)

	_, ok := tx.InjectedAddress()
	assert.False(t, ok)
}

func TestCommit_AutoAllocateExecute(t *testing.T) {
	code := []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3}
	log, asm, mem, drv := newMocks(code, 42)
	tx := NewTransaction(asm, mem, drv, &mockLogger{}, WithAutoExecute())

	require.NoError(t, tx.Add("mov eax, %d", 42))
	require.NoError(t, tx.Add("ret"))
	require.NoError(t, tx.Close())

	assert.Equal(t, []string{"assemble", "allocate(6)", "write(0x7000,6)", "spawn(0x7000)", "wait"}, log.calls)

	exit, err := ExitCode[int](tx)
	require.NoError(t, err)
	assert.Equal(t, 42, exit)
}

func TestCommit_HijackExecute(t *testing.T) {
	log, asm, mem, drv := newMocks([]byte{0xC3}, 1)
	tx := NewTransaction(asm, mem, drv, &mockLogger{}, WithAutoExecute(), WithHijack(4321))

	require.NoError(t, tx.Add("ret"))
	require.NoError(t, tx.Close())

	assert.Equal(t, []string{"assemble", "allocate(1)", "write(0x7000,1)", "hijack(4321,0x7000)", "wait"}, log.calls)
}

func TestCommit_AssemblyErrorAbortsEverything(t *testing.T) {
	log, asm, mem, drv := newMocks(nil, 0)
	asm.err = &assembler.SyntaxError{Line: 1, Msg: "unknown mnemonic"}
	tx := NewTransaction(asm, mem, drv, &mockLogger{}, WithAddress(0x1000), WithAutoExecute())

	require.NoError(t, tx.Add("frobnicate"))
	err := tx.Close()

	var serr *assembler.SyntaxError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, []string{"assemble"}, log.calls)
}

func TestCommit_ExactlyOnce(t *testing.T) {
	log, asm, mem, drv := newMocks([]byte{0xC3}, 0)
	tx := NewTransaction(asm, mem, drv, &mockLogger{}, WithAddress(0x1000))

	require.NoError(t, tx.Add("ret"))
	require.NoError(t, tx.Close())
	require.NoError(t, tx.Close())

	assert.Equal(t, []string{"assemble", "write(0x1000,1)"}, log.calls)

	// Failed commits replay their error too.
	log2, asm2, mem2, drv2 := newMocks(nil, 0)
	asm2.err = &assembler.SyntaxError{Msg: "empty program"}
	tx2 := NewTransaction(asm2, mem2, drv2, &mockLogger{}, WithAddress(0x1000))
	first := tx2.Close()
	require.Error(t, first)
	assert.Equal(t, first, tx2.Close())
	assert.Equal(t, []string{"assemble"}, log2.calls)
}

func TestCommit_BufferFrozenAfterClose(t *testing.T) {
	_, asm, mem, drv := newMocks([]byte{0xC3}, 0)
	tx := NewTransaction(asm, mem, drv, &mockLogger{}, WithAddress(0x1000))

	require.NoError(t, tx.Add("ret"))
	require.NoError(t, tx.Close())

	assert.ErrorIs(t, tx.Add("nop"), ErrCommitted)
	assert.ErrorIs(t, tx.InsertAt(0, "nop"), ErrCommitted)
	assert.ErrorIs(t, tx.Clear(), ErrCommitted)
}

func TestCommit_AllocateErrorAbortsRemainingSteps(t *testing.T) {
	log, asm, mem, drv := newMocks([]byte{0xC3}, 0)
	mem.allocErr = &memory.AccessError{Op: "allocate", Err: fmt.Errorf("out of memory")}
	tx := NewTransaction(asm, mem, drv, &mockLogger{}, WithAutoExecute())

	require.NoError(t, tx.Add("ret"))
	err := tx.Close()

	var aerr *memory.AccessError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, []string{"assemble", "allocate(1)"}, log.calls)

	_, ok := tx.InjectedAddress()
	assert.False(t, ok)
}

func TestCommit_WriteErrorAbortsRemainingSteps(t *testing.T) {
	log, asm, mem, drv := newMocks([]byte{0xC3}, 0)
	mem.writeErr = &memory.AccessError{Op: "write", Addr: 0x1000, Err: fmt.Errorf("access denied")}
	tx := NewTransaction(asm, mem, drv, &mockLogger{}, WithAddress(0x1000), WithAutoExecute())

	require.NoError(t, tx.Add("ret"))
	err := tx.Close()

	var aerr *memory.AccessError
	require.ErrorAs(t, err, &aerr)

	// The failed write is the last collaborator call; nothing executes.
	assert.Equal(t, []string{"assemble", "write(0x1000,1)"}, log.calls)

	// The recorded failure replays on later closes without retrying.
	assert.Equal(t, err, tx.Close())
	assert.Equal(t, []string{"assemble", "write(0x1000,1)"}, log.calls)

	_, ok := tx.InjectedAddress()
	assert.False(t, ok)
}

func TestCommit_SpawnErrorAbortsWait(t *testing.T) {
	log, asm, mem, drv := newMocks([]byte{0xC3}, 9)
	drv.spawnErr = &thread.ExecutionError{Op: "spawn", Err: fmt.Errorf("thread creation failed")}
	tx := NewTransaction(asm, mem, drv, &mockLogger{}, WithAutoExecute())

	require.NoError(t, tx.Add("ret"))
	err := tx.Close()

	var xerr *thread.ExecutionError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, []string{"assemble", "allocate(1)", "write(0x7000,1)", "spawn(0x7000)"}, log.calls)

	// The write itself succeeded, but no exit value exists.
	_, ok := tx.InjectedAddress()
	assert.True(t, ok)
	exit, err := ExitCode[int](tx)
	assert.ErrorIs(t, err, ErrNoExitValue)
	assert.Zero(t, exit)
}

func TestCommit_HijackErrorAbortsWait(t *testing.T) {
	log, asm, mem, drv := newMocks([]byte{0xC3}, 9)
	drv.hijackErr = &thread.ExecutionError{Op: "hijack", Err: fmt.Errorf("no such thread")}
	tx := NewTransaction(asm, mem, drv, &mockLogger{}, WithAutoExecute(), WithHijack(77))

	require.NoError(t, tx.Add("ret"))
	err := tx.Close()

	var xerr *thread.ExecutionError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, []string{"assemble", "allocate(1)", "write(0x7000,1)", "hijack(77,0x7000)"}, log.calls)

	_, ok := tx.ExitValue()
	assert.False(t, ok)
}

func TestCommit_PublishesLifecycleEvents(t *testing.T) {
	_, asm, mem, drv := newMocks([]byte{0xC3}, 5)
	broker := core.NewEventBroker()
	allocated := broker.Subscribe(core.EventMemoryAllocated)
	written := broker.Subscribe(core.EventMemoryWritten)
	executed := broker.Subscribe(core.EventTransactionExecuted)
	committed := broker.Subscribe(core.EventTransactionCommitted)

	tx := NewTransaction(asm, mem, drv, &mockLogger{}, WithAutoExecute(), WithBroker(broker))
	require.NoError(t, tx.Add("ret"))
	require.NoError(t, tx.Close())

	id := tx.ID().String()

	ev := <-allocated
	assert.Equal(t, id, ev.Data["id"])
	assert.Equal(t, uintptr(0x7000), ev.Data["address"])

	ev = <-written
	assert.Equal(t, id, ev.Data["id"])
	assert.Equal(t, 1, ev.Data["bytes"])

	ev = <-executed
	assert.Equal(t, id, ev.Data["id"])
	assert.Equal(t, uintptr(5), ev.Data["exit_value"])

	ev = <-committed
	assert.Equal(t, id, ev.Data["id"])
}

func TestCommit_PublishesFailureEvent(t *testing.T) {
	_, asm, mem, drv := newMocks(nil, 0)
	asm.err = &assembler.SyntaxError{Line: 1, Msg: "unknown mnemonic"}
	broker := core.NewEventBroker()
	failed := broker.Subscribe(core.EventTransactionFailed)
	committed := broker.Subscribe(core.EventTransactionCommitted)

	tx := NewTransaction(asm, mem, drv, &mockLogger{}, WithAddress(0x1000), WithBroker(broker))
	require.NoError(t, tx.Add("frobnicate"))
	require.Error(t, tx.Close())

	ev := <-failed
	assert.Equal(t, tx.ID().String(), ev.Data["id"])
	assert.Contains(t, ev.Data["error"], "unknown mnemonic")
	assert.Empty(t, committed)
}

func TestExitCode_GatedOnExecution(t *testing.T) {
	_, asm, mem, drv := newMocks([]byte{0xC3}, 99)
	tx := NewTransaction(asm, mem, drv, &mockLogger{}, WithAddress(0x1000))

	require.NoError(t, tx.Add("ret"))
	require.NoError(t, tx.Close())

	// Non-executing commit: well-defined zero, never a stale value.
	exit, err := ExitCode[int](tx)
	assert.ErrorIs(t, err, ErrNoExitValue)
	assert.Zero(t, exit)
}

func TestExitCode_BeforeCommit(t *testing.T) {
	_, asm, mem, drv := newMocks(nil, 0)
	tx := NewTransaction(asm, mem, drv, &mockLogger{}, WithAutoExecute())

	exit, err := ExitCode[uint32](tx)
	assert.ErrorIs(t, err, ErrNoExitValue)
	assert.Zero(t, exit)
}

func TestCommit_WaitContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, asm, mem, drv := newMocks([]byte{0xC3}, 0)
	tx := NewTransaction(asm, mem, drv, &mockLogger{}, WithAutoExecute(), WithWaitContext(ctx))

	require.NoError(t, tx.Add("ret"))
	err := tx.Close()

	var xerr *thread.ExecutionError
	require.ErrorAs(t, err, &xerr)
	assert.ErrorIs(t, err, context.Canceled)

	_, ok := tx.ExitValue()
	assert.False(t, ok)
}

func TestTransaction_AssembleWithoutInjecting(t *testing.T) {
	log, _, mem, drv := newMocks(nil, 0)
	tx := NewTransaction(assembler.NewX86(), mem, drv, &mockLogger{})

	require.NoError(t, tx.Add("mov eax, %d", 42))
	require.NoError(t, tx.Add("ret"))

	code, err := tx.Assemble()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3}, code)
	assert.Empty(t, log.calls)
}
