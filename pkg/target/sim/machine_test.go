package sim

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Manu343726/gdbstub/pkg/hw/mips"
	"github.com/Manu343726/gdbstub/pkg/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	faults chan target.Fault
	resume chan *mips.Registers
	exited chan int
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		faults: make(chan target.Fault, 1),
		resume: make(chan *mips.Registers, 1),
		exited: make(chan int, 1),
	}
}

func (h *recordingHandler) HandleException(ctx context.Context, fault target.Fault) (*mips.Registers, bool) {
	h.faults <- fault
	select {
	case regs := <-h.resume:
		return regs, regs != nil
	case <-ctx.Done():
		return nil, false
	}
}

func (h *recordingHandler) ProcessExited(code int) {
	h.exited <- code
}

func (h *recordingHandler) nextFault(t *testing.T) target.Fault {
	t.Helper()
	select {
	case f := <-h.faults:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for exception")
	}
	return target.Fault{}
}

func (h *recordingHandler) exitCode(t *testing.T) int {
	t.Helper()
	select {
	case code := <-h.exited:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for exit")
	}
	return 0
}

func newTestMachine(t *testing.T, words ...uint32) (*Machine, *recordingHandler) {
	t.Helper()
	m, err := New(DefaultLayout(), nil)
	require.NoError(t, err)
	require.NoError(t, m.LoadWords(base, words...))
	h := newRecordingHandler()
	m.SetHandler(h)
	t.Cleanup(func() { _ = m.Terminate() })
	return m, h
}

func TestMachine_RunsToExit(t *testing.T) {
	m, h := newTestMachine(t,
		mips.Addiu(mips.RegV0, 0, 7),
		mips.Jr(mips.RegRA),
		mips.Nop(),
	)

	require.NoError(t, m.Launch(m.EntryContext()))
	assert.Equal(t, 7, h.exitCode(t))
	<-m.Done()

	code, ok := m.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 7, code)
}

func TestMachine_ResumesHandledException(t *testing.T) {
	m, h := newTestMachine(t,
		mips.Break(0),
		mips.Addiu(mips.RegV0, 0, 3),
		mips.Jr(mips.RegRA),
		mips.Nop(),
	)

	require.NoError(t, m.Launch(m.EntryContext()))
	fault := h.nextFault(t)
	assert.Equal(t, MainThread, fault.Thread)
	assert.Equal(t, uint32(base), fault.Regs.PC)
	assert.Equal(t, mips.ExcBreakpoint, fault.Regs.ExceptionCode())

	regs := fault.Regs.Clone()
	regs.PC += 4
	h.resume <- regs
	assert.Equal(t, 3, h.exitCode(t))
}

func TestMachine_UnhandledExceptionTerminates(t *testing.T) {
	m, h := newTestMachine(t, mips.Break(0))

	require.NoError(t, m.Launch(m.EntryContext()))
	h.nextFault(t)
	h.resume <- nil
	assert.Equal(t, 128+int(mips.SIGTRAP), h.exitCode(t))
}

func TestMachine_Interrupt(t *testing.T) {
	m, h := newTestMachine(t,
		mips.J(base),
		mips.Nop(),
	)

	require.NoError(t, m.Launch(m.EntryContext()))
	require.ErrorIs(t, m.Launch(m.EntryContext()), ErrRunning)
	require.NoError(t, m.Interrupt())

	fault := h.nextFault(t)
	assert.Equal(t, mips.ExcInterrupt, fault.Regs.ExceptionCode())
	assert.True(t, m.Contains(fault.Regs.PC))

	require.NoError(t, m.Terminate())
	<-m.Done()
	assert.ErrorIs(t, m.Interrupt(), ErrNotRunning)
}

func TestMachine_DisableInterruptsBlocksExecution(t *testing.T) {
	m, h := newTestMachine(t,
		mips.Addiu(mips.RegV0, 0, 1),
		mips.Jr(mips.RegRA),
		mips.Nop(),
	)

	restore := m.DisableInterrupts()
	require.NoError(t, m.Launch(m.EntryContext()))
	select {
	case <-h.exited:
		t.Fatal("program ran with interrupts disabled")
	case <-time.After(20 * time.Millisecond):
	}
	restore()
	assert.Equal(t, 1, h.exitCode(t))
}

func TestMachine_Threads(t *testing.T) {
	m, _ := newTestMachine(t)
	threads := m.Threads()
	require.Len(t, threads, 2)
	assert.Equal(t, target.Thread{ID: 1, Name: "main"}, threads[0])
	assert.Equal(t, target.Thread{ID: 2, Name: "idle"}, threads[1])
}

func TestMachine_Permissions(t *testing.T) {
	m, _ := newTestMachine(t)
	assert.Equal(t, target.PermRead|target.PermWrite|target.PermExec, m.Permissions(base, 4))
	assert.Equal(t, target.PermRead, m.Permissions(0x08000000, 4))
	assert.Equal(t, target.PermNone, m.Permissions(0, 4))
	assert.Equal(t, target.PermNone, m.Permissions(0x088ffffe, 4), "range crossing the end of a region")
}

func TestParseLayout(t *testing.T) {
	layout, err := ParseLayout(strings.NewReader(`
regions:
  - name: rom
    base: 0x1000
    size: 0x1000
    perm: rx
  - name: ram
    base: 0x2000
    size: 0x2000
    perm: rw
program:
  base: 0x1000
  size: 0x1000
exit_address: 0x1ffc
stack_top: 0x3ff0
threads: [worker, idle]
watch_unit: true
`))
	require.NoError(t, err)
	assert.Len(t, layout.Regions, 2)
	assert.Equal(t, uint32(0x2000), layout.Regions[1].Base)
	assert.Equal(t, uint32(0x3ff0), layout.StackTop)
	assert.Equal(t, []string{"worker", "idle"}, layout.Threads)
	assert.True(t, layout.WatchUnit)
}

func TestParseLayout_RejectsOverlap(t *testing.T) {
	_, err := ParseLayout(strings.NewReader(`
regions:
  - {name: a, base: 0x1000, size: 0x1000, perm: rwx}
  - {name: b, base: 0x1800, size: 0x1000, perm: rwx}
program: {base: 0x1000, size: 0x100}
`))
	assert.ErrorIs(t, err, ErrInvalidLayout)
}

func TestParseLayout_RejectsBadPermission(t *testing.T) {
	_, err := ParseLayout(strings.NewReader(`
regions:
  - {name: a, base: 0x1000, size: 0x1000, perm: rwz}
program: {base: 0x1000, size: 0x100}
`))
	assert.ErrorIs(t, err, ErrInvalidLayout)
}
