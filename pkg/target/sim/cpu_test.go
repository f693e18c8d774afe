package sim

import (
	"encoding/binary"
	"testing"

	"github.com/Manu343726/gdbstub/pkg/hw/mips"
	"github.com/Manu343726/gdbstub/pkg/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	base = 0x08800000
	t0   = 8
	t1   = 9
	t2   = 10
)

func (m *memory) write32(addr uint32, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return m.write(addr, buf[:])
}

func newTestCPU(t *testing.T, words ...uint32) *cpu {
	t.Helper()
	layout := DefaultLayout()
	mem, err := newMemory(layout.Regions)
	require.NoError(t, err)
	for i, w := range words {
		require.NoError(t, mem.write32(base+uint32(4*i), w))
	}
	c := &cpu{mem: mem, icache: newICache(), watch: &watchUnit{present: true}}
	c.regs.PC = base
	return c
}

func runUntilException(t *testing.T, c *cpu, limit int) *exception {
	t.Helper()
	for i := 0; i < limit; i++ {
		if exc := c.step(); exc != nil {
			return exc
		}
	}
	t.Fatalf("no exception after %d instructions, pc=0x%08x", limit, c.regs.PC)
	return nil
}

func TestCPU_DelaySlotExecutesBeforeBranch(t *testing.T) {
	c := newTestCPU(t,
		mips.Addiu(t0, 0, 1),
		mips.Beq(0, 0, 2),
		mips.Addiu(t1, 0, 2),
		mips.Addiu(t2, 0, 3),
		mips.Break(0),
	)

	exc := runUntilException(t, c, 10)
	assert.Equal(t, mips.ExcBreakpoint, exc.code)
	assert.Equal(t, uint32(base+16), c.regs.PC)
	assert.False(t, c.regs.InDelaySlot())
	assert.Equal(t, uint32(1), c.regs.GPR[t0])
	assert.Equal(t, uint32(2), c.regs.GPR[t1])
	assert.Equal(t, uint32(0), c.regs.GPR[t2])
}

func TestCPU_ExceptionInDelaySlotReportsBranch(t *testing.T) {
	c := newTestCPU(t,
		mips.J(base+16),
		mips.Break(0),
	)

	exc := runUntilException(t, c, 10)
	assert.Equal(t, mips.ExcBreakpoint, exc.code)
	assert.Equal(t, uint32(base), c.regs.PC)
	assert.True(t, c.regs.InDelaySlot())
	assert.Equal(t, mips.ExcBreakpoint, c.regs.ExceptionCode())
}

func TestCPU_LikelyBranchNullifiesSlot(t *testing.T) {
	c := newTestCPU(t,
		mips.Addiu(t0, 0, 1),
		mips.Beql(t0, 0, 4),
		mips.Addiu(t1, 0, 2),
		mips.Addiu(t2, 0, 3),
		mips.Break(0),
	)

	runUntilException(t, c, 10)
	assert.Equal(t, uint32(base+16), c.regs.PC)
	assert.Equal(t, uint32(0), c.regs.GPR[t1])
	assert.Equal(t, uint32(3), c.regs.GPR[t2])
}

func TestCPU_JumpAndLink(t *testing.T) {
	c := newTestCPU(t,
		mips.Jal(base+12),
		mips.Nop(),
		mips.Nop(),
		mips.Break(0),
	)

	runUntilException(t, c, 10)
	assert.Equal(t, uint32(base+12), c.regs.PC)
	assert.Equal(t, uint32(base+8), c.regs.GPR[mips.RegRA])
}

func TestCPU_InstructionCacheNeedsFlush(t *testing.T) {
	c := newTestCPU(t,
		mips.Addiu(t0, t0, 1),
		mips.J(base),
		mips.Nop(),
	)

	loop := func() {
		for i := 0; i < 3; i++ {
			require.Nil(t, c.step())
		}
		require.Equal(t, uint32(base), c.regs.PC)
	}

	loop()
	assert.Equal(t, uint32(1), c.regs.GPR[t0])

	require.NoError(t, c.mem.write32(base, mips.Addiu(t0, t0, 5)))
	loop()
	assert.Equal(t, uint32(2), c.regs.GPR[t0], "stale line must still execute")

	c.icache.flushRange(base, 4)
	loop()
	assert.Equal(t, uint32(7), c.regs.GPR[t0])
}

func TestCPU_FetchFromNonExecutableMemory(t *testing.T) {
	c := newTestCPU(t)
	c.regs.PC = 0x08000000

	exc := c.step()
	require.NotNil(t, exc)
	assert.Equal(t, mips.ExcBusInstruction, exc.code)
	assert.Equal(t, uint32(0x08000000), c.regs.BadVAddr)
}

func TestCPU_MisalignedLoad(t *testing.T) {
	c := newTestCPU(t,
		mips.Lui(t0, 0x0880),
		mips.Lw(t1, t0, 0x102),
	)

	exc := runUntilException(t, c, 4)
	assert.Equal(t, mips.ExcAddressLoad, exc.code)
	assert.Equal(t, uint32(base+0x102), c.regs.BadVAddr)
	assert.Equal(t, uint32(base+4), c.regs.PC)
}

func TestCPU_DataWatch(t *testing.T) {
	c := newTestCPU(t,
		mips.Lui(t0, 0x0880),
		mips.Addiu(t1, 0, 42),
		mips.Sw(t1, t0, 0x100),
		mips.Break(0),
	)
	require.NoError(t, c.watch.SetDataWatch(base+0x100, 4, target.WatchDataWrite))

	exc := runUntilException(t, c, 10)
	require.Equal(t, mips.ExcWatch, exc.code)
	require.NotNil(t, exc.watch)
	assert.Equal(t, uint32(base+0x100), exc.watch.Address)
	assert.Equal(t, uint32(base+8), c.regs.PC)

	// resuming executes the store once before watching again
	c.suppressWatch = true
	exc = runUntilException(t, c, 10)
	assert.Equal(t, mips.ExcBreakpoint, exc.code)
	value, err := c.mem.read32(base + 0x100)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), value)
}

func TestCPU_ZeroRegisterIsHardwired(t *testing.T) {
	c := newTestCPU(t,
		mips.Addiu(0, 0, 5),
		mips.Break(0),
	)
	runUntilException(t, c, 4)
	assert.Equal(t, uint32(0), c.regs.GPR[0])
}
