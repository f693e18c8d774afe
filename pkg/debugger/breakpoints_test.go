package debugger

import (
	"encoding/binary"
	"testing"

	"github.com/Manu343726/gdbstub/pkg/hw/mips"
	"github.com/Manu343726/gdbstub/pkg/target"
	"github.com/Manu343726/gdbstub/pkg/target/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*BreakpointManager, *sim.Machine) {
	t.Helper()
	m := newMachine(t,
		mips.Addiu(t0, 0, 1),
		mips.Addiu(t0, t0, 1),
		mips.Addiu(t0, t0, 2),
		mips.Addiu(t0, t0, 3),
		mips.Jr(mips.RegRA),
		mips.Nop(),
	)
	return NewBreakpointManager(m, m.Watch(), DefaultMaxPersistent, DefaultMaxTransient, nil), m
}

func TestBreakpointManager_SetWritesTrap(t *testing.T) {
	bm, m := newTestManager(t)

	bp, err := bm.Set(base + 4)
	require.NoError(t, err)
	assert.Equal(t, 1, bp.ID)
	assert.True(t, bp.Active)
	assert.Equal(t, Persistent, bp.Kind())
	assert.Equal(t, mips.Addiu(t0, t0, 1), bp.Saved)
	assert.Equal(t, TrapInstruction, readWord(t, m, base+4))
	assert.True(t, bm.IsBreakpointAddress(base+4))

	word, err := bm.Instruction(base + 4)
	require.NoError(t, err)
	assert.Equal(t, mips.Addiu(t0, t0, 1), word)
}

func TestBreakpointManager_SetIsIdempotent(t *testing.T) {
	bm, m := newTestManager(t)

	first, err := bm.Set(base + 8)
	require.NoError(t, err)
	second, err := bm.Set(base + 8)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Len(t, bm.List(), 1)
	assert.Equal(t, mips.Addiu(t0, t0, 2), second.Saved, "second set must not save the trap as original")

	require.NoError(t, bm.Clear(first.ID))
	assert.Equal(t, mips.Addiu(t0, t0, 2), readWord(t, m, base+8))
	assert.Empty(t, bm.List())
}

func TestBreakpointManager_ClearUnknownIsNoop(t *testing.T) {
	bm, _ := newTestManager(t)
	assert.NoError(t, bm.Clear(42))
	assert.NoError(t, bm.ClearAddress(base))
}

func TestBreakpointManager_Validation(t *testing.T) {
	bm, _ := newTestManager(t)

	_, err := bm.Set(base + 2)
	assert.ErrorIs(t, err, ErrMisaligned)

	_, err = bm.Set(0x08000000)
	assert.ErrorIs(t, err, ErrNotPatchable, "read-only memory")

	_, err = bm.Set(0x00001000)
	assert.ErrorIs(t, err, ErrNotPatchable, "unmapped memory")

	assert.ErrorIs(t, bm.InstallTransient(base+1), ErrMisaligned)
	assert.Empty(t, bm.List())
	assert.Empty(t, bm.Transients())
}

func TestBreakpointManager_Capacity(t *testing.T) {
	bm, _ := newTestManager(t)

	for i := 0; i < DefaultMaxPersistent; i++ {
		_, err := bm.Set(base + 0x100 + uint32(4*i))
		require.NoError(t, err)
	}
	_, err := bm.Set(base + 0x200)
	assert.ErrorIs(t, err, ErrNoSlots)

	_, err = bm.Set(base + 0x100)
	assert.NoError(t, err, "existing breakpoint does not need a new slot")

	require.NoError(t, bm.InstallTransient(base))
	require.NoError(t, bm.InstallTransient(base+4))
	assert.ErrorIs(t, bm.InstallTransient(base+8), ErrNoSlots)
}

func TestBreakpointManager_SuspendAndArm(t *testing.T) {
	bm, m := newTestManager(t)

	_, err := bm.Set(base + 4)
	require.NoError(t, err)
	_, err = bm.Set(base + 8)
	require.NoError(t, err)

	require.NoError(t, bm.Suspend())
	assert.Equal(t, mips.Addiu(t0, t0, 1), readWord(t, m, base+4))
	assert.Equal(t, mips.Addiu(t0, t0, 2), readWord(t, m, base+8))
	assert.Len(t, bm.List(), 2, "records survive suspension")
	for _, bp := range bm.List() {
		assert.False(t, bp.Active)
	}

	require.NoError(t, bm.Arm(base+4))
	assert.Equal(t, mips.Addiu(t0, t0, 1), readWord(t, m, base+4))
	assert.Equal(t, TrapInstruction, readWord(t, m, base+8))
}

func TestBreakpointManager_TransientSharesPersistentRecord(t *testing.T) {
	bm, m := newTestManager(t)

	bp, err := bm.Set(base + 8)
	require.NoError(t, err)
	require.NoError(t, bm.Suspend())

	require.NoError(t, bm.InstallTransient(base+8))
	require.NoError(t, bm.InstallTransient(base+12))
	assert.Same(t, bp, bm.Lookup(base+8))
	assert.True(t, bp.Step)
	assert.True(t, bp.Active)
	assert.Equal(t, TrapInstruction, readWord(t, m, base+12))

	removed, err := bm.ClearAllTransient()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint32{base + 8, base + 12}, removed)
	assert.Empty(t, bm.Transients())

	assert.Equal(t, mips.Addiu(t0, t0, 3), readWord(t, m, base+12))
	assert.Nil(t, bm.Lookup(base+12))
	assert.Equal(t, TrapInstruction, readWord(t, m, base+8), "persistent trap stays in place")
	assert.False(t, bp.Step)
}

func TestBreakpointManager_ClearPersistentKeepsStep(t *testing.T) {
	bm, m := newTestManager(t)

	bp, err := bm.Set(base + 8)
	require.NoError(t, err)
	require.NoError(t, bm.InstallTransient(base+8))
	require.NoError(t, bm.Clear(bp.ID))

	assert.Equal(t, TrapInstruction, readWord(t, m, base+8))
	assert.Equal(t, TransientStep, bm.Lookup(base+8).Kind())

	_, err = bm.ClearAllTransient()
	require.NoError(t, err)
	assert.Equal(t, mips.Addiu(t0, t0, 2), readWord(t, m, base+8))
}

func TestBreakpointManager_WithOriginalCode(t *testing.T) {
	bm, m := newTestManager(t)

	bp, err := bm.Set(base + 4)
	require.NoError(t, err)

	var seen uint32
	require.NoError(t, bm.WithOriginalCode(base+2, 4, func() error {
		seen = readWord(t, m, base+4)
		return m.WriteMemory(base+4, []byte{0, 0, 0, 0})
	}))
	assert.Equal(t, mips.Addiu(t0, t0, 1), seen)
	assert.Equal(t, mips.Nop(), bp.Saved)
	assert.Equal(t, TrapInstruction, readWord(t, m, base+4))
}

func TestBreakpointManager_ShadowTraps(t *testing.T) {
	bm, m := newTestManager(t)

	_, err := bm.Set(base + 4)
	require.NoError(t, err)
	require.NoError(t, bm.InstallTransient(base+8))

	tests := []struct {
		name   string
		addr   uint32
		length int
		want   []uint32
	}{
		{"aligned", base + 4, 8, []uint32{mips.Addiu(t0, t0, 1), mips.Addiu(t0, t0, 2)}},
		{"covering", base, 16, []uint32{mips.Addiu(t0, 0, 1), mips.Addiu(t0, t0, 1), mips.Addiu(t0, t0, 2), mips.Addiu(t0, t0, 3)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, tt.length)
			require.NoError(t, m.ReadMemory(tt.addr, buf))
			bm.ShadowTraps(tt.addr, buf)
			for i, w := range tt.want {
				assert.Equal(t, w, binary.LittleEndian.Uint32(buf[4*i:]), "word %d", i)
			}
		})
	}

	// unaligned range starting inside a patched word
	buf := make([]byte, 3)
	require.NoError(t, m.ReadMemory(base+6, buf))
	bm.ShadowTraps(base+6, buf)
	original := mips.Addiu(t0, t0, 1)
	assert.Equal(t, []byte{byte(original >> 16), byte(original >> 24), byte(mips.Addiu(t0, t0, 2))}, buf)

	// memory itself keeps the traps
	assert.Equal(t, TrapInstruction, readWord(t, m, base+4))
	assert.Equal(t, TrapInstruction, readWord(t, m, base+8))
}

func TestBreakpointManager_ClearAll(t *testing.T) {
	bm, m := newTestManager(t)

	_, err := bm.Set(base + 4)
	require.NoError(t, err)
	require.NoError(t, bm.InstallTransient(base+12))
	require.NoError(t, bm.SetWatch(target.WatchDataWrite, base+0x100, 4))

	require.NoError(t, bm.ClearAll())
	assert.Empty(t, bm.List())
	assert.Empty(t, bm.Transients())
	assert.Empty(t, bm.Watches())
	assert.Equal(t, mips.Addiu(t0, t0, 1), readWord(t, m, base+4))
	assert.Equal(t, mips.Addiu(t0, t0, 3), readWord(t, m, base+12))
}

func TestBreakpointManager_Watches(t *testing.T) {
	bm, _ := newTestManager(t)
	require.True(t, bm.WatchSupported())

	require.NoError(t, bm.SetWatch(target.WatchInstruction, base+8, 4))
	assert.NoError(t, bm.SetWatch(target.WatchInstruction, base+8, 4), "same request again")
	assert.ErrorIs(t, bm.SetWatch(target.WatchInstruction, base+12, 4), ErrWatchBusy)
	assert.ErrorIs(t, bm.SetWatch(target.WatchInstruction, base+2, 4), ErrMisaligned)

	require.NoError(t, bm.SetWatch(target.WatchDataRead, base+0x100, 4))
	assert.ErrorIs(t, bm.SetWatch(target.WatchDataWrite, base+0x200, 4), ErrWatchBusy)

	require.NoError(t, bm.ClearWatch(target.WatchDataRead, base+0x100))
	require.NoError(t, bm.SetWatch(target.WatchDataWrite, base+0x200, 4))
	assert.Len(t, bm.Watches(), 2)

	assert.ErrorIs(t, bm.SetWatch(target.WatchDataAccess, 0x1000, 4), ErrWatchBusy)
}

func TestBreakpointManager_WatchesUnsupported(t *testing.T) {
	layout := sim.DefaultLayout()
	layout.WatchUnit = false
	m, err := sim.New(layout, nil)
	require.NoError(t, err)
	bm := NewBreakpointManager(m, m.Watch(), DefaultMaxPersistent, DefaultMaxTransient, nil)

	assert.False(t, bm.WatchSupported())
	assert.ErrorIs(t, bm.SetWatch(target.WatchDataWrite, base, 4), ErrWatchUnsupported)
	assert.ErrorIs(t, bm.ClearWatch(target.WatchDataWrite, base), ErrWatchUnsupported)
}
