package debugger

import (
	"encoding/binary"
	"log/slog"

	"github.com/Manu343726/gdbstub/pkg/hw/mips"
	"github.com/Manu343726/gdbstub/pkg/target"
	"github.com/Manu343726/gdbstub/pkg/utils"
)

// TrapInstruction is the word written over code to raise a breakpoint exception
var TrapInstruction = mips.Break(0)

// Kind tells why a breakpoint record exists
type Kind int

const (
	// Persistent breakpoints are requested by the host debugger and live until removed
	Persistent Kind = iota
	// TransientStep breakpoints are placed to emulate a single step
	TransientStep
)

// String returns the string representation of a Kind
func (k Kind) String() string {
	switch k {
	case Persistent:
		return "persistent"
	case TransientStep:
		return "step"
	default:
		return "unknown"
	}
}

// Breakpoint is a software breakpoint. There is at most one record per address,
// shared by a persistent breakpoint and a step breakpoint placed at the same spot.
type Breakpoint struct {
	// ID identifies persistent breakpoints, it is zero for step only records
	ID int
	// Address of the patched instruction
	Address uint32
	// Saved is the original instruction word replaced by the trap
	Saved uint32
	// Persistent is set while the host debugger wants the breakpoint
	Persistent bool
	// Step is set while a single step uses the breakpoint
	Step bool
	// Active is true while the trap is written in memory
	Active bool
	// HitCount counts stops caused by this breakpoint
	HitCount int
}

// Kind returns Persistent for records the host debugger asked for
func (bp *Breakpoint) Kind() Kind {
	if bp.Persistent {
		return Persistent
	}
	return TransientStep
}

// Watch is a hardware watch programmed in the watch unit
type Watch struct {
	Kind    target.WatchKind
	Address uint32
	Length  uint32
}

// CodePatcher is the part of the target needed to patch instructions safely
type CodePatcher interface {
	target.Memory
	target.CacheController
	target.InterruptGate
}

// BreakpointManager owns every trap written into the debugged program and the
// hardware watch registers. It is not safe for concurrent use, the debugger
// core only calls it while the target is stopped or not yet started.
type BreakpointManager struct {
	code  CodePatcher
	watch target.WatchUnit
	log   *slog.Logger

	// Records indexed by address
	byAddress map[uint32]*Breakpoint
	// Persistent breakpoints indexed by ID
	persistent utils.Slots[int, *Breakpoint]
	// Step breakpoints indexed by address
	transient utils.Slots[uint32, *Breakpoint]
	// Next persistent breakpoint ID
	nextID int

	instructionWatch *Watch
	dataWatch        *Watch
}

// NewBreakpointManager creates a manager with the given slot capacities. watch may be nil.
func NewBreakpointManager(code CodePatcher, watch target.WatchUnit, maxPersistent, maxTransient int, log *slog.Logger) *BreakpointManager {
	if log == nil {
		log = slog.Default()
	}
	return &BreakpointManager{
		code:       code,
		watch:      watch,
		log:        log,
		byAddress:  make(map[uint32]*Breakpoint),
		persistent: utils.MakeSlots[int, *Breakpoint](maxPersistent),
		transient:  utils.MakeSlots[uint32, *Breakpoint](maxTransient),
		nextID:     1,
	}
}

// --- Code patching ---

func (m *BreakpointManager) validate(addr uint32) error {
	if addr%mips.InstructionSize != 0 {
		return utils.MakeError(ErrMisaligned, "breakpoint at %s", utils.FormatUint32Hex(addr))
	}
	if !m.code.Permissions(addr, mips.InstructionSize).Has(target.PermWrite | target.PermExec) {
		return utils.MakeError(ErrNotPatchable, "breakpoint at %s", utils.FormatUint32Hex(addr))
	}
	return nil
}

func (m *BreakpointManager) readWord(addr uint32) (uint32, error) {
	var buf [4]byte
	if err := m.code.ReadMemory(addr, buf[:]); err != nil {
		return 0, utils.MakeError(ErrInvalidAddress, "%v", err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// writeWord patches one instruction with preemption disabled and keeps the
// instruction cache coherent
func (m *BreakpointManager) writeWord(addr, word uint32) error {
	restore := m.code.DisableInterrupts()
	defer restore()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], word)
	if err := m.code.WriteMemory(addr, buf[:]); err != nil {
		return utils.MakeError(ErrWriteFailed, "%v", err)
	}
	m.code.FlushRange(addr, mips.InstructionSize)
	return nil
}

func (m *BreakpointManager) install(bp *Breakpoint) error {
	if bp.Active {
		return nil
	}
	if err := m.writeWord(bp.Address, TrapInstruction); err != nil {
		return err
	}
	bp.Active = true
	return nil
}

func (m *BreakpointManager) remove(bp *Breakpoint) error {
	if !bp.Active {
		return nil
	}
	if err := m.writeWord(bp.Address, bp.Saved); err != nil {
		return err
	}
	bp.Active = false
	return nil
}

func (m *BreakpointManager) newRecord(addr uint32) (*Breakpoint, error) {
	saved, err := m.readWord(addr)
	if err != nil {
		return nil, err
	}
	bp := &Breakpoint{Address: addr, Saved: saved}
	m.byAddress[addr] = bp
	return bp, nil
}

func (m *BreakpointManager) forgetIfUnused(bp *Breakpoint) error {
	if bp.Persistent || bp.Step {
		return nil
	}
	delete(m.byAddress, bp.Address)
	return m.remove(bp)
}

// --- Persistent breakpoints ---

// Set places a persistent breakpoint at addr and writes its trap right away.
// Setting a breakpoint twice at the same address returns the existing one.
func (m *BreakpointManager) Set(addr uint32) (*Breakpoint, error) {
	if err := m.validate(addr); err != nil {
		return nil, err
	}

	bp := m.byAddress[addr]
	if bp != nil && bp.Persistent {
		return bp, nil
	}
	if m.persistent.Full() {
		return nil, utils.MakeError(ErrNoSlots, "%d persistent breakpoints in use", m.persistent.Capacity())
	}

	if bp == nil {
		var err error
		if bp, err = m.newRecord(addr); err != nil {
			return nil, err
		}
	}
	if err := m.install(bp); err != nil {
		_ = m.forgetIfUnused(bp)
		return nil, err
	}

	bp.ID = m.nextID
	bp.Persistent = true
	m.nextID++
	if err := m.persistent.Put(bp.ID, bp); err != nil {
		return nil, utils.MakeError(ErrNoSlots, "%v", err)
	}
	m.log.Debug("breakpoint set", slog.Int("id", bp.ID), slog.String("address", utils.FormatUint32Hex(addr)))
	return bp, nil
}

// Clear removes the persistent breakpoint with the given ID. Unknown IDs are ignored.
func (m *BreakpointManager) Clear(id int) error {
	bp, ok := m.persistent.Delete(id)
	if !ok {
		return nil
	}
	bp.Persistent = false
	bp.ID = 0
	m.log.Debug("breakpoint cleared", slog.Int("id", id), slog.String("address", utils.FormatUint32Hex(bp.Address)))
	return m.forgetIfUnused(bp)
}

// ClearAddress removes the persistent breakpoint at addr, if any
func (m *BreakpointManager) ClearAddress(addr uint32) error {
	bp := m.byAddress[addr]
	if bp == nil || !bp.Persistent {
		return nil
	}
	return m.Clear(bp.ID)
}

// Get returns the persistent breakpoint with the given ID
func (m *BreakpointManager) Get(id int) (*Breakpoint, bool) {
	return m.persistent.Get(id)
}

// Lookup returns the record at addr, or nil
func (m *BreakpointManager) Lookup(addr uint32) *Breakpoint {
	return m.byAddress[addr]
}

// List returns the persistent breakpoints ordered by ID
func (m *BreakpointManager) List() []*Breakpoint {
	return m.persistent.Values()
}

// IsBreakpointAddress reports whether a trap is currently written at addr. A
// trap exception anywhere else comes from a break instruction of the program.
func (m *BreakpointManager) IsBreakpointAddress(addr uint32) bool {
	bp := m.byAddress[addr]
	return bp != nil && bp.Active
}

// IsPersistent reports whether the host debugger has a breakpoint at addr
func (m *BreakpointManager) IsPersistent(addr uint32) bool {
	bp := m.byAddress[addr]
	return bp != nil && bp.Persistent
}

// Suspend restores the original instructions of all persistent breakpoints
// while keeping their records, so the stopped program shows unpatched code.
func (m *BreakpointManager) Suspend() error {
	for _, bp := range m.persistent.Values() {
		if bp.Step {
			continue
		}
		if err := m.remove(bp); err != nil {
			return err
		}
	}
	return nil
}

// Arm writes the traps of every persistent breakpoint except those at the
// given addresses, typically the address execution resumes from.
func (m *BreakpointManager) Arm(except ...uint32) error {
	skip := make(map[uint32]bool, len(except))
	for _, addr := range except {
		skip[addr] = true
	}
	for _, bp := range m.persistent.Values() {
		if skip[bp.Address] {
			continue
		}
		if err := m.install(bp); err != nil {
			return err
		}
	}
	return nil
}

// --- Step breakpoints ---

// InstallTransient places a step breakpoint at addr. An address already holding
// a persistent breakpoint shares its record.
func (m *BreakpointManager) InstallTransient(addr uint32) error {
	if err := m.validate(addr); err != nil {
		return err
	}

	bp := m.byAddress[addr]
	if bp != nil && bp.Step {
		return nil
	}
	if m.transient.Full() {
		return utils.MakeError(ErrNoSlots, "%d step breakpoints in use", m.transient.Capacity())
	}
	if bp == nil {
		var err error
		if bp, err = m.newRecord(addr); err != nil {
			return err
		}
	}

	bp.Step = true
	if err := m.transient.Put(addr, bp); err != nil {
		bp.Step = false
		_ = m.forgetIfUnused(bp)
		return utils.MakeError(ErrNoSlots, "%v", err)
	}
	if err := m.install(bp); err != nil {
		m.transient.Delete(addr)
		bp.Step = false
		_ = m.forgetIfUnused(bp)
		return err
	}
	return nil
}

// ClearAllTransient removes every step breakpoint and returns their addresses.
// Records shared with a persistent breakpoint keep their trap.
func (m *BreakpointManager) ClearAllTransient() ([]uint32, error) {
	addresses := m.transient.Keys()
	var firstErr error
	for _, addr := range addresses {
		bp, _ := m.transient.Delete(addr)
		bp.Step = false
		if err := m.forgetIfUnused(bp); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return addresses, firstErr
}

// Transients returns the addresses of the step breakpoints in place
func (m *BreakpointManager) Transients() []uint32 {
	return m.transient.Keys()
}

// ClearAll removes every breakpoint and watch, restoring the original code
func (m *BreakpointManager) ClearAll() error {
	_, firstErr := m.ClearAllTransient()
	for _, id := range m.persistent.Keys() {
		if err := m.Clear(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.instructionWatch != nil {
		if err := m.ClearWatch(target.WatchInstruction, m.instructionWatch.Address); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.dataWatch != nil {
		if err := m.ClearWatch(m.dataWatch.Kind, m.dataWatch.Address); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- Original code access ---

// Instruction returns the original instruction word at addr, looking through any trap
func (m *BreakpointManager) Instruction(addr uint32) (uint32, error) {
	if bp := m.byAddress[addr]; bp != nil && bp.Active {
		return bp.Saved, nil
	}
	return m.readWord(addr)
}

// ShadowTraps replaces the trap instructions found in buf, read from addr, with
// the original instructions they cover
func (m *BreakpointManager) ShadowTraps(addr uint32, buf []byte) {
	start := addr &^ (mips.InstructionSize - 1)
	end := uint64(addr) + uint64(len(buf))

	for a := uint64(start); a < end; a += mips.InstructionSize {
		bp := m.byAddress[uint32(a)]
		if bp == nil || !bp.Active {
			continue
		}
		for i := range uint64(mips.InstructionSize) {
			if a+i >= uint64(addr) && a+i < end {
				buf[a+i-uint64(addr)] = byte(bp.Saved >> (8 * i))
			}
		}
	}
}

// WithOriginalCode runs fn with the traps in [addr, addr+length) lifted. Traps
// are written back afterwards, taking whatever fn stored there as the new
// original instructions.
func (m *BreakpointManager) WithOriginalCode(addr, length uint32, fn func() error) error {
	start := addr &^ (mips.InstructionSize - 1)
	end := uint64(addr) + uint64(length)

	var lifted []*Breakpoint
	for a := uint64(start); a < end; a += mips.InstructionSize {
		bp := m.byAddress[uint32(a)]
		if bp == nil || !bp.Active {
			continue
		}
		if err := m.remove(bp); err != nil {
			return err
		}
		lifted = append(lifted, bp)
	}

	fnErr := fn()

	for _, bp := range lifted {
		saved, err := m.readWord(bp.Address)
		if err != nil {
			return err
		}
		bp.Saved = saved
		if err := m.install(bp); err != nil {
			return err
		}
	}
	return fnErr
}

// --- Hardware watches ---

// WatchSupported reports whether the target has a usable watch unit
func (m *BreakpointManager) WatchSupported() bool {
	return m.watch != nil && m.watch.Supported()
}

// SetWatch programs the watch register serving kind. Each register holds a
// single watch, a different request for a busy register fails.
func (m *BreakpointManager) SetWatch(kind target.WatchKind, addr, length uint32) error {
	if !m.WatchSupported() {
		return ErrWatchUnsupported
	}
	w := &Watch{Kind: kind, Address: addr, Length: length}

	if kind == target.WatchInstruction {
		if addr%mips.InstructionSize != 0 {
			return utils.MakeError(ErrMisaligned, "instruction watch at %s", utils.FormatUint32Hex(addr))
		}
		if m.instructionWatch != nil {
			if *m.instructionWatch == *w {
				return nil
			}
			return utils.MakeError(ErrWatchBusy, "instruction watch at %s", utils.FormatUint32Hex(m.instructionWatch.Address))
		}
		if err := m.watch.SetInstructionWatch(addr); err != nil {
			return utils.MakeError(ErrWatchBusy, "%v", err)
		}
		m.instructionWatch = w
		return nil
	}

	if m.dataWatch != nil {
		if *m.dataWatch == *w {
			return nil
		}
		return utils.MakeError(ErrWatchBusy, "%s watch at %s", m.dataWatch.Kind, utils.FormatUint32Hex(m.dataWatch.Address))
	}
	if m.code.Permissions(addr, max(length, 1)) == target.PermNone {
		return utils.MakeError(ErrInvalidAddress, "watch at %s", utils.FormatUint32Hex(addr))
	}
	if err := m.watch.SetDataWatch(addr, length, kind); err != nil {
		return utils.MakeError(ErrWatchBusy, "%v", err)
	}
	m.dataWatch = w
	return nil
}

// ClearWatch releases the watch register serving kind if it watches addr
func (m *BreakpointManager) ClearWatch(kind target.WatchKind, addr uint32) error {
	if !m.WatchSupported() {
		return ErrWatchUnsupported
	}
	if kind == target.WatchInstruction {
		if m.instructionWatch == nil || m.instructionWatch.Address != addr {
			return nil
		}
		m.instructionWatch = nil
		return m.watch.ClearInstructionWatch()
	}
	if m.dataWatch == nil || m.dataWatch.Address != addr || m.dataWatch.Kind != kind {
		return nil
	}
	m.dataWatch = nil
	return m.watch.ClearDataWatch()
}

// Watches returns the programmed watches
func (m *BreakpointManager) Watches() []Watch {
	var watches []Watch
	if m.instructionWatch != nil {
		watches = append(watches, *m.instructionWatch)
	}
	if m.dataWatch != nil {
		watches = append(watches, *m.dataWatch)
	}
	return watches
}
