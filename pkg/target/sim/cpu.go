package sim

import (
	"sync"

	"github.com/Manu343726/gdbstub/pkg/hw/mips"
	"github.com/Manu343726/gdbstub/pkg/target"
)

// exception is raised by an instruction that cannot complete
type exception struct {
	code     mips.ExceptionCode
	badVAddr uint32
	watch    *target.WatchHit
}

func raise(code mips.ExceptionCode) *exception {
	return &exception{code: code}
}

func addressError(code mips.ExceptionCode, addr uint32) *exception {
	return &exception{code: code, badVAddr: addr}
}

// icache holds decoded instruction words. Lines are only refreshed by a flush,
// so code patched in memory is not seen until the affected range is flushed.
type icache struct {
	mu    sync.Mutex
	lines map[uint32]uint32
}

func newICache() *icache {
	return &icache{lines: make(map[uint32]uint32)}
}

func (c *icache) lookup(addr uint32) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	word, ok := c.lines[addr]
	return word, ok
}

func (c *icache) fill(addr, word uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines[addr] = word
}

func (c *icache) flushRange(addr, length uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := addr &^ 3
	for a := uint64(start); a < uint64(addr)+uint64(length); a += 4 {
		delete(c.lines, uint32(a))
	}
}

func (c *icache) flushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = make(map[uint32]uint32)
}

// cpu executes one instruction at a time honoring branch delay slots
type cpu struct {
	regs mips.Registers

	// Set when the next instruction executes in the delay slot of a branch
	delay bool
	// taken and dest describe where the pending branch goes after its delay slot
	taken bool
	dest  uint32

	// suppressWatch skips watch checks on the first instruction after a resume
	suppressWatch bool

	mem    *memory
	icache *icache
	watch  *watchUnit
}

// reset loads a register snapshot and forgets any pending branch. Resuming at
// the PC of a branch re-executes it, which restarts its delay slot.
func (c *cpu) reset(regs *mips.Registers) {
	c.regs = *regs
	c.regs.GPR[mips.RegZero] = 0
	c.delay, c.taken = false, false
}

// interrupt raises an asynchronous exception between two instructions
func (c *cpu) interrupt() *exception {
	exc := raise(mips.ExcInterrupt)
	c.deliver(exc, c.regs.PC, c.delay)
	return exc
}

// step executes the instruction at PC. On exception the registers describe the
// faulting context: PC holds the restart address and the cause register flags
// a delay slot.
func (c *cpu) step() *exception {
	pc := c.regs.PC
	inDelay, taken, dest := c.delay, c.taken, c.dest
	c.delay, c.taken = false, false

	exc := c.checkInstructionWatch(pc)
	var word uint32
	if exc == nil {
		word, exc = c.fetch(pc)
	}
	next := pc + mips.InstructionSize
	if exc == nil {
		exc = c.execute(word, pc, &next)
	}
	if exc != nil {
		c.deliver(exc, pc, inDelay)
		return exc
	}

	if inDelay && taken {
		next = dest
	}
	c.regs.PC = next
	c.suppressWatch = false
	return nil
}

func (c *cpu) deliver(exc *exception, pc uint32, inDelay bool) {
	epc := pc
	if inDelay {
		epc = pc - mips.InstructionSize
	}
	c.delay, c.taken = false, false
	c.regs.PC = epc
	c.regs.Cause = exc.code.Cause(inDelay)
	switch exc.code {
	case mips.ExcAddressLoad, mips.ExcAddressStore, mips.ExcBusInstruction, mips.ExcBusData,
		mips.ExcTLBLoad, mips.ExcTLBStore, mips.ExcTLBModified:
		c.regs.BadVAddr = exc.badVAddr
	}
}

func (c *cpu) checkInstructionWatch(pc uint32) *exception {
	if c.suppressWatch || c.watch == nil {
		return nil
	}
	if hit := c.watch.matchInstruction(pc); hit != nil {
		return &exception{code: mips.ExcWatch, watch: hit}
	}
	return nil
}

func (c *cpu) checkDataWatch(addr, size uint32, kind target.WatchKind) *exception {
	if c.suppressWatch || c.watch == nil {
		return nil
	}
	if hit := c.watch.matchData(addr, size, kind); hit != nil {
		return &exception{code: mips.ExcWatch, watch: hit}
	}
	return nil
}

func (c *cpu) fetch(pc uint32) (uint32, *exception) {
	if pc%mips.InstructionSize != 0 {
		return 0, addressError(mips.ExcAddressLoad, pc)
	}
	if word, ok := c.icache.lookup(pc); ok {
		return word, nil
	}
	if !c.mem.permissions(pc, 4).Has(target.PermExec) {
		return 0, addressError(mips.ExcBusInstruction, pc)
	}
	word, err := c.mem.read32(pc)
	if err != nil {
		return 0, addressError(mips.ExcBusInstruction, pc)
	}
	c.icache.fill(pc, word)
	return word, nil
}

func (c *cpu) load(addr, size uint32) (uint32, *exception) {
	if addr%size != 0 {
		return 0, addressError(mips.ExcAddressLoad, addr)
	}
	if !c.mem.permissions(addr, size).Has(target.PermRead) {
		return 0, addressError(mips.ExcBusData, addr)
	}
	if exc := c.checkDataWatch(addr, size, target.WatchDataRead); exc != nil {
		return 0, exc
	}
	buf := make([]byte, size)
	if err := c.mem.read(addr, buf); err != nil {
		return 0, addressError(mips.ExcBusData, addr)
	}
	var value uint32
	for i := int(size) - 1; i >= 0; i-- {
		value = value<<8 | uint32(buf[i])
	}
	return value, nil
}

func (c *cpu) store(addr, size, value uint32) *exception {
	if addr%size != 0 {
		return addressError(mips.ExcAddressStore, addr)
	}
	if !c.mem.permissions(addr, size).Has(target.PermWrite) {
		return addressError(mips.ExcBusData, addr)
	}
	if exc := c.checkDataWatch(addr, size, target.WatchDataWrite); exc != nil {
		return exc
	}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(value >> (8 * i))
	}
	if err := c.mem.write(addr, buf); err != nil {
		return addressError(mips.ExcBusData, addr)
	}
	return nil
}

func (c *cpu) setGPR(n int, value uint32) {
	if n != mips.RegZero {
		c.regs.GPR[n] = value
	}
}

// branch schedules a control transfer after the delay slot. Likely branches
// that are not taken nullify their delay slot.
func (c *cpu) branch(cond bool, likely bool, dest uint32, pc uint32, next *uint32) {
	if cond {
		c.delay, c.taken, c.dest = true, true, dest
		return
	}
	if likely {
		*next = pc + mips.DelaySlotSkip
		return
	}
	c.delay = true
}

func (c *cpu) execute(word uint32, pc uint32, next *uint32) *exception {
	f := mips.Decode(word)
	rs, rt := c.regs.GPR[f.RS], c.regs.GPR[f.RT]
	imm := uint32(f.Imm)
	zimm := uint32(uint16(word))
	shamt := (word >> 6) & 0x1f
	branchDest := mips.BranchTarget(pc, f.Imm)

	switch f.Opcode {
	case 0x00:
		switch f.Funct {
		case 0x00:
			c.setGPR(f.RD, rt<<shamt)
		case 0x02:
			c.setGPR(f.RD, rt>>shamt)
		case 0x03:
			c.setGPR(f.RD, uint32(int32(rt)>>shamt))
		case 0x04:
			c.setGPR(f.RD, rt<<(rs&0x1f))
		case 0x06:
			c.setGPR(f.RD, rt>>(rs&0x1f))
		case 0x07:
			c.setGPR(f.RD, uint32(int32(rt)>>(rs&0x1f)))
		case 0x08:
			c.branch(true, false, rs, pc, next)
		case 0x09:
			c.setGPR(f.RD, pc+mips.DelaySlotSkip)
			c.branch(true, false, rs, pc, next)
		case 0x0a:
			if rt == 0 {
				c.setGPR(f.RD, rs)
			}
		case 0x0b:
			if rt != 0 {
				c.setGPR(f.RD, rs)
			}
		case 0x0c:
			return raise(mips.ExcSyscall)
		case 0x0d:
			return raise(mips.ExcBreakpoint)
		case 0x0f: // sync
		case 0x10:
			c.setGPR(f.RD, c.regs.Hi)
		case 0x11:
			c.regs.Hi = rs
		case 0x12:
			c.setGPR(f.RD, c.regs.Lo)
		case 0x13:
			c.regs.Lo = rs
		case 0x18:
			product := int64(int32(rs)) * int64(int32(rt))
			c.regs.Lo, c.regs.Hi = uint32(product), uint32(product>>32)
		case 0x19:
			product := uint64(rs) * uint64(rt)
			c.regs.Lo, c.regs.Hi = uint32(product), uint32(product>>32)
		case 0x1a:
			if rt != 0 {
				c.regs.Lo, c.regs.Hi = uint32(int32(rs)/int32(rt)), uint32(int32(rs)%int32(rt))
			}
		case 0x1b:
			if rt != 0 {
				c.regs.Lo, c.regs.Hi = rs/rt, rs%rt
			}
		case 0x20:
			sum := int32(rs) + int32(rt)
			if (int32(rs) >= 0) == (int32(rt) >= 0) && (sum >= 0) != (int32(rs) >= 0) {
				return raise(mips.ExcOverflow)
			}
			c.setGPR(f.RD, uint32(sum))
		case 0x21:
			c.setGPR(f.RD, rs+rt)
		case 0x22:
			diff := int32(rs) - int32(rt)
			if (int32(rs) >= 0) != (int32(rt) >= 0) && (diff >= 0) != (int32(rs) >= 0) {
				return raise(mips.ExcOverflow)
			}
			c.setGPR(f.RD, uint32(diff))
		case 0x23:
			c.setGPR(f.RD, rs-rt)
		case 0x24:
			c.setGPR(f.RD, rs&rt)
		case 0x25:
			c.setGPR(f.RD, rs|rt)
		case 0x26:
			c.setGPR(f.RD, rs^rt)
		case 0x27:
			c.setGPR(f.RD, ^(rs | rt))
		case 0x2a:
			c.setGPR(f.RD, boolWord(int32(rs) < int32(rt)))
		case 0x2b:
			c.setGPR(f.RD, boolWord(rs < rt))
		default:
			return raise(mips.ExcReserved)
		}

	case 0x01:
		link := f.RT&0x10 != 0
		likely := f.RT&0x02 != 0
		var cond bool
		switch f.RT &^ 0x12 {
		case 0x00:
			cond = int32(rs) < 0
		case 0x01:
			cond = int32(rs) >= 0
		default:
			return raise(mips.ExcReserved)
		}
		if link {
			c.setGPR(mips.RegRA, pc+mips.DelaySlotSkip)
		}
		c.branch(cond, likely, branchDest, pc, next)

	case 0x02:
		c.branch(true, false, mips.JumpTarget(pc, f.Index), pc, next)
	case 0x03:
		c.setGPR(mips.RegRA, pc+mips.DelaySlotSkip)
		c.branch(true, false, mips.JumpTarget(pc, f.Index), pc, next)
	case 0x04, 0x14:
		c.branch(rs == rt, f.Opcode == 0x14, branchDest, pc, next)
	case 0x05, 0x15:
		c.branch(rs != rt, f.Opcode == 0x15, branchDest, pc, next)
	case 0x06, 0x16:
		c.branch(int32(rs) <= 0, f.Opcode == 0x16, branchDest, pc, next)
	case 0x07, 0x17:
		c.branch(int32(rs) > 0, f.Opcode == 0x17, branchDest, pc, next)

	case 0x08:
		sum := int32(rs) + int32(imm)
		if (int32(rs) >= 0) == (int32(imm) >= 0) && (sum >= 0) != (int32(rs) >= 0) {
			return raise(mips.ExcOverflow)
		}
		c.setGPR(f.RT, uint32(sum))
	case 0x09:
		c.setGPR(f.RT, rs+imm)
	case 0x0a:
		c.setGPR(f.RT, boolWord(int32(rs) < int32(imm)))
	case 0x0b:
		c.setGPR(f.RT, boolWord(rs < imm))
	case 0x0c:
		c.setGPR(f.RT, rs&zimm)
	case 0x0d:
		c.setGPR(f.RT, rs|zimm)
	case 0x0e:
		c.setGPR(f.RT, rs^zimm)
	case 0x0f:
		c.setGPR(f.RT, zimm<<16)

	case 0x20, 0x21, 0x23, 0x24, 0x25:
		size := map[uint32]uint32{0x20: 1, 0x24: 1, 0x21: 2, 0x25: 2, 0x23: 4}[f.Opcode]
		value, exc := c.load(rs+imm, size)
		if exc != nil {
			return exc
		}
		switch f.Opcode {
		case 0x20:
			value = uint32(int8(value))
		case 0x21:
			value = uint32(int16(value))
		}
		c.setGPR(f.RT, value)

	case 0x28, 0x29, 0x2b:
		size := map[uint32]uint32{0x28: 1, 0x29: 2, 0x2b: 4}[f.Opcode]
		if exc := c.store(rs+imm, size, rt); exc != nil {
			return exc
		}

	case 0x2f: // cache

	default:
		return raise(mips.ExcReserved)
	}
	return nil
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
