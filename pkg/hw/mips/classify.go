package mips

import (
	"fmt"

	"github.com/Manu343726/gdbstub/pkg/utils"
)

// BranchKind classifies how an instruction transfers control
type BranchKind int

const (
	// Sequential instructions continue at pc+4
	Sequential BranchKind = iota
	// Unconditional jumps and branches always transfer to Target after the delay slot
	Unconditional
	// Conditional branches transfer to Target or continue at Fallthrough
	Conditional
	// Link instructions are calls: they write a return address before transferring
	Link
)

// String returns the string representation of a BranchKind
func (k BranchKind) String() string {
	switch k {
	case Sequential:
		return "sequential"
	case Unconditional:
		return "unconditional"
	case Conditional:
		return "conditional"
	case Link:
		return "link"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// InstructionSize is the size in bytes of every instruction
const InstructionSize = 4

// DelaySlotSkip is the distance from a branch to the first instruction after its delay slot
const DelaySlotSkip = 2 * InstructionSize

// Branch is the classification of one instruction at a given pc
type Branch struct {
	Kind BranchKind
	// Target is the address control transfers to once the delay slot executed
	Target uint32
	// Fallthrough is the address reached when a conditional transfer is not taken (pc+8)
	Fallthrough uint32
	// Conditional is set on Link instructions that only call when a condition holds
	Conditional bool
	// LinkRegister receives the return address of Link instructions
	LinkRegister int
	// Mnemonic names the decoded control transfer, empty for sequential instructions
	Mnemonic string
	// Recognized is false when the opcode is unknown and the sequential fallback was applied
	Recognized bool
}

// Returns the addresses execution may reach next, in the order target, fallthrough
func (b Branch) Successors() []uint32 {
	switch b.Kind {
	case Conditional:
		return []uint32{b.Target, b.Fallthrough}
	case Link:
		if b.Conditional {
			return []uint32{b.Target, b.Fallthrough}
		}
		return []uint32{b.Target}
	case Unconditional:
		return []uint32{b.Target}
	default:
		return []uint32{b.Fallthrough}
	}
}

// String formats the classification for display
func (b Branch) String() string {
	switch b.Kind {
	case Sequential:
		if !b.Recognized {
			return fmt.Sprintf("sequential (unrecognized) next=0x%08x", b.Fallthrough)
		}
		return fmt.Sprintf("sequential next=0x%08x", b.Fallthrough)
	case Conditional:
		return fmt.Sprintf("%s conditional target=0x%08x fallthrough=0x%08x", b.Mnemonic, b.Target, b.Fallthrough)
	case Link:
		if b.Conditional {
			return fmt.Sprintf("%s link target=0x%08x fallthrough=0x%08x ($%s)", b.Mnemonic, b.Target, b.Fallthrough, RegisterName(b.LinkRegister))
		}
		return fmt.Sprintf("%s link target=0x%08x ($%s)", b.Mnemonic, b.Target, RegisterName(b.LinkRegister))
	default:
		return fmt.Sprintf("%s unconditional target=0x%08x", b.Mnemonic, b.Target)
	}
}

// Primary opcodes
const (
	opSpecial = 0x00
	opRegImm  = 0x01
	opJ       = 0x02
	opJAL     = 0x03
	opBEQ     = 0x04
	opBNE     = 0x05
	opBLEZ    = 0x06
	opBGTZ    = 0x07
	opCOP0    = 0x10
	opCOP1    = 0x11
	opCOP2    = 0x12
	opBEQL    = 0x14
	opBNEL    = 0x15
	opBLEZL   = 0x16
	opBGTZL   = 0x17
)

// SPECIAL function codes
const (
	fnJR   = 0x08
	fnJALR = 0x09
)

// REGIMM rt codes
const (
	riBLTZ    = 0x00
	riBGEZ    = 0x01
	riBLTZL   = 0x02
	riBGEZL   = 0x03
	riBLTZAL  = 0x10
	riBGEZAL  = 0x11
	riBLTZALL = 0x12
	riBGEZALL = 0x13
)

// rs value selecting the coprocessor branch group
const copBranch = 0x08

// Fields is a decoded view over the fixed fields of an instruction word
type Fields struct {
	Opcode uint32
	RS     int
	RT     int
	RD     int
	Funct  uint32
	Imm    int32
	Index  uint32
}

// Decode splits an instruction word into its fields
func Decode(word uint32) Fields {
	view := utils.ViewOf(word)
	return Fields{
		Opcode: view.Read(26, 6),
		RS:     int(view.Read(21, 5)),
		RT:     int(view.Read(16, 5)),
		RD:     int(view.Read(11, 5)),
		Funct:  view.Read(0, 6),
		Imm:    view.ReadSigned(0, 16),
		Index:  view.Read(0, 26),
	}
}

// BranchTarget computes the destination of a PC-relative branch at pc
func BranchTarget(pc uint32, imm int32) uint32 {
	return pc + InstructionSize + uint32(imm<<2)
}

// JumpTarget computes the destination of a region jump at pc
func JumpTarget(pc uint32, index uint32) uint32 {
	return ((pc + InstructionSize) & 0xf0000000) | (index << 2)
}

// Classify decodes the control transfer of the instruction word found at pc.
// regs supplies the operands of register-indirect jumps and may be nil, in which
// case those jumps target address zero.
//
// Reserved and unknown opcodes are classified as Sequential with Recognized unset.
func Classify(word uint32, pc uint32, regs *Registers) Branch {
	f := Decode(word)
	afterSlot := pc + DelaySlotSkip
	sequential := Branch{Kind: Sequential, Fallthrough: pc + InstructionSize, Recognized: true}

	gpr := func(n int) uint32 {
		if regs == nil {
			return 0
		}
		return regs.GPR[n]
	}
	conditional := func(mnemonic string) Branch {
		return Branch{
			Kind:        Conditional,
			Target:      BranchTarget(pc, f.Imm),
			Fallthrough: afterSlot,
			Mnemonic:    mnemonic,
			Recognized:  true,
		}
	}
	conditionalLink := func(mnemonic string) Branch {
		return Branch{
			Kind:         Link,
			Target:       BranchTarget(pc, f.Imm),
			Fallthrough:  afterSlot,
			Conditional:  true,
			LinkRegister: RegRA,
			Mnemonic:     mnemonic,
			Recognized:   true,
		}
	}

	switch f.Opcode {
	case opSpecial:
		switch f.Funct {
		case fnJR:
			return Branch{Kind: Unconditional, Target: gpr(f.RS), Fallthrough: afterSlot, Mnemonic: "jr", Recognized: true}
		case fnJALR:
			return Branch{Kind: Link, Target: gpr(f.RS), Fallthrough: afterSlot, LinkRegister: f.RD, Mnemonic: "jalr", Recognized: true}
		}
		return sequential

	case opRegImm:
		switch f.RT {
		case riBLTZ:
			return conditional("bltz")
		case riBGEZ:
			if f.RS == RegZero {
				return Branch{Kind: Unconditional, Target: BranchTarget(pc, f.Imm), Fallthrough: afterSlot, Mnemonic: "b", Recognized: true}
			}
			return conditional("bgez")
		case riBLTZL:
			return conditional("bltzl")
		case riBGEZL:
			return conditional("bgezl")
		case riBLTZAL:
			return conditionalLink("bltzal")
		case riBGEZAL:
			if f.RS == RegZero {
				return Branch{Kind: Link, Target: BranchTarget(pc, f.Imm), Fallthrough: afterSlot, LinkRegister: RegRA, Mnemonic: "bal", Recognized: true}
			}
			return conditionalLink("bgezal")
		case riBLTZALL:
			return conditionalLink("bltzall")
		case riBGEZALL:
			return conditionalLink("bgezall")
		}
		return Branch{Kind: Sequential, Fallthrough: pc + InstructionSize}

	case opJ:
		return Branch{Kind: Unconditional, Target: JumpTarget(pc, f.Index), Fallthrough: afterSlot, Mnemonic: "j", Recognized: true}

	case opJAL:
		return Branch{Kind: Link, Target: JumpTarget(pc, f.Index), Fallthrough: afterSlot, LinkRegister: RegRA, Mnemonic: "jal", Recognized: true}

	case opBEQ:
		if f.RS == f.RT {
			return Branch{Kind: Unconditional, Target: BranchTarget(pc, f.Imm), Fallthrough: afterSlot, Mnemonic: "b", Recognized: true}
		}
		return conditional("beq")
	case opBNE:
		return conditional("bne")
	case opBLEZ:
		return conditional("blez")
	case opBGTZ:
		return conditional("bgtz")
	case opBEQL:
		return conditional("beql")
	case opBNEL:
		return conditional("bnel")
	case opBLEZL:
		return conditional("blezl")
	case opBGTZL:
		return conditional("bgtzl")

	case opCOP0, opCOP1, opCOP2:
		if f.RS != copBranch {
			return sequential
		}
		unit := f.Opcode - opCOP0
		condition := "f"
		if f.RT&1 != 0 {
			condition = "t"
		}
		likely := ""
		if f.RT&2 != 0 {
			likely = "l"
		}
		return conditional(fmt.Sprintf("bc%d%s%s", unit, condition, likely))
	}

	if isKnownSequential(f.Opcode) {
		return sequential
	}
	return Branch{Kind: Sequential, Fallthrough: pc + InstructionSize}
}

// fsrCondition is the FPU condition bit tested by bc1f and bc1t
const fsrCondition = 23

// Taken evaluates whether the control transfer of word transfers to its target
// with the given registers. ok is false when the condition cannot be evaluated
// here, such as for sequential instructions or cop0 and cop2 branches.
func Taken(word uint32, regs *Registers) (taken bool, ok bool) {
	f := Decode(word)
	rs := int32(regs.GPR[f.RS])
	rt := int32(regs.GPR[f.RT])

	switch f.Opcode {
	case opSpecial:
		if f.Funct == fnJR || f.Funct == fnJALR {
			return true, true
		}
	case opJ, opJAL:
		return true, true
	case opBEQ, opBEQL:
		return rs == rt, true
	case opBNE, opBNEL:
		return rs != rt, true
	case opBLEZ, opBLEZL:
		return rs <= 0, true
	case opBGTZ, opBGTZL:
		return rs > 0, true
	case opRegImm:
		switch f.RT {
		case riBLTZ, riBLTZL, riBLTZAL, riBLTZALL:
			return rs < 0, true
		case riBGEZ, riBGEZL, riBGEZAL, riBGEZALL:
			return rs >= 0, true
		}
	case opCOP1:
		if f.RS == copBranch {
			return utils.ViewOf(regs.FSR).IsSet(fsrCondition) == (f.RT&1 != 0), true
		}
	}
	return false, false
}

// isKnownSequential lists the primary opcodes of the target ISA that never transfer control
func isKnownSequential(opcode uint32) bool {
	switch {
	case opcode >= 0x08 && opcode <= 0x0f: // immediate arithmetic, lui
		return true
	case opcode >= 0x1c && opcode <= 0x1f: // special2, special3 (ext/ins/seb/seh)
		return true
	case opcode >= 0x20 && opcode <= 0x2e: // loads and stores
		return true
	case opcode == 0x2f, opcode == 0x30, opcode == 0x31, opcode == 0x32, opcode == 0x34, opcode == 0x35, opcode == 0x36:
		return true // cache, ll, lwc1, lv.s, lv.q, ...
	case opcode >= 0x38 && opcode <= 0x3f: // sc, swc1, sv.s, vfpu, ...
		return true
	case opcode >= 0x18 && opcode <= 0x1b: // vfpu arithmetic groups
		return true
	case opcode == 0x13:
		return true
	}
	return false
}
