package mips

// Instruction encoders for the subset used by the simulated target and by tests.

func iType(opcode uint32, rs, rt int, imm int16) uint32 {
	return opcode<<26 | uint32(rs&0x1f)<<21 | uint32(rt&0x1f)<<16 | uint32(uint16(imm))
}

func rType(rs, rt, rd int, shamt uint32, funct uint32) uint32 {
	return uint32(rs&0x1f)<<21 | uint32(rt&0x1f)<<16 | uint32(rd&0x1f)<<11 | (shamt&0x1f)<<6 | funct&0x3f
}

// Nop encodes sll zero, zero, 0
func Nop() uint32 { return 0 }

// Break encodes the trap instruction with a 20 bit code
func Break(code uint32) uint32 { return (code&0xfffff)<<6 | 0x0d }

// Syscall encodes a system call with a 20 bit code
func Syscall(code uint32) uint32 { return (code&0xfffff)<<6 | 0x0c }

func Addu(rd, rs, rt int) uint32 { return rType(rs, rt, rd, 0, 0x21) }
func Subu(rd, rs, rt int) uint32 { return rType(rs, rt, rd, 0, 0x23) }
func Or(rd, rs, rt int) uint32   { return rType(rs, rt, rd, 0, 0x25) }
func Slt(rd, rs, rt int) uint32  { return rType(rs, rt, rd, 0, 0x2a) }
func Jr(rs int) uint32           { return rType(rs, 0, 0, 0, 0x08) }
func Jalr(rd, rs int) uint32     { return rType(rs, 0, rd, 0, 0x09) }

func Addiu(rt, rs int, imm int16) uint32 { return iType(0x09, rs, rt, imm) }
func Ori(rt, rs int, imm uint16) uint32  { return iType(0x0d, rs, rt, int16(imm)) }
func Lui(rt int, imm uint16) uint32      { return iType(0x0f, 0, rt, int16(imm)) }
func Lw(rt, base int, off int16) uint32  { return iType(0x23, base, rt, off) }
func Sw(rt, base int, off int16) uint32  { return iType(0x2b, base, rt, off) }

// Branch encoders take the offset in instructions relative to the delay slot
func Beq(rs, rt int, off int16) uint32  { return iType(opBEQ, rs, rt, off) }
func Bne(rs, rt int, off int16) uint32  { return iType(opBNE, rs, rt, off) }
func Beql(rs, rt int, off int16) uint32 { return iType(opBEQL, rs, rt, off) }
func Bgez(rs int, off int16) uint32     { return iType(opRegImm, rs, riBGEZ, off) }
func Bltz(rs int, off int16) uint32     { return iType(opRegImm, rs, riBLTZ, off) }
func Bgezal(rs int, off int16) uint32   { return iType(opRegImm, rs, riBGEZAL, off) }

// Region jumps take the absolute destination address
func J(target uint32) uint32   { return opJ<<26 | (target>>2)&0x03ffffff }
func Jal(target uint32) uint32 { return opJAL<<26 | (target>>2)&0x03ffffff }
