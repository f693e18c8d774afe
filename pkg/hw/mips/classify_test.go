package mips

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	const pc = uint32(0x08804000)

	regs := &Registers{}
	regs.GPR[RegRA] = 0x08805000
	regs.GPR[9] = 0x08806000 // t1

	tests := []struct {
		name     string
		word     uint32
		expected Branch
	}{
		{
			name:     "addiu is sequential",
			word:     0x27bdfff0, // addiu sp, sp, -16
			expected: Branch{Kind: Sequential, Fallthrough: pc + 4, Recognized: true},
		},
		{
			name:     "nop is sequential",
			word:     0x00000000,
			expected: Branch{Kind: Sequential, Fallthrough: pc + 4, Recognized: true},
		},
		{
			name:     "break is sequential",
			word:     0x0000000d,
			expected: Branch{Kind: Sequential, Fallthrough: pc + 4, Recognized: true},
		},
		{
			name:     "j region jump",
			word:     0x08000000 | (0x08810000>>2)&0x03ffffff,
			expected: Branch{Kind: Unconditional, Target: 0x08810000, Fallthrough: pc + 8, Mnemonic: "j", Recognized: true},
		},
		{
			name:     "jal call",
			word:     0x0c000000 | (0x08810040>>2)&0x03ffffff,
			expected: Branch{Kind: Link, Target: 0x08810040, Fallthrough: pc + 8, LinkRegister: RegRA, Mnemonic: "jal", Recognized: true},
		},
		{
			name:     "jr ra returns",
			word:     0x03e00008,
			expected: Branch{Kind: Unconditional, Target: 0x08805000, Fallthrough: pc + 8, Mnemonic: "jr", Recognized: true},
		},
		{
			name:     "jalr t1 calls through register",
			word:     0x0120f809, // jalr ra, t1
			expected: Branch{Kind: Link, Target: 0x08806000, Fallthrough: pc + 8, LinkRegister: RegRA, Mnemonic: "jalr", Recognized: true},
		},
		{
			name:     "beq forward",
			word:     0x11090007, // beq t0, t1, +7
			expected: Branch{Kind: Conditional, Target: pc + 0x20, Fallthrough: pc + 8, Mnemonic: "beq", Recognized: true},
		},
		{
			name:     "bne backward",
			word:     0x1509fffe, // bne t0, t1, -2
			expected: Branch{Kind: Conditional, Target: pc - 4, Fallthrough: pc + 8, Mnemonic: "bne", Recognized: true},
		},
		{
			name:     "beq zero zero is an unconditional b",
			word:     0x10000004,
			expected: Branch{Kind: Unconditional, Target: pc + 0x14, Fallthrough: pc + 8, Mnemonic: "b", Recognized: true},
		},
		{
			name:     "bnel likely",
			word:     0x55090003,
			expected: Branch{Kind: Conditional, Target: pc + 0x10, Fallthrough: pc + 8, Mnemonic: "bnel", Recognized: true},
		},
		{
			name:     "bgezal conditional call",
			word:     0x05110002, // bgezal t0, +2
			expected: Branch{Kind: Link, Target: pc + 0x0c, Fallthrough: pc + 8, Conditional: true, LinkRegister: RegRA, Mnemonic: "bgezal", Recognized: true},
		},
		{
			name:     "bal",
			word:     0x04110002,
			expected: Branch{Kind: Link, Target: pc + 0x0c, Fallthrough: pc + 8, LinkRegister: RegRA, Mnemonic: "bal", Recognized: true},
		},
		{
			name:     "bltz",
			word:     0x05000010,
			expected: Branch{Kind: Conditional, Target: pc + 0x44, Fallthrough: pc + 8, Mnemonic: "bltz", Recognized: true},
		},
		{
			name:     "bc1t",
			word:     0x45010005,
			expected: Branch{Kind: Conditional, Target: pc + 0x18, Fallthrough: pc + 8, Mnemonic: "bc1t", Recognized: true},
		},
		{
			name:     "bc2fl",
			word:     0x49020001,
			expected: Branch{Kind: Conditional, Target: pc + 0x08, Fallthrough: pc + 8, Mnemonic: "bc2fl", Recognized: true},
		},
		{
			name:     "mtc1 is not a branch",
			word:     0x44882000,
			expected: Branch{Kind: Sequential, Fallthrough: pc + 4, Recognized: true},
		},
		{
			name:     "lw is sequential",
			word:     0x8fbf0010, // lw ra, 16(sp)
			expected: Branch{Kind: Sequential, Fallthrough: pc + 4, Recognized: true},
		},
		{
			name:     "unassigned opcode is unrecognized",
			word:     0xcc000000, // opcode 0x33
			expected: Branch{Kind: Sequential, Fallthrough: pc + 4},
		},
		{
			name:     "unassigned regimm is unrecognized",
			word:     0x041f0000,
			expected: Branch{Kind: Sequential, Fallthrough: pc + 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.word, pc, regs))
		})
	}
}

func TestClassify_NilRegisters(t *testing.T) {
	branch := Classify(0x03e00008, 0x1000, nil)
	assert.Equal(t, Unconditional, branch.Kind)
	assert.Equal(t, uint32(0), branch.Target)
}

func TestBranch_Successors(t *testing.T) {
	const pc = uint32(0x100)

	assert.Equal(t, []uint32{pc + 4}, Classify(0x00000000, pc, nil).Successors())
	assert.Equal(t, []uint32{pc + 0x20, pc + 8}, Classify(0x11090007, pc, nil).Successors())
	assert.Equal(t, []uint32{pc + 0x0c, pc + 8}, Classify(0x05110002, pc, nil).Successors())
	assert.Equal(t, []uint32{pc + 0x0c}, Classify(0x04110002, pc, nil).Successors())
}

func TestJumpTarget_KeepsRegion(t *testing.T) {
	// the region comes from the delay slot address, not from the jump itself
	assert.Equal(t, uint32(0x90000010), JumpTarget(0x8ffffffc, 0x4))
}

func TestTaken(t *testing.T) {
	regs := &Registers{}
	regs.GPR[8] = 3          // t0
	regs.GPR[9] = 0xfffffffe // t1, negative
	regs.FSR = 1 << fsrCondition

	tests := []struct {
		name  string
		word  uint32
		taken bool
		ok    bool
	}{
		{"bne taken", Bne(8, 0, -1), true, true},
		{"bne not taken", Bne(0, 0, -1), false, true},
		{"beq", Beq(8, 9, 4), false, true},
		{"beql", Beql(8, 8, 4), true, true},
		{"bltz negative", Bltz(9, 4), true, true},
		{"bgez negative", Bgez(9, 4), false, true},
		{"bgezal", Bgezal(8, 4), true, true},
		{"blez", iType(opBLEZ, 8, 0, 4), false, true},
		{"bgtzl", iType(opBGTZL, 8, 0, 4), true, true},
		{"bc1t", 0x45010004, true, true},
		{"bc1f", 0x45000004, false, true},
		{"j", J(0x08800000), true, true},
		{"jr", Jr(RegRA), true, true},
		{"bc0f", 0x41000004, false, false},
		{"addiu", Addiu(8, 8, 1), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			taken, ok := Taken(tt.word, regs)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.taken, taken)
		})
	}
}
