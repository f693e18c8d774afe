// Package mips describes the target CPU: the register snapshot exchanged with the
// debugger, exception causes and the branch classification used to emulate
// single-stepping on a core with branch delay slots.
package mips

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Manu343726/gdbstub/pkg/utils"
)

var (
	ErrUnknownRegister = errors.New("unknown register")
	ErrShortSnapshot   = errors.New("register snapshot too short")
)

// Register counts of each block of the snapshot
const (
	NumGPR       = 32
	NumFPR       = 32
	NumExtension = 16
	// NumRegisters is the number of 32 bit registers in the remote register dump
	NumRegisters = NumGPR + 6 + NumFPR + 2 + 2 + NumExtension
	// SnapshotSize is the size in bytes of a marshalled snapshot
	SnapshotSize = NumRegisters * 4
)

// Register numbers as seen by the remote protocol
const (
	RegZero     = 0
	RegAT       = 1
	RegV0       = 2
	RegV1       = 3
	RegA0       = 4
	RegSP       = 29
	RegFP       = 30
	RegRA       = 31
	RegStatus   = 32
	RegLo       = 33
	RegHi       = 34
	RegBadVAddr = 35
	RegCause    = 36
	RegPC       = 37
	RegF0       = 38
	RegFSR      = RegF0 + NumFPR
	RegFIR      = RegFSR + 1
	RegFrame    = RegFIR + 1
	RegExt0     = RegFrame + 2
)

var gprNames = [NumGPR]string{
	"zr", "at", "v0", "v1", "a0", "a1", "a2", "a3",
	"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7",
	"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7",
	"t8", "t9", "k0", "k1", "gp", "sp", "fp", "ra",
}

// RegisterName returns the conventional name of a register number
func RegisterName(n int) string {
	switch {
	case n >= 0 && n < NumGPR:
		return gprNames[n]
	case n == RegStatus:
		return "sr"
	case n == RegLo:
		return "lo"
	case n == RegHi:
		return "hi"
	case n == RegBadVAddr:
		return "badvaddr"
	case n == RegCause:
		return "cause"
	case n == RegPC:
		return "pc"
	case n >= RegF0 && n < RegFSR:
		return fmt.Sprintf("f%d", n-RegF0)
	case n == RegFSR:
		return "fsr"
	case n == RegFIR:
		return "fir"
	case n == RegFrame:
		return "frame"
	case n == RegFrame+1:
		return "frame1"
	case n >= RegExt0 && n < NumRegisters:
		return fmt.Sprintf("ext%d", n-RegExt0)
	default:
		return fmt.Sprintf("r%d", n)
	}
}

// Registers is the snapshot of a suspended execution context.
// Field order is the order of the remote register dump.
type Registers struct {
	GPR [NumGPR]uint32

	Status   uint32
	Lo       uint32
	Hi       uint32
	BadVAddr uint32
	Cause    uint32
	PC       uint32

	FPR [NumFPR]uint32
	FSR uint32
	FIR uint32

	// Frame holds the frame pointer pair reported after the FPU block
	Frame [2]uint32

	Extension [NumExtension]uint32
}

// slot returns a pointer to register n within the snapshot
func (r *Registers) slot(n int) (*uint32, error) {
	switch {
	case n >= 0 && n < NumGPR:
		return &r.GPR[n], nil
	case n == RegStatus:
		return &r.Status, nil
	case n == RegLo:
		return &r.Lo, nil
	case n == RegHi:
		return &r.Hi, nil
	case n == RegBadVAddr:
		return &r.BadVAddr, nil
	case n == RegCause:
		return &r.Cause, nil
	case n == RegPC:
		return &r.PC, nil
	case n >= RegF0 && n < RegFSR:
		return &r.FPR[n-RegF0], nil
	case n == RegFSR:
		return &r.FSR, nil
	case n == RegFIR:
		return &r.FIR, nil
	case n == RegFrame, n == RegFrame+1:
		return &r.Frame[n-RegFrame], nil
	case n >= RegExt0 && n < NumRegisters:
		return &r.Extension[n-RegExt0], nil
	}

	return nil, utils.MakeError(ErrUnknownRegister, "%d", n)
}

// Get reads register n
func (r *Registers) Get(n int) (uint32, error) {
	ptr, err := r.slot(n)
	if err != nil {
		return 0, err
	}
	return *ptr, nil
}

// Set writes register n. Writes to the hardwired zero register are discarded.
func (r *Registers) Set(n int, value uint32) error {
	ptr, err := r.slot(n)
	if err != nil {
		return err
	}
	if n != RegZero {
		*ptr = value
	}
	return nil
}

// Clone returns an independent copy of the snapshot
func (r *Registers) Clone() *Registers {
	clone := *r
	return &clone
}

// ExceptionCode extracts the exception code from the cause register
func (r *Registers) ExceptionCode() ExceptionCode {
	return ExceptionCode(utils.ViewOf(r.Cause).Read(2, 5))
}

// InDelaySlot reports whether the exception was raised by the delay slot of the branch at PC
func (r *Registers) InDelaySlot() bool {
	return utils.ViewOf(r.Cause).IsSet(31)
}

// MarshalBinary encodes the snapshot in remote dump order, little-endian
func (r *Registers) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SnapshotSize)
	for n := 0; n < NumRegisters; n++ {
		value, _ := r.Get(n)
		binary.LittleEndian.PutUint32(buf[n*4:], value)
	}
	return buf, nil
}

// UnmarshalBinary decodes a full register dump
func (r *Registers) UnmarshalBinary(data []byte) error {
	if len(data) < SnapshotSize {
		return utils.MakeError(ErrShortSnapshot, "got %d bytes, want %d", len(data), SnapshotSize)
	}

	for n := 0; n < NumRegisters; n++ {
		ptr, _ := r.slot(n)
		*ptr = binary.LittleEndian.Uint32(data[n*4:])
	}
	r.GPR[RegZero] = 0
	return nil
}
