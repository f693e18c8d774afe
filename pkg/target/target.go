// Package target declares what the debugger needs from the machine it runs on:
// permission-checked memory, cache maintenance, an interrupt gate, the optional
// hardware watch unit and control over the debugged process.
package target

import (
	"context"
	"fmt"
	"strings"

	"github.com/Manu343726/gdbstub/pkg/hw/mips"
)

// Perm is a set of access rights over a memory range
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec

	PermNone Perm = 0
)

// Has reports whether all rights in q are present in p
func (p Perm) Has(q Perm) bool {
	return p&q == q
}

func (p Perm) String() string {
	var sb strings.Builder
	for _, r := range []struct {
		perm Perm
		char byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExec, 'x'}} {
		if p.Has(r.perm) {
			sb.WriteByte(r.char)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// ParsePerm parses the "rwx" notation used in layout files
func ParsePerm(s string) (Perm, error) {
	var p Perm
	for _, c := range s {
		switch c {
		case 'r':
			p |= PermRead
		case 'w':
			p |= PermWrite
		case 'x':
			p |= PermExec
		case '-':
		default:
			return PermNone, fmt.Errorf("invalid permission character %q in %q", c, s)
		}
	}
	return p, nil
}

// ThreadID identifies a thread of the debugged process
type ThreadID uint32

// Thread describes a thread for the remote thread listing
type Thread struct {
	ID   ThreadID
	Name string
}

// Memory is the target address space
type Memory interface {
	// Permissions returns the rights granted over the whole range [addr, addr+length).
	// A range that is not fully mapped yields PermNone.
	Permissions(addr, length uint32) Perm
	ReadMemory(addr uint32, buf []byte) error
	WriteMemory(addr uint32, data []byte) error
}

// CacheController keeps the instruction stream coherent with memory
type CacheController interface {
	FlushRange(addr, length uint32)
	FlushAll()
}

// InterruptGate suspends preemption of the debugged process. The returned
// function restores the previous state.
type InterruptGate interface {
	DisableInterrupts() (restore func())
}

// WatchKind selects what a hardware watch triggers on
type WatchKind int

const (
	WatchInstruction WatchKind = iota
	WatchDataWrite
	WatchDataRead
	WatchDataAccess
)

func (k WatchKind) String() string {
	switch k {
	case WatchInstruction:
		return "instruction"
	case WatchDataWrite:
		return "write"
	case WatchDataRead:
		return "read"
	case WatchDataAccess:
		return "access"
	default:
		return fmt.Sprintf("WatchKind(%d)", int(k))
	}
}

// IsData returns true for the kinds served by the data watch register
func (k WatchKind) IsData() bool {
	return k != WatchInstruction
}

// WatchUnit is the hardware breakpoint and watchpoint facility. It has one
// instruction watch register and one data watch register.
type WatchUnit interface {
	Supported() bool
	SetInstructionWatch(addr uint32) error
	ClearInstructionWatch() error
	SetDataWatch(addr, length uint32, kind WatchKind) error
	ClearDataWatch() error
}

// WatchHit describes the watch that raised an exception
type WatchHit struct {
	Kind    WatchKind
	Address uint32
}

// Sections are the relocation offsets of the loaded image
type Sections struct {
	Text uint32
	Data uint32
	Bss  uint32
}

// Process controls the debugged program
type Process interface {
	// EntryContext returns the register state the process starts with
	EntryContext() *mips.Registers
	// Launch starts the process with the given registers
	Launch(regs *mips.Registers) error
	// Interrupt asks the running process to raise an interrupt exception
	Interrupt() error
	Terminate() error
	// Contains reports whether the address belongs to the debugged program
	Contains(addr uint32) bool
	Threads() []Thread
	Sections() Sections
}

// Target is everything the debugger core drives
type Target interface {
	Memory
	CacheController
	InterruptGate
	Process
	Watch() WatchUnit
}

// Fault is the context of an exception raised by the debugged process
type Fault struct {
	Thread ThreadID
	Regs   *mips.Registers
	Watch  *WatchHit
}

// Handler receives exceptions and exit notifications from the target.
//
// HandleException blocks the faulting thread until the debugger resumes it and
// returns the registers to resume with. When handled is false the exception is
// left to the default system handler.
type Handler interface {
	HandleException(ctx context.Context, fault Fault) (regs *mips.Registers, handled bool)
	ProcessExited(code int)
}
