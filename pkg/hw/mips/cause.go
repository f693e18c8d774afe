package mips

import (
	"fmt"

	"github.com/Manu343726/gdbstub/pkg/utils"
)

// ExceptionCode is the ExcCode field of the cause register
type ExceptionCode uint32

const (
	ExcInterrupt      ExceptionCode = 0
	ExcTLBModified    ExceptionCode = 1
	ExcTLBLoad        ExceptionCode = 2
	ExcTLBStore       ExceptionCode = 3
	ExcAddressLoad    ExceptionCode = 4
	ExcAddressStore   ExceptionCode = 5
	ExcBusInstruction ExceptionCode = 6
	ExcBusData        ExceptionCode = 7
	ExcSyscall        ExceptionCode = 8
	ExcBreakpoint     ExceptionCode = 9
	ExcReserved       ExceptionCode = 10
	ExcCoprocessor    ExceptionCode = 11
	ExcOverflow       ExceptionCode = 12
	ExcTrap           ExceptionCode = 13
	ExcFloatingPoint  ExceptionCode = 15
	ExcWatch          ExceptionCode = 23
)

// String returns the conventional short name of the exception
func (c ExceptionCode) String() string {
	switch c {
	case ExcInterrupt:
		return "Int"
	case ExcTLBModified:
		return "Mod"
	case ExcTLBLoad:
		return "TLBL"
	case ExcTLBStore:
		return "TLBS"
	case ExcAddressLoad:
		return "AdEL"
	case ExcAddressStore:
		return "AdES"
	case ExcBusInstruction:
		return "IBE"
	case ExcBusData:
		return "DBE"
	case ExcSyscall:
		return "Sys"
	case ExcBreakpoint:
		return "Bp"
	case ExcReserved:
		return "RI"
	case ExcCoprocessor:
		return "CpU"
	case ExcOverflow:
		return "Ov"
	case ExcTrap:
		return "Tr"
	case ExcFloatingPoint:
		return "FPE"
	case ExcWatch:
		return "WATCH"
	default:
		return fmt.Sprintf("exc%d", uint32(c))
	}
}

// Cause builds a cause register value for the exception, optionally flagging a delay slot
func (c ExceptionCode) Cause(delaySlot bool) uint32 {
	var cause uint32
	view := utils.CreateBitView(&cause)
	view.Write(uint32(c), 2, 5)
	if delaySlot {
		view.SetBit(31)
	}
	return cause
}

// Signal numbers used in stop reports
type Signal uint8

const (
	SIGINT  Signal = 2
	SIGILL  Signal = 4
	SIGTRAP Signal = 5
	SIGFPE  Signal = 8
	SIGBUS  Signal = 10
	SIGSEGV Signal = 11
	SIGSYS  Signal = 12
)

// Signal maps an exception to the signal reported to the host debugger
func (c ExceptionCode) Signal() Signal {
	switch c {
	case ExcInterrupt:
		return SIGINT
	case ExcTLBModified, ExcTLBLoad, ExcTLBStore:
		return SIGSEGV
	case ExcAddressLoad, ExcAddressStore, ExcBusInstruction, ExcBusData:
		return SIGBUS
	case ExcSyscall:
		return SIGSYS
	case ExcReserved, ExcCoprocessor:
		return SIGILL
	case ExcOverflow, ExcFloatingPoint:
		return SIGFPE
	default:
		return SIGTRAP
	}
}
