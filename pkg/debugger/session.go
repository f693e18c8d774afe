package debugger

import (
	"time"

	"github.com/Manu343726/gdbstub/pkg/hw/mips"
	"github.com/Manu343726/gdbstub/pkg/target"
	"github.com/Manu343726/gdbstub/pkg/transport"
	"github.com/google/uuid"
)

// Session is the attachment of a host debugger to the debugged process
type Session struct {
	// ID changes on every attach and tags log records of the session
	ID         uuid.UUID
	Transport  transport.Transport
	Attached   bool
	AttachedAt time.Time
	// Started is false until the first resume launches the process
	Started bool
}

// StopKind tells how the target stopped
type StopKind int

const (
	// StopSignal is a stop caused by an exception, reported with a signal
	StopSignal StopKind = iota
	// StopExited means the process terminated
	StopExited
)

// String returns the string representation of a StopKind
func (k StopKind) String() string {
	switch k {
	case StopSignal:
		return "signal"
	case StopExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Stop describes why the target stopped
type Stop struct {
	Kind   StopKind
	Thread target.ThreadID
	// Regs is the faulting context, owned by the debugger while stopped
	Regs   *mips.Registers
	Signal mips.Signal
	// Watch is set when a hardware watch triggered
	Watch *target.WatchHit
	// Breakpoint is the persistent breakpoint that was hit, if any
	Breakpoint *Breakpoint
	// ExitCode is set for StopExited
	ExitCode int
}
