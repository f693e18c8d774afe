package debugger

import "errors"

var (
	ErrMisaligned       = errors.New("misaligned address")
	ErrNotPatchable     = errors.New("address is not writable executable memory")
	ErrInvalidAddress   = errors.New("invalid or inaccessible address")
	ErrNoSlots          = errors.New("no free breakpoint slots")
	ErrWatchBusy        = errors.New("watch register already in use")
	ErrWatchUnsupported = errors.New("hardware watch unit not available")
	ErrWriteFailed      = errors.New("memory write failed")
	ErrInvalidRegister  = errors.New("invalid register")
	ErrNotStopped       = errors.New("target is not stopped")
	ErrAlreadyAttached  = errors.New("a debugger is already attached")
	ErrNotAttached      = errors.New("no debugger attached")
	ErrStillRunning     = errors.New("target still running")
	ErrNotOwner         = errors.New("no exception owned by the debugger")
	ErrNoProgress       = errors.New("instruction branches to itself")
)
