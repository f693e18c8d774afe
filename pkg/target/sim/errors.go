package sim

import "errors"

var (
	ErrInvalidLayout = errors.New("invalid memory layout")
	ErrUnmapped      = errors.New("address not mapped")
	ErrAccessDenied  = errors.New("access denied")
	ErrRunning       = errors.New("process already running")
	ErrNotRunning    = errors.New("process not running")
	ErrWatchBusy     = errors.New("watch register in use")
)

var ErrNoWatchUnit = errors.New("target has no watch unit")
