package gdb

import (
	"errors"
	"fmt"

	"github.com/Manu343726/gdbstub/pkg/debugger"
)

// Error numbers sent in E replies
const (
	ErrnoMalformed = 0x01
	ErrnoWrite     = 0x02
	ErrnoAddress   = 0x03
)

// ErrorNumber attaches the reply error number to an error
type ErrorNumber struct {
	error
	Number int
}

func (e *ErrorNumber) Unwrap() error {
	return e.error
}

func malformed(format string, args ...any) error {
	return &ErrorNumber{fmt.Errorf(format, args...), ErrnoMalformed}
}

// errorNumber maps a command failure to the number of its E reply
func errorNumber(err error) int {
	var errNo *ErrorNumber
	switch {
	case errors.As(err, &errNo):
		return errNo.Number
	case errors.Is(err, debugger.ErrWriteFailed):
		return ErrnoWrite
	case errors.Is(err, debugger.ErrInvalidAddress),
		errors.Is(err, debugger.ErrMisaligned),
		errors.Is(err, debugger.ErrNotPatchable),
		errors.Is(err, debugger.ErrNoSlots),
		errors.Is(err, debugger.ErrWatchBusy),
		errors.Is(err, debugger.ErrNoProgress):
		return ErrnoAddress
	default:
		return ErrnoMalformed
	}
}

func errorReply(err error) string {
	return fmt.Sprintf("E%02x", errorNumber(err))
}
