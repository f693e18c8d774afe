// Package transport provides the byte channels the debug stub talks over: a
// network connection or a serial line.
package transport

import (
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by RecvByte when no byte arrived in time
	ErrTimeout = errors.New("receive timed out")
	ErrClosed  = errors.New("transport closed")
)

// Transport is a bidirectional byte channel to the host debugger
type Transport interface {
	// Send writes all of p
	Send(p []byte) error
	// RecvByte waits for one byte. A zero timeout waits forever.
	RecvByte(timeout time.Duration) (byte, error)
	Close() error
	// String describes the remote end
	String() string
}
