package transport

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pkg/term"
)

// DefaultBaudRate is the line speed used when none is configured
const DefaultBaudRate = 115200

// blockingSlice is the read timeout used to emulate a blocking read, the
// terminal driver cannot wait longer than 25.5 seconds per read
const blockingSlice = 10 * time.Second

// SerialTransport carries the protocol over a serial line in raw mode
type SerialTransport struct {
	device string
	term   *term.Term
}

var _ Transport = (*SerialTransport)(nil)

// OpenSerial opens a serial device in raw mode at the given speed
func OpenSerial(device string, baud int) (*SerialTransport, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	t, err := term.Open(device, term.Speed(baud), term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("opening serial device %s: %w", device, err)
	}
	return &SerialTransport{device: device, term: t}, nil
}

func (s *SerialTransport) Send(p []byte) error {
	for len(p) > 0 {
		n, err := s.term.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (s *SerialTransport) RecvByte(timeout time.Duration) (byte, error) {
	slice := timeout
	if timeout <= 0 {
		slice = blockingSlice
	}
	if err := s.term.SetReadTimeout(slice); err != nil {
		return 0, err
	}

	var buf [1]byte
	for {
		n, err := s.term.Read(buf[:])
		if n == 1 {
			return buf[0], nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		// nothing arrived within the slice
		if timeout > 0 {
			return 0, ErrTimeout
		}
	}
}

func (s *SerialTransport) Close() error {
	_ = s.term.Restore()
	return s.term.Close()
}

func (s *SerialTransport) String() string {
	return s.device
}
