package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// ConnTransport carries the protocol over a stream connection
type ConnTransport struct {
	conn   net.Conn
	reader *bufio.Reader

	closeOnce sync.Once
}

var _ Transport = (*ConnTransport)(nil)

// NewConnTransport wraps an established connection
func NewConnTransport(conn net.Conn) *ConnTransport {
	return &ConnTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

func (t *ConnTransport) Send(p []byte) error {
	if err := t.conn.SetWriteDeadline(time.Time{}); err != nil {
		return translate(err)
	}
	_, err := t.conn.Write(p)
	return translate(err)
}

func (t *ConnTransport) RecvByte(timeout time.Duration) (byte, error) {
	if t.reader.Buffered() == 0 {
		deadline := time.Time{}
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return 0, translate(err)
		}
	}
	b, err := t.reader.ReadByte()
	if err != nil {
		return 0, translate(err)
	}
	return b, nil
}

func (t *ConnTransport) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.conn.Close() })
	return err
}

func (t *ConnTransport) String() string {
	return t.conn.RemoteAddr().String()
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return errors.Join(ErrClosed, err)
	default:
		return err
	}
}
