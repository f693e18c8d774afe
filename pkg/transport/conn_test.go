package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipe(t *testing.T) (*ConnTransport, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	tr := NewConnTransport(local)
	t.Cleanup(func() {
		_ = tr.Close()
		_ = remote.Close()
	})
	return tr, remote
}

func TestConnTransport_RecvByte(t *testing.T) {
	tr, remote := newPipe(t)

	go func() { _, _ = remote.Write([]byte("$g")) }()

	b, err := tr.RecvByte(0)
	require.NoError(t, err)
	assert.Equal(t, byte('$'), b)

	b, err = tr.RecvByte(time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte('g'), b)
}

func TestConnTransport_RecvByteTimeout(t *testing.T) {
	tr, remote := newPipe(t)

	_, err := tr.RecvByte(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	// the transport stays usable after a timeout
	go func() { _, _ = remote.Write([]byte{0x03}) }()
	b, err := tr.RecvByte(time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(0x03), b)
}

func TestConnTransport_Send(t *testing.T) {
	tr, remote := newPipe(t)

	go func() { _ = tr.Send([]byte("+$OK#9a")) }()

	buf := make([]byte, 7)
	_, err := remote.Read(buf[:1])
	require.NoError(t, err)
	n, err := remote.Read(buf[1:])
	require.NoError(t, err)
	assert.Equal(t, "+$OK#9a", string(buf[:1+n]))
}

func TestConnTransport_RemoteClose(t *testing.T) {
	tr, remote := newPipe(t)
	require.NoError(t, remote.Close())

	_, err := tr.RecvByte(time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}
