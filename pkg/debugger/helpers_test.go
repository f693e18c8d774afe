package debugger

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/Manu343726/gdbstub/pkg/target/sim"
	"github.com/stretchr/testify/require"
)

const (
	base = 0x08800000
	t0   = 8
	t1   = 9
)

type nullTransport struct{}

func (nullTransport) Send([]byte) error { return nil }
func (nullTransport) RecvByte(time.Duration) (byte, error) {
	return 0, errors.New("no input")
}
func (nullTransport) Close() error   { return nil }
func (nullTransport) String() string { return "null" }

func newMachine(t *testing.T, words ...uint32) *sim.Machine {
	t.Helper()
	m, err := sim.New(sim.DefaultLayout(), nil)
	require.NoError(t, err)
	require.NoError(t, m.LoadWords(base, words...))
	t.Cleanup(func() { _ = m.Terminate() })
	return m
}

func newAttachedCore(t *testing.T, words ...uint32) (*Core, *sim.Machine) {
	t.Helper()
	m := newMachine(t, words...)
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	c := NewCore(m, cfg, nil)
	m.SetHandler(c)

	stop, err := c.Attach(nullTransport{})
	require.NoError(t, err)
	require.NotNil(t, stop)
	return c, m
}

func waitStop(t *testing.T, c *Core) *Stop {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		stop, err := c.WaitStop(ctx)
		if errors.Is(err, ErrStillRunning) {
			continue
		}
		require.NoError(t, err)
		return stop
	}
}

func readWord(t *testing.T, m *sim.Machine, addr uint32) uint32 {
	t.Helper()
	var buf [4]byte
	require.NoError(t, m.ReadMemory(addr, buf[:]))
	return binary.LittleEndian.Uint32(buf[:])
}
