package gdb

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Manu343726/gdbstub/pkg/transport"
)

// Framing bytes of the remote serial protocol
const (
	PacketStart byte = '$'
	PacketEnd   byte = '#'
	Ack         byte = '+'
	Nak         byte = '-'
	Escape      byte = '}'
	EscapeXor   byte = 0x20
	// InterruptChar is sent out of band by the host to stop the target
	InterruptChar byte = 0x03
)

var (
	ErrChecksum       = errors.New("packet checksum mismatch")
	ErrMalformedFrame = errors.New("malformed packet frame")
)

// Checksum is the modulo 256 sum of the bytes between the frame markers
func Checksum[T ~[]byte | ~string](data T) (sum byte) {
	for _, b := range []byte(data) {
		sum += b
	}
	return
}

func needsEscape(b byte) bool {
	return b == PacketStart || b == PacketEnd || b == Escape || b == '*'
}

// EscapePayload replaces the bytes reserved by the framing with escape sequences
func EscapePayload(payload []byte) []byte {
	out := make([]byte, 0, len(payload))
	for _, b := range payload {
		if needsEscape(b) {
			out = append(out, Escape, b^EscapeXor)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// UnescapePayload reverses EscapePayload
func UnescapePayload(escaped []byte) ([]byte, error) {
	out := make([]byte, 0, len(escaped))
	pending := false
	for _, b := range escaped {
		switch {
		case pending:
			out = append(out, b^EscapeXor)
			pending = false
		case b == Escape:
			pending = true
		default:
			out = append(out, b)
		}
	}
	if pending {
		return nil, fmt.Errorf("%w: truncated escape sequence", ErrMalformedFrame)
	}
	return out, nil
}

// Encode frames a payload as $<escaped payload>#<checksum>
func Encode(payload []byte) []byte {
	escaped := EscapePayload(payload)
	frame := make([]byte, 0, len(escaped)+4)
	frame = append(frame, PacketStart)
	frame = append(frame, escaped...)
	frame = append(frame, PacketEnd)
	return fmt.Appendf(frame, "%02x", Checksum(escaped))
}

// Decode validates a complete frame and returns its payload
func Decode(frame []byte) ([]byte, error) {
	if len(frame) < 4 || frame[0] != PacketStart || frame[len(frame)-3] != PacketEnd {
		return nil, ErrMalformedFrame
	}
	body := frame[1 : len(frame)-3]
	if err := verify(body, frame[len(frame)-2:]); err != nil {
		return nil, err
	}
	return UnescapePayload(body)
}

func verify(body []byte, checksum []byte) error {
	var want [1]byte
	if _, err := hex.Decode(want[:], checksum); err != nil {
		return fmt.Errorf("%w: bad checksum digits %q", ErrMalformedFrame, checksum)
	}
	if got := Checksum(body); got != want[0] {
		return fmt.Errorf("%w: got %02x, frame says %02x", ErrChecksum, got, want[0])
	}
	return nil
}

// Codec exchanges acknowledged packets over a transport
type Codec struct {
	tr  transport.Transport
	log *slog.Logger
}

// NewCodec creates a codec over tr
func NewCodec(tr transport.Transport, log *slog.Logger) *Codec {
	if log == nil {
		log = slog.Default()
	}
	return &Codec{tr: tr, log: log}
}

// Receive waits for the next valid packet and acknowledges it. Corrupted
// packets are rejected with a NAK and the host retransmits them. Bytes outside
// of a frame are ignored.
func (c *Codec) Receive() ([]byte, error) {
	for {
		b, err := c.tr.RecvByte(0)
		if err != nil {
			return nil, err
		}
		if b != PacketStart {
			continue
		}

		body, checksum, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		if err := verify(body, checksum); err != nil {
			c.log.Debug("rejecting packet", slog.Any("error", err))
			if err := c.tr.Send([]byte{Nak}); err != nil {
				return nil, err
			}
			continue
		}

		payload, err := UnescapePayload(body)
		if err != nil {
			c.log.Debug("rejecting packet", slog.Any("error", err))
			if err := c.tr.Send([]byte{Nak}); err != nil {
				return nil, err
			}
			continue
		}
		if err := c.tr.Send([]byte{Ack}); err != nil {
			return nil, err
		}
		c.log.Debug("<-", slog.String("packet", printable(payload)))
		return payload, nil
	}
}

// readFrame reads the body and checksum digits following a start byte. A new
// start byte inside the body restarts the frame.
func (c *Codec) readFrame() ([]byte, []byte, error) {
	var body []byte
	for {
		b, err := c.tr.RecvByte(0)
		if err != nil {
			return nil, nil, err
		}
		if b == PacketEnd {
			break
		}
		if b == PacketStart {
			body = body[:0]
			continue
		}
		body = append(body, b)
	}

	checksum := make([]byte, 2)
	for i := range checksum {
		b, err := c.tr.RecvByte(0)
		if err != nil {
			return nil, nil, err
		}
		checksum[i] = b
	}
	return body, checksum, nil
}

// Send transmits a packet and retransmits it until the host acknowledges it
func (c *Codec) Send(payload []byte) error {
	frame := Encode(payload)
	c.log.Debug("->", slog.String("packet", printable(payload)))
	for {
		if err := c.tr.Send(frame); err != nil {
			return err
		}
		acked, err := c.waitAck()
		if err != nil {
			return err
		}
		if acked {
			return nil
		}
		c.log.Debug("retransmitting packet")
	}
}

func (c *Codec) waitAck() (bool, error) {
	for {
		b, err := c.tr.RecvByte(0)
		if err != nil {
			return false, err
		}
		switch b {
		case Ack:
			return true, nil
		case Nak:
			return false, nil
		}
	}
}

func printable(payload []byte) string {
	const limit = 64
	if len(payload) > limit {
		return fmt.Sprintf("%q...", payload[:limit])
	}
	return fmt.Sprintf("%q", payload)
}
