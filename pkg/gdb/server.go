// Package gdb serves the GDB remote serial protocol on top of the debugger core.
//
// The server runs the command loop of a session: it receives packets, applies
// them to the stopped target and replies. While the target runs it waits for
// the next stop, polling the transport for the interrupt character.
package gdb

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Manu343726/gdbstub/pkg/debugger"
	"github.com/Manu343726/gdbstub/pkg/hw/mips"
	"github.com/Manu343726/gdbstub/pkg/target"
	"github.com/Manu343726/gdbstub/pkg/transport"
)

const (
	// DefaultThreadPageSize is the number of thread IDs per thread info reply
	DefaultThreadPageSize = 8
	// DefaultPacketSize is the largest packet advertised to the host
	DefaultPacketSize = 0x1000
	// DefaultPollInterval is how long the server waits for an interrupt byte between stop checks
	DefaultPollInterval = 10 * time.Millisecond
)

// Config tunes the protocol server
type Config struct {
	ThreadPageSize int
	PacketSize     int
	PollInterval   time.Duration
}

// DefaultConfig returns the configuration used when none is given
func DefaultConfig() Config {
	return Config{
		ThreadPageSize: DefaultThreadPageSize,
		PacketSize:     DefaultPacketSize,
		PollInterval:   DefaultPollInterval,
	}
}

// action tells the command loop what to do after a packet was handled
type action int

const (
	actionReply action = iota
	actionResume
	actionDetach
	actionKill
)

// Server is the command loop of one debugging session
type Server struct {
	core  *debugger.Core
	tr    transport.Transport
	codec *Codec
	cfg   Config
	log   *slog.Logger

	threadCursor int
}

// NewServer creates a server for a session over tr
func NewServer(core *debugger.Core, tr transport.Transport, cfg Config, log *slog.Logger) *Server {
	if cfg.ThreadPageSize <= 0 {
		cfg.ThreadPageSize = DefaultThreadPageSize
	}
	if cfg.PacketSize <= 0 {
		cfg.PacketSize = DefaultPacketSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "gdb"), slog.String("remote", tr.String()))
	return &Server{
		core:  core,
		tr:    tr,
		codec: NewCodec(tr, log),
		cfg:   cfg,
		log:   log,
	}
}

// Serve runs the session until the host detaches or kills the target, the
// process exits, the transport fails or ctx ends. A session ending for any
// other reason than a kill resumes the target with all breakpoints removed.
func (s *Server) Serve(ctx context.Context) error {
	stop, err := s.core.Attach(s.tr)
	if err != nil {
		return err
	}
	defer func() {
		if s.core.Session().Attached {
			if err := s.core.Detach(); err != nil {
				s.log.Warn("implicit detach failed", slog.Any("error", err))
			}
		}
	}()
	stopClosing := context.AfterFunc(ctx, func() { _ = s.tr.Close() })
	defer stopClosing()

	running := stop == nil
	for {
		if running {
			stop, err := s.waitStop(ctx)
			if err != nil {
				return err
			}
			running = false
			if err := s.codec.Send([]byte(stopReply(stop))); err != nil {
				return err
			}
			if stop.Kind == debugger.StopExited {
				return nil
			}
		}

		packet, err := s.codec.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		reply, act := s.dispatch(packet)
		switch act {
		case actionResume:
			running = true
		case actionKill:
			return nil
		case actionDetach:
			err := s.core.Detach()
			if err != nil {
				s.log.Warn("detach", slog.Any("error", err))
			}
			return s.codec.Send([]byte(reply))
		default:
			if err := s.codec.Send([]byte(reply)); err != nil {
				return err
			}
		}
	}
}

// waitStop waits for the running target to stop while watching the transport
// for the interrupt character
func (s *Server) waitStop(ctx context.Context) (*debugger.Stop, error) {
	for {
		stop, err := s.core.WaitStop(ctx)
		if err == nil {
			return stop, nil
		}
		if !errors.Is(err, debugger.ErrStillRunning) {
			return nil, err
		}

		b, err := s.tr.RecvByte(s.cfg.PollInterval)
		switch {
		case errors.Is(err, transport.ErrTimeout):
		case err != nil:
			return nil, err
		case b == InterruptChar:
			s.log.Debug("interrupt requested")
			if err := s.core.Interrupt(); err != nil {
				s.log.Warn("interrupt", slog.Any("error", err))
			}
		default:
			s.log.Debug("ignoring byte while running", slog.Int("byte", int(b)))
		}
	}
}

func (s *Server) dispatch(packet []byte) (string, action) {
	if len(packet) == 0 {
		return "", actionReply
	}
	args := string(packet[1:])

	var (
		reply string
		err   error
	)
	switch packet[0] {
	case '?':
		reply = stopReply(s.core.Stopped())
	case 'g':
		reply, err = s.readRegisters()
	case 'G':
		err = s.writeRegisters(args)
	case 'p':
		reply, err = s.readRegister(args)
	case 'P':
		err = s.writeRegister(args)
	case 'm':
		reply, err = s.readMemory(args)
	case 'M':
		err = s.writeMemoryHex(args)
	case 'X':
		err = s.writeMemoryBinary(args)
	case 'c', 's':
		if err = s.resume(packet[0], args); err == nil {
			return "", actionResume
		}
	case 'Z', 'z':
		reply, err = s.breakpoint(packet[0] == 'Z', args)
	case 'q':
		reply, err = s.query(args)
	case 'H':
		reply = "OK"
	case 'T':
		err = s.threadAlive(args)
	case 'D':
		return "OK", actionDetach
	case 'k', 'r':
		if err := s.core.Kill(); err != nil {
			s.log.Warn("kill", slog.Any("error", err))
		}
		return "", actionKill
	default:
		s.log.Debug("unsupported packet", slog.String("packet", printable(packet)))
		return "", actionReply
	}

	if err != nil {
		s.log.Debug("command failed", slog.String("command", string(packet[0])), slog.Any("error", err))
		return errorReply(err), actionReply
	}
	if reply == unsupported {
		return "", actionReply
	}
	if reply == "" {
		reply = "OK"
	}
	return reply, actionReply
}

// --- Stop reports ---

func stopReply(stop *debugger.Stop) string {
	if stop == nil {
		return fmt.Sprintf("S%02x", uint8(mips.SIGTRAP))
	}
	if stop.Kind == debugger.StopExited {
		return fmt.Sprintf("W%02x", uint8(stop.ExitCode))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "T%02x", uint8(stop.Signal))
	for _, n := range []int{mips.RegPC, mips.RegSP, mips.RegFP} {
		value, _ := stop.Regs.Get(n)
		fmt.Fprintf(&sb, "%02x:%s;", n, hexWord(value))
	}
	fmt.Fprintf(&sb, "thread:%x;", uint32(stop.Thread))
	if w := stop.Watch; w != nil {
		switch w.Kind {
		case target.WatchDataWrite:
			fmt.Fprintf(&sb, "watch:%x;", w.Address)
		case target.WatchDataRead:
			fmt.Fprintf(&sb, "rwatch:%x;", w.Address)
		case target.WatchDataAccess:
			fmt.Fprintf(&sb, "awatch:%x;", w.Address)
		case target.WatchInstruction:
			sb.WriteString("hwbreak:;")
		}
	}
	return sb.String()
}

// --- Registers ---

func hexWord(v uint32) string {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return hex.EncodeToString(buf[:])
}

func parseHexWord(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, malformed("register value %q is not 4 bytes", s)
	}
	buf, err := hex.DecodeString(s)
	if err != nil {
		return 0, malformed("register value %q: %v", s, err)
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func parseHex(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, malformed("bad hex number %q", s)
	}
	return uint32(v), nil
}

func (s *Server) readRegisters() (string, error) {
	regs, err := s.core.Registers()
	if err != nil {
		return "", err
	}
	data, err := regs.MarshalBinary()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(data), nil
}

func (s *Server) writeRegisters(args string) error {
	data, err := hex.DecodeString(args)
	if err != nil {
		return malformed("register dump: %v", err)
	}
	if len(data) != mips.SnapshotSize {
		return malformed("register dump has %d bytes, want %d", len(data), mips.SnapshotSize)
	}
	var regs mips.Registers
	if err := regs.UnmarshalBinary(data); err != nil {
		return malformed("register dump: %v", err)
	}
	return s.core.SetRegisters(&regs)
}

func (s *Server) readRegister(args string) (string, error) {
	n, err := parseHex(args)
	if err != nil {
		return "", err
	}
	value, err := s.core.ReadRegister(int(n))
	if err != nil {
		return "", &ErrorNumber{err, ErrnoMalformed}
	}
	return hexWord(value), nil
}

func (s *Server) writeRegister(args string) error {
	num, val, ok := strings.Cut(args, "=")
	if !ok {
		return malformed("register write %q", args)
	}
	n, err := parseHex(num)
	if err != nil {
		return err
	}
	value, err := parseHexWord(val)
	if err != nil {
		return err
	}
	if err := s.core.WriteRegister(int(n), value); err != nil {
		return &ErrorNumber{err, ErrnoMalformed}
	}
	return nil
}

// --- Memory ---

// maxTransfer is the largest memory transfer that fits a packet as hex
func (s *Server) maxTransfer() uint32 {
	return uint32(s.cfg.PacketSize-4) / 2
}

func (s *Server) parseRange(spec string) (uint32, uint32, error) {
	a, l, ok := strings.Cut(spec, ",")
	if !ok {
		return 0, 0, malformed("memory range %q", spec)
	}
	addr, err := parseHex(a)
	if err != nil {
		return 0, 0, err
	}
	length, err := parseHex(l)
	if err != nil {
		return 0, 0, err
	}
	if length > s.maxTransfer() {
		return 0, 0, &ErrorNumber{fmt.Errorf("transfer of %d bytes exceeds the packet size", length), ErrnoAddress}
	}
	return addr, length, nil
}

func (s *Server) readMemory(args string) (string, error) {
	addr, length, err := s.parseRange(args)
	if err != nil {
		return "", err
	}
	data, err := s.core.ReadMemory(addr, length)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		// an empty reply would read as unsupported
		return "OK", nil
	}
	return hex.EncodeToString(data), nil
}

func (s *Server) writeMemoryHex(args string) error {
	spec, payload, ok := strings.Cut(args, ":")
	if !ok {
		return malformed("memory write %q", args)
	}
	addr, length, err := s.parseRange(spec)
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(payload)
	if err != nil {
		return malformed("memory write data: %v", err)
	}
	if uint32(len(data)) != length {
		return malformed("memory write of %d bytes carries %d", length, len(data))
	}
	return s.core.WriteMemory(addr, data)
}

func (s *Server) writeMemoryBinary(args string) error {
	spec, payload, ok := strings.Cut(args, ":")
	if !ok {
		return malformed("binary memory write %q", args)
	}
	addr, length, err := s.parseRange(spec)
	if err != nil {
		return err
	}
	if uint32(len(payload)) != length {
		return malformed("binary write of %d bytes carries %d", length, len(payload))
	}
	return s.core.WriteMemory(addr, []byte(payload))
}

// --- Execution ---

func (s *Server) resume(command byte, args string) error {
	var addr *uint32
	if args != "" {
		a, err := parseHex(args)
		if err != nil {
			return err
		}
		addr = &a
	}
	if command == 's' {
		return s.core.Step(addr, false)
	}
	return s.core.Continue(addr)
}

// --- Breakpoints and watches ---

func (s *Server) breakpoint(insert bool, args string) (string, error) {
	fields := strings.Split(args, ",")
	if len(fields) < 2 {
		return "", malformed("breakpoint %q", args)
	}
	kind, err := strconv.Atoi(fields[0])
	if err != nil {
		return "", malformed("breakpoint type %q", fields[0])
	}
	addr, err := parseHex(fields[1])
	if err != nil {
		return "", err
	}
	length := uint32(mips.InstructionSize)
	if len(fields) > 2 {
		if length, err = parseHex(fields[2]); err != nil {
			return "", err
		}
	}

	bm := s.core.Breakpoints()
	var watch target.WatchKind
	switch kind {
	case 0:
		if insert {
			_, err := bm.Set(addr)
			return "", err
		}
		return "", bm.ClearAddress(addr)
	case 1:
		watch = target.WatchInstruction
	case 2:
		watch = target.WatchDataWrite
	case 3:
		watch = target.WatchDataRead
	case 4:
		watch = target.WatchDataAccess
	default:
		return unsupported, nil
	}

	if insert {
		err = bm.SetWatch(watch, addr, length)
	} else {
		err = bm.ClearWatch(watch, addr)
	}
	if errors.Is(err, debugger.ErrWatchUnsupported) {
		return "", &ErrorNumber{err, ErrnoMalformed}
	}
	return "", err
}

// --- Queries and threads ---

func (s *Server) query(args string) (string, error) {
	name, params, _ := strings.Cut(args, ":")
	switch {
	case args == "C":
		return fmt.Sprintf("QC%x", uint32(s.core.CurrentThread())), nil
	case args == "fThreadInfo":
		s.threadCursor = 0
		return s.threadPage(), nil
	case args == "sThreadInfo":
		return s.threadPage(), nil
	case strings.HasPrefix(args, "ThreadExtraInfo,"):
		return s.threadExtraInfo(strings.TrimPrefix(args, "ThreadExtraInfo,"))
	case args == "Offsets":
		sections := s.core.Sections()
		return fmt.Sprintf("Text=%x;Data=%x;Bss=%x", sections.Text, sections.Data, sections.Bss), nil
	case name == "Supported":
		s.log.Debug("host features", slog.String("features", params))
		return fmt.Sprintf("PacketSize=%x", s.cfg.PacketSize), nil
	case name == "Attached":
		return "1", nil
	case name == "Symbol":
		return "OK", nil
	}
	return unsupported, nil
}

// unsupported is answered with an empty packet
const unsupported = "\x00"

func (s *Server) threadPage() string {
	threads := s.core.Threads()
	if s.threadCursor >= len(threads) {
		return "l"
	}
	end := min(s.threadCursor+s.cfg.ThreadPageSize, len(threads))
	ids := make([]string, 0, end-s.threadCursor)
	for _, th := range threads[s.threadCursor:end] {
		ids = append(ids, strconv.FormatUint(uint64(th.ID), 16))
	}
	s.threadCursor = end
	return "m" + strings.Join(ids, ",")
}

func (s *Server) findThread(spec string) (target.Thread, error) {
	id, err := parseHex(spec)
	if err != nil {
		return target.Thread{}, err
	}
	for _, th := range s.core.Threads() {
		if uint32(th.ID) == id {
			return th, nil
		}
	}
	return target.Thread{}, &ErrorNumber{fmt.Errorf("unknown thread %x", id), ErrnoAddress}
}

func (s *Server) threadExtraInfo(spec string) (string, error) {
	th, err := s.findThread(spec)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString([]byte(th.Name)), nil
}

func (s *Server) threadAlive(spec string) error {
	_, err := s.findThread(spec)
	return err
}
