package sim

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Manu343726/gdbstub/pkg/hw/mips"
	"github.com/Manu343726/gdbstub/pkg/target"
	"github.com/Manu343726/gdbstub/pkg/utils"
)

// MainThread is the thread that runs the loaded program
const MainThread target.ThreadID = 1

// Machine is a simulated target running a single program on one CPU
type Machine struct {
	layout Layout
	log    *slog.Logger
	mem    *memory
	icache *icache
	watch  *watchUnit

	// gate is held while an instruction executes, so holding it keeps the
	// program from running
	gate sync.Mutex

	interruptRequested atomic.Bool

	mu       sync.Mutex
	handler  target.Handler
	entry    mips.Registers
	sections target.Sections
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	exitCode *int
}

var _ target.Target = (*Machine)(nil)

// New creates a machine with the given memory layout
func New(layout Layout, log *slog.Logger) (*Machine, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	mem, err := newMemory(layout.Regions)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	m := &Machine{
		layout: layout,
		log:    log.With(slog.String("component", "sim")),
		mem:    mem,
		icache: newICache(),
		watch:  &watchUnit{present: layout.WatchUnit},
		done:   make(chan struct{}),
	}
	m.entry.PC = layout.Program.Base
	m.entry.GPR[mips.RegSP] = layout.StackTop
	m.entry.GPR[mips.RegFP] = layout.StackTop
	m.entry.GPR[mips.RegRA] = layout.ExitAddress
	m.sections = target.Sections{Text: layout.Program.Base, Data: layout.Program.Base, Bss: layout.Program.Base}
	close(m.done)
	return m, nil
}

// SetHandler installs the receiver of exceptions and exit notifications
func (m *Machine) SetHandler(h target.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// LoadImage copies a flat binary image to addr and makes entry the start address
func (m *Machine) LoadImage(addr uint32, image []byte, entry uint32) error {
	if !m.layout.Program.Contains(entry) {
		return utils.MakeError(ErrInvalidLayout, "entry point 0x%08x outside of the program range", entry)
	}
	if err := m.mem.write(addr, image); err != nil {
		return err
	}
	m.icache.flushAll()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry.PC = entry
	m.sections = target.Sections{Text: addr, Data: addr, Bss: addr}
	m.log.Debug("image loaded", slog.Int("size", len(image)), slog.String("base", utils.FormatUint32Hex(addr)), slog.String("entry", utils.FormatUint32Hex(entry)))
	return nil
}

// LoadWords stores instruction words at addr and makes addr the start address
func (m *Machine) LoadWords(addr uint32, words ...uint32) error {
	image := make([]byte, 0, 4*len(words))
	for _, w := range words {
		image = append(image, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	return m.LoadImage(addr, image, addr)
}

// Layout returns the memory layout of the machine
func (m *Machine) Layout() Layout {
	return m.layout
}

// Done is closed when the program is not running
func (m *Machine) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// ExitCode returns the exit code of the last run, if it finished
func (m *Machine) ExitCode() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exitCode == nil {
		return 0, false
	}
	return *m.exitCode, true
}

func (m *Machine) Permissions(addr, length uint32) target.Perm {
	return m.mem.permissions(addr, length)
}

func (m *Machine) ReadMemory(addr uint32, buf []byte) error {
	return m.mem.read(addr, buf)
}

func (m *Machine) WriteMemory(addr uint32, data []byte) error {
	return m.mem.write(addr, data)
}

func (m *Machine) FlushRange(addr, length uint32) {
	m.icache.flushRange(addr, length)
}

func (m *Machine) FlushAll() {
	m.icache.flushAll()
}

func (m *Machine) DisableInterrupts() func() {
	m.gate.Lock()
	return m.gate.Unlock
}

func (m *Machine) Watch() target.WatchUnit {
	return m.watch
}

func (m *Machine) EntryContext() *mips.Registers {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entry.Clone()
}

func (m *Machine) Contains(addr uint32) bool {
	return m.layout.Program.Contains(addr)
}

func (m *Machine) Threads() []target.Thread {
	threads := []target.Thread{{ID: MainThread, Name: "main"}}
	for i, name := range m.layout.Threads {
		threads = append(threads, target.Thread{ID: MainThread + 1 + target.ThreadID(i), Name: name})
	}
	return threads
}

func (m *Machine) Sections() target.Sections {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sections
}

// Launch starts running the program from the given registers
func (m *Machine) Launch(regs *mips.Registers) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.exitCode = nil
	m.interruptRequested.Store(false)

	c := &cpu{mem: m.mem, icache: m.icache, watch: m.watch}
	c.reset(regs)
	c.suppressWatch = true
	m.log.Info("program launched", slog.String("pc", utils.FormatUint32Hex(regs.PC)))
	go m.run(ctx, c, m.handler, m.done)
	return nil
}

// Interrupt raises an interrupt exception before the next instruction
func (m *Machine) Interrupt() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ErrNotRunning
	}
	m.interruptRequested.Store(true)
	return nil
}

// Terminate stops the program and waits for it to finish
func (m *Machine) Terminate() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.cancel()
	done := m.done
	m.mu.Unlock()

	<-done
	m.log.Info("program terminated")
	return nil
}

func (m *Machine) run(ctx context.Context, c *cpu, handler target.Handler, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.cancel()
		m.mu.Unlock()
		close(done)
	}()

	for ctx.Err() == nil {
		if c.regs.PC == m.layout.ExitAddress && !c.delay {
			m.exit(handler, int(int32(c.regs.GPR[mips.RegV0])))
			return
		}

		var exc *exception
		m.gate.Lock()
		if m.interruptRequested.Swap(false) {
			exc = c.interrupt()
		} else {
			exc = c.step()
		}
		m.gate.Unlock()
		if exc == nil {
			continue
		}

		fault := target.Fault{Thread: MainThread, Regs: c.regs.Clone(), Watch: exc.watch}
		m.log.Debug("exception",
			slog.String("code", exc.code.String()),
			slog.String("epc", utils.FormatUint32Hex(c.regs.PC)),
			slog.Bool("delay_slot", c.regs.InDelaySlot()))

		var (
			regs    *mips.Registers
			handled bool
		)
		if handler != nil {
			regs, handled = handler.HandleException(ctx, fault)
		}
		if ctx.Err() != nil {
			return
		}
		if !handled {
			m.log.Warn("unhandled exception, terminating program",
				slog.String("code", exc.code.String()),
				slog.String("epc", utils.FormatUint32Hex(c.regs.PC)))
			m.exit(handler, 128+int(exc.code.Signal()))
			return
		}
		c.reset(regs)
		c.suppressWatch = true
	}
}

func (m *Machine) exit(handler target.Handler, code int) {
	m.mu.Lock()
	m.exitCode = &code
	m.mu.Unlock()

	m.log.Info("program exited", slog.Int("code", code))
	if handler != nil {
		handler.ProcessExited(code)
	}
}
