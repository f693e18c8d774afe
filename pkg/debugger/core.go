// Package debugger implements the target side of a remote debugging session:
// software breakpoints patched into code, single-step emulation for a core with
// branch delay slots and the hand-off of exceptions from the debugged program
// to the command loop serving the host debugger.
//
// Threads of the debugged program never run debugger logic beyond Enter: the
// exception context is moved to the command loop, which inspects and edits it
// and hands it back on resume.
package debugger

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Manu343726/gdbstub/pkg/hw/mips"
	"github.com/Manu343726/gdbstub/pkg/target"
	"github.com/Manu343726/gdbstub/pkg/transport"
	"github.com/Manu343726/gdbstub/pkg/utils"
	"github.com/google/uuid"
)

// Core is the debugger side of an exception rendezvous with the target. Every
// method except HandleException and ProcessExited must be called from a single
// goroutine, the command loop.
type Core struct {
	cfg         Config
	baseLog     *slog.Logger
	log         *slog.Logger
	target      target.Target
	breakpoints *BreakpointManager
	stepper     *StepEngine
	rendezvous  *Rendezvous

	mu      sync.Mutex
	session Session

	// stop is the context owned by the command loop, nil while the target runs
	stop *Stop
	// stepOver is set while resuming over a persistent breakpoint
	stepOver bool
	exited   chan int
}

var _ target.Handler = (*Core)(nil)

// NewCore creates a debugger core for the given target
func NewCore(t target.Target, cfg Config, log *slog.Logger) *Core {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "debugger"))

	breakpoints := NewBreakpointManager(t, t.Watch(), cfg.MaxPersistent, cfg.MaxTransient, log)
	return &Core{
		cfg:         cfg,
		baseLog:     log,
		log:         log,
		target:      t,
		breakpoints: breakpoints,
		stepper:     NewStepEngine(breakpoints, log),
		rendezvous:  NewRendezvous(),
		exited:      make(chan int, 1),
	}
}

// Breakpoints returns the breakpoint manager of the core
func (c *Core) Breakpoints() *BreakpointManager {
	return c.breakpoints
}

// Rendezvous returns the exception hand-off used by the core
func (c *Core) Rendezvous() *Rendezvous {
	return c.rendezvous
}

// Session returns a copy of the current session
func (c *Core) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Core) attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Attached
}

func (c *Core) started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Started
}

func (c *Core) setStarted(started bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.Started = started
}

// --- Target side ---

// HandleException is called by a faulting thread of the debugged program. It
// blocks until the command loop resumes the thread. Exceptions are declined
// when no debugger is attached or the faulting code does not belong to the
// debugged program.
func (c *Core) HandleException(ctx context.Context, fault target.Fault) (*mips.Registers, bool) {
	if !c.attached() {
		c.log.Debug("exception declined, no debugger attached", slog.String("pc", utils.FormatUint32Hex(fault.Regs.PC)))
		return fault.Regs, false
	}
	if !c.target.Contains(fault.Regs.PC) {
		c.log.Debug("exception declined, outside of the debugged program", slog.String("pc", utils.FormatUint32Hex(fault.Regs.PC)))
		return fault.Regs, false
	}

	res, err := c.rendezvous.Enter(ctx, Exception{Thread: fault.Thread, Regs: fault.Regs, Watch: fault.Watch})
	if err != nil {
		return fault.Regs, false
	}
	return res.Regs, true
}

// ProcessExited is called by the target when the debugged program terminates
func (c *Core) ProcessExited(code int) {
	select {
	case c.exited <- code:
	default:
		c.log.Warn("exit notification dropped", slog.Int("code", code))
	}
}

// --- Session control ---

// Attach starts a session over tr. It returns the stop to report first, or nil
// when the process is running, in which case it is interrupted and the stop
// arrives through WaitStop.
func (c *Core) Attach(tr transport.Transport) (*Stop, error) {
	c.mu.Lock()
	if c.session.Attached {
		c.mu.Unlock()
		return nil, ErrAlreadyAttached
	}
	c.session.ID = uuid.New()
	c.session.Transport = tr
	c.session.Attached = true
	c.session.AttachedAt = time.Now()
	started := c.session.Started
	id := c.session.ID
	c.mu.Unlock()
	c.rendezvous.Open()

	c.log = c.baseLog.With(slog.String("session", id.String()))
	c.log.Info("debugger attached", slog.String("remote", tr.String()), slog.Bool("started", started))

	if !started {
		c.stop = &Stop{
			Kind:   StopSignal,
			Thread: c.defaultThread(),
			Regs:   c.target.EntryContext(),
			Signal: mips.SIGTRAP,
		}
		return c.stop, nil
	}
	if c.stop != nil {
		return c.stop, nil
	}
	if err := c.target.Interrupt(); err != nil {
		c.log.Warn("could not interrupt running process", slog.Any("error", err))
	}
	return nil, nil
}

// Detach ends the session, removing every breakpoint and resuming the target.
// A process that was never started is launched.
func (c *Core) Detach() error {
	if !c.attached() {
		return ErrNotAttached
	}

	err := c.breakpoints.ClearAll()
	c.stepOver = false
	if c.stop != nil {
		if resumeErr := c.resume(c.stop.Regs); resumeErr != nil {
			err = errors.Join(err, resumeErr)
		}
	}
	c.endSession()
	c.log.Info("debugger detached")
	return err
}

// Kill terminates the debugged process and ends the session
func (c *Core) Kill() error {
	err := c.breakpoints.ClearAll()
	c.stop = nil
	c.stepOver = false
	if termErr := c.target.Terminate(); termErr != nil {
		err = errors.Join(err, termErr)
	}
	c.setStarted(false)
	c.drainExit()
	c.endSession()
	c.log.Info("process killed")
	return err
}

// endSession detaches the session. An exception the command loop did not take
// yet resumes with its own registers, as do later ones until the next attach.
func (c *Core) endSession() {
	c.mu.Lock()
	c.session.Attached = false
	c.session.Transport = nil
	c.mu.Unlock()
	c.rendezvous.Close()
}

func (c *Core) drainExit() {
	select {
	case <-c.exited:
	default:
	}
}

// --- Stops ---

// Stopped returns the current stop, or nil while the target runs
func (c *Core) Stopped() *Stop {
	return c.stop
}

// WaitStop waits up to the poll interval for the target to stop. It returns
// ErrStillRunning when nothing happened so the caller can poll for an
// interrupt request in between.
func (c *Core) WaitStop(ctx context.Context) (*Stop, error) {
	if c.stop != nil {
		return c.stop, nil
	}
	if stop, ok := c.checkExit(); ok {
		return stop, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.PollInterval)
	defer cancel()
	exc, err := c.rendezvous.Await(waitCtx)
	if err == nil {
		return c.onException(exc)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if stop, ok := c.checkExit(); ok {
		return stop, nil
	}
	return nil, ErrStillRunning
}

func (c *Core) checkExit() (*Stop, bool) {
	select {
	case code := <-c.exited:
		return c.onExit(code), true
	default:
		return nil, false
	}
}

func (c *Core) onExit(code int) *Stop {
	if err := c.breakpoints.ClearAll(); err != nil {
		c.log.Warn("could not remove breakpoints of exited process", slog.Any("error", err))
	}
	c.stop = nil
	c.stepOver = false
	c.setStarted(false)
	c.endSession()
	c.log.Info("process exited", slog.Int("code", code))
	return &Stop{Kind: StopExited, ExitCode: code}
}

func (c *Core) onException(exc Exception) (*Stop, error) {
	regs := exc.Regs
	code := regs.ExceptionCode()

	removed, err := c.breakpoints.ClearAllTransient()
	if err != nil {
		c.log.Error("could not remove step breakpoints", slog.Any("error", err))
	}

	var hit *Breakpoint
	stepTrap := false
	if code == mips.ExcBreakpoint {
		trapAddr := regs.PC
		if regs.InDelaySlot() {
			trapAddr += mips.InstructionSize
		}
		stepTrap = slices.Contains(removed, trapAddr)
		if c.breakpoints.IsBreakpointAddress(trapAddr) && c.breakpoints.IsPersistent(trapAddr) {
			hit = c.breakpoints.Lookup(trapAddr)
		}
	}

	if err := c.breakpoints.Suspend(); err != nil {
		c.log.Error("could not suspend breakpoints", slog.Any("error", err))
	}

	if c.stepOver {
		c.stepOver = false
		if stepTrap && hit == nil {
			err := c.silentResume(regs)
			if err == nil {
				return nil, ErrStillRunning
			}
			c.log.Error("could not resume after stepping over a breakpoint", slog.Any("error", err))
		}
	}

	if hit != nil {
		hit.HitCount++
	}
	c.stop = &Stop{
		Kind:       StopSignal,
		Thread:     exc.Thread,
		Regs:       regs,
		Signal:     code.Signal(),
		Watch:      exc.Watch,
		Breakpoint: hit,
	}
	c.log.Info("target stopped",
		slog.String("exception", code.String()),
		slog.String("pc", utils.FormatUint32Hex(regs.PC)),
		slog.Bool("delay_slot", regs.InDelaySlot()),
		slog.Int("signal", int(c.stop.Signal)))
	return c.stop, nil
}

// silentResume re-arms every persistent breakpoint once the instruction under
// one of them was stepped over and continues without reporting a stop
func (c *Core) silentResume(regs *mips.Registers) error {
	if err := c.breakpoints.Arm(); err != nil {
		return err
	}
	return c.rendezvous.Release(Resolution{Regs: regs})
}

// --- Execution control ---

// Interrupt asks the running target to stop
func (c *Core) Interrupt() error {
	return c.target.Interrupt()
}

// resumeExceptions returns the persistent breakpoints that would trap before
// the instruction at PC completes: the one at PC and, for a branch, the one in
// its delay slot
func (c *Core) resumeExceptions(regs *mips.Registers) []uint32 {
	var except []uint32
	if c.breakpoints.IsPersistent(regs.PC) {
		except = append(except, regs.PC)
	}
	slot := regs.PC + mips.InstructionSize
	if c.breakpoints.IsPersistent(slot) {
		if word, err := c.breakpoints.Instruction(regs.PC); err == nil && mips.Classify(word, regs.PC, regs).Kind != mips.Sequential {
			except = append(except, slot)
		}
	}
	return except
}

// Continue resumes the target, optionally from addr
func (c *Core) Continue(addr *uint32) error {
	if c.stop == nil {
		return ErrNotStopped
	}
	regs := c.stop.Regs
	if addr != nil {
		regs.PC = *addr
	}

	if err := c.breakpoints.Suspend(); err != nil {
		return err
	}
	except := c.resumeExceptions(regs)
	stepOver := len(except) > 0
	if stepOver {
		_, err := c.stepper.Step(regs, false)
		switch {
		case errors.Is(err, ErrNoProgress):
			// the breakpoint cannot be stepped over, it stays off for this run
			c.log.Warn("branch to itself, breakpoint disabled until the next stop",
				slog.String("pc", utils.FormatUint32Hex(regs.PC)))
			stepOver = false
		case err != nil:
			return err
		}
	}
	if err := c.breakpoints.Arm(except...); err != nil {
		_, _ = c.breakpoints.ClearAllTransient()
		return err
	}
	if err := c.resume(regs); err != nil {
		_, _ = c.breakpoints.ClearAllTransient()
		return err
	}
	c.stepOver = stepOver
	return nil
}

// Step executes a single instruction, optionally from addr. With skipCalls set
// a call runs to completion.
func (c *Core) Step(addr *uint32, skipCalls bool) error {
	if c.stop == nil {
		return ErrNotStopped
	}
	regs := c.stop.Regs
	if addr != nil {
		regs.PC = *addr
	}

	if err := c.breakpoints.Suspend(); err != nil {
		return err
	}
	if _, err := c.stepper.Step(regs, skipCalls); err != nil {
		return err
	}
	if err := c.breakpoints.Arm(c.resumeExceptions(regs)...); err != nil {
		_, _ = c.breakpoints.ClearAllTransient()
		return err
	}
	if err := c.resume(regs); err != nil {
		_, _ = c.breakpoints.ClearAllTransient()
		return err
	}
	c.stepOver = false
	return nil
}

// resume hands regs back to the faulting thread, or launches the process on
// its first resume after flushing the caches so patched code is seen
func (c *Core) resume(regs *mips.Registers) error {
	if !c.started() {
		c.target.FlushAll()
		if err := c.target.Launch(regs); err != nil {
			return err
		}
		c.setStarted(true)
		c.stop = nil
		c.log.Info("process started", slog.String("pc", utils.FormatUint32Hex(regs.PC)))
		return nil
	}
	if err := c.rendezvous.Release(Resolution{Regs: regs}); err != nil {
		return err
	}
	c.stop = nil
	return nil
}

// --- Registers and memory ---

// Registers returns the context of the stopped thread, edits are applied on resume
func (c *Core) Registers() (*mips.Registers, error) {
	if c.stop == nil || c.stop.Regs == nil {
		return nil, ErrNotStopped
	}
	return c.stop.Regs, nil
}

// SetRegisters replaces the whole context of the stopped thread
func (c *Core) SetRegisters(regs *mips.Registers) error {
	current, err := c.Registers()
	if err != nil {
		return err
	}
	*current = *regs
	return nil
}

// ReadRegister returns one register of the stopped thread
func (c *Core) ReadRegister(n int) (uint32, error) {
	regs, err := c.Registers()
	if err != nil {
		return 0, err
	}
	value, err := regs.Get(n)
	if err != nil {
		return 0, utils.MakeError(ErrInvalidRegister, "%v", err)
	}
	return value, nil
}

// WriteRegister sets one register of the stopped thread
func (c *Core) WriteRegister(n int, value uint32) error {
	regs, err := c.Registers()
	if err != nil {
		return err
	}
	if err := regs.Set(n, value); err != nil {
		return utils.MakeError(ErrInvalidRegister, "%v", err)
	}
	return nil
}

// ReadMemory reads target memory as the program sees it, without breakpoint traps
func (c *Core) ReadMemory(addr, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	if length == 0 {
		return buf, nil
	}
	if !c.target.Permissions(addr, length).Has(target.PermRead) {
		return nil, utils.MakeError(ErrInvalidAddress, "read of %d bytes at %s", length, utils.FormatUint32Hex(addr))
	}
	if err := c.target.ReadMemory(addr, buf); err != nil {
		return nil, utils.MakeError(ErrInvalidAddress, "%v", err)
	}
	c.breakpoints.ShadowTraps(addr, buf)
	return buf, nil
}

// WriteMemory writes target memory. Breakpoints in the range stay in place
// and take the written words as their original instructions.
func (c *Core) WriteMemory(addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	length := uint32(len(data))
	if !c.target.Permissions(addr, length).Has(target.PermWrite) {
		return utils.MakeError(ErrInvalidAddress, "write of %d bytes at %s", length, utils.FormatUint32Hex(addr))
	}
	err := c.breakpoints.WithOriginalCode(addr, length, func() error {
		return c.target.WriteMemory(addr, data)
	})
	if err != nil {
		return utils.MakeError(ErrWriteFailed, "%v", err)
	}
	c.target.FlushRange(addr, length)
	return nil
}

// --- Threads ---

// Threads lists the threads of the debugged process
func (c *Core) Threads() []target.Thread {
	return c.target.Threads()
}

// CurrentThread returns the thread of the current stop
func (c *Core) CurrentThread() target.ThreadID {
	if c.stop != nil && c.stop.Thread != 0 {
		return c.stop.Thread
	}
	return c.defaultThread()
}

func (c *Core) defaultThread() target.ThreadID {
	if threads := c.target.Threads(); len(threads) > 0 {
		return threads[0].ID
	}
	return 1
}

// Sections returns the relocation offsets of the loaded program
func (c *Core) Sections() target.Sections {
	return c.target.Sections()
}
