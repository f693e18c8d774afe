package debugger

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Manu343726/gdbstub/pkg/hw/mips"
	"github.com/Manu343726/gdbstub/pkg/target"
)

// RendezvousState is the phase of the exception hand-off
type RendezvousState int32

const (
	// Idle means no exception is being handled
	Idle RendezvousState = iota
	// ExceptionPending means a faulting thread posted its context and waits
	ExceptionPending
	// CommandProcessing means the debugger owns the faulting context
	CommandProcessing
	// Resuming means the debugger released the context and the thread is restarting
	Resuming
)

// String returns the string representation of a RendezvousState
func (s RendezvousState) String() string {
	switch s {
	case Idle:
		return "idle"
	case ExceptionPending:
		return "exception_pending"
	case CommandProcessing:
		return "command_processing"
	case Resuming:
		return "resuming"
	default:
		return "unknown"
	}
}

// Exception is the context handed from a faulting thread to the debugger
type Exception struct {
	Thread target.ThreadID
	// Regs is owned by the debugger until it resolves the exception
	Regs  *mips.Registers
	Watch *target.WatchHit
}

// Resolution is what the debugger hands back to the faulting thread
type Resolution struct {
	Regs *mips.Registers
}

type pendingException struct {
	exception Exception
	resume    chan Resolution
	abandoned bool
}

// Rendezvous hands exceptions from faulting threads to the debugger one at a
// time. A faulting thread blocks in Enter until the debugger calls Release,
// other faulting threads queue behind it.
type Rendezvous struct {
	// gate is held from the moment an exception is posted until its thread resumes
	gate    chan struct{}
	pending chan *pendingException

	mu      sync.Mutex
	state   RendezvousState
	current *pendingException
	// closed rendezvous resume exceptions right away
	closed bool

	queued atomic.Int32
}

// NewRendezvous creates an idle rendezvous
func NewRendezvous() *Rendezvous {
	return &Rendezvous{
		gate:    make(chan struct{}, 1),
		pending: make(chan *pendingException, 1),
	}
}

// State returns the current phase
func (r *Rendezvous) State() RendezvousState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Queued returns how many faulting threads wait for their turn
func (r *Rendezvous) Queued() int {
	return int(r.queued.Load())
}

// Holding reports whether the debugger owns an exception context
func (r *Rendezvous) Holding() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// Enter posts an exception and blocks until the debugger releases it. If ctx
// ends first the exception is withdrawn and ctx.Err() returned.
func (r *Rendezvous) Enter(ctx context.Context, exc Exception) (Resolution, error) {
	r.queued.Add(1)
	select {
	case r.gate <- struct{}{}:
		r.queued.Add(-1)
	case <-ctx.Done():
		r.queued.Add(-1)
		return Resolution{}, ctx.Err()
	}

	p := &pendingException{exception: exc, resume: make(chan Resolution, 1)}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.gate
		return Resolution{Regs: exc.Regs}, nil
	}
	r.state = ExceptionPending
	r.pending <- p
	r.mu.Unlock()

	select {
	case res := <-p.resume:
		r.finish()
		return res, nil
	case <-ctx.Done():
		r.mu.Lock()
		p.abandoned = true
		if r.current == p {
			r.current = nil
		}
		select {
		case <-r.pending:
		default:
		}
		r.mu.Unlock()
		r.finish()
		return Resolution{}, ctx.Err()
	}
}

func (r *Rendezvous) finish() {
	r.mu.Lock()
	r.state = Idle
	r.mu.Unlock()
	<-r.gate
}

// Await blocks until an exception is posted and takes ownership of it
func (r *Rendezvous) Await(ctx context.Context) (Exception, error) {
	for {
		select {
		case p := <-r.pending:
			r.mu.Lock()
			if p.abandoned {
				r.mu.Unlock()
				continue
			}
			r.current = p
			r.state = CommandProcessing
			r.mu.Unlock()
			return p.exception, nil
		case <-ctx.Done():
			return Exception{}, ctx.Err()
		}
	}
}

// Open makes the rendezvous hand exceptions to the debugger again
func (r *Rendezvous) Open() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = false
}

// Close resumes the posted or owned exception with its own registers and makes
// later exceptions resume the same way without waiting for the debugger
func (r *Rendezvous) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true

	if p := r.current; p != nil {
		r.current = nil
		r.state = Resuming
		p.resume <- Resolution{Regs: p.exception.Regs}
	}
	select {
	case p := <-r.pending:
		if !p.abandoned {
			r.state = Resuming
			p.resume <- Resolution{Regs: p.exception.Regs}
		}
	default:
	}
}

// Release resumes the thread whose exception the debugger owns
func (r *Rendezvous) Release(res Resolution) error {
	r.mu.Lock()
	p := r.current
	if p == nil {
		r.mu.Unlock()
		return ErrNotOwner
	}
	r.current = nil
	r.state = Resuming
	r.mu.Unlock()

	p.resume <- res
	return nil
}
