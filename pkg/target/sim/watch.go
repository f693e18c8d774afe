package sim

import (
	"sync"

	"github.com/Manu343726/gdbstub/pkg/target"
)

type dataWatch struct {
	addr   uint32
	length uint32
	kind   target.WatchKind
}

// watchUnit emulates one instruction watch register and one data watch register
type watchUnit struct {
	mu      sync.Mutex
	present bool
	instr   *uint32
	data    *dataWatch
}

func (w *watchUnit) Supported() bool {
	return w.present
}

func (w *watchUnit) SetInstructionWatch(addr uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.present {
		return ErrNoWatchUnit
	}
	if w.instr != nil && *w.instr != addr {
		return ErrWatchBusy
	}
	w.instr = &addr
	return nil
}

func (w *watchUnit) ClearInstructionWatch() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.instr = nil
	return nil
}

func (w *watchUnit) SetDataWatch(addr, length uint32, kind target.WatchKind) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.present {
		return ErrNoWatchUnit
	}
	if length == 0 {
		length = 1
	}
	if w.data != nil && *w.data != (dataWatch{addr, length, kind}) {
		return ErrWatchBusy
	}
	w.data = &dataWatch{addr: addr, length: length, kind: kind}
	return nil
}

func (w *watchUnit) ClearDataWatch() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.data = nil
	return nil
}

func (w *watchUnit) matchInstruction(pc uint32) *target.WatchHit {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.instr == nil || *w.instr != pc {
		return nil
	}
	return &target.WatchHit{Kind: target.WatchInstruction, Address: pc}
}

// matchData checks an access of the given kind, which is either a read or a write
func (w *watchUnit) matchData(addr, size uint32, kind target.WatchKind) *target.WatchHit {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.data == nil {
		return nil
	}
	if w.data.kind != target.WatchDataAccess && w.data.kind != kind {
		return nil
	}
	if uint64(addr) >= uint64(w.data.addr)+uint64(w.data.length) || uint64(addr)+uint64(size) <= uint64(w.data.addr) {
		return nil
	}
	return &target.WatchHit{Kind: w.data.kind, Address: w.data.addr}
}
