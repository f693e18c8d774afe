package debugger

import (
	"log/slog"
	"slices"

	"github.com/Manu343726/gdbstub/pkg/hw/mips"
	"github.com/Manu343726/gdbstub/pkg/utils"
)

// StepEngine emulates a single instruction step by placing step breakpoints on
// every address the instruction at PC may transfer control to.
type StepEngine struct {
	breakpoints *BreakpointManager
	log         *slog.Logger
}

// NewStepEngine creates a step engine placing its traps through breakpoints
func NewStepEngine(breakpoints *BreakpointManager, log *slog.Logger) *StepEngine {
	if log == nil {
		log = slog.Default()
	}
	return &StepEngine{breakpoints: breakpoints, log: log}
}

// Successors returns where execution may stop after the instruction at regs.PC.
// With skipCalls set, calls are stepped over by stopping after their delay slot.
//
// A step trap at regs.PC itself would fire before the instruction runs. When a
// successor is regs.PC the branch condition decides: a branch not taken only
// keeps its other successors, a taken one fails with ErrNoProgress.
func (s *StepEngine) Successors(regs *mips.Registers, skipCalls bool) ([]uint32, mips.Branch, error) {
	word, err := s.breakpoints.Instruction(regs.PC)
	if err != nil {
		return nil, mips.Branch{}, err
	}

	branch := mips.Classify(word, regs.PC, regs)
	if !branch.Recognized {
		s.log.Warn("unrecognized instruction, stepping sequentially",
			slog.String("pc", utils.FormatUint32Hex(regs.PC)),
			slog.String("word", utils.FormatUint32Hex(word)))
	}

	successors := branch.Successors()
	if branch.Kind == mips.Link && skipCalls {
		successors = []uint32{branch.Fallthrough}
	}
	if !slices.Contains(successors, regs.PC) {
		return successors, branch, nil
	}

	if taken, ok := mips.Taken(word, regs); !ok || taken {
		return nil, branch, ErrNoProgress
	}
	return slices.DeleteFunc(successors, func(addr uint32) bool { return addr == regs.PC }), branch, nil
}

// Step installs the step breakpoints for the instruction at regs.PC and returns
// their addresses. The caller resumes the target afterwards. On failure no step
// breakpoint is left behind.
func (s *StepEngine) Step(regs *mips.Registers, skipCalls bool) ([]uint32, error) {
	successors, branch, err := s.Successors(regs, skipCalls)
	if err != nil {
		return nil, err
	}

	for _, addr := range successors {
		if err := s.breakpoints.InstallTransient(addr); err != nil {
			_, _ = s.breakpoints.ClearAllTransient()
			return nil, err
		}
	}

	s.log.Debug("step",
		slog.String("pc", utils.FormatUint32Hex(regs.PC)),
		slog.String("branch", branch.Kind.String()),
		slog.Any("targets", hexList(successors)))
	return successors, nil
}

func hexList(addrs []uint32) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = utils.FormatUint32Hex(a)
	}
	return out
}
