package trap

import (
	"errors"
	"fmt"
)

var (
	ErrInstructionLength = errors.New("trap: instruction length unknown")
	ErrAlreadyRetired    = errors.New("trap: instruction already retired")
)

// Retire finalizes the guest-visible effect of a trap. Only a handled
// trap moves the PC, and it moves exactly once: past the trapping
// instruction, unless the hardware already did so or the handler set the
// PC itself. Any other verdict rolls the frame back to its state at trap
// entry so the guest re-faults identically.
func Retire(ctx *Context, arch Architecture, c Classification, v Verdict) error {
	ctx.check()

	if ctx.retired {
		return ErrAlreadyRetired
	}
	if v != VerdictHandled {
		ctx.rollback()
		return nil
	}

	switch {
	case ctx.pcWritten:
	case arch.HardwareAdvancesPC(c.Kind):
	default:
		n := c.InstructionLength
		if n == 0 {
			ctx.rollback()
			return fmt.Errorf("%w for %s at pc 0x%x", ErrInstructionLength, c.Kind, ctx.TrapPC())
		}
		ctx.frame.PC = ctx.saved.PC + uint64(n)
	}

	ctx.retired = true
	return nil
}
