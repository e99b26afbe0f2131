package trap

import "fmt"

// Context is the per-trap view of the trapping guest. It borrows the
// entry stub's Frame for the duration of one trap and must not be retained
// by handlers once they return. Using a Context after its trap has been
// resolved panics.
type Context struct {
	frame *Frame
	saved Frame
	raw   Raw

	zeroReg int
	stage   Stage

	pcWritten bool
	retired   bool
	expired   bool

	reason string
}

// NewContext starts a trap on frame. zeroReg is the index of the
// architecture's hardwired zero register, or NoZeroRegister.
func NewContext(frame *Frame, raw Raw, zeroReg int) *Context {
	if frame == nil {
		panic("trap: nil frame")
	}
	return &Context{
		frame:   frame,
		saved:   *frame,
		raw:     raw,
		zeroReg: zeroReg,
		stage:   StageTrapped,
	}
}

func (c *Context) check() {
	if c.expired {
		panic("trap: context used after trap completed")
	}
}

// CPU returns the physical CPU the trap was taken on.
func (c *Context) CPU() int {
	c.check()
	return c.raw.CPU
}

// Cause returns the raw syndrome.
func (c *Context) Cause() uint64 {
	c.check()
	return c.raw.Syndrome
}

// FaultAddress returns the faulting address of memory traps.
func (c *Context) FaultAddress() (uint64, bool) {
	c.check()
	return c.raw.FaultAddress, c.raw.HasFaultAddress
}

// Instruction returns the hardware-reported trapping instruction, if any.
func (c *Context) Instruction() uint32 {
	c.check()
	return c.raw.Instruction
}

// Raw returns the hardware trap state the context was built from.
func (c *Context) Raw() Raw {
	c.check()
	return c.raw
}

// Reg reads general-purpose register i.
func (c *Context) Reg(i int) uint64 {
	c.check()
	if i == c.zeroReg {
		return 0
	}
	if i < 0 || i >= NumRegs {
		panic(fmt.Sprintf("trap: register index %d out of range", i))
	}
	return c.frame.Regs[i]
}

// SetReg writes general-purpose register i. Writes to the zero register
// are discarded.
func (c *Context) SetReg(i int, v uint64) {
	c.check()
	if i == c.zeroReg {
		return
	}
	if i < 0 || i >= NumRegs {
		panic(fmt.Sprintf("trap: register index %d out of range", i))
	}
	c.frame.Regs[i] = v
}

// PC returns the current guest program counter.
func (c *Context) PC() uint64 {
	c.check()
	return c.frame.PC
}

// TrapPC returns the program counter at trap entry.
func (c *Context) TrapPC() uint64 {
	c.check()
	return c.saved.PC
}

// SetPC redirects the guest. A handler that sets the PC takes over the
// retirement of the trapping instruction.
func (c *Context) SetPC(pc uint64) {
	c.check()
	c.frame.PC = pc
	c.pcWritten = true
}

// PState returns the saved processor state word.
func (c *Context) PState() uint64 {
	c.check()
	return c.frame.PState
}

// CompleteLoad writes the result of an emulated load into the access's
// destination register, applying width and extension rules.
func (c *Context) CompleteLoad(a *Access, value uint64) {
	c.SetReg(a.Register, a.Extend(value))
}

// StoreValue returns the value an emulated store writes, masked to width.
func (c *Context) StoreValue(a *Access) uint64 {
	return c.Reg(a.Register) & a.Mask()
}

// Forbid records why the trap is forbidden and returns VerdictForbidden.
func (c *Context) Forbid(format string, args ...any) Verdict {
	c.check()
	c.reason = fmt.Sprintf(format, args...)
	return VerdictForbidden
}

// Reason returns the reason recorded by Forbid, if any.
func (c *Context) Reason() string {
	c.check()
	return c.reason
}

// Stage returns the current handling stage.
func (c *Context) Stage() Stage {
	c.check()
	return c.stage
}

func (c *Context) advance(next Stage) {
	if !c.stage.canAdvanceTo(next) {
		panic(fmt.Sprintf("trap: illegal stage transition %s -> %s", c.stage, next))
	}
	c.stage = next
}

// rollback restores the frame to its state at trap entry.
func (c *Context) rollback() {
	*c.frame = c.saved
	c.pcWritten = false
}

func (c *Context) expire() {
	c.expired = true
	c.frame = nil
}
