// Package hypercall dispatches guest hypervisor calls by function number.
package hypercall

import (
	"fmt"

	"github.com/tinyrange/trapcore/internal/trap"
)

// Call is a decoded hypervisor call.
type Call struct {
	// Function is the SMCCC function ID or the SBI extension ID.
	Function uint64
	// Sub is the SBI function ID; zero for SMCCC.
	Sub  uint64
	Args [6]uint64

	ret  [4]uint64
	nret int
	reg  *Registry
}

// Return sets the values handed back to the guest. It may be called at
// most with four values.
func (c *Call) Return(values ...uint64) {
	if len(values) > len(c.ret) {
		panic(fmt.Sprintf("hypercall: %d return values, at most %d", len(values), len(c.ret)))
	}
	c.nret = copy(c.ret[:], values)
}

// Results returns the values set by Return.
func (c *Call) Results() []uint64 { return c.ret[:c.nret] }

// Supported reports whether the registry serving the call implements
// function id. Feature discovery calls answer from it.
func (c *Call) Supported(id uint64) bool {
	return c.reg != nil && c.reg.Supports(id)
}

// ABI is a hypercall calling convention.
type ABI interface {
	Name() string
	Decode(ctx *trap.Context) Call
	Encode(ctx *trap.Context, results []uint64)
}

// Func emulates one hypervisor call.
type Func func(ctx *trap.Context, call *Call) trap.Verdict

// Registry is a trap.Handler for hypervisor and secure monitor calls.
// Functions are fixed when the registry is created.
type Registry struct {
	abi   ABI
	funcs map[uint64]Func
}

var _ trap.Handler = (*Registry)(nil)

// NewRegistry copies funcs into an immutable registry.
func NewRegistry(abi ABI, funcs map[uint64]Func) (*Registry, error) {
	if abi == nil {
		return nil, fmt.Errorf("hypercall: registry needs an ABI")
	}
	r := &Registry{abi: abi, funcs: make(map[uint64]Func, len(funcs))}
	for id, f := range funcs {
		if f == nil {
			return nil, fmt.Errorf("hypercall: function 0x%x has nil handler", id)
		}
		r.funcs[id] = f
	}
	return r, nil
}

// Supports reports whether the registry serves function id.
func (r *Registry) Supports(id uint64) bool {
	_, ok := r.funcs[id]
	return ok
}

// HandleTrap implements trap.Handler. Unknown function numbers are left
// unhandled.
func (r *Registry) HandleTrap(ctx *trap.Context, _ *trap.Access) trap.Verdict {
	call := r.abi.Decode(ctx)
	call.reg = r
	f, ok := r.funcs[call.Function]
	if !ok {
		return trap.VerdictUnhandled
	}
	v := f(ctx, &call)
	if v == trap.VerdictHandled {
		r.abi.Encode(ctx, call.Results())
	}
	return v
}

// SMCCC is the Arm SMC Calling Convention: function ID in w0, arguments
// in x1-x6, results in x0-x3.
type SMCCC struct{}

func (SMCCC) Name() string { return "smccc" }

func (SMCCC) Decode(ctx *trap.Context) Call {
	c := Call{Function: ctx.Reg(0) & 0xFFFFFFFF}
	for i := range c.Args {
		c.Args[i] = ctx.Reg(i + 1)
	}
	return c
}

func (SMCCC) Encode(ctx *trap.Context, results []uint64) {
	for i, v := range results {
		ctx.SetReg(i, v)
	}
}

// SBI is the RISC-V Supervisor Binary Interface: extension ID in a7,
// function ID in a6, arguments in a0-a5, error in a0 and value in a1.
type SBI struct{}

const (
	regA0 = 10
	regA6 = 16
	regA7 = 17
)

func (SBI) Name() string { return "sbi" }

func (SBI) Decode(ctx *trap.Context) Call {
	c := Call{Function: ctx.Reg(regA7), Sub: ctx.Reg(regA6)}
	for i := range c.Args {
		c.Args[i] = ctx.Reg(regA0 + i)
	}
	return c
}

func (SBI) Encode(ctx *trap.Context, results []uint64) {
	for i, v := range results {
		if i > 1 {
			break
		}
		ctx.SetReg(regA0+i, v)
	}
}

var (
	_ ABI = SMCCC{}
	_ ABI = SBI{}
)
