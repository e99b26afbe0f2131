package trap

import "fmt"

// NumRegs is the size of the general-purpose register file carried in a
// Frame. It covers AArch64 x0-x30 and RISC-V x0-x31.
const NumRegs = 32

// NoZeroRegister is passed as the zero register index for architectures
// without a hardwired zero register.
const NoZeroRegister = -1

// Frame is the register-save area filled in by the entry stub. The core
// edits it in place and never changes its layout.
type Frame struct {
	Regs   [NumRegs]uint64
	PC     uint64
	PState uint64
}

// Raw is the hardware-reported trap state for one trap.
type Raw struct {
	CPU int
	// Syndrome is the architecture cause register (ESR_EL2, scause).
	Syndrome uint64
	// FaultAddress is the faulting guest physical address for memory
	// traps, valid when HasFaultAddress is set.
	FaultAddress    uint64
	HasFaultAddress bool
	// Instruction is the trapping instruction as reported by the hardware
	// (htinst/stval on RISC-V), or zero when unavailable.
	Instruction uint32
}

func (r Raw) String() string {
	if r.HasFaultAddress {
		return fmt.Sprintf("cpu%d syndrome=0x%x addr=0x%x", r.CPU, r.Syndrome, r.FaultAddress)
	}
	return fmt.Sprintf("cpu%d syndrome=0x%x", r.CPU, r.Syndrome)
}
