// Package riscv classifies traps taken to HS-mode from a virtualized
// RISC-V guest (H extension).
package riscv

import (
	"fmt"

	"github.com/tinyrange/trapcore/internal/trap"
)

// Exception causes relevant to a hypervisor.
const (
	CauseIllegalInsn         uint64 = 2
	CauseEcallFromVS         uint64 = 10
	CauseInsnGuestPageFault  uint64 = 20
	CauseLoadGuestPageFault  uint64 = 21
	CauseVirtualInstruction  uint64 = 22
	CauseStoreGuestPageFault uint64 = 23

	causeInterrupt uint64 = 1 << 63
)

const (
	opcodeMask   = 0x7F
	opcodeLoad   = 0x03
	opcodeStore  = 0x23
	opcodeAMO    = 0x2F
	opcodeSystem = 0x73

	insnWFI = 0x10500073

	// Transformed instructions clear bit 1 when the original was
	// compressed.
	compressedBit = 0x2
)

// GuestPhysicalAddress rebuilds the faulting guest physical address from
// htval and stval.
func GuestPhysicalAddress(htval, stval uint64) uint64 {
	return htval<<2 | stval&0x3
}

// InstructionLength returns the length of insn in bytes, or zero when no
// instruction was reported.
func InstructionLength(insn uint32) uint8 {
	switch {
	case insn == 0:
		return 0
	case insn&0x3 == 0x3:
		return 4
	default:
		return 2
	}
}

// Arch implements trap.Architecture for RISC-V guests.
type Arch struct{}

var _ trap.Architecture = Arch{}

func (Arch) Name() string { return "riscv64" }

func (Arch) ZeroRegister() int { return 0 }

// Classify implements trap.Architecture.
func (Arch) Classify(raw trap.Raw) trap.Classification {
	cause := raw.Syndrome
	cl := trap.Classification{InstructionLength: InstructionLength(raw.Instruction)}

	if cause&causeInterrupt != 0 {
		cl.Kind = trap.KindUnknown
		cl.Reason = fmt.Sprintf("interrupt %d", cause&^causeInterrupt)
		return cl
	}

	switch cause {
	case CauseIllegalInsn:
		cl.Kind = trap.KindUndefinedInstruction
	case CauseEcallFromVS:
		cl.Kind = trap.KindHypercall
		// ecall has no compressed form.
		cl.InstructionLength = 4
	case CauseInsnGuestPageFault:
		cl.Kind = trap.KindInstructionAbort
	case CauseLoadGuestPageFault, CauseStoreGuestPageFault:
		return classifyGuestPageFault(raw, cl)
	case CauseVirtualInstruction:
		return classifyVirtualInstruction(raw, cl)
	default:
		cl.Kind = trap.KindUnknown
		cl.Reason = fmt.Sprintf("cause %d", cause)
	}
	return cl
}

func classifyVirtualInstruction(raw trap.Raw, cl trap.Classification) trap.Classification {
	insn := raw.Instruction
	switch {
	case insn == insnWFI:
		cl.Kind = trap.KindWaitForInterrupt
	case insn&opcodeMask == opcodeSystem && isCSR(insn):
		cl.Kind = trap.KindSysRegAccess
		cl.Detail = uint64(insn >> 20)
	default:
		cl.Kind = trap.KindUndefinedInstruction
	}
	return cl
}

// isCSR reports whether a SYSTEM instruction is a CSR access. funct3 4
// holds the hypervisor load and store instructions.
func isCSR(insn uint32) bool {
	switch (insn >> 12) & 0x7 {
	case 1, 2, 3, 5, 6, 7:
		return true
	default:
		return false
	}
}

func classifyGuestPageFault(raw trap.Raw, cl trap.Classification) trap.Classification {
	insn := raw.Instruction
	undecodable := func(reason string) trap.Classification {
		cl.Kind = trap.KindUndecodableAbort
		cl.Reason = reason
		return cl
	}

	switch {
	case insn == 0:
		return undecodable("no transformed instruction")
	case insn&0x1 == 0:
		return undecodable("implicit access during VS-stage translation")
	case !raw.HasFaultAddress:
		return undecodable("no fault address")
	}

	op := (insn | compressedBit) & opcodeMask
	f3 := (insn >> 12) & 0x7

	var (
		width  uint8
		dir    trap.Direction
		reg    int
		signed bool
	)
	switch op {
	case opcodeLoad:
		if f3 == 7 {
			return undecodable(fmt.Sprintf("invalid load funct3 %d", f3))
		}
		width = 1 << (f3 & 0x3)
		signed = f3 < 4 && width < 8
		dir = trap.Load
		reg = int((insn >> 7) & 0x1F)
	case opcodeStore:
		if f3 > 3 {
			return undecodable(fmt.Sprintf("invalid store funct3 %d", f3))
		}
		width = 1 << f3
		dir = trap.Store
		reg = int((insn >> 20) & 0x1F)
	case opcodeAMO:
		return undecodable("atomic memory operation")
	default:
		return undecodable(fmt.Sprintf("opcode 0x%02x is not a load or store", op))
	}

	if raw.Syndrome == CauseStoreGuestPageFault && dir != trap.Store ||
		raw.Syndrome == CauseLoadGuestPageFault && dir != trap.Load {
		return undecodable("instruction direction disagrees with cause")
	}

	access, err := trap.NewAccess(raw.FaultAddress, width, dir, reg)
	if err != nil {
		return undecodable(err.Error())
	}
	access.SignExtend = signed

	cl.Kind = trap.KindDataAbort
	cl.Access = access
	return cl
}

// HardwareAdvancesPC implements trap.Architecture. sepc always points at
// the trapping instruction.
func (Arch) HardwareAdvancesPC(trap.Kind) bool { return false }

// ForwardFault implements trap.Architecture. Unemulated instructions are
// reflected to VS-mode as illegal instruction exceptions.
func (Arch) ForwardFault(c trap.Classification, raw trap.Raw) (trap.Fault, bool) {
	switch c.Kind {
	case trap.KindUndefinedInstruction, trap.KindSysRegAccess:
		return trap.Fault{
			Class:    CauseIllegalInsn,
			Syndrome: CauseIllegalInsn,
			Value:    uint64(raw.Instruction),
		}, true
	default:
		return trap.Fault{}, false
	}
}
