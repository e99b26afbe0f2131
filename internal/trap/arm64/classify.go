// Package arm64 classifies AArch64 traps taken to EL2.
package arm64

import (
	"fmt"

	"github.com/tinyrange/trapcore/internal/trap"
)

// ExceptionClass is the ESR_EL2.EC field.
type ExceptionClass uint8

const (
	ECUnknown          ExceptionClass = 0x00
	ECWFx              ExceptionClass = 0x01
	ECCP15MCR          ExceptionClass = 0x03
	ECCP15MCRR         ExceptionClass = 0x04
	ECCP14MCR          ExceptionClass = 0x05
	ECCP14LDC          ExceptionClass = 0x06
	ECIllegalExecution ExceptionClass = 0x0E
	ECHVC32            ExceptionClass = 0x12
	ECSMC32            ExceptionClass = 0x13
	ECHVC64            ExceptionClass = 0x16
	ECSMC64            ExceptionClass = 0x17
	ECSysReg           ExceptionClass = 0x18
	ECInstrAbortLow    ExceptionClass = 0x20
	ECDataAbortLow     ExceptionClass = 0x24
)

func (ec ExceptionClass) String() string {
	switch ec {
	case ECUnknown:
		return "unknown reason"
	case ECWFx:
		return "WFI/WFE"
	case ECCP15MCR, ECCP15MCRR:
		return "CP15 access"
	case ECCP14MCR, ECCP14LDC:
		return "CP14 access"
	case ECIllegalExecution:
		return "illegal execution state"
	case ECHVC32, ECHVC64:
		return "HVC"
	case ECSMC32, ECSMC64:
		return "SMC"
	case ECSysReg:
		return "MSR/MRS"
	case ECInstrAbortLow:
		return "instruction abort lower EL"
	case ECDataAbortLow:
		return "data abort lower EL"
	default:
		return fmt.Sprintf("exception class 0x%02x", uint8(ec))
	}
}

const (
	ecShift = 26
	ecMask  = 0x3F
	ilBit   = 1 << 25
	issMask = (1 << 25) - 1

	// Data abort ISS fields.
	isvBit   = 24
	sasShift = 22
	sasMask  = 0x3
	sseBit   = 21
	srtShift = 16
	srtMask  = 0x1F
	sfBit    = 15
	cmBit    = 8
	s1ptwBit = 7
	wnrBit   = 6

	wfxTIBit = 0
	imm16    = 0xFFFF

	// XZR in data abort and system register syndromes.
	zeroRegister = 31

	pageOffsetMask = 0xFFF
)

// Class extracts the exception class from a syndrome.
func Class(syndrome uint64) ExceptionClass {
	return ExceptionClass((syndrome >> ecShift) & ecMask)
}

// ISS extracts the instruction specific syndrome.
func ISS(syndrome uint64) uint32 { return uint32(syndrome & issMask) }

// Syndrome assembles an ESR value. il marks a 32-bit instruction.
func Syndrome(ec ExceptionClass, il bool, iss uint32) uint64 {
	s := uint64(ec&ecMask)<<ecShift | uint64(iss)&issMask
	if il {
		s |= ilBit
	}
	return s
}

// FaultIPA combines HPFAR_EL2 and FAR_EL2 into the faulting intermediate
// physical address.
func FaultIPA(hpfar, far uint64) uint64 {
	return (hpfar<<8)&^pageOffsetMask | far&pageOffsetMask
}

// Arch implements trap.Architecture for AArch64 guests.
type Arch struct{}

var _ trap.Architecture = Arch{}

func (Arch) Name() string { return "arm64" }

func (Arch) ZeroRegister() int { return zeroRegister }

func instructionLength(syndrome uint64) uint8 {
	if syndrome&ilBit != 0 {
		return 4
	}
	return 2
}

// Classify implements trap.Architecture.
func (Arch) Classify(raw trap.Raw) trap.Classification {
	ec := Class(raw.Syndrome)
	iss := ISS(raw.Syndrome)
	cl := trap.Classification{
		InstructionLength: instructionLength(raw.Syndrome),
		Detail:            uint64(iss),
	}

	switch ec {
	case ECUnknown:
		cl.Kind = trap.KindUndefinedInstruction
	case ECWFx:
		cl.Kind = trap.KindWaitForInterrupt
	case ECCP15MCR, ECCP15MCRR, ECCP14MCR, ECCP14LDC, ECSysReg:
		cl.Kind = trap.KindSysRegAccess
	case ECHVC32, ECHVC64:
		cl.Kind = trap.KindHypercall
		cl.Detail = uint64(iss & imm16)
	case ECSMC32, ECSMC64:
		cl.Kind = trap.KindSecureCall
		cl.Detail = uint64(iss & imm16)
	case ECInstrAbortLow:
		cl.Kind = trap.KindInstructionAbort
	case ECDataAbortLow:
		return classifyDataAbort(raw, cl)
	default:
		cl.Kind = trap.KindUnknown
		cl.Reason = ec.String()
	}
	return cl
}

func classifyDataAbort(raw trap.Raw, cl trap.Classification) trap.Classification {
	iss := ISS(raw.Syndrome)
	undecodable := func(reason string) trap.Classification {
		cl.Kind = trap.KindUndecodableAbort
		cl.Reason = reason
		return cl
	}

	switch {
	case (iss>>isvBit)&1 == 0:
		return undecodable("syndrome not valid (ISV clear)")
	case (iss>>s1ptwBit)&1 != 0:
		return undecodable("stage-1 translation table walk")
	case (iss>>cmBit)&1 != 0:
		return undecodable("cache maintenance")
	case !raw.HasFaultAddress:
		return undecodable("no fault address")
	}

	width := uint8(1) << ((iss >> sasShift) & sasMask)
	reg := int((iss >> srtShift) & srtMask)
	dir := trap.Load
	if (iss>>wnrBit)&1 != 0 {
		dir = trap.Store
	}

	access, err := trap.NewAccess(raw.FaultAddress, width, dir, reg)
	if err != nil {
		return undecodable(err.Error())
	}
	access.SignExtend = (iss>>sseBit)&1 != 0
	access.Wide = (iss>>sfBit)&1 != 0

	cl.Kind = trap.KindDataAbort
	cl.Access = access
	return cl
}

// HardwareAdvancesPC implements trap.Architecture. ELR_EL2 already points
// past an HVC; every other trap returns to the trapping instruction.
func (Arch) HardwareAdvancesPC(kind trap.Kind) bool {
	return kind == trap.KindHypercall
}

// ForwardFault implements trap.Architecture. Undefined instructions and
// system register accesses nobody emulates are reflected to the guest as
// an exception with unknown reason.
func (Arch) ForwardFault(c trap.Classification, raw trap.Raw) (trap.Fault, bool) {
	switch c.Kind {
	case trap.KindUndefinedInstruction, trap.KindSysRegAccess:
		return trap.Fault{
			Class:    uint64(ECUnknown),
			Syndrome: Syndrome(ECUnknown, raw.Syndrome&ilBit != 0, 0),
		}, true
	default:
		return trap.Fault{}, false
	}
}
