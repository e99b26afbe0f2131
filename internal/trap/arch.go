package trap

import "fmt"

// Classification is the classifier's decision for one trap.
type Classification struct {
	Kind Kind
	// Access is only meaningful when Kind is KindDataAbort.
	Access Access
	// InstructionLength is the size in bytes of the trapping instruction,
	// or zero when it cannot be determined.
	InstructionLength uint8
	// Detail carries kind-specific syndrome bits (hypercall immediate,
	// system register encoding, ...).
	Detail uint64
	// Reason explains Unknown and UndecodableAbort classifications.
	Reason string
}

// HasAccess reports whether the classification carries an access
// descriptor.
func (c Classification) HasAccess() bool { return c.Kind == KindDataAbort }

func (c Classification) String() string {
	if c.HasAccess() {
		return fmt.Sprintf("%s (%s)", c.Kind, c.Access)
	}
	if c.Reason != "" {
		return fmt.Sprintf("%s (%s)", c.Kind, c.Reason)
	}
	return c.Kind.String()
}

// Fault is an architectural exception to synthesize into the guest.
type Fault struct {
	// Class is the exception class (AArch64 EC) or cause (RISC-V scause).
	Class uint64
	// Syndrome is the full syndrome value to report to the guest.
	Syndrome uint64
	// Value is the auxiliary fault value (FAR, stval).
	Value uint64
}

func (f Fault) String() string {
	return fmt.Sprintf("class=0x%x syndrome=0x%x value=0x%x", f.Class, f.Syndrome, f.Value)
}

// Architecture is the architecture-specific half of the trap pipeline.
// Implementations must be stateless or immutable.
type Architecture interface {
	Name() string

	// ZeroRegister returns the index of the hardwired zero register or
	// NoZeroRegister.
	ZeroRegister() int

	// Classify maps raw trap state to a Classification. It must be total
	// and deterministic: every input yields a defined Kind.
	Classify(raw Raw) Classification

	// HardwareAdvancesPC reports whether the hardware already moved the PC
	// past the trapping instruction for this kind.
	HardwareAdvancesPC(kind Kind) bool

	// ForwardFault returns the exception to inject when no handler claims
	// a trap of this classification. ok is false when the kind has no
	// guest-forwarding path.
	ForwardFault(c Classification, raw Raw) (f Fault, ok bool)
}
