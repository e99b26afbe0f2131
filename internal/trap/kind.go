package trap

import "fmt"

// Kind is the architecture-neutral category of a trap.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindDataAbort
	KindUndecodableAbort
	KindInstructionAbort
	KindSysRegAccess
	KindHypercall
	KindSecureCall
	KindWaitForInterrupt
	KindUndefinedInstruction

	// NumKinds sizes per-kind tables. It must stay last.
	NumKinds
)

var kindNames = [NumKinds]string{
	KindUnknown:              "unknown",
	KindDataAbort:            "data-abort",
	KindUndecodableAbort:     "undecodable-abort",
	KindInstructionAbort:     "instruction-abort",
	KindSysRegAccess:         "sysreg-access",
	KindHypercall:            "hypercall",
	KindSecureCall:           "secure-call",
	KindWaitForInterrupt:     "wait-for-interrupt",
	KindUndefinedInstruction: "undefined-instruction",
}

// failClosed marks kinds whose aggregate dispatch result is forbidden when
// no handler claims them.
var failClosed = [NumKinds]bool{
	KindUnknown:          true,
	KindUndecodableAbort: true,
}

func (k Kind) String() string {
	if k < NumKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool { return k < NumKinds }

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return KindUnknown, fmt.Errorf("trap: unknown trap kind %q", s)
}
