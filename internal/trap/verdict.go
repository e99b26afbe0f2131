package trap

import "fmt"

// Verdict is the result a handler returns for one trap.
type Verdict uint8

const (
	// VerdictUnhandled means the handler does not own the trap.
	VerdictUnhandled Verdict = iota
	// VerdictHandled means emulation succeeded and the guest may resume.
	VerdictHandled
	// VerdictForbidden means the trap is recognised and must never be
	// permitted.
	VerdictForbidden
)

func (v Verdict) String() string {
	switch v {
	case VerdictUnhandled:
		return "unhandled"
	case VerdictHandled:
		return "handled"
	case VerdictForbidden:
		return "forbidden"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// normalize maps out-of-range values to VerdictForbidden.
func (v Verdict) normalize() Verdict {
	if v > VerdictForbidden {
		return VerdictForbidden
	}
	return v
}
