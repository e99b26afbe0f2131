package trap

import "fmt"

// Stage is the position of one trap in the handling state machine.
//
//	Trapped -> Classified -> Dispatched -> Retired | Faulted | Terminated
type Stage uint8

const (
	StageTrapped Stage = iota
	StageClassified
	StageDispatched
	StageRetired
	StageFaulted
	StageTerminated
)

func (s Stage) String() string {
	switch s {
	case StageTrapped:
		return "trapped"
	case StageClassified:
		return "classified"
	case StageDispatched:
		return "dispatched"
	case StageRetired:
		return "retired"
	case StageFaulted:
		return "faulted"
	case StageTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// Terminal reports whether s ends the handling of a trap.
func (s Stage) Terminal() bool {
	return s == StageRetired || s == StageFaulted || s == StageTerminated
}

func (s Stage) canAdvanceTo(next Stage) bool {
	switch s {
	case StageTrapped:
		return next == StageClassified
	case StageClassified:
		return next == StageDispatched
	case StageDispatched:
		return next.Terminal()
	default:
		return false
	}
}
