package trap

import "fmt"

// Action is the final step taken for a trap.
type Action uint8

const (
	ActionResume Action = iota
	ActionInjectFault
	ActionTerminateCell
)

func (a Action) String() string {
	switch a {
	case ActionResume:
		return "resume"
	case ActionInjectFault:
		return "inject-fault"
	case ActionTerminateCell:
		return "terminate-cell"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// numActions sizes per-action tables.
const numActions = 3

// Outcome is the resolved result of one trap.
type Outcome struct {
	Action  Action
	Kind    Kind
	Verdict Verdict
	// Fault is the exception to inject when Action is ActionInjectFault.
	Fault  Fault
	Reason string
	Stage  Stage
}

func (o Outcome) String() string {
	switch o.Action {
	case ActionInjectFault:
		return fmt.Sprintf("%s: %s (%s)", o.Kind, o.Action, o.Fault)
	case ActionTerminateCell:
		return fmt.Sprintf("%s: %s (%s)", o.Kind, o.Action, o.Reason)
	default:
		return fmt.Sprintf("%s: %s", o.Kind, o.Action)
	}
}

// Resolve maps a verdict to the action the core takes. retireErr is the
// result of Retire for a handled trap; a handled trap that could not be
// retired is a handler contract violation and terminates the cell.
func Resolve(arch Architecture, c Classification, raw Raw, v Verdict, retireErr error) Outcome {
	out := Outcome{Kind: c.Kind, Verdict: v.normalize()}

	switch out.Verdict {
	case VerdictHandled:
		if retireErr != nil {
			out.Verdict = VerdictForbidden
			out.Action = ActionTerminateCell
			out.Reason = retireErr.Error()
			out.Stage = StageTerminated
			return out
		}
		out.Action = ActionResume
		out.Stage = StageRetired
	case VerdictUnhandled:
		if f, ok := arch.ForwardFault(c, raw); ok {
			out.Action = ActionInjectFault
			out.Fault = f
			out.Stage = StageFaulted
			return out
		}
		out.Action = ActionTerminateCell
		out.Reason = fmt.Sprintf("unhandled %s", c)
		out.Stage = StageTerminated
	default:
		out.Action = ActionTerminateCell
		out.Reason = fmt.Sprintf("forbidden %s", c)
		out.Stage = StageTerminated
	}
	return out
}
