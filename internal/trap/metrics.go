package trap

import "sync/atomic"

type metrics struct {
	kinds   [NumKinds]atomic.Uint64
	actions [numActions]atomic.Uint64

	totalNanos atomic.Uint64
}

func (m *metrics) record(o Outcome, nanos int64) {
	if o.Kind.Valid() {
		m.kinds[o.Kind].Add(1)
	}
	if int(o.Action) < numActions {
		m.actions[o.Action].Add(1)
	}
	if nanos > 0 {
		m.totalNanos.Add(uint64(nanos))
	}
}

// Metrics is a snapshot of a Core's trap counters.
type Metrics struct {
	Traps      uint64            `json:"traps"`
	ByKind     map[string]uint64 `json:"by_kind"`
	Resumed    uint64            `json:"resumed"`
	Injected   uint64            `json:"injected"`
	Terminated uint64            `json:"terminated"`
	AvgTrapNs  uint64            `json:"avg_trap_ns"`
}

func (m *metrics) snapshot() Metrics {
	out := Metrics{ByKind: make(map[string]uint64)}
	for k := range m.kinds {
		n := m.kinds[k].Load()
		if n == 0 {
			continue
		}
		out.ByKind[Kind(k).String()] = n
		out.Traps += n
	}
	out.Resumed = m.actions[ActionResume].Load()
	out.Injected = m.actions[ActionInjectFault].Load()
	out.Terminated = m.actions[ActionTerminateCell].Load()
	if out.Traps > 0 {
		out.AvgTrapNs = m.totalNanos.Load() / out.Traps
	}
	return out
}
