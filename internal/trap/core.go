package trap

import (
	"fmt"
	"log/slog"
	"time"
)

// CellMonitor receives the one-way notification that a cell must stop.
type CellMonitor interface {
	TerminateCell(cpu int, reason string)
}

// FaultInjector synthesizes an architectural exception into the guest.
// The core chooses the exception; the injector owns the mechanics.
type FaultInjector interface {
	InjectFault(cpu int, f Fault) error
}

// Observer is told about every resolved trap.
type Observer interface {
	TrapResolved(cpu int, o Outcome, d time.Duration)
}

type CoreConfig struct {
	Arch     Architecture
	Table    *Table
	Cell     CellMonitor
	Injector FaultInjector

	// Optional
	Logger   *slog.Logger
	Observer Observer
}

// Core runs the trap pipeline for one cell. It is immutable after
// NewCore and may be used by every CPU of the cell concurrently.
type Core struct {
	arch     Architecture
	table    *Table
	cell     CellMonitor
	injector FaultInjector
	logger   *slog.Logger
	observer Observer

	metrics metrics
}

func NewCore(cfg CoreConfig) (*Core, error) {
	if cfg.Arch == nil {
		return nil, fmt.Errorf("trap: core needs an architecture")
	}
	if cfg.Table == nil {
		return nil, fmt.Errorf("trap: core needs a dispatch table")
	}
	if cfg.Cell == nil {
		return nil, fmt.Errorf("trap: core needs a cell monitor")
	}
	if cfg.Injector == nil {
		return nil, fmt.Errorf("trap: core needs a fault injector")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		arch:     cfg.Arch,
		table:    cfg.Table,
		cell:     cfg.Cell,
		injector: cfg.Injector,
		logger:   logger.With("arch", cfg.Arch.Name()),
		observer: cfg.Observer,
	}, nil
}

// Architecture returns the architecture the core classifies for.
func (c *Core) Architecture() Architecture { return c.arch }

// Classify runs the classifier alone. A panicking classifier yields
// KindUnknown so that every trap has a defined next step.
func (c *Core) Classify(raw Raw) (cl Classification) {
	defer func() {
		if r := recover(); r != nil {
			cl = Classification{Kind: KindUnknown, Reason: fmt.Sprintf("classifier panicked: %v", r)}
		}
	}()
	cl = c.arch.Classify(raw)
	if !cl.Kind.Valid() {
		cl = Classification{Kind: KindUnknown, Reason: fmt.Sprintf("classifier returned %s", cl.Kind)}
	}
	return cl
}

// HandleTrap takes one trap from entry to its terminal action. frame is
// edited in place and is left in the layout the entry stub resumes from.
func (c *Core) HandleTrap(frame *Frame, raw Raw) Outcome {
	start := time.Now()

	ctx := NewContext(frame, raw, c.arch.ZeroRegister())
	defer ctx.expire()

	cl := c.Classify(raw)
	ctx.advance(StageClassified)

	c.logger.Debug("trap",
		"cpu", raw.CPU,
		"kind", cl.Kind,
		"syndrome", fmt.Sprintf("0x%x", raw.Syndrome),
		"pc", fmt.Sprintf("0x%x", frame.PC))

	v := c.table.Dispatch(ctx, cl)
	ctx.advance(StageDispatched)

	retireErr := Retire(ctx, c.arch, cl, v)
	out := Resolve(c.arch, cl, raw, v, retireErr)
	if out.Action == ActionTerminateCell && retireErr == nil && ctx.reason != "" {
		out.Reason = ctx.reason
	}

	switch out.Action {
	case ActionInjectFault:
		if err := c.injector.InjectFault(raw.CPU, out.Fault); err != nil {
			out.Action = ActionTerminateCell
			out.Stage = StageTerminated
			out.Reason = fmt.Sprintf("inject %s: %v", out.Fault, err)
			break
		}
		c.logger.Info("injecting fault", "cpu", raw.CPU, "kind", cl.Kind, "fault", out.Fault)
	}
	if out.Action == ActionTerminateCell {
		c.logger.Warn("terminating cell",
			"cpu", raw.CPU,
			"kind", cl.Kind,
			"verdict", out.Verdict,
			"reason", out.Reason)
		c.cell.TerminateCell(raw.CPU, out.Reason)
	}

	ctx.advance(out.Stage)

	elapsed := time.Since(start)
	c.metrics.record(out, elapsed.Nanoseconds())
	if c.observer != nil {
		c.observer.TrapResolved(raw.CPU, out, elapsed)
	}
	return out
}

// Metrics returns a snapshot of the core's counters.
func (c *Core) Metrics() Metrics { return c.metrics.snapshot() }
