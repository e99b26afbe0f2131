// Package cell wires a cell configuration into a trap pipeline and keeps
// the minimal per-cell state the pipeline reports into.
package cell

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/trapcore/internal/devices/pl031"
	"github.com/tinyrange/trapcore/internal/hypercall"
	"github.com/tinyrange/trapcore/internal/mmio"
	"github.com/tinyrange/trapcore/internal/trap"
	"github.com/tinyrange/trapcore/internal/trap/arm64"
	"github.com/tinyrange/trapcore/internal/trap/riscv"
)

var (
	ErrTerminated   = errors.New("cell: terminated")
	ErrFaultPending = errors.New("cell: fault already pending")
	ErrCPUNotInCell = errors.New("cell: cpu not assigned to cell")
)

// Options are the host-side collaborators of a cell.
type Options struct {
	Logger   *slog.Logger
	Observer trap.Observer
	// Clock drives time-based device models; defaults to time.Now.
	Clock func() time.Time
}

// Cell is one isolated guest partition as seen by the trap core.
type Cell struct {
	name   string
	cpus   map[int]bool
	core   *trap.Core
	logger *slog.Logger

	terminated atomic.Bool

	mu      sync.Mutex
	reason  string
	pending map[int]trap.Fault
}

var (
	_ trap.CellMonitor   = (*Cell)(nil)
	_ trap.FaultInjector = (*Cell)(nil)
)

// New builds the cell's dispatch table and trap core from cfg.
func New(cfg Config, opts Options) (*Cell, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("cell", cfg.Name)

	arch, err := Architecture(cfg.Arch)
	if err != nil {
		return nil, err
	}

	table, err := buildTable(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("cell: %s: %w", cfg.Name, err)
	}

	c := &Cell{
		name:    cfg.Name,
		cpus:    make(map[int]bool, len(cfg.CPUs)),
		logger:  logger,
		pending: make(map[int]trap.Fault),
	}
	for _, cpu := range cfg.CPUs {
		c.cpus[cpu] = true
	}

	c.core, err = trap.NewCore(trap.CoreConfig{
		Arch:     arch,
		Table:    table,
		Cell:     c,
		Injector: c,
		Logger:   logger,
		Observer: opts.Observer,
	})
	if err != nil {
		return nil, fmt.Errorf("cell: %s: %w", cfg.Name, err)
	}
	return c, nil
}

// Architecture returns the classifier for an arch name.
func Architecture(name string) (trap.Architecture, error) {
	switch name {
	case ArchARM64:
		return arm64.Arch{}, nil
	case ArchRISCV64:
		return riscv.Arch{}, nil
	default:
		return nil, fmt.Errorf("cell: unsupported arch %q", name)
	}
}

func buildTable(cfg Config, opts Options) (*trap.Table, error) {
	b := trap.NewTableBuilder()

	for _, m := range cfg.MMIO {
		dev, err := newDevice(m, opts)
		if err != nil {
			return nil, err
		}
		if err := mmio.Register(b, m.Name, dev, mmio.Region{Base: m.Base, Size: m.Size}); err != nil {
			return nil, err
		}
	}

	if len(cfg.SysRegs) > 0 {
		entries := make(map[arm64.SysReg]arm64.SysRegHandler, len(cfg.SysRegs))
		for _, s := range cfg.SysRegs {
			reg, err := s.Reg()
			if err != nil {
				return nil, err
			}
			if _, dup := entries[reg]; dup {
				return nil, fmt.Errorf("sysreg %s configured twice", reg)
			}
			switch s.Policy {
			case PolicyRAZWI:
				entries[reg] = arm64.ReadAsZero
			case PolicyDeny:
				entries[reg] = arm64.DenyAccess
			}
		}
		table, err := arm64.NewSysRegTable(entries)
		if err != nil {
			return nil, err
		}
		if err := b.Handle(trap.KindSysRegAccess, "sysregs", table); err != nil {
			return nil, err
		}
	}

	switch {
	case cfg.Hypercalls.PSCI:
		funcs, err := hypercall.Merge(hypercall.PSCI(), hypercall.SMCCCArch())
		if err != nil {
			return nil, err
		}
		// PSCI is reachable through either conduit.
		if err := handleCalls(b, hypercall.SMCCC{}, funcs, trap.KindHypercall, trap.KindSecureCall); err != nil {
			return nil, err
		}
	case cfg.Hypercalls.SBI:
		if err := handleCalls(b, hypercall.SBI{}, hypercall.SBIFuncs(), trap.KindHypercall); err != nil {
			return nil, err
		}
	}

	return b.Build()
}

func handleCalls(b *trap.TableBuilder, abi hypercall.ABI, funcs map[uint64]hypercall.Func, kinds ...trap.Kind) error {
	reg, err := hypercall.NewRegistry(abi, funcs)
	if err != nil {
		return err
	}
	for _, k := range kinds {
		if err := b.Handle(k, abi.Name(), reg); err != nil {
			return err
		}
	}
	return nil
}

func newDevice(m MMIOConfig, opts Options) (mmio.Device, error) {
	switch m.Device {
	case DevicePL031:
		var popts []pl031.Option
		if opts.Clock != nil {
			popts = append(popts, pl031.WithClock(opts.Clock))
		}
		return pl031.New(m.Base, popts...), nil
	case DeviceZero:
		return mmio.Zero{}, nil
	case DeviceReadOnly:
		return mmio.ReadOnly(mmio.Zero{}), nil
	case DeviceDeny:
		return mmio.Deny{}, nil
	default:
		return nil, fmt.Errorf("mmio region %q: unknown device %q", m.Name, m.Device)
	}
}

// Name returns the cell name.
func (c *Cell) Name() string { return c.name }

// Core returns the cell's trap pipeline.
func (c *Cell) Core() *trap.Core { return c.core }

// Trap runs one trap taken by a CPU of this cell.
func (c *Cell) Trap(frame *trap.Frame, raw trap.Raw) (trap.Outcome, error) {
	if c.terminated.Load() {
		return trap.Outcome{}, ErrTerminated
	}
	if !c.cpus[raw.CPU] {
		return trap.Outcome{}, fmt.Errorf("%w: cpu %d", ErrCPUNotInCell, raw.CPU)
	}
	return c.core.HandleTrap(frame, raw), nil
}

// TerminateCell implements trap.CellMonitor. The first reason is kept.
func (c *Cell) TerminateCell(cpu int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminated.Load() {
		return
	}
	c.reason = fmt.Sprintf("cpu%d: %s", cpu, reason)
	c.terminated.Store(true)
	clear(c.pending)
	c.logger.Info("cell stopped", "cpu", cpu)
}

// Terminated reports whether the cell was stopped and why.
func (c *Cell) Terminated() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated.Load(), c.reason
}

// InjectFault implements trap.FaultInjector by queueing the fault for the
// architecture layer to deliver on the CPU's next guest entry.
func (c *Cell) InjectFault(cpu int, f trap.Fault) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminated.Load() {
		return ErrTerminated
	}
	if prev, ok := c.pending[cpu]; ok {
		return fmt.Errorf("%w on cpu %d: %s", ErrFaultPending, cpu, prev)
	}
	c.pending[cpu] = f
	return nil
}

// TakePendingFault removes and returns the fault queued for cpu.
func (c *Cell) TakePendingFault(cpu int) (trap.Fault, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.pending[cpu]
	delete(c.pending, cpu)
	return f, ok
}
