package cell

import (
	"fmt"
	"os"

	"github.com/tinyrange/trapcore/internal/trap"
	"github.com/tinyrange/trapcore/internal/trap/arm64"
	"github.com/tinyrange/trapcore/internal/trap/riscv"
	"gopkg.in/yaml.v3"
)

// Trace is a recorded sequence of traps that can be replayed against a
// cell.
type Trace struct {
	Traps []TraceEntry `yaml:"traps"`
}

// TraceEntry is the register-save area and raw trap state of one trap.
// The fault address is given either directly or as the fault registers
// the hardware reported: HPFAR_EL2 and FAR_EL2 on arm64, htval and stval
// on riscv64.
type TraceEntry struct {
	Comment     string         `yaml:"comment,omitempty"`
	CPU         int            `yaml:"cpu"`
	Syndrome    uint64         `yaml:"syndrome"`
	Address     *uint64        `yaml:"address,omitempty"`
	HPFAR       *uint64        `yaml:"hpfar,omitempty"`
	FAR         uint64         `yaml:"far,omitempty"`
	HTVal       *uint64        `yaml:"htval,omitempty"`
	STVal       uint64         `yaml:"stval,omitempty"`
	Instruction uint32         `yaml:"instruction,omitempty"`
	PC          uint64         `yaml:"pc"`
	PState      uint64         `yaml:"pstate,omitempty"`
	Regs        map[int]uint64 `yaml:"regs,omitempty"`
}

// Frame returns the register-save area described by the entry.
func (e TraceEntry) Frame() (trap.Frame, error) {
	f := trap.Frame{PC: e.PC, PState: e.PState}
	for i, v := range e.Regs {
		if i < 0 || i >= trap.NumRegs {
			return trap.Frame{}, fmt.Errorf("cell: trace register %d out of range", i)
		}
		f.Regs[i] = v
	}
	return f, nil
}

// Raw returns the hardware trap state described by the entry.
func (e TraceEntry) Raw() trap.Raw {
	raw := trap.Raw{
		CPU:         e.CPU,
		Syndrome:    e.Syndrome,
		Instruction: e.Instruction,
	}
	switch {
	case e.Address != nil:
		raw.FaultAddress, raw.HasFaultAddress = *e.Address, true
	case e.HPFAR != nil:
		raw.FaultAddress, raw.HasFaultAddress = arm64.FaultIPA(*e.HPFAR, e.FAR), true
	case e.HTVal != nil:
		raw.FaultAddress, raw.HasFaultAddress = riscv.GuestPhysicalAddress(*e.HTVal, e.STVal), true
	}
	return raw
}

func (e TraceEntry) validate() error {
	sources := 0
	for _, set := range []bool{e.Address != nil, e.HPFAR != nil, e.HTVal != nil} {
		if set {
			sources++
		}
	}
	if sources > 1 {
		return fmt.Errorf("cell: trace entry sets more than one of address, hpfar and htval")
	}
	_, err := e.Frame()
	return err
}

// ParseTrace decodes a YAML trap trace.
func ParseTrace(data []byte) (Trace, error) {
	var t Trace
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Trace{}, fmt.Errorf("cell: parse trace: %w", err)
	}
	for i, e := range t.Traps {
		if err := e.validate(); err != nil {
			return Trace{}, fmt.Errorf("cell: trace entry %d: %w", i, err)
		}
	}
	return t, nil
}

// LoadTrace reads a YAML trap trace from path.
func LoadTrace(path string) (Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Trace{}, fmt.Errorf("cell: read trace: %w", err)
	}
	return ParseTrace(data)
}
