package cell

import (
	"fmt"
	"os"

	"github.com/tinyrange/trapcore/internal/devices/pl031"
	"github.com/tinyrange/trapcore/internal/trap/arm64"
	"gopkg.in/yaml.v3"
)

const (
	ArchARM64   = "arm64"
	ArchRISCV64 = "riscv64"
)

// Device models available to MMIO regions.
const (
	DevicePL031    = "pl031"
	DeviceZero     = "zero"
	DeviceReadOnly = "readonly"
	DeviceDeny     = "deny"
)

// System register policies.
const (
	PolicyRAZWI = "raz-wi"
	PolicyDeny  = "deny"
)

// Config describes one cell's trap handling setup.
type Config struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`
	Arch    string `yaml:"arch"`
	CPUs    []int  `yaml:"cpus,omitempty"`

	MMIO       []MMIOConfig    `yaml:"mmio,omitempty"`
	SysRegs    []SysRegConfig  `yaml:"sysregs,omitempty"`
	Hypercalls HypercallConfig `yaml:"hypercalls,omitempty"`
}

type MMIOConfig struct {
	Name   string `yaml:"name"`
	Base   uint64 `yaml:"base"`
	Size   uint64 `yaml:"size,omitempty"`
	Device string `yaml:"device"`
}

type SysRegConfig struct {
	Name     string `yaml:"name,omitempty"`
	Encoding []int  `yaml:"encoding,flow"` // op0, op1, CRn, CRm, op2
	Policy   string `yaml:"policy"`
}

type HypercallConfig struct {
	PSCI bool `yaml:"psci,omitempty"`
	SBI  bool `yaml:"sbi,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Arch == "" {
		c.Arch = ArchARM64
	}
	if len(c.CPUs) == 0 {
		c.CPUs = []int{0}
	}
	for i := range c.MMIO {
		if c.MMIO[i].Size == 0 && c.MMIO[i].Device == DevicePL031 {
			c.MMIO[i].Size = pl031.DefaultSize
		}
	}
}

// Validate checks the parts of the configuration that do not depend on
// building handlers.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("cell: config has no name")
	}
	switch c.Arch {
	case ArchARM64, ArchRISCV64:
	default:
		return fmt.Errorf("cell: unsupported arch %q", c.Arch)
	}
	seen := make(map[int]bool, len(c.CPUs))
	for _, cpu := range c.CPUs {
		if cpu < 0 {
			return fmt.Errorf("cell: invalid cpu %d", cpu)
		}
		if seen[cpu] {
			return fmt.Errorf("cell: cpu %d listed twice", cpu)
		}
		seen[cpu] = true
	}
	for _, m := range c.MMIO {
		switch m.Device {
		case DevicePL031, DeviceZero, DeviceReadOnly, DeviceDeny:
		default:
			return fmt.Errorf("cell: mmio region %q: unknown device %q", m.Name, m.Device)
		}
		if m.Size == 0 {
			return fmt.Errorf("cell: mmio region %q has zero size", m.Name)
		}
	}
	if len(c.SysRegs) > 0 && c.Arch != ArchARM64 {
		return fmt.Errorf("cell: sysregs are only supported on %s", ArchARM64)
	}
	for _, s := range c.SysRegs {
		if _, err := s.Reg(); err != nil {
			return err
		}
		switch s.Policy {
		case PolicyRAZWI, PolicyDeny:
		default:
			return fmt.Errorf("cell: sysreg %q: unknown policy %q", s.Name, s.Policy)
		}
	}
	if c.Hypercalls.PSCI && c.Arch != ArchARM64 {
		return fmt.Errorf("cell: psci is only supported on %s", ArchARM64)
	}
	if c.Hypercalls.SBI && c.Arch != ArchRISCV64 {
		return fmt.Errorf("cell: sbi is only supported on %s", ArchRISCV64)
	}
	return nil
}

// ParseConfig decodes a YAML cell configuration.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("cell: parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML cell configuration from path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cell: read config: %w", err)
	}
	return ParseConfig(data)
}

// WriteConfig writes cfg to path as YAML.
func WriteConfig(path string, cfg Config) error {
	cfg.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cell: create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("cell: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("cell: close %s: %w", path, err)
	}
	return nil
}

var sysRegFieldMax = [5]int{3, 7, 15, 15, 7}

// Reg returns the register encoding.
func (s SysRegConfig) Reg() (arm64.SysReg, error) {
	if len(s.Encoding) != 5 {
		return arm64.SysReg{}, fmt.Errorf("cell: sysreg %q: encoding needs 5 fields, got %d", s.Name, len(s.Encoding))
	}
	for i, v := range s.Encoding {
		if v < 0 || v > sysRegFieldMax[i] {
			return arm64.SysReg{}, fmt.Errorf("cell: sysreg %q: encoding field %d out of range: %d", s.Name, i, v)
		}
	}
	return arm64.SysReg{
		Op0: uint8(s.Encoding[0]),
		Op1: uint8(s.Encoding[1]),
		CRn: uint8(s.Encoding[2]),
		CRm: uint8(s.Encoding[3]),
		Op2: uint8(s.Encoding[4]),
	}, nil
}
