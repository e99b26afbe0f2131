// Package pl031 implements the ARM PrimeCell PL031 Real Time Clock as an
// MMIO device model.
package pl031

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/trapcore/internal/mmio"
)

// PL031 register offsets
const (
	PL031_DR   = 0x00 // Data Register (RO) - current counter value
	PL031_MR   = 0x04 // Match Register (RW)
	PL031_LR   = 0x08 // Load Register (RW)
	PL031_CR   = 0x0C // Control Register (RW)
	PL031_IMSC = 0x10 // Interrupt Mask Set/Clear (RW)
	PL031_RIS  = 0x14 // Raw Interrupt Status (RO)
	PL031_MIS  = 0x18 // Masked Interrupt Status (RO)
	PL031_ICR  = 0x1C // Interrupt Clear Register (WO)

	PL031_PERIPH_ID0 = 0xFE0
	PL031_PCELL_ID0  = 0xFF0
)

const PL031_CR_EN = 1 << 0

// Default base address and size for PL031
const (
	DefaultBase = 0x09010000
	DefaultSize = 0x1000
)

var idRegisters = [8]uint32{
	0x31, 0x10, 0x04, 0x00, // peripheral ID
	0x0D, 0xF0, 0x05, 0xB1, // PrimeCell ID
}

// PL031 is a PL031 RTC. It may be accessed from several CPUs of a cell at
// once and serializes register access internally.
type PL031 struct {
	mu sync.Mutex

	base uint64
	now  func() time.Time

	loadTime time.Time
	lr       uint32
	mr       uint32
	cr       uint32
	imsc     uint32
	ris      uint32
	// armed is set until the counter reaches the match value.
	armed bool

	irq func(level bool)
}

type Option func(*PL031)

// WithClock replaces the host clock.
func WithClock(now func() time.Time) Option {
	return func(p *PL031) { p.now = now }
}

// WithIRQ sets the callback driven with the interrupt line level. The
// line is re-evaluated on every register access.
func WithIRQ(irq func(level bool)) Option {
	return func(p *PL031) { p.irq = irq }
}

// New creates a PL031 at base.
func New(base uint64, opts ...Option) *PL031 {
	p := &PL031{base: base, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	now := p.now()
	p.loadTime = now
	p.lr = uint32(now.Unix())
	p.cr = PL031_CR_EN
	return p
}

func (p *PL031) offset(addr uint64, n int) (uint64, error) {
	if addr < p.base || addr+uint64(n) > p.base+DefaultSize {
		return 0, fmt.Errorf("pl031: address 0x%x out of bounds", addr)
	}
	return addr - p.base, nil
}

// counter returns the RTC value. The counter stops while disabled.
func (p *PL031) counter() uint32 {
	if p.cr&PL031_CR_EN == 0 {
		return p.lr
	}
	return p.lr + uint32(p.now().Sub(p.loadTime).Seconds())
}

// poll latches the match interrupt once the counter reaches MR.
func (p *PL031) poll() {
	if p.armed && p.mr != 0 && p.counter() >= p.mr {
		p.armed = false
		p.ris |= 1
		p.updateInterrupt()
	}
}

// ReadMMIO implements mmio.Device.
func (p *PL031) ReadMMIO(addr uint64, data []byte) error {
	off, err := p.offset(addr, len(data))
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.poll()
	for i := range data {
		o := off + uint64(i)
		data[i] = byte(p.register(o&^3) >> (8 * (o & 3)))
	}
	return nil
}

func (p *PL031) register(off uint64) uint32 {
	switch off {
	case PL031_DR:
		return p.counter()
	case PL031_MR:
		return p.mr
	case PL031_LR:
		return p.lr
	case PL031_CR:
		return p.cr
	case PL031_IMSC:
		return p.imsc
	case PL031_RIS:
		return p.ris
	case PL031_MIS:
		return p.ris & p.imsc
	}
	if off >= PL031_PERIPH_ID0 && off <= PL031_PCELL_ID0+0xC {
		return idRegisters[(off-PL031_PERIPH_ID0)/4]
	}
	return 0
}

// WriteMMIO implements mmio.Device. Only aligned 32-bit writes reach the
// registers.
func (p *PL031) WriteMMIO(addr uint64, data []byte) error {
	off, err := p.offset(addr, len(data))
	if err != nil {
		return err
	}
	if len(data) != 4 || off%4 != 0 {
		return fmt.Errorf("pl031: unsupported %d-byte write at offset 0x%x", len(data), off)
	}
	value := binary.LittleEndian.Uint32(data)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch off {
	case PL031_MR:
		p.mr = value
		p.armed = true
	case PL031_LR:
		p.lr = value
		p.loadTime = p.now()
		p.armed = true
	case PL031_CR:
		p.cr = value
	case PL031_IMSC:
		p.imsc = value
		p.updateInterrupt()
	case PL031_ICR:
		p.ris &^= value
		p.updateInterrupt()
	case PL031_DR, PL031_RIS, PL031_MIS:
		// read-only, writes ignored
	default:
		if off >= PL031_PERIPH_ID0 {
			return fmt.Errorf("pl031: write to identification register 0x%x", off)
		}
	}
	p.poll()
	return nil
}

func (p *PL031) updateInterrupt() {
	if p.irq != nil {
		p.irq(p.ris&p.imsc&1 != 0)
	}
}

var _ mmio.Device = (*PL031)(nil)
