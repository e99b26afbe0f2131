package trap

import (
	"fmt"
	"math"
)

// Direction is the direction of a trapped memory access.
type Direction uint8

const (
	Load Direction = iota
	Store
)

func (d Direction) String() string {
	if d == Store {
		return "store"
	}
	return "load"
}

// Access describes a decoded data abort. It is only ever built by
// NewAccess so Width and Address are always consistent.
type Access struct {
	Address   uint64
	Width     uint8
	Direction Direction
	// Register is the source (store) or destination (load) register index.
	Register int
	// SignExtend requests sign extension of loaded values.
	SignExtend bool
	// Wide is set when the destination register is 64 bits wide. Narrow
	// destinations are zero-extended from bit 31 after sign extension.
	Wide bool
}

// NewAccess validates and returns an access descriptor.
func NewAccess(addr uint64, width uint8, dir Direction, reg int) (Access, error) {
	switch width {
	case 1, 2, 4, 8:
	default:
		return Access{}, fmt.Errorf("trap: invalid access width %d", width)
	}
	if addr > math.MaxUint64-uint64(width-1) {
		return Access{}, fmt.Errorf("trap: access of %d bytes at 0x%x overflows", width, addr)
	}
	if reg < 0 || reg >= NumRegs {
		return Access{}, fmt.Errorf("trap: access register index %d out of range", reg)
	}
	return Access{
		Address:   addr,
		Width:     width,
		Direction: dir,
		Register:  reg,
		Wide:      true,
	}, nil
}

// Last returns the address of the last byte touched by the access.
func (a Access) Last() uint64 { return a.Address + uint64(a.Width) - 1 }

// Mask returns a mask covering Width bytes.
func (a Access) Mask() uint64 {
	if a.Width >= 8 {
		return math.MaxUint64
	}
	return (uint64(1) << (8 * uint64(a.Width))) - 1
}

// Extend applies the load extension rules to a raw value read from a device.
func (a Access) Extend(value uint64) uint64 {
	value &= a.Mask()
	if a.SignExtend && a.Width < 8 {
		shift := 64 - 8*uint64(a.Width)
		value = uint64(int64(value<<shift) >> shift)
	}
	if !a.Wide {
		value &= math.MaxUint32
	}
	return value
}

func (a Access) String() string {
	return fmt.Sprintf("%s %dB @0x%x r%d", a.Direction, a.Width, a.Address, a.Register)
}
