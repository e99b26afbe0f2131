// Package mmio adapts byte-oriented device models into data abort
// handlers for the trap dispatch table.
package mmio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/trapcore/internal/trap"
)

// ErrUnclaimed is returned by a device that does not serve an access in
// its region, so dispatch moves on to the next candidate handler.
var ErrUnclaimed = errors.New("mmio: access not claimed")

// Region is a guest physical address range served by a device.
type Region struct {
	Name string
	Base uint64
	Size uint64
}

// Device serves loads and stores to its regions. len(data) is the access
// width; data is little-endian.
type Device interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// Handler is a trap.Handler that forwards decoded data aborts to a Device.
type Handler struct {
	name string
	dev  Device
}

var _ trap.Handler = (*Handler)(nil)

func NewHandler(name string, dev Device) *Handler {
	return &Handler{name: name, dev: dev}
}

// HandleTrap implements trap.Handler.
func (h *Handler) HandleTrap(ctx *trap.Context, a *trap.Access) trap.Verdict {
	if a == nil {
		return trap.VerdictUnhandled
	}

	var buf [8]byte
	data := buf[:a.Width]

	var err error
	if a.Direction == trap.Store {
		binary.LittleEndian.PutUint64(buf[:], ctx.StoreValue(a))
		err = h.dev.WriteMMIO(a.Address, data)
	} else {
		err = h.dev.ReadMMIO(a.Address, data)
	}

	switch {
	case errors.Is(err, ErrUnclaimed):
		return trap.VerdictUnhandled
	case err != nil:
		return ctx.Forbid("mmio: %s: %s: %v", h.name, a, err)
	}

	if a.Direction == trap.Load {
		ctx.CompleteLoad(a, binary.LittleEndian.Uint64(buf[:]))
	}
	return trap.VerdictHandled
}

// Register binds dev to every region on b.
func Register(b *trap.TableBuilder, name string, dev Device, regions ...Region) error {
	if dev == nil {
		return fmt.Errorf("mmio: device %q is nil", name)
	}
	if len(regions) == 0 {
		return fmt.Errorf("mmio: device %q has no regions", name)
	}
	h := NewHandler(name, dev)
	for _, r := range regions {
		rn := name
		if r.Name != "" {
			rn = name + "/" + r.Name
		}
		if err := b.HandleRegion(rn, r.Base, r.Size, h); err != nil {
			return fmt.Errorf("mmio: device %q: %w", name, err)
		}
	}
	return nil
}

// SimpleDevice builds a Device from functions. A nil function leaves the
// access unclaimed.
type SimpleDevice struct {
	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleDevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("%w: read from 0x%X", ErrUnclaimed, addr)
}

func (d SimpleDevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("%w: write to 0x%X", ErrUnclaimed, addr)
}

// Zero reads as zero and ignores writes.
type Zero struct{}

func (Zero) ReadMMIO(_ uint64, data []byte) error {
	clear(data)
	return nil
}

func (Zero) WriteMMIO(uint64, []byte) error { return nil }

// Deny refuses every access.
type Deny struct{}

func (Deny) ReadMMIO(addr uint64, _ []byte) error {
	return fmt.Errorf("read from 0x%X denied", addr)
}

func (Deny) WriteMMIO(addr uint64, _ []byte) error {
	return fmt.Errorf("write to 0x%X denied", addr)
}

type readOnly struct{ Device }

func (r readOnly) WriteMMIO(addr uint64, _ []byte) error {
	return fmt.Errorf("write to read-only 0x%X", addr)
}

// ReadOnly passes reads to dev and refuses writes.
func ReadOnly(dev Device) Device { return readOnly{dev} }

var (
	_ Device = SimpleDevice{}
	_ Device = Zero{}
	_ Device = Deny{}
)
