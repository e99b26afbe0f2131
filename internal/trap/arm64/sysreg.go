package arm64

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/trapcore/internal/trap"
)

// SysReg identifies a system register by its MSR/MRS encoding.
type SysReg struct {
	Op0, Op1, CRn, CRm, Op2 uint8
}

func (r SysReg) String() string {
	return fmt.Sprintf("S%d_%d_C%d_C%d_%d", r.Op0, r.Op1, r.CRn, r.CRm, r.Op2)
}

// SysRegAccess is a decoded MSR/MRS (or AArch32 MRC/MCR) trap.
type SysRegAccess struct {
	Reg SysReg
	// Read is true for MRS (sysreg -> Rt), false for MSR (Rt -> sysreg).
	Read   bool
	Target int
	// AArch32 marks a coprocessor access, for which Op0 is not encoded.
	AArch32 bool
}

// DecodeSysReg decodes the ISS of a system register trap.
func DecodeSysReg(syndrome uint64) (SysRegAccess, error) {
	const (
		directionBit = 0

		crmShift = 1
		crmMask  = 0xF

		rtShift = 5
		rtMask  = 0x1F

		crnShift = 10
		crnMask  = 0xF

		op1Shift = 14
		op1Mask  = 0x7

		op2Shift = 17
		op2Mask  = 0x7

		op0Shift = 20
		op0Mask  = 0x3
	)

	ec := Class(syndrome)
	iss := uint64(ISS(syndrome))

	info := SysRegAccess{
		Reg: SysReg{
			Op1: uint8((iss >> op1Shift) & op1Mask),
			CRn: uint8((iss >> crnShift) & crnMask),
			CRm: uint8((iss >> crmShift) & crmMask),
			Op2: uint8((iss >> op2Shift) & op2Mask),
		},
		Read:   (iss>>directionBit)&1 == 1,
		Target: int((iss >> rtShift) & rtMask),
	}

	switch ec {
	case ECSysReg:
		info.Reg.Op0 = uint8((iss >> op0Shift) & op0Mask)
	case ECCP15MCR, ECCP14MCR:
		info.AArch32 = true
	default:
		return SysRegAccess{}, fmt.Errorf("arm64: %s is not a single-register system access", ec)
	}
	return info, nil
}

// SysRegHandler emulates one system register.
type SysRegHandler func(ctx *trap.Context, access SysRegAccess) trap.Verdict

// ReadAsZero ignores writes and returns zero for reads.
func ReadAsZero(ctx *trap.Context, access SysRegAccess) trap.Verdict {
	slog.Debug("ignoring system register access", "reg", access.Reg, "read", access.Read)
	if access.Read {
		ctx.SetReg(access.Target, 0)
	}
	return trap.VerdictHandled
}

// DenyAccess forbids any access to the register.
func DenyAccess(ctx *trap.Context, access SysRegAccess) trap.Verdict {
	op := "write"
	if access.Read {
		op = "read"
	}
	return ctx.Forbid("%s of denied system register %s", op, access.Reg)
}

// SysRegTable is a trap.Handler for KindSysRegAccess keyed by register
// encoding. Registers not in the table are left unhandled.
type SysRegTable struct {
	entries map[SysReg]SysRegHandler
}

var _ trap.Handler = (*SysRegTable)(nil)

// NewSysRegTable copies entries into an immutable table.
func NewSysRegTable(entries map[SysReg]SysRegHandler) (*SysRegTable, error) {
	t := &SysRegTable{entries: make(map[SysReg]SysRegHandler, len(entries))}
	for reg, h := range entries {
		if h == nil {
			return nil, fmt.Errorf("arm64: system register %s has nil handler", reg)
		}
		t.entries[reg] = h
	}
	return t, nil
}

// HandleTrap implements trap.Handler.
func (t *SysRegTable) HandleTrap(ctx *trap.Context, _ *trap.Access) trap.Verdict {
	access, err := DecodeSysReg(ctx.Cause())
	if err != nil {
		return trap.VerdictUnhandled
	}
	h, ok := t.entries[access.Reg]
	if !ok {
		return trap.VerdictUnhandled
	}
	return h(ctx, access)
}
