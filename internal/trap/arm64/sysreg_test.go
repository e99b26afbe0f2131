package arm64

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/trapcore/internal/trap"
)

// sysRegISS encodes an MSR/MRS trap syndrome ISS.
func sysRegISS(r SysReg, read bool, rt int) uint32 {
	iss := uint32(r.Op0&0x3)<<20 |
		uint32(r.Op2&0x7)<<17 |
		uint32(r.Op1&0x7)<<14 |
		uint32(r.CRn&0xF)<<10 |
		uint32(rt&0x1F)<<5 |
		uint32(r.CRm&0xF)<<1
	if read {
		iss |= 1
	}
	return iss
}

var (
	oslarEL1 = SysReg{Op0: 2, Op1: 0, CRn: 1, CRm: 0, Op2: 4}
	pmcrEL0  = SysReg{Op0: 3, Op1: 3, CRn: 9, CRm: 12, Op2: 0}
)

func TestDecodeSysReg(t *testing.T) {
	for _, read := range []bool{false, true} {
		for _, reg := range []SysReg{oslarEL1, pmcrEL0, {3, 7, 15, 15, 7}} {
			syndrome := Syndrome(ECSysReg, true, sysRegISS(reg, read, 17))
			got, err := DecodeSysReg(syndrome)
			if err != nil {
				t.Fatalf("DecodeSysReg(%s): %v", reg, err)
			}
			want := SysRegAccess{Reg: reg, Read: read, Target: 17}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("access mismatch (-want +got):\n%s", diff)
			}
		}
	}

	got, err := DecodeSysReg(Syndrome(ECCP15MCR, true, sysRegISS(SysReg{Op1: 0, CRn: 1, CRm: 0, Op2: 0}, true, 3)))
	if err != nil {
		t.Fatalf("DecodeSysReg(mrc): %v", err)
	}
	if !got.AArch32 || got.Reg.Op0 != 0 || got.Target != 3 {
		t.Fatalf("mrc decoded as %+v", got)
	}

	if _, err := DecodeSysReg(Syndrome(ECHVC64, true, 0)); err == nil {
		t.Fatalf("DecodeSysReg accepted an hvc syndrome")
	}
}

func TestSysRegString(t *testing.T) {
	if got := pmcrEL0.String(); got != "S3_3_C9_C12_0" {
		t.Fatalf("String = %q", got)
	}
}

func sysRegTrap(t *testing.T, table *SysRegTable, frame *trap.Frame, reg SysReg, read bool, rt int) trap.Verdict {
	t.Helper()
	raw := trap.Raw{Syndrome: Syndrome(ECSysReg, true, sysRegISS(reg, read, rt))}
	ctx := trap.NewContext(frame, raw, Arch{}.ZeroRegister())
	return table.HandleTrap(ctx, nil)
}

func TestSysRegTable(t *testing.T) {
	table, err := NewSysRegTable(map[SysReg]SysRegHandler{
		oslarEL1: ReadAsZero,
		pmcrEL0:  DenyAccess,
	})
	if err != nil {
		t.Fatalf("NewSysRegTable: %v", err)
	}

	frame := &trap.Frame{}
	frame.Regs[4] = 0x1234
	if v := sysRegTrap(t, table, frame, oslarEL1, true, 4); v != trap.VerdictHandled {
		t.Fatalf("read-as-zero read = %s", v)
	}
	if frame.Regs[4] != 0 {
		t.Fatalf("x4 = 0x%x, want 0", frame.Regs[4])
	}

	frame.Regs[4] = 0x1234
	if v := sysRegTrap(t, table, frame, oslarEL1, false, 4); v != trap.VerdictHandled {
		t.Fatalf("write-ignored write = %s", v)
	}
	if frame.Regs[4] != 0x1234 {
		t.Fatalf("write changed x4 to 0x%x", frame.Regs[4])
	}

	if v := sysRegTrap(t, table, frame, pmcrEL0, true, 0); v != trap.VerdictForbidden {
		t.Fatalf("denied register = %s", v)
	}
	if v := sysRegTrap(t, table, frame, SysReg{3, 0, 15, 0, 0}, true, 0); v != trap.VerdictUnhandled {
		t.Fatalf("unknown register = %s", v)
	}
}

func TestNewSysRegTableRejectsNil(t *testing.T) {
	if _, err := NewSysRegTable(map[SysReg]SysRegHandler{pmcrEL0: nil}); err == nil {
		t.Fatalf("NewSysRegTable accepted a nil handler")
	}
}
