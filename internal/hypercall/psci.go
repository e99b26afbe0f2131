package hypercall

import (
	"fmt"

	"github.com/tinyrange/trapcore/internal/trap"
)

// PSCI function IDs (SMC32 calling convention)
const (
	PSCIVersion         uint64 = 0x84000000
	PSCIMigrateInfoType uint64 = 0x84000006
	PSCISystemOff       uint64 = 0x84000008
	PSCISystemReset     uint64 = 0x84000009
	PSCIFeatures        uint64 = 0x8400000A
)

const (
	psciSuccess       uint64 = 0
	psciNotSupported  uint64 = 0xFFFFFFFF // -1 as uint32
	psciVersion1_0    uint64 = 0x00010000
	psciTosNotPresent uint64 = 2 // MIGRATE_INFO_TYPE: no trusted OS
)

// PSCI returns the PSCI subset a cell may use. SYSTEM_OFF and
// SYSTEM_RESET stop the cell.
func PSCI() map[uint64]Func {
	return map[uint64]Func{
		PSCIVersion: func(_ *trap.Context, call *Call) trap.Verdict {
			call.Return(psciVersion1_0)
			return trap.VerdictHandled
		},
		PSCIMigrateInfoType: func(_ *trap.Context, call *Call) trap.Verdict {
			call.Return(psciTosNotPresent)
			return trap.VerdictHandled
		},
		PSCISystemOff: func(ctx *trap.Context, _ *Call) trap.Verdict {
			return ctx.Forbid("psci: guest requested SYSTEM_OFF")
		},
		PSCISystemReset: func(ctx *trap.Context, _ *Call) trap.Verdict {
			return ctx.Forbid("psci: guest requested SYSTEM_RESET")
		},
		PSCIFeatures: func(_ *trap.Context, call *Call) trap.Verdict {
			if call.Supported(call.Args[0] & 0xFFFFFFFF) {
				call.Return(psciSuccess)
			} else {
				call.Return(psciNotSupported)
			}
			return trap.VerdictHandled
		},
	}
}

// SMCCC architecture function IDs
const (
	SMCCCVersion      uint64 = 0x80000000
	SMCCCArchFeatures uint64 = 0x80000001
)

const smcccVersion1_1 uint64 = 0x00010001

// SMCCCArch returns the SMCCC version discovery calls. No firmware
// workarounds are advertised.
func SMCCCArch() map[uint64]Func {
	return map[uint64]Func{
		SMCCCVersion: func(_ *trap.Context, call *Call) trap.Verdict {
			call.Return(smcccVersion1_1)
			return trap.VerdictHandled
		},
		SMCCCArchFeatures: func(_ *trap.Context, call *Call) trap.Verdict {
			switch call.Args[0] & 0xFFFFFFFF {
			case SMCCCVersion, SMCCCArchFeatures:
				call.Return(psciSuccess)
			default:
				call.Return(psciNotSupported)
			}
			return trap.VerdictHandled
		},
	}
}

// SBI extension IDs
const (
	SBIExtBase uint64 = 0x10
	SBIExtSRST uint64 = 0x53525354 // "SRST"
)

// SBI base extension function IDs
const (
	SBIBaseGetSpecVersion = 0
	SBIBaseGetImplID      = 1
	SBIBaseGetImplVersion = 2
	SBIBaseProbeExtension = 3
	SBIBaseGetMvendorID   = 4
	SBIBaseGetMarchID     = 5
	SBIBaseGetMimplID     = 6
)

const (
	sbiSuccess         uint64 = 0
	sbiErrNotSupported        = ^uint64(1) // -2

	sbiSpecVersion1_0 uint64 = 0x01000000
	sbiImplID         uint64 = 0x54524150 // "TRAP"
)

// SBIFuncs returns the SBI base and system reset extensions. The base
// extension's probe answers from the serving registry.
func SBIFuncs() map[uint64]Func {
	funcs := map[uint64]Func{
		SBIExtSRST: func(ctx *trap.Context, call *Call) trap.Verdict {
			return ctx.Forbid("sbi: guest requested system reset (type %d)", call.Args[0])
		},
	}
	funcs[SBIExtBase] = func(_ *trap.Context, call *Call) trap.Verdict {
		switch call.Sub {
		case SBIBaseGetSpecVersion:
			call.Return(sbiSuccess, sbiSpecVersion1_0)
		case SBIBaseGetImplID:
			call.Return(sbiSuccess, sbiImplID)
		case SBIBaseGetImplVersion:
			call.Return(sbiSuccess, 0x00010000)
		case SBIBaseProbeExtension:
			if call.Supported(call.Args[0]) {
				call.Return(sbiSuccess, 1)
			} else {
				call.Return(sbiSuccess, 0)
			}
		case SBIBaseGetMvendorID, SBIBaseGetMarchID, SBIBaseGetMimplID:
			call.Return(sbiSuccess, 0)
		default:
			call.Return(sbiErrNotSupported, 0)
		}
		return trap.VerdictHandled
	}
	return funcs
}

// Merge combines function sets, refusing duplicate IDs.
func Merge(sets ...map[uint64]Func) (map[uint64]Func, error) {
	out := make(map[uint64]Func)
	for _, set := range sets {
		for id, f := range set {
			if _, dup := out[id]; dup {
				return nil, fmt.Errorf("hypercall: function 0x%x registered twice", id)
			}
			out[id] = f
		}
	}
	return out, nil
}
