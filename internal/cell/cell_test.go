package cell

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/trapcore/internal/hypercall"
	"github.com/tinyrange/trapcore/internal/trap"
	"github.com/tinyrange/trapcore/internal/trap/arm64"
	"github.com/tinyrange/trapcore/internal/trap/riscv"
)

var testClock = time.Unix(1_700_000_000, 0)

func testOptions() Options {
	return Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  func() time.Time { return testClock },
	}
}

func loadTestCell(t *testing.T, name string) *Cell {
	t.Helper()
	cfg, err := LoadConfig(filepath.Join("testdata", "arm64-cell.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.Name = name
	c, err := New(cfg, testOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata", "arm64-cell.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	want := Config{
		Version: 1,
		Name:    "rtc-guest",
		Arch:    ArchARM64,
		CPUs:    []int{0, 1},
		MMIO: []MMIOConfig{
			{Name: "rtc", Base: 0x09010000, Size: 0x1000, Device: DevicePL031},
			{Name: "flash-id", Base: 0x04000000, Size: 0x1000, Device: DeviceReadOnly},
		},
		SysRegs: []SysRegConfig{
			{Name: "OSLAR_EL1", Encoding: []int{2, 0, 1, 0, 4}, Policy: PolicyRAZWI},
			{Name: "PMCR_EL0", Encoding: []int{3, 3, 9, 12, 0}, Policy: PolicyDeny},
		},
		Hypercalls: HypercallConfig{PSCI: true},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteConfigRoundTrip(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata", "arm64-cell.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	path := filepath.Join(t.TempDir(), "cell.yaml")
	if err := WriteConfig(path, cfg); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("name: minimal\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Version != 1 || cfg.Arch != ArchARM64 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if diff := cmp.Diff([]int{0}, cfg.CPUs); diff != "" {
		t.Fatalf("default cpus mismatch (-want +got):\n%s", diff)
	}
}

func TestParseConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no name", "arch: arm64\n"},
		{"bad arch", "name: x\narch: mips\n"},
		{"duplicate cpu", "name: x\ncpus: [1, 1]\n"},
		{"negative cpu", "name: x\ncpus: [-1]\n"},
		{"unknown device", "name: x\nmmio:\n  - {name: a, base: 0, size: 4096, device: gpu}\n"},
		{"zero size", "name: x\nmmio:\n  - {name: a, base: 0, device: zero}\n"},
		{"short encoding", "name: x\nsysregs:\n  - {name: r, encoding: [3, 0, 1], policy: deny}\n"},
		{"encoding out of range", "name: x\nsysregs:\n  - {name: r, encoding: [4, 0, 1, 0, 0], policy: deny}\n"},
		{"unknown policy", "name: x\nsysregs:\n  - {name: r, encoding: [3, 0, 1, 0, 0], policy: emulate}\n"},
		{"sysregs on riscv", "name: x\narch: riscv64\nsysregs:\n  - {name: r, encoding: [3, 0, 1, 0, 0], policy: deny}\n"},
		{"psci on riscv", "name: x\narch: riscv64\nhypercalls: {psci: true}\n"},
		{"sbi on arm64", "name: x\nhypercalls: {sbi: true}\n"},
		{"not yaml", "name: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(tt.yaml)); err == nil {
				t.Fatalf("ParseConfig accepted %q", tt.yaml)
			}
		})
	}
}

func TestNewRejectsOverlappingDuplicates(t *testing.T) {
	cfg := Config{
		Name: "dup",
		MMIO: []MMIOConfig{
			{Name: "a", Base: 0x1000, Size: 0x1000, Device: DeviceZero},
			{Name: "b", Base: 0x1000, Size: 0x1000, Device: DeviceDeny},
		},
	}
	if _, err := New(cfg, testOptions()); err == nil {
		t.Fatalf("New accepted two identical regions")
	}

	cfg.SysRegs = []SysRegConfig{
		{Name: "a", Encoding: []int{3, 0, 1, 0, 0}, Policy: PolicyDeny},
		{Name: "b", Encoding: []int{3, 0, 1, 0, 0}, Policy: PolicyRAZWI},
	}
	cfg.MMIO = nil
	if _, err := New(cfg, testOptions()); err == nil {
		t.Fatalf("New accepted a system register configured twice")
	}
}

func TestArchitecture(t *testing.T) {
	for _, name := range []string{ArchARM64, ArchRISCV64} {
		arch, err := Architecture(name)
		if err != nil {
			t.Fatalf("Architecture(%s): %v", name, err)
		}
		if arch.Name() != name {
			t.Fatalf("Architecture(%s).Name() = %s", name, arch.Name())
		}
	}
	if _, err := Architecture("x86_64"); err == nil {
		t.Fatalf("Architecture accepted x86_64")
	}
}

func TestReplayTrace(t *testing.T) {
	c := loadTestCell(t, "rtc-guest")
	tr, err := LoadTrace(filepath.Join("testdata", "arm64-traps.yaml"))
	if err != nil {
		t.Fatalf("LoadTrace: %v", err)
	}
	if len(tr.Traps) != 7 {
		t.Fatalf("trace has %d traps", len(tr.Traps))
	}

	type result struct {
		Kind   trap.Kind
		Action trap.Action
		PC     uint64
	}
	var got []result
	var frames []trap.Frame
	for i, e := range tr.Traps {
		frame, err := e.Frame()
		if err != nil {
			t.Fatalf("entry %d: %v", i, err)
		}
		out, err := c.Trap(&frame, e.Raw())
		if err != nil {
			if !errors.Is(err, ErrTerminated) || i != len(tr.Traps)-1 {
				t.Fatalf("entry %d: %v", i, err)
			}
			continue
		}
		got = append(got, result{out.Kind, out.Action, frame.PC})
		frames = append(frames, frame)
	}

	want := []result{
		{trap.KindDataAbort, trap.ActionResume, 0x40080004},
		{trap.KindHypercall, trap.ActionResume, 0x40080104},
		{trap.KindSecureCall, trap.ActionResume, 0x40080184},
		{trap.KindSysRegAccess, trap.ActionResume, 0x40080204},
		{trap.KindSysRegAccess, trap.ActionInjectFault, 0x40080300},
		{trap.KindDataAbort, trap.ActionTerminateCell, 0x40080400},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("replay mismatch (-want +got):\n%s", diff)
	}

	if frames[0].Regs[1] != uint64(testClock.Unix()) {
		t.Fatalf("rtc read x1 = %d", frames[0].Regs[1])
	}
	if frames[1].Regs[0] != 0x10000 {
		t.Fatalf("psci version x0 = 0x%x", frames[1].Regs[0])
	}
	if frames[2].Regs[0] != 0x10000 {
		t.Fatalf("psci version over smc x0 = 0x%x", frames[2].Regs[0])
	}
	if frames[3].Regs[3] != 1 {
		t.Fatalf("write-ignored register changed x3")
	}

	stopped, reason := c.Terminated()
	if !stopped || !strings.HasPrefix(reason, "cpu1:") {
		t.Fatalf("Terminated() = %v, %q", stopped, reason)
	}
	// termination drops faults that were never delivered
	if _, ok := c.TakePendingFault(0); ok {
		t.Fatalf("pending fault survived termination")
	}

	m := c.Core().Metrics()
	if m.Traps != 6 || m.Resumed != 4 || m.Injected != 1 || m.Terminated != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

// Stopping one cell leaves every other cell running.
func TestTerminationIsolated(t *testing.T) {
	a := loadTestCell(t, "a")
	b := loadTestCell(t, "b")

	hvc := trap.Raw{Syndrome: arm64.Syndrome(arm64.ECHVC64, true, 0)}

	frame := &trap.Frame{}
	frame.Regs[0] = hypercall.PSCISystemOff
	out, err := a.Trap(frame, hvc)
	if err != nil {
		t.Fatalf("Trap: %v", err)
	}
	if out.Action != trap.ActionTerminateCell {
		t.Fatalf("SYSTEM_OFF outcome = %s", out)
	}
	if _, reason := a.Terminated(); !strings.Contains(reason, "SYSTEM_OFF") {
		t.Fatalf("termination reason %q", reason)
	}
	if _, err := a.Trap(&trap.Frame{}, hvc); !errors.Is(err, ErrTerminated) {
		t.Fatalf("terminated cell accepted a trap: %v", err)
	}

	frame = &trap.Frame{}
	frame.Regs[0] = hypercall.PSCIVersion
	out, err = b.Trap(frame, hvc)
	if err != nil {
		t.Fatalf("Trap on other cell: %v", err)
	}
	if out.Action != trap.ActionResume || frame.Regs[0] != 0x10000 {
		t.Fatalf("other cell outcome = %s, x0 = 0x%x", out, frame.Regs[0])
	}
	if stopped, _ := b.Terminated(); stopped {
		t.Fatalf("other cell was stopped")
	}
}

func TestTrapForeignCPU(t *testing.T) {
	c := loadTestCell(t, "cpus")
	_, err := c.Trap(&trap.Frame{}, trap.Raw{CPU: 7})
	if !errors.Is(err, ErrCPUNotInCell) {
		t.Fatalf("Trap on cpu 7: %v", err)
	}
}

func TestInjectFault(t *testing.T) {
	c := loadTestCell(t, "faults")

	f := trap.Fault{Class: 0, Syndrome: 0x2000000}
	if err := c.InjectFault(0, f); err != nil {
		t.Fatalf("InjectFault: %v", err)
	}
	if err := c.InjectFault(0, f); !errors.Is(err, ErrFaultPending) {
		t.Fatalf("second InjectFault: %v", err)
	}
	if err := c.InjectFault(1, f); err != nil {
		t.Fatalf("InjectFault on cpu 1: %v", err)
	}

	got, ok := c.TakePendingFault(0)
	if !ok {
		t.Fatalf("no pending fault")
	}
	if diff := cmp.Diff(f, got); diff != "" {
		t.Fatalf("fault mismatch (-want +got):\n%s", diff)
	}
	if _, ok := c.TakePendingFault(0); ok {
		t.Fatalf("fault delivered twice")
	}

	c.TerminateCell(1, "test")
	if err := c.InjectFault(0, f); !errors.Is(err, ErrTerminated) {
		t.Fatalf("InjectFault after termination: %v", err)
	}
}

func TestTerminateKeepsFirstReason(t *testing.T) {
	c := loadTestCell(t, "reasons")
	c.TerminateCell(0, "first")
	c.TerminateCell(1, "second")
	if _, reason := c.Terminated(); reason != "cpu0: first" {
		t.Fatalf("reason = %q", reason)
	}
}

func TestRISCVCell(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
name: sbi-guest
arch: riscv64
mmio:
  - {name: scratch, base: 0x10000000, size: 0x100, device: zero}
hypercalls:
  sbi: true
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	c, err := New(cfg, testOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frame := &trap.Frame{PC: 0x80200000}
	frame.Regs[17] = hypercall.SBIExtBase
	frame.Regs[16] = hypercall.SBIBaseGetSpecVersion
	out, err := c.Trap(frame, trap.Raw{Syndrome: riscv.CauseEcallFromVS})
	if err != nil {
		t.Fatalf("Trap: %v", err)
	}
	if out.Action != trap.ActionResume || frame.PC != 0x80200004 {
		t.Fatalf("ecall outcome = %s, pc = 0x%x", out, frame.PC)
	}
	if frame.Regs[10] != 0 || frame.Regs[11] != 0x01000000 {
		t.Fatalf("a0/a1 = 0x%x/0x%x", frame.Regs[10], frame.Regs[11])
	}

	htval := uint64(0x10000010 >> 2)
	entry := TraceEntry{
		Syndrome:    riscv.CauseLoadGuestPageFault,
		HTVal:       &htval,
		STVal:       0xffffffc000000010,
		Instruction: 0x2401, // transformed c.lw into s0
		PC:          0x80200100,
		Regs:        map[int]uint64{8: 0x5555},
	}
	if raw := entry.Raw(); raw.FaultAddress != 0x10000010 || !raw.HasFaultAddress {
		t.Fatalf("guest physical address = 0x%x, %v", raw.FaultAddress, raw.HasFaultAddress)
	}
	f, err := entry.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	frame = &f
	out, err = c.Trap(frame, entry.Raw())
	if err != nil {
		t.Fatalf("Trap: %v", err)
	}
	if out.Action != trap.ActionResume || frame.PC != 0x80200102 || frame.Regs[8] != 0 {
		t.Fatalf("c.lw outcome = %s, pc = 0x%x, s0 = 0x%x", out, frame.PC, frame.Regs[8])
	}

	// an implicit access during guest page table walks cannot be emulated
	out, err = c.Trap(&trap.Frame{}, trap.Raw{
		Syndrome:        riscv.CauseLoadGuestPageFault,
		FaultAddress:    0x10000010,
		HasFaultAddress: true,
		Instruction:     0x00003000,
	})
	if err != nil {
		t.Fatalf("Trap: %v", err)
	}
	if out.Kind != trap.KindUndecodableAbort || out.Action != trap.ActionTerminateCell {
		t.Fatalf("pseudo-instruction outcome = %s", out)
	}
}

func TestParseTraceRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"register out of range", "traps:\n  - {cpu: 0, syndrome: 0, pc: 0, regs: {40: 1}}\n"},
		{"two address sources", "traps:\n  - {cpu: 0, syndrome: 0, pc: 0, address: 0x1000, hpfar: 0x10}\n"},
		{"not yaml", "traps: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseTrace([]byte(tt.yaml)); err == nil {
				t.Fatalf("ParseTrace accepted %q", tt.yaml)
			}
		})
	}
}

func TestTraceEntryFaultAddress(t *testing.T) {
	hpfar := uint64(0x90100)
	tests := []struct {
		name  string
		entry TraceEntry
		want  uint64
		ok    bool
	}{
		{"none", TraceEntry{}, 0, false},
		{"hpfar and far", TraceEntry{HPFAR: &hpfar, FAR: 0xffff800008000abc}, 0x09010abc, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.entry.Raw()
			if raw.FaultAddress != tt.want || raw.HasFaultAddress != tt.ok {
				t.Fatalf("Raw() address = 0x%x, %v, want 0x%x, %v", raw.FaultAddress, raw.HasFaultAddress, tt.want, tt.ok)
			}
		})
	}
}

// PSCI over the SMC conduit is emulated like HVC, but the PC is advanced
// by the hypervisor.
func TestPSCIOverSMC(t *testing.T) {
	c := loadTestCell(t, "smc")

	frame := &trap.Frame{PC: 0x1000}
	frame.Regs[0] = hypercall.PSCIVersion
	out, err := c.Trap(frame, trap.Raw{Syndrome: arm64.Syndrome(arm64.ECSMC64, true, 0)})
	if err != nil {
		t.Fatalf("Trap: %v", err)
	}
	if out.Kind != trap.KindSecureCall || out.Action != trap.ActionResume {
		t.Fatalf("smc outcome = %s", out)
	}
	if frame.PC != 0x1004 || frame.Regs[0] != 0x10000 {
		t.Fatalf("pc = 0x%x, x0 = 0x%x", frame.PC, frame.Regs[0])
	}

	frame = &trap.Frame{PC: 0x2000}
	frame.Regs[0] = hypercall.PSCIFeatures
	frame.Regs[1] = hypercall.SMCCCVersion
	if _, err := c.Trap(frame, trap.Raw{Syndrome: arm64.Syndrome(arm64.ECSMC32, true, 0)}); err != nil {
		t.Fatalf("Trap: %v", err)
	}
	if frame.Regs[0] != 0 {
		t.Fatalf("PSCI_FEATURES(SMCCC_VERSION) = 0x%x, want 0", frame.Regs[0])
	}
}
