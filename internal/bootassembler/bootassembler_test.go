package bootassembler_test

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/ovmctl/vorchestrator/internal/bootassembler"
	"github.com/ovmctl/vorchestrator/internal/vmstate"
	"github.com/ovmctl/vorchestrator/kvm"
	"github.com/ovmctl/vorchestrator/migration"
)

// fakeMachine is the smallest collab.Machine that exercises a boot:
// LoadLinux succeeds instantly, StartVCPU marks a cpu started, and
// guest memory is a plain byte slice big enough for the ACPI tables.
type fakeMachine struct {
	mu      sync.Mutex
	mem     []byte
	started []int
	loaded  bool
}

func newFakeMachine() *fakeMachine {
	return &fakeMachine{mem: make([]byte, 1<<20)}
}

func (f *fakeMachine) SetupRegs(rip, bp uint64, amd64 bool) error { return nil }
func (f *fakeMachine) RunData() []*kvm.RunData                    { return nil }
func (f *fakeMachine) GetRegs(cpu int) (*kvm.Regs, error)         { return &kvm.Regs{}, nil }
func (f *fakeMachine) GetSRegs(cpu int) (*kvm.Sregs, error)       { return &kvm.Sregs{}, nil }
func (f *fakeMachine) SetRegs(cpu int, r *kvm.Regs) error         { return nil }
func (f *fakeMachine) SetSRegs(cpu int, s *kvm.Sregs) error       { return nil }
func (f *fakeMachine) InjectSerialIRQ() error                     { return nil }
func (f *fakeMachine) Close() error                               { return nil }

func (f *fakeMachine) SaveVMState() (*migration.VMState, error) { return &migration.VMState{}, nil }
func (f *fakeMachine) RestoreVMState(state *migration.VMState) error { return nil }

func (f *fakeMachine) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, f.mem[off:]), nil
}

func (f *fakeMachine) WriteAt(p []byte, off int64) (int, error) {
	return copy(f.mem[off:], p), nil
}

func (f *fakeMachine) Mem() []byte { return f.mem }

func (f *fakeMachine) LoadLinux(kernel, initrd io.ReaderAt, params string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.loaded = true

	return nil
}

func (f *fakeMachine) StartVCPU(cpu int, traceCount int, wg *sync.WaitGroup) {
	defer wg.Done()

	f.mu.Lock()
	f.started = append(f.started, cpu)
	f.mu.Unlock()
}

func (f *fakeMachine) RunInfiniteLoop(cpu int) error { return nil }
func (f *fakeMachine) SingleStep(onoff bool) error   { return nil }
func (f *fakeMachine) Pause() error                  { return nil }
func (f *fakeMachine) Resume() error                 { return nil }
func (f *fakeMachine) ActiveVCPUs() int              { return len(f.started) }
func (f *fakeMachine) MaxVCPUs() int                 { return 2 }
func (f *fakeMachine) AddTapIf(tapIfName string) error { return nil }
func (f *fakeMachine) AddDisk(diskPath string) error   { return nil }

type stubExiter struct{}

func (stubExiter) SignalExit() error { return nil }

func TestBootCommitsRunningAndStartsVCPUs(t *testing.T) {
	t.Parallel()

	sm := vmstate.New()
	m := newFakeMachine()

	cfg := bootassembler.Config{
		Arch:   bootassembler.ArchAMD64,
		NCPUs:  2,
		Kernel: bytes.NewReader(nil),
		Initrd: bytes.NewReader(nil),
	}

	a := bootassembler.New(sm, m, cfg, nil, stubExiter{}, nil)

	if err := a.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	got, err := sm.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}

	if got != vmstate.Running {
		t.Fatalf("state = %s, want Running", got)
	}

	if len(m.started) != 2 {
		t.Fatalf("started %d vcpus, want 2", len(m.started))
	}
}

func TestBootToBreakPointDoesNotStartVCPUs(t *testing.T) {
	t.Parallel()

	sm := vmstate.New()
	m := newFakeMachine()

	cfg := bootassembler.Config{
		Arch:            bootassembler.ArchAMD64,
		NCPUs:           1,
		DebugStopOnBoot: true,
		Kernel:          bytes.NewReader(nil),
		Initrd:          bytes.NewReader(nil),
	}

	a := bootassembler.New(sm, m, cfg, nil, stubExiter{}, nil)

	if err := a.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	got, err := sm.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}

	if got != vmstate.BreakPoint {
		t.Fatalf("state = %s, want BreakPoint", got)
	}

	if len(m.started) != 0 {
		t.Fatalf("started %d vcpus, want 0", len(m.started))
	}
}

func TestBootOnARM64ReturnsUnsupported(t *testing.T) {
	t.Parallel()

	sm := vmstate.New()
	m := newFakeMachine()

	cfg := bootassembler.Config{
		Arch:   bootassembler.ArchARM64,
		NCPUs:  1,
		Kernel: bytes.NewReader(nil),
		Initrd: bytes.NewReader(nil),
	}

	a := bootassembler.New(sm, m, cfg, nil, stubExiter{}, nil)

	if err := a.Boot(); err != bootassembler.ErrARM64Unsupported {
		t.Fatalf("err = %v, want ErrARM64Unsupported", err)
	}
}

func TestAppendDeviceCmdlineOverflow(t *testing.T) {
	t.Parallel()

	cfg := &bootassembler.Config{Params: "console=ttyS0", MaxCmdlineSize: 20}

	if err := cfg.AppendDeviceCmdline("virtio_mmio.device=4K@0x10000:5"); err == nil {
		t.Fatal("expected overflow error")
	}
}
