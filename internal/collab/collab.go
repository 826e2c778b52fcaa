// Package collab defines the narrow collaborator interfaces the
// lifecycle controller programs against instead of reaching into
// machine.Machine directly. The method sets are sized to what
// machine.Machine (this repository's only hypervisor/CPU/device/
// memory collaborator) actually implements, not to the full external
// interface surface a multi-backend VMM would expose.
package collab

import (
	"io"
	"sync"

	"github.com/ovmctl/vorchestrator/kvm"
	"github.com/ovmctl/vorchestrator/migration"
)

// Hypervisor is the per-VM handle a lifecycle Controller drives boot,
// pause, resume, and shutdown through.
type Hypervisor interface {
	SetupRegs(rip, bp uint64, amd64 bool) error
	RunData() []*kvm.RunData
	GetRegs(cpu int) (*kvm.Regs, error)
	GetSRegs(cpu int) (*kvm.Sregs, error)
	SetRegs(cpu int, r *kvm.Regs) error
	SetSRegs(cpu int, s *kvm.Sregs) error
	InjectSerialIRQ() error
	Close() error

	// SaveVMState/RestoreVMState capture and restore the VM-wide
	// kvmclock and interrupt-controller state pause()/resume() need to
	// keep the guest's notion of time consistent across a pause.
	SaveVMState() (*migration.VMState, error)
	RestoreVMState(state *migration.VMState) error
}

// MemoryManager owns the guest's flat physical address space.
type MemoryManager interface {
	io.ReaderAt
	io.WriterAt
	Mem() []byte
	LoadLinux(kernel, initrd io.ReaderAt, params string) error
}

// CPUManager creates, runs, pauses, and resumes the guest's vCPUs.
type CPUManager interface {
	StartVCPU(cpu int, traceCount int, wg *sync.WaitGroup)
	RunInfiniteLoop(cpu int) error
	SingleStep(onoff bool) error
	Pause() error
	Resume() error
	ActiveVCPUs() int
	MaxVCPUs() int
}

// DeviceManager attaches and detaches the VM's virtio devices.
type DeviceManager interface {
	AddTapIf(tapIfName string) error
	AddDisk(diskPath string) error
}

// Machine is the union machine.Machine satisfies: in this repository
// one concrete type plays all four collaborator roles, the way the
// teacher's machine.Machine already bundles CPU, memory, and device
// concerns behind ioctls on a single struct.
type Machine interface {
	Hypervisor
	MemoryManager
	CPUManager
	DeviceManager
}
