// Package lifecycle implements the VM lifecycle controller: the
// single owner of a VM's vmstate.Machine and VmConfig, replacing
// vmm.VMM's direct Init/Setup/Boot sequence with the full
// boot/pause/resume/shutdown/resize/hotplug operation set, each
// acquiring the state machine and mutating configuration in the same
// critical section per the lock-ordering discipline: config, then
// memory, then device, then cpu, then hypervisor.
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ovmctl/vorchestrator/internal/bootassembler"
	"github.com/ovmctl/vorchestrator/internal/collab"
	"github.com/ovmctl/vorchestrator/internal/numa"
	"github.com/ovmctl/vorchestrator/internal/signals"
	"github.com/ovmctl/vorchestrator/internal/snapshot"
	"github.com/ovmctl/vorchestrator/internal/vmstate"
	"github.com/ovmctl/vorchestrator/migration"
)

// Config is VmConfig: the shared mutable configuration bundle the
// Controller exclusively owns and mutates only while holding mu,
// updated in lockstep with every hot-plug so a reboot reproduces the
// post-hotplug topology. flag.Config is an alias of this type, so the
// CLI layer and snapshot/migration code all refer to the same type
// without this package importing the CLI layer back.
type Config struct {
	Dev             string
	Kernel          string
	Initrd          string
	Params          string
	TapIfName       string
	Disk            string
	NCPUs           int
	MemSize         int
	HotpluggedSize  int
	TraceCount      int
	Confidential    bool
	DebugStopOnBoot bool
	Arm64           bool
	NumaNodes       []numa.Node
	DeviceConfig    migration.DeviceClassConfig
}

// ErrResizeZoneShrink is returned by ResizeZone when the requested
// size is smaller than the zone's current size: only growth is
// permitted, matching the teacher's memory-hotplug-only model (gokvm
// has no balloon deflate path either).
var ErrResizeZoneShrink = errors.New("lifecycle: zone resize must not shrink the zone")

// ErrUnknownZone reports a ResizeZone call naming a zone id that is not
// in the controller's zone table. The table has one id per configured
// NUMA node, "node<GuestNumaID>"; MemoryZones names are not zone ids.
type ErrUnknownZone struct{ Zone string }

func (e *ErrUnknownZone) Error() string {
	return fmt.Sprintf("lifecycle: unknown memory zone %q", e.Zone)
}

// ErrDeviceNotFound is returned by RemoveDevice when id names no
// attached device of any class.
var ErrDeviceNotFound = errors.New("lifecycle: device not found")

// Controller owns one VM's configuration and drives it through the
// state machine. ID uniquely identifies this VM across hosts, the way
// a migration session or snapshot directory name must (the teacher's
// PID-keyed control socket path does not survive a host boundary).
type Controller struct {
	ID uuid.UUID

	mu          sync.Mutex // guards cfg, zoneSizes, pausedClock; AddDisk and AddNetwork also hold it across their machine call
	cfg         Config
	zoneSizes   map[string]uint64
	pausedClock *migration.VMState

	state   *vmstate.Machine
	machine collab.Machine
	log     *logrus.Entry
	con     signals.Console
	exiter  signals.ExitSignaler

	assembler *bootassembler.Assembler
}

// New builds a Controller over an already-constructed collab.Machine
// (vmm.VMM.Init's role: creating the kvm/mmap handles is left to the
// caller, since machine.New needs the raw device path before any of
// lifecycle's config bookkeeping applies).
func New(cfg Config, m collab.Machine, con signals.Console, exiter signals.ExitSignaler, log *logrus.Entry) (*Controller, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	knownZones := make(map[string]bool, len(cfg.NumaNodes))
	zoneSizes := make(map[string]uint64)

	for _, n := range cfg.NumaNodes {
		for _, z := range n.MemoryZones {
			knownZones[z] = true
		}

		for _, r := range n.MemoryRegions {
			zoneSizes[fmt.Sprintf("node%d", n.GuestNumaID)] += r.Size
		}
	}

	if err := numa.Validate(cfg.NumaNodes, knownZones); err != nil {
		return nil, fmt.Errorf("lifecycle: invalid numa topology: %w", err)
	}

	id := uuid.New()

	return &Controller{
		ID:        id,
		cfg:       cfg,
		zoneSizes: zoneSizes,
		state:     vmstate.New(),
		machine:   m,
		log:       log.WithField("vm_id", id.String()),
		con:       con,
		exiter:    exiter,
	}, nil
}

// Config returns a copy of the VM's current configuration.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cfg
}

// State reports the VM's current lifecycle state.
func (c *Controller) State() (vmstate.State, error) {
	return c.state.Current()
}

// Boot implements boot(): builds the Assembler from the current
// configuration and runs it. Building the Assembler here rather than
// in New mirrors vmm.VMM.Setup/Boot being two separate calls — the
// kernel load only needs to start once Boot is actually invoked, not
// at Controller construction.
func (c *Controller) Boot(kernel, initrd io.ReaderAt) error {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	arch := bootassembler.ArchAMD64
	if cfg.Arm64 {
		arch = bootassembler.ArchARM64
	}

	bcfg := bootassembler.Config{
		Arch:            arch,
		NCPUs:           cfg.NCPUs,
		DebugStopOnBoot: cfg.DebugStopOnBoot,
		TraceCount:      cfg.TraceCount,
		Kernel:          kernel,
		Initrd:          initrd,
		Params:          cfg.Params,
		PCIConfigBase:   0xe0000000,
	}

	c.assembler = bootassembler.New(c.state, c.machine, bcfg, c.con, c.exiter, c.log)

	return c.assembler.Boot()
}

// Pause implements pause(): validate, capture the hypervisor clock so
// resume() can restore it, pause the CPU manager, then commit.
// Device-manager quiescing has no separate hook in this collaborator
// set (gokvm's virtio devices run their own tx/rx goroutines with no
// pause primitive), so CPU pause is the full quiesce point here — see
// DESIGN.md's Open Questions for this repository's resolution.
func (c *Controller) Pause() error {
	current, err := c.state.Current()
	if err != nil {
		return err
	}

	if !vmstate.ValidTransition(current, vmstate.Paused) {
		return &vmstate.InvalidStateTransition{From: current, To: vmstate.Paused}
	}

	return c.state.Transition(vmstate.Paused, func() error {
		vm, err := c.machine.SaveVMState()
		if err != nil {
			return fmt.Errorf("lifecycle: save clock before pause: %w", err)
		}

		if err := c.machine.Pause(); err != nil {
			return fmt.Errorf("lifecycle: pause cpu manager: %w", err)
		}

		c.mu.Lock()
		c.pausedClock = vm
		c.mu.Unlock()

		return nil
	})
}

// Resume implements resume(): delegates to the Assembler built by the
// most recent Boot, restoring the saved clock first if Pause captured
// one.
func (c *Controller) Resume() error {
	c.mu.Lock()
	saved := c.pausedClock
	c.pausedClock = nil
	c.mu.Unlock()

	if saved != nil {
		if err := c.machine.RestoreVMState(saved); err != nil {
			return fmt.Errorf("lifecycle: restore clock on resume: %w", err)
		}
	}

	if c.assembler == nil {
		return fmt.Errorf("lifecycle: resume: vm was never booted")
	}

	return c.assembler.Resume()
}

// Shutdown implements shutdown(): validate, resume the device manager
// so its background threads observe the termination event, ask the
// CPU manager to stop, then commit.
func (c *Controller) Shutdown() error {
	current, err := c.state.Current()
	if err != nil {
		return err
	}

	if !vmstate.ValidTransition(current, vmstate.Shutdown) {
		return &vmstate.InvalidStateTransition{From: current, To: vmstate.Shutdown}
	}

	return c.state.Transition(vmstate.Shutdown, func() error {
		if err := c.machine.Resume(); err != nil {
			return fmt.Errorf("lifecycle: resume device manager before shutdown: %w", err)
		}

		if err := c.machine.Close(); err != nil {
			return fmt.Errorf("lifecycle: close hypervisor handle: %w", err)
		}

		return nil
	})
}

// Resize implements resize(vcpus?, memory?, balloon?): gokvm's
// CPUManager/MemoryManager collaborators support neither vCPU
// hot-plug nor virtio-mem ballooning (machine.ActiveVCPUs always
// equals MaxVCPUs), so this records the requested topology in
// VmConfig — the part of resize() that is collaborator-independent —
// so a subsequent reboot reproduces it, without claiming to perform a
// live hot-plug this hypervisor backend cannot do.
func (c *Controller) Resize(vcpus *int, memSize *int, hotplugDelta *int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if vcpus != nil {
		c.cfg.NCPUs = *vcpus
	}

	if memSize != nil {
		c.cfg.MemSize = *memSize
	}

	if hotplugDelta != nil {
		c.cfg.HotpluggedSize += *hotplugDelta
	}

	return nil
}

// ResizeZone implements resize_zone(id, size) over the zone table: id
// is "node<GuestNumaID>", whose starting size is the sum of that node's
// MemoryRegions. Only growth is permitted. The new size is recorded in
// the zone table only; Config is not changed and no memory is added to
// the machine.
func (c *Controller) ResizeZone(zone string, size uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.zoneSizes[zone]
	if !ok {
		return &ErrUnknownZone{Zone: zone}
	}

	if size < current {
		return ErrResizeZoneShrink
	}

	c.zoneSizes[zone] = size

	return nil
}

// AddDisk implements add_<device>(cfg) for the disk device class:
// attaches the backing file through the device manager, then records
// it in VmConfig.DeviceConfig.Disks.
func (c *Controller) AddDisk(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.machine.AddDisk(path); err != nil {
		return fmt.Errorf("lifecycle: add disk %s: %w", path, err)
	}

	c.cfg.DeviceConfig.Disks = append(c.cfg.DeviceConfig.Disks, path)
	c.cfg.Disk = path

	return nil
}

// AddNetwork implements add_<device>(cfg) for the network device
// class: attaches a tap-backed virtio-net device, then records it.
func (c *Controller) AddNetwork(tapIfName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.machine.AddTapIf(tapIfName); err != nil {
		return fmt.Errorf("lifecycle: add network %s: %w", tapIfName, err)
	}

	c.cfg.DeviceConfig.Networks = append(c.cfg.DeviceConfig.Networks, tapIfName)
	c.cfg.TapIfName = tapIfName

	return nil
}

// RemoveDevice implements remove_device(id): retains every device
// list in VmConfig.DeviceConfig except the named id. gokvm's device
// manager has no hot-unplug primitive (AddTapIf/AddDisk are
// attach-only), so this updates configuration bookkeeping only —
// consistent with Resize's same limitation — and reports
// ErrDeviceNotFound if id names nothing currently attached.
func (c *Controller) RemoveDevice(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if removed := removeString(&c.cfg.DeviceConfig.Disks, id); removed {
		return nil
	}

	if removed := removeString(&c.cfg.DeviceConfig.Networks, id); removed {
		return nil
	}

	if removed := removeString(&c.cfg.DeviceConfig.PmemPaths, id); removed {
		return nil
	}

	if removed := removeString(&c.cfg.DeviceConfig.FsTags, id); removed {
		return nil
	}

	if removed := removeString(&c.cfg.DeviceConfig.UserDevices, id); removed {
		return nil
	}

	if removed := removeString(&c.cfg.DeviceConfig.VDPAPaths, id); removed {
		return nil
	}

	return ErrDeviceNotFound
}

func removeString(list *[]string, id string) bool {
	for i, v := range *list {
		if v == id {
			*list = append((*list)[:i], (*list)[i+1:]...)

			return true
		}
	}

	return false
}

// Snapshot implements the snapshot half of §4.6: it requires Paused
// and a non-confidential domain, matching internal/snapshot.Build's
// own invariants, then fills a migration.Snapshot from the machine's
// VM state and, where the machine provides it, its device state.
// VCPUStates holds one zero-valued entry per configured vCPU: no vCPU
// registers are read, and no per-manager child sections are built.
func (c *Controller) Snapshot() (*snapshot.Tree, error) {
	current, err := c.state.Current()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	confidential := c.cfg.Confidential
	cfg := c.cfg
	c.mu.Unlock()

	vm, err := c.machine.SaveVMState()
	if err != nil {
		return nil, fmt.Errorf("lifecycle: save vm state for snapshot: %w", err)
	}

	vcpuStates := make([]migration.VCPUState, cfg.NCPUs)

	devState, err := saveDeviceState(c.machine)
	if err != nil {
		return nil, err
	}

	snap := &migration.Snapshot{
		NCPUs:          cfg.NCPUs,
		MemSize:        cfg.MemSize,
		HotpluggedSize: cfg.HotpluggedSize,
		DeviceConfig:   cfg.DeviceConfig,
		VCPUStates:     vcpuStates,
		VM:             *vm,
		Devices:        devState,
	}

	return snapshot.Build(current, confidential, snap, nil)
}

// saveDeviceState is narrowed to the DeviceStateSaver surface so
// Controller does not need a wider collaborator interface than
// collab.Machine already provides; machine.Machine implements it, but
// collab.Machine intentionally does not require it (see DESIGN.md).
func saveDeviceState(m collab.Machine) (migration.DeviceState, error) {
	type deviceStateSaver interface {
		SaveDeviceState() (*migration.DeviceState, error)
	}

	s, ok := m.(deviceStateSaver)
	if !ok {
		return migration.DeviceState{}, nil
	}

	ds, err := s.SaveDeviceState()
	if err != nil {
		return migration.DeviceState{}, fmt.Errorf("lifecycle: save device state: %w", err)
	}

	return *ds, nil
}
