// Package migration provides types and utilities for live migration of
// VM state: vCPU/VM hardware state, per-device state, and the guest's
// NUMA topology and device-class configuration needed to reproduce
// the pre-migration topology on the destination.
package migration

// NumaNodeState captures one guest NUMA node's topology for transfer,
// mirroring internal/numa.Node without importing it (migration must
// stay a narrow, dependency-light package consumed by vmm and the
// lifecycle controller alike).
type NumaNodeState struct {
	GuestNumaID int
	MemoryZones []string
	CPUs        []int
	Distances   []NumaDistanceState
}

// NumaDistanceState is one entry of a node's distance table.
type NumaDistanceState struct {
	Destination int
	Value       uint8
}

// DeviceClassConfig lists the attached devices of one class (disks,
// networks, or a placeholder class not yet backed by a real device
// implementation), so the destination VM reattaches the same set.
type DeviceClassConfig struct {
	Disks       []string // backing file paths
	Networks    []string // tap interface names
	PmemPaths   []string // placeholder: no pmem device implementation yet
	VsockCIDs   []uint32 // placeholder: no vsock device implementation yet
	FsTags      []string // placeholder: no virtio-fs implementation yet
	UserDevices []string // placeholder: vfio-user style passthrough, not implemented
	VDPAPaths   []string // placeholder: vDPA passthrough, not implemented
}

// MSREntry is an index/value pair for a model-specific register.
type MSREntry struct {
	Index uint32
	Data  uint64
}

// VCPUState holds the complete architectural state of a single vCPU.
// Binary KVM structs are stored as raw byte slices to preserve their exact
// in-memory layout (including padding) without encoding ambiguity.
type VCPUState struct {
	Regs      []byte     // kvm.Regs
	Sregs     []byte     // kvm.Sregs
	MSRs      []MSREntry // model-specific registers
	LAPIC     []byte     // kvm.LAPICState
	Events    []byte     // kvm.VCPUEvents
	MPState   uint32     // kvm.MPState.State
	DebugRegs []byte     // kvm.DebugRegs
	XCRS      []byte     // kvm.XCRS
}

// VMState holds VM-level (not per-vCPU) hardware state.
type VMState struct {
	Clock         []byte // kvm.ClockData
	IRQChipPIC0   []byte // kvm.IRQChip ChipID=0 (master PIC)
	IRQChipPIC1   []byte // kvm.IRQChip ChipID=1 (slave PIC)
	IRQChipIOAPIC []byte // kvm.IRQChip ChipID=2 (IOAPIC)
	PIT2          []byte // kvm.PITState2
}

// BlkState holds migration state for a virtio-blk device.
type BlkState struct {
	// HdrBytes is the serialized blkHdr (virtio common header + blk config),
	// encoded with binary.LittleEndian to preserve all fields including padding.
	HdrBytes      []byte
	QueuePhysAddr [1]uint64 // guest physical address of each virtqueue (0 = not initialised)
	LastAvailIdx  [1]uint16 // host-side consumed index per queue
}

// NetState holds migration state for a virtio-net device.
type NetState struct {
	HdrBytes      []byte
	QueuePhysAddr [2]uint64
	LastAvailIdx  [2]uint16
}

// SerialState holds migration state for the emulated serial port.
type SerialState struct {
	IER byte // Interrupt Enable Register
	LCR byte // Line Control Register
}

// DeviceState aggregates emulated device state.
// Blk and Net are nil when the corresponding device is not attached.
type DeviceState struct {
	Serial SerialState
	Blk    *BlkState // nil if no disk attached
	Net    *NetState // nil if no network attached
}

// Snapshot is the complete VM state handed off during migration.
// Guest memory is transferred separately as a raw byte stream (or, for
// fd-handoff migration, by passing the backing memfd itself — see
// fdhandoff.go).
type Snapshot struct {
	NCPUs          int
	MemSize        int
	HotpluggedSize int // bytes added on top of MemSize since boot, tracked separately per spec
	NumaNodes      []NumaNodeState
	DeviceConfig   DeviceClassConfig
	VCPUStates     []VCPUState
	VM             VMState
	Devices        DeviceState
}
