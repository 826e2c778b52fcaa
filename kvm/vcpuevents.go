package kvm

import "unsafe"

// VCPUEvents mirrors struct kvm_vcpu_events: pending exceptions,
// interrupts, NMIs and SMIs that have not yet been delivered to the
// guest. Must be saved/restored verbatim across migration so no
// pending event is dropped or double-delivered.
type VCPUEvents struct {
	ExceptionInjected  uint8
	ExceptionNR        uint8
	ExceptionHasErrCode uint8
	ExceptionPad       uint8
	ExceptionErrCode   uint32

	InterruptInjected uint8
	InterruptNR       uint8
	InterruptSoft     uint8
	InterruptShadow   uint8

	NMIInjected uint8
	NMIPending  uint8
	NMIMasked   uint8
	NMIPad      uint8

	SIPIVector uint32
	Flags      uint32

	SMMSmm          uint8
	SMMPending      uint8
	SMMSmmInsideNMI uint8
	SMMLatchedInit  uint8

	Reserved            [27]uint8
	ExceptionHasPayload uint8
	ExceptionPayload    uint64
}

// GetVCPUEvents reads pending-event state from a vcpu.
func GetVCPUEvents(vcpuFd uintptr, ev *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetVCPUEvents, unsafe.Sizeof(*ev)), uintptr(unsafe.Pointer(ev)))

	return err
}

// SetVCPUEvents restores pending-event state to a vcpu.
func SetVCPUEvents(vcpuFd uintptr, ev *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetVCPUEvents, unsafe.Sizeof(*ev)), uintptr(unsafe.Pointer(ev)))

	return err
}
