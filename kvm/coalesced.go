package kvm

import "unsafe"

// coalescedMMIOZone mirrors struct kvm_coalesced_mmio_zone: an MMIO
// range whose writes are buffered by the kernel and drained in batches
// instead of exiting to userspace on every access.
type coalescedMMIOZone struct {
	Addr   uint64
	Size   uint32
	PadPIO uint32
}

// RegisterCoalescedMMIO marks [addr, addr+size) as coalesced.
func RegisterCoalescedMMIO(vmFd uintptr, addr uint64, size uint32) error {
	zone := coalescedMMIOZone{Addr: addr, Size: size}

	_, err := Ioctl(vmFd, IIOW(kvmRegisterCoalescedMMIO, unsafe.Sizeof(zone)), uintptr(unsafe.Pointer(&zone)))

	return err
}

// UnregisterCoalescedMMIO undoes RegisterCoalescedMMIO for the same range.
func UnregisterCoalescedMMIO(vmFd uintptr, addr uint64, size uint32) error {
	zone := coalescedMMIOZone{Addr: addr, Size: size}

	_, err := Ioctl(vmFd, IIOW(kvmUnregisterCoalescedMMIO, unsafe.Sizeof(zone)), uintptr(unsafe.Pointer(&zone)))

	return err
}

// SetNrMMUPages hints the shadow-MMU page cache size for a VM.
func SetNrMMUPages(vmFd uintptr, n uint64) error {
	_, err := Ioctl(vmFd, IIO(kvmSetNrMMUPages), uintptr(n))

	return err
}

// GetNrMMUPages reports the current shadow-MMU page cache size.
func GetNrMMUPages(vmFd uintptr, n *uint64) error {
	ret, err := Ioctl(vmFd, IIO(kvmGetNrMMUPages), 0)
	if err != nil {
		return err
	}

	*n = uint64(ret)

	return nil
}

// GetTSCKHz reads a vcpu's virtual TSC frequency in kHz.
func GetTSCKHz(vcpuFd uintptr) (uint64, error) {
	ret, err := Ioctl(vcpuFd, IIO(kvmGetTSCKHz), 0)

	return uint64(ret), err
}

// SetTSCKHz sets a vcpu's virtual TSC frequency in kHz.
func SetTSCKHz(vcpuFd uintptr, khz uint64) error {
	_, err := Ioctl(vcpuFd, IIO(kvmSetTSCKHz), uintptr(khz))

	return err
}

// DeviceType names an in-kernel device kind accepted by CreateDev (a
// small subset of KVM_DEV_TYPE_*).
type DeviceType int

const (
	DevVFIO DeviceType = iota
	DevMAX
)

// Device mirrors struct kvm_create_device.
type Device struct {
	Type  uint32
	Fd    uint32
	Flags uint32
}

// CreateDev attaches an in-kernel device of dev.Type to a VM.
func CreateDev(vmFd uintptr, dev *Device) error {
	_, err := Ioctl(vmFd, IIOWR(kvmCreateDevice, unsafe.Sizeof(*dev)), uintptr(unsafe.Pointer(dev)))

	return err
}

// Translation mirrors struct kvm_translation: a guest virtual address
// resolved through the vcpu's current paging mode.
type Translation struct {
	LinearAddress   uint64
	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

// Translate resolves t.LinearAddress through the vcpu's current page
// tables, filling in the rest of t.
func Translate(vcpuFd uintptr, t *Translation) error {
	_, err := Ioctl(vcpuFd, IIOWR(kvmTranslate, unsafe.Sizeof(*t)), uintptr(unsafe.Pointer(t)))

	return err
}
