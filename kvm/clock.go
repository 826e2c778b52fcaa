package kvm

import "unsafe"

// ClockData mirrors struct kvm_clock_data, KVM's view of the guest's
// paravirtual clock. It must round-trip across migration so guest time
// does not jump or go backward on the destination host.
type ClockData struct {
	Clock uint64
	Flags uint32
	_     uint32
	_     [4]uint64
}

// GetClock reads the current kvmclock value for the VM.
func GetClock(vmFd uintptr, cd *ClockData) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetClock, unsafe.Sizeof(*cd)), uintptr(unsafe.Pointer(cd)))

	return err
}

// SetClock restores a previously saved kvmclock value.
func SetClock(vmFd uintptr, cd *ClockData) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetClock, unsafe.Sizeof(*cd)), uintptr(unsafe.Pointer(cd)))

	return err
}
