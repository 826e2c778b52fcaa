package kvm

import "unsafe"

// LAPICState mirrors struct kvm_lapic_state: the raw local APIC
// register page (one 32-bit register per 16-byte-aligned slot).
type LAPICState struct {
	Regs [1024]byte
}

// GetLocalAPIC reads a vcpu's local APIC register state.
func GetLocalAPIC(vcpuFd uintptr, lapic *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetLAPIC, unsafe.Sizeof(*lapic)), uintptr(unsafe.Pointer(lapic)))

	return err
}

// SetLocalAPIC restores a vcpu's local APIC register state.
func SetLocalAPIC(vcpuFd uintptr, lapic *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetLAPIC, unsafe.Sizeof(*lapic)), uintptr(unsafe.Pointer(lapic)))

	return err
}
