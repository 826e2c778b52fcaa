package kvm

import "unsafe"

// xcrEntry is one extended-control-register index/value pair.
type xcrEntry struct {
	XCR   uint32
	_     uint32
	Value uint64
}

// XCRS mirrors struct kvm_xcrs: the XCR0 (and any future XCRn) state
// governing which extended register sets (AVX, etc.) are active for a
// vcpu.
type XCRS struct {
	NRXCRs  uint32
	Flags   uint32
	XCRs    [16]xcrEntry
	_       [16]uint64
}

// GetXCRS reads extended control register state from a vcpu.
func GetXCRS(vcpuFd uintptr, xcrs *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetXCRS, unsafe.Sizeof(*xcrs)), uintptr(unsafe.Pointer(xcrs)))

	return err
}

// SetXCRS restores extended control register state to a vcpu.
func SetXCRS(vcpuFd uintptr, xcrs *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetXCRS, unsafe.Sizeof(*xcrs)), uintptr(unsafe.Pointer(xcrs)))

	return err
}
