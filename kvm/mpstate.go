package kvm

import "unsafe"

// Multiprocessor state values for struct kvm_mp_state.mp_state.
const (
	MPStateRunnable = iota
	MPStateUninitialized
	MPStateInitReceived
	MPStateHalted
	MPStateSIPIReceived
	MPStateStopped
)

// MPState mirrors struct kvm_mp_state.
type MPState struct {
	State uint32
}

// GetMPState reads a vcpu's multiprocessor (INIT/SIPI) state.
func GetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetMPState, unsafe.Sizeof(*mps)), uintptr(unsafe.Pointer(mps)))

	return err
}

// SetMPState restores a vcpu's multiprocessor (INIT/SIPI) state.
func SetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMPState, unsafe.Sizeof(*mps)), uintptr(unsafe.Pointer(mps)))

	return err
}
