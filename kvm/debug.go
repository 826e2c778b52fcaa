package kvm

import "unsafe"

// DebugControl controls guest debug / single-step behavior, matching
// struct kvm_guest_debug's control block.
type DebugControl struct {
	Control  uint32
	_        uint32
	Debugreg [8]uint64
}

const (
	debugEnable     = 1
	debugSingleStep = 2
)

// SingleStep toggles single-step execution on a vcpu.
func SingleStep(vcpuFd uintptr, onoff bool) error {
	debug := DebugControl{}
	if onoff {
		debug.Control = debugEnable | debugSingleStep
	}

	_, err := Ioctl(vcpuFd, IIOW(kvmSetGuestDebug, unsafe.Sizeof(debug)), uintptr(unsafe.Pointer(&debug)))

	return err
}
