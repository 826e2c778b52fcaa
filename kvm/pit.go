package kvm

import "unsafe"

// pitChannelState is the per-channel state of the i8254 PIT.
type pitChannelState struct {
	Count         uint32
	LatchedCount  uint16
	CountLatched  uint8
	StatusLatched uint8
	Status        uint8
	ReadState     uint8
	WriteState    uint8
	WriteLatch    uint8
	RWMode        uint8
	Mode          uint8
	BCD           uint8
	Gate          uint8
	CountLoadTime int64
}

// PITState2 mirrors struct kvm_pit_state2.
type PITState2 struct {
	Channels [3]pitChannelState
	Flags    uint32
	_        [9]uint32
}

// GetPIT2 reads the state of the VM's emulated programmable interval timer.
func GetPIT2(vmFd uintptr, pit *PITState2) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetPIT2, unsafe.Sizeof(*pit)), uintptr(unsafe.Pointer(pit)))

	return err
}

// SetPIT2 restores the state of the VM's emulated programmable interval timer.
func SetPIT2(vmFd uintptr, pit *PITState2) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetPIT2, unsafe.Sizeof(*pit)), uintptr(unsafe.Pointer(pit)))

	return err
}
