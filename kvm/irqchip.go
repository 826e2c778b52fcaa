package kvm

import "unsafe"

// IRQ chip identifiers for struct kvm_irqchip.chip_id on x86: the master
// and slave 8259 PICs, and the IOAPIC.
const (
	IRQChipPIC0 = 0
	IRQChipPIC1 = 1
	IRQChipIOAPIC = 2
)

// IRQChip mirrors struct kvm_irqchip: a chip identifier plus a union of
// per-chip state, here flattened to the largest member (IOAPIC state).
type IRQChip struct {
	ChipID uint32
	_      uint32
	Chip   [512]byte
}

// GetIRQChip reads the state of one of the VM's emulated interrupt
// controllers (set chip.ChipID before calling).
func GetIRQChip(vmFd uintptr, chip *IRQChip) error {
	_, err := Ioctl(vmFd, IIOWR(kvmGetIRQChip, unsafe.Sizeof(*chip)), uintptr(unsafe.Pointer(chip)))

	return err
}

// SetIRQChip restores the state of one of the VM's emulated interrupt
// controllers.
func SetIRQChip(vmFd uintptr, chip *IRQChip) error {
	// KVM_SET_IRQCHIP is declared _IOR in include/uapi/linux/kvm.h.
	_, err := Ioctl(vmFd, IIOR(kvmSetIRQChip, unsafe.Sizeof(*chip)), uintptr(unsafe.Pointer(chip)))

	return err
}
