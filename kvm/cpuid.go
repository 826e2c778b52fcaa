package kvm

import (
	"unsafe"
)

// CPUIDFeatures is KVM's paravirtual features leaf, the highest
// hypervisor leaf; it is reported in EAX of the CPUIDSignature leaf.
const CPUIDFeatures = 0x40000001

// CPUIDSignature is the leaf a guest probes to discover it is running
// under a hypervisor and read back that hypervisor's ID string.
const CPUIDSignature = 0x40000000

// CPUIDFuncPerMon is the architectural performance monitoring leaf,
// which KVM reports as unsupported (eax=0) to keep guests off counters
// it cannot virtualize faithfully.
const CPUIDFuncPerMon = 0x0A

// maxCPUIDEntries bounds CPUID.Entries. struct kvm_cpuid2 ends in a
// flexible array member; Go has no such thing, so the array is
// pre-sized generously and Nent records how many entries are live. The
// ioctl size encoded for CPUID calls is that of the header (Nent and
// Padding) only, as struct kvm_cpuid2 declares it.
const maxCPUIDEntries = 100

// CPUID is the set of CPUID entries returned by GetSupportedCPUID and
// consumed by SetCPUID2/GetCPUID2. Nent records how many of Entries are
// populated; the rest is padding required to match struct kvm_cpuid2's
// on-wire layout.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// CPUIDEntry2 is one entry for CPUID. It took 2 tries to get it right :-)
// Thanks x86 :-).
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// GetSupportedCPUID gets all supported CPUID entries for a vm.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, unsafe.Offsetof(kvmCPUID.Entries)),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 sets entries for a vCPU.
// The progression is, hence, get the CPUID entries for a vm, then set them into
// individual vCPUs. This seems odd, but in fact lets code tailor CPUID entries
// as needed.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetCPUID2, unsafe.Offsetof(kvmCPUID.Entries)),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// GetCPUID2 reads back the CPUID entries currently configured on a vcpu.
func GetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOWR(kvmGetCPUID2, unsafe.Offsetof(kvmCPUID.Entries)),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// GetEmulatedCPUID returns the CPUID entries KVM emulates in software
// (as opposed to the entries the host CPU supports natively).
func GetEmulatedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetEmulatedCPUID, unsafe.Offsetof(kvmCPUID.Entries)),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}
