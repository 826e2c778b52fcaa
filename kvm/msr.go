package kvm

import (
	"unsafe"
)

type MSRList struct {
	NMSRs    uint32
	Indicies [100]uint32
}

// GetMSRIndexList returns the guest msrs that are supported.
// The list varies by kvm version and host processor, but does not change otherwise.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	// The ioctl size is that of the list header (nmsrs) only, as struct
	// kvm_msr_list declares it; GetSupportedCPUID encodes its size the
	// same way.
	tmp := struct {
		NMSRs uint32
	}{
		NMSRs: 100,
	}
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRIndexList, unsafe.Sizeof(tmp)),
		uintptr(unsafe.Pointer(list)))

	return err
}

// GetMSRFeatureIndexList returns the MSRs that KVM_GET_MSRS on the
// /dev/kvm fd (rather than a vcpu fd) can report host-wide feature
// values for.
func GetMSRFeatureIndexList(kvmFd uintptr, list *MSRList) error {
	tmp := struct {
		NMSRs uint32
	}{
		NMSRs: 100,
	}
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRFeatureIndex, unsafe.Sizeof(tmp)),
		uintptr(unsafe.Pointer(list)))

	return err
}

// MSREntry is one model-specific-register index/value pair.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// MSRS is the variable-length set of MSR entries read/written by
// GetMSRs/SetMSRs. Entries must be pre-sized by the caller; NMSRs
// records how many are populated.
type MSRS struct {
	NMSRs   uint32
	Padding uint32
	Entries []MSREntry
}

func msrsSize(m *MSRS) uintptr {
	return unsafe.Sizeof(MSRS{}) - unsafe.Sizeof(m.Entries) + uintptr(len(m.Entries))*unsafe.Sizeof(MSREntry{})
}

// GetMSRs reads the current value of each MSR named in msrs.Entries[i].Index.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRs, msrsSize(msrs)), uintptr(unsafe.Pointer(msrs)))

	return err
}

// SetMSRs writes each MSR named in msrs.Entries.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMSRs, msrsSize(msrs)), uintptr(unsafe.Pointer(msrs)))

	return err
}
