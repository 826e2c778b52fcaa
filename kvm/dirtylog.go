package kvm

import "unsafe"

// DirtyLog mirrors struct kvm_dirty_log: a request for the bitmap of
// pages written since the last call (or since logging was enabled) in
// the memory slot named by Slot. BitMap must point at a buffer large
// enough for one bit per page in the slot.
type DirtyLog struct {
	Slot   uint32
	_      uint32
	BitMap uint64
}

// GetDirtyLog retrieves and atomically clears the dirty-page bitmap for
// dl.Slot.
func GetDirtyLog(vmFd uintptr, dl *DirtyLog) error {
	_, err := Ioctl(vmFd, IIOW(kvmGetDirtyLog, unsafe.Sizeof(*dl)), uintptr(unsafe.Pointer(dl)))

	return err
}
