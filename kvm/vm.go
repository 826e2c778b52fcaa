package kvm

// GetAPIVersion returns the KVM API version exposed by /dev/kvm. Callers
// should check it equals 12 before relying on anything else in this package.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM creates a new VM file descriptor backed by the /dev/kvm fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU creates vcpu number cpuID attached to vmFd.
func CreateVCPU(vmFd uintptr, cpuID int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(cpuID))
}

// GetVCPUMMmapSize returns the size, in bytes, of the shared kvm_run
// structure that must be mmap'd over each vcpu fd.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// Run executes the vcpu until the next vmexit, as recorded in the mmap'd
// kvm_run structure.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmRun), 0)

	return err
}
