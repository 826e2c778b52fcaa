package kvm

// RunData mirrors struct kvm_run, the page shared between the kernel and
// userspace for a single vcpu. It is obtained by mmap'ing the vcpu fd for
// GetVCPUMMmapSize bytes.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO interprets an EXITIO exit by unpacking RunData.Data[0:1] into the
// direction, operand size, port, repeat count and data offset of the
// access, per the kvm_run.io union.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}
