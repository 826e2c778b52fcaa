package machine

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/ovmctl/vorchestrator/tap"
	"github.com/ovmctl/vorchestrator/virtio"
)

// AddTapIf attaches a tap-backed virtio-net device at the next free PCI
// slot (devices take slots in the order they are added).
// Safe to call once per Machine, any time before the device's queues are
// programmed by the guest.
func (m *Machine) AddTapIf(tapIfName string) error {
	t, err := tap.New(tapIfName)
	if err != nil {
		return err
	}

	v := virtio.NewNet(virtioNetIRQ, m, t, m.mem)
	go v.TxThreadEntry()
	go v.RxThreadEntry()

	m.pci.Devices = append(m.pci.Devices, v)

	return nil
}

// AddDisk attaches a file-backed virtio-blk device at the next free PCI
// slot.
func (m *Machine) AddDisk(diskPath string) error {
	v, err := virtio.NewBlk(diskPath, virtioBlkIRQ, m, m.mem)
	if err != nil {
		return err
	}

	go v.IOThreadEntry()

	m.pci.Devices = append(m.pci.Devices, v)

	return nil
}

// StartVCPU launches cpu's run loop on its own locked OS thread and
// arranges for wg.Done to fire once the loop returns, which it does only
// on error (an HLT exit re-enters the guest). traceCount is reserved for future single-step
// budgets and currently only toggles via SingleStep by the caller.
func (m *Machine) StartVCPU(cpu int, traceCount int, wg *sync.WaitGroup) {
	go func() {
		defer wg.Done()

		if err := m.RunInfiniteLoop(cpu); err != nil {
			fmt.Printf("cpu %d: RunInfiniteLoop: %v\r\n", cpu, err)
		}
	}()
}

// waitWhilePaused blocks the calling vCPU thread while the machine is
// paused, the checkpoint RunInfiniteLoop polls between guest exits.
func (m *Machine) waitWhilePaused() {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()

	for m.paused {
		m.pauseCV.Wait()
	}
}

// Pause stops every vCPU at its next guest-exit boundary. It does not
// wait for the vCPUs to actually reach the checkpoint: callers that
// need a synchronization point should rely on the owning controller's
// state transition instead.
func (m *Machine) Pause() error {
	m.pauseMu.Lock()
	m.paused = true
	m.pauseMu.Unlock()

	return nil
}

// Resume releases any vCPU threads blocked in waitWhilePaused.
func (m *Machine) Resume() error {
	m.pauseMu.Lock()
	m.paused = false
	m.pauseMu.Unlock()
	m.pauseCV.Broadcast()

	return nil
}

// Close tears down every vCPU, the VM, and the KVM file descriptor, and
// unmaps guest memory. Safe to call more than once; only the first
// call does any work.
func (m *Machine) Close() error {
	var err error

	m.closeOnce.Do(func() {
		for _, fd := range m.vcpuFds {
			_ = syscall.Close(int(fd))
		}

		if len(m.mem) > 0 {
			err = syscall.Munmap(m.mem)
		}

		_ = syscall.Close(int(m.vmFd))
		_ = syscall.Close(int(m.kvmFd))
		m.closed = true
	})

	return err
}

// ActiveVCPUs reports how many vCPUs are currently provisioned. gokvm
// does not support vCPU hot-unplug, so this always equals MaxVCPUs.
func (m *Machine) ActiveVCPUs() int {
	return len(m.vcpuFds)
}

// MaxVCPUs reports the vCPU count the machine was created with.
func (m *Machine) MaxVCPUs() int {
	return len(m.vcpuFds)
}

// Mem exposes the guest's flat physical memory, for collaborators that
// need to inspect or stream it directly (snapshot, migration).
func (m *Machine) Mem() []byte {
	return m.mem
}

// ErrGPAOutOfRange is returned by HostAddress when gpa falls outside
// the mmap'd guest memory region.
var ErrGPAOutOfRange = fmt.Errorf("guest physical address out of range")

// HostAddress translates a guest physical address to the host virtual
// address backing it, for the confidential-domain bootstrap's memory
// registration step: m.mem is one contiguous mmap, so this is just
// pointer arithmetic over its backing array.
func (m *Machine) HostAddress(gpa uint64) (uintptr, error) {
	if gpa >= uint64(len(m.mem)) {
		return 0, fmt.Errorf("%w: %#x (mem size %#x)", ErrGPAOutOfRange, gpa, len(m.mem))
	}

	return uintptr(unsafe.Pointer(&m.mem[0])) + uintptr(gpa), nil
}
