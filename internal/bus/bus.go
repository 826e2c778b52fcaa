// Package bus generalizes the address-range dispatch that
// machine.Machine's ioportHandlers table and pci.PCI's config-space
// state machine each implement by hand, into a single decoded-range
// registry shared by the VM-ops trap handler for MMIO and PIO accesses
// alike (guest memory is reached through io.ReaderAt/io.WriterAt, not a
// Bus).
package bus

import (
	"errors"
	"fmt"
	"sort"
)

// ErrMissingRange is returned when no registered Device claims the
// address an access targets.
var ErrMissingRange = errors.New("bus: no device registered for address range")

// Device answers reads and writes addressed to one of its registered
// ranges. Write may return a non-nil Barrier the caller must wait on
// before the access is considered complete.
type Device interface {
	Read(addr uint64, data []byte) error
	Write(addr uint64, data []byte) (*Barrier, error)
}

type entry struct {
	start, end uint64 // [start, end)
	dev        Device
}

// Bus decodes an address into a registered range and dispatches to
// its Device. Ranges must not overlap.
type Bus struct {
	entries []entry
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Register adds dev as the handler for [start, end). It panics if the
// range overlaps one already registered, the same fail-fast contract
// machine.Machine's io port table assumes of its callers.
func (b *Bus) Register(start, end uint64, dev Device) {
	for _, e := range b.entries {
		if start < e.end && e.start < end {
			panic(fmt.Sprintf("bus: range [%#x,%#x) overlaps existing [%#x,%#x)", start, end, e.start, e.end))
		}
	}

	b.entries = append(b.entries, entry{start: start, end: end, dev: dev})

	sort.Slice(b.entries, func(i, j int) bool { return b.entries[i].start < b.entries[j].start })
}

func (b *Bus) find(addr uint64) Device {
	// Small tables in practice (a handful of MMIO/PCI ranges), so a
	// linear scan over the sorted entries is simpler than a binary
	// search and cheap enough.
	for _, e := range b.entries {
		if addr >= e.start && addr < e.end {
			return e.dev
		}
	}

	return nil
}

// Read dispatches to the Device covering addr. ErrMissingRange is
// returned, never panicked, so callers can apply the
// warn-and-continue recovery the VM-ops handler documents.
func (b *Bus) Read(addr uint64, data []byte) error {
	dev := b.find(addr)
	if dev == nil {
		return fmt.Errorf("%w: addr=%#x", ErrMissingRange, addr)
	}

	return dev.Read(addr, data)
}

// Write dispatches to the Device covering addr.
func (b *Bus) Write(addr uint64, data []byte) (*Barrier, error) {
	dev := b.find(addr)
	if dev == nil {
		return nil, fmt.Errorf("%w: addr=%#x", ErrMissingRange, addr)
	}

	return dev.Write(addr, data)
}

// Barrier is a one-shot rendezvous a Device.Write can hand back to
// force the calling vCPU thread to block until some other goroutine
// (typically a device's background IO thread) calls Release.
type Barrier struct {
	done chan struct{}
}

// NewBarrier returns an armed Barrier.
func NewBarrier() *Barrier {
	return &Barrier{done: make(chan struct{})}
}

// Release unblocks Wait. Calling Release more than once panics, the
// same one-shot contract sync.WaitGroup's Done enforces implicitly.
func (b *Barrier) Release() {
	close(b.done)
}

// Wait blocks until Release is called.
func (b *Barrier) Wait() {
	<-b.done
}
