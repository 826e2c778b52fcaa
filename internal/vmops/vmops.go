// Package vmops implements the VM-Ops trap handler: the callback
// surface invoked from vCPU threads on guest exits, generalizing
// machine.Machine's hand-rolled ioportHandlers table and pci.PCI's
// config-space state machine onto shared bus.Bus instances.
package vmops

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/ovmctl/vorchestrator/internal/bus"
)

const (
	pciConfigAddrStart = 0xcf8
	pciConfigDataEnd   = 0xd00
)

// ConfigDevice is the dedicated PCI configuration-space device pio_write
// routes to instead of the general PIO bus, mirroring
// machine.Machine.registerIOPortHandler's special case for 0xcf8-0xd00.
type ConfigDevice interface {
	IOInHandler(port uint64, data []byte) error
	IOOutHandler(port uint64, data []byte) error
}

// Handler holds no mutable state of its own: only reference-counted
// handles to guest memory and the MMIO/PIO buses and PCI config
// device it dispatches to. Safe for concurrent use by every vCPU
// thread.
type Handler struct {
	Mem    io.ReaderAt
	MemW   io.WriterAt
	MMIO   *bus.Bus
	PIO    *bus.Bus
	Config ConfigDevice
}

// New builds a Handler over already-constructed buses and a
// guest-memory accessor.
func New(mem interface {
	io.ReaderAt
	io.WriterAt
}, mmio, pio *bus.Bus, cfg ConfigDevice) *Handler {
	return &Handler{Mem: mem, MemW: mem, MMIO: mmio, PIO: pio, Config: cfg}
}

// GuestMemRead forwards to the guest memory mapping.
func (h *Handler) GuestMemRead(gpa int64, buf []byte) (int, error) {
	n, err := h.Mem.ReadAt(buf, gpa)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("guest_mem_read: %w", err)
	}

	return n, nil
}

// GuestMemWrite forwards to the guest memory mapping.
func (h *Handler) GuestMemWrite(gpa int64, buf []byte) (int, error) {
	n, err := h.MemW.WriteAt(buf, gpa)
	if err != nil {
		return n, fmt.Errorf("guest_mem_write: %w", err)
	}

	return n, nil
}

// MMIORead dispatches to the MMIO bus. A MissingAddressRange is
// recovered locally: it is logged at warn level and the read returns
// success with a zero-filled buffer, since the VM should not be able
// to crash a guest merely by probing an unmapped MMIO address.
func (h *Handler) MMIORead(gpa uint64, buf []byte) error {
	if err := h.MMIO.Read(gpa, buf); err != nil {
		if errors.Is(err, bus.ErrMissingRange) {
			log.Printf("vmops: mmio_read: %v", err)

			for i := range buf {
				buf[i] = 0
			}

			return nil
		}

		return err
	}

	return nil
}

// MMIOWrite dispatches to the MMIO bus, blocking on any barrier the
// device hands back before returning to the vCPU loop. A
// MissingAddressRange write is dropped silently.
func (h *Handler) MMIOWrite(gpa uint64, buf []byte) error {
	barrier, err := h.MMIO.Write(gpa, buf)
	if err != nil {
		if errors.Is(err, bus.ErrMissingRange) {
			log.Printf("vmops: mmio_write: %v", err)

			return nil
		}

		return err
	}

	if barrier != nil {
		barrier.Wait()
	}

	return nil
}

// PIORead dispatches a legacy-PIO read (x86 only). Ports in the PCI
// configuration-space window route to Config instead of the general
// PIO bus.
func (h *Handler) PIORead(port uint64, buf []byte) error {
	if port >= pciConfigAddrStart && port < pciConfigDataEnd {
		return h.Config.IOInHandler(port, buf)
	}

	if err := h.PIO.Read(port, buf); err != nil {
		if errors.Is(err, bus.ErrMissingRange) {
			log.Printf("vmops: pio_read: %v", err)

			for i := range buf {
				buf[i] = 0
			}

			return nil
		}

		return err
	}

	return nil
}

// PIOWrite dispatches a legacy-PIO write (x86 only), with the same
// config-space routing and barrier semantics as MMIOWrite.
func (h *Handler) PIOWrite(port uint64, buf []byte) error {
	if port >= pciConfigAddrStart && port < pciConfigDataEnd {
		return h.Config.IOOutHandler(port, buf)
	}

	barrier, err := h.PIO.Write(port, buf)
	if err != nil {
		if errors.Is(err, bus.ErrMissingRange) {
			log.Printf("vmops: pio_write: %v", err)

			return nil
		}

		return err
	}

	if barrier != nil {
		barrier.Wait()
	}

	return nil
}
