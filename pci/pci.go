package pci

import (
	"bytes"
	"encoding/binary"
)

// Configuration Space Access Mechanism #1
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return ((uint32(a) >> 31) | 0x1) == 0x1
}

// Device is a PCI function that can be addressed over the config-space
// I/O ports and, once its BAR is programmed, over its own I/O range.
type Device interface {
	GetDeviceHeader() DeviceHeader
	IOInHandler(port uint64, bytes []byte) error
	IOOutHandler(port uint64, bytes []byte) error
	GetIORange() (start, end uint64)
}

// DeviceHeader holds the PCI configuration-header fields this emulation
// reports; enough to let a guest's PCI enumeration (and virtio's
// modern/legacy probing) find this function. Its first 0x28 bytes (IDs
// through the six BARs) follow the standard header layout; SubsystemID,
// InterruptLine and InterruptPin come directly after the BARs, not at
// their standard offsets.
type DeviceHeader struct {
	VendorID      uint16
	DeviceID      uint16
	Command       uint16
	Status        uint16
	RevisionID    uint8
	ClassCode     [3]uint8
	CacheLineSize uint8
	LatencyTimer  uint8
	HeaderType    uint8
	BIST          uint8
	BAR           [6]uint32
	SubsystemID   uint16
	InterruptLine uint8
	InterruptPin  uint8
}

// Bytes serializes the header in the little-endian wire layout a guest's
// config-space reads expect.
func (h DeviceHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// barOffsetStart/barOffsetEnd bound the six 32-bit BAR registers within
// a type-0 configuration header.
const (
	barOffsetStart = 0x10
	barOffsetEnd   = 0x10 + 6*4
)

// PCI is the emulated root config-space access mechanism (ports
// 0xCF8/0xCFC) fronting a flat list of functions. Only bus 0 is modeled;
// Devices[0] is conventionally the host bridge.
type PCI struct {
	addr    address
	Devices []Device
	bars    [][6]uint32
}

// New creates a PCI root with devices attached in slot order (Devices[0]
// is function 00:00.0, Devices[1] is 00:01.0, and so on).
func New(devices ...Device) *PCI {
	p := &PCI{
		addr:    0xaabbccdd,
		Devices: devices,
		bars:    make([][6]uint32, len(devices)),
	}

	for i, d := range devices {
		p.bars[i] = d.GetDeviceHeader().BAR
	}

	return p
}

func (p *PCI) deviceAt(a address) (Device, int, bool) {
	idx := int(a.getDeviceNumber())
	if idx < 0 || idx >= len(p.Devices) {
		return nil, 0, false
	}

	return p.Devices[idx], idx, true
}

// PciConfDataIn handles reads from the 0xCFC data port, relative to the
// device/offset last latched by PciConfAddrOut. Live BAR register state
// (including any sizing mask written by PciConfDataOut) takes priority
// over the device's static header.
func (p *PCI) PciConfDataIn(port uint64, values []byte) error {
	dev, idx, ok := p.deviceAt(p.addr)
	if !ok {
		return nil
	}

	offset := p.addr.getRegisterOffset()

	if offset >= barOffsetStart && offset < barOffsetEnd && len(values) == 4 {
		bar := (offset - barOffsetStart) / 4
		copy(values, NumToBytes(p.bars[idx][bar]))

		return nil
	}

	hdr, err := dev.GetDeviceHeader().Bytes()
	if err != nil {
		return err
	}

	if int(offset)+len(values) > len(hdr) {
		return nil
	}

	copy(values, hdr[offset:int(offset)+len(values)])

	return nil
}

// PciConfDataOut handles writes to the 0xCFC data port. The only write
// this emulation honors is the standard BAR-sizing probe: writing
// all-1-bits to a BAR register latches the masked I/O-range size so the
// next read reports it, per the PCI BAR discovery protocol. Any other
// write is a no-op — guests never get to relocate these fixed ranges.
func (p *PCI) PciConfDataOut(port uint64, values []byte) error {
	dev, idx, ok := p.deviceAt(p.addr)
	if !ok {
		return nil
	}

	offset := p.addr.getRegisterOffset()

	if offset < barOffsetStart || offset >= barOffsetEnd || len(values) != 4 {
		return nil
	}

	bar := (offset - barOffsetStart) / 4
	if uint32(BytesToNum(values)) != 0xffffffff {
		return nil
	}

	start, end := dev.GetIORange()
	p.bars[idx][bar] = SizeToBits(end - start)

	return nil
}

func (p *PCI) PciConfAddrIn(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	copy(values, NumToBytes(uint32(p.addr)))

	return nil
}

func (p *PCI) PciConfAddrOut(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	p.addr = address(BytesToNum(values))

	return nil
}

// SizeToBits converts a BAR's I/O range size into the masked value a
// guest reads back after writing all-1s to the BAR register, per the
// standard PCI BAR-sizing protocol.
func SizeToBits(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return ^uint32(size-1) &^ 0x3
}

// BytesToNum decodes a little-endian byte slice (up to 8 bytes) into a uint64.
func BytesToNum(b []byte) uint64 {
	var v uint64
	for i, c := range b {
		v |= uint64(c) << (8 * uint(i))
	}

	return v
}

// NumToBytes encodes v into its little-endian byte representation. The
// width is determined by v's concrete type; an unsupported type yields
// an empty slice.
func NumToBytes(v interface{}) []byte {
	switch n := v.(type) {
	case uint8:
		return []byte{n}
	case uint16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, n)

		return b
	case uint32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, n)

		return b
	case uint64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, n)

		return b
	default:
		return []byte{}
	}
}
