package bootassembler

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ovmctl/vorchestrator/acpi"
)

// acpiTableBase is where the RSDP and every table it points at are
// written in guest memory, just above the EBDA/legacy-BIOS region
// machine.LoadLinux already populates.
const acpiTableBase = 0x000ea000

// rsdp is the Root System Description Pointer: the one ACPI structure
// the acpi package stops short of (every table it builds assumes a
// reader already found the RSDT/XSDT some other way), so it is defined
// here instead of reusing an acpi.Header-shaped type.
type rsdp struct {
	Signature  [8]byte
	Checksum   uint8
	OEMID      [6]byte
	Revision   uint8
	RSDTAddr   uint32
	Length     uint32
	XSDTAddr   uint64
	ExtChecksum uint8
	_          [3]byte
}

func (r *rsdp) toBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, r); err != nil {
		return nil, fmt.Errorf("bootassembler: encode rsdp: %w", err)
	}

	return buf.Bytes(), nil
}

func checksum8(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}

	return sum
}

// buildACPITables assembles an RSDP, XSDT, FADT, MADT (one LocalAPIC
// per vCPU plus an IOAPIC), and MCFG (one PCI segment), writes them
// contiguously into guest memory starting at acpiTableBase, and
// returns the guest address of the RSDP.
func buildACPITables(mem memoryWriter, nCPUs int, pciSegmentBase uint64) (uint64, error) {
	const oemID, oemTableID, creatorID = "OVMCTL", "VORCHSTR", "OVMC"

	fadt := acpi.NewFADT(oemID, oemTableID, creatorID)
	if err := fadt.Checksum(); err != nil {
		return 0, fmt.Errorf("bootassembler: fadt checksum: %w", err)
	}

	madt := acpi.MADT{Header: acpi.Header{
		Signature:  acpi.SigAPIC.ToBytes(),
		Rev:        4,
		OEMId:      [6]byte{'O', 'V', 'M', 'C', 'T', 'L'},
		OEMTableID: [8]byte{'V', 'O', 'R', 'C', 'H', 'S', 'T', 'R'},
		CreatorID:  [4]byte{'O', 'V', 'M', 'C'},
		CreatorRev: 1,
	}}

	for cpu := 0; cpu < nCPUs; cpu++ {
		madt.AddAPIC(&acpi.LocalAPIC{
			Type:        acpi.TypeLocalAPIC,
			Length:      8,
			ProcessorID: uint8(cpu),
			APICId:      uint8(cpu),
			Flags:       1, // enabled
		})
	}

	madt.AddAPIC(&acpi.IOAPIC{
		Type:        acpi.TypeIOAPIC,
		Length:      12,
		IOAPICID:    0,
		APICAddress: 0xfec00000,
		GSIBase:     0,
	})

	mcfg := acpi.NewMCFG(oemID, oemTableID, creatorID)
	mcfg.AddSegment(acpi.PCISegment{
		BaseAddress: pciSegmentBase,
		Segment:     0,
		Start:       0,
		End:         0,
	})

	fadtBytes, err := fadt.ToBytes()
	if err != nil {
		return 0, fmt.Errorf("bootassembler: fadt bytes: %w", err)
	}

	madtBytes, err := madt.ToBytes()
	if err != nil {
		return 0, fmt.Errorf("bootassembler: madt bytes: %w", err)
	}

	mcfgBytes, err := mcfg.ToBytes()
	if err != nil {
		return 0, fmt.Errorf("bootassembler: mcfg bytes: %w", err)
	}

	// Patch the length fields these raw byte dumps don't self-describe
	// (acpi.Header.Length is set at construction to the empty-table
	// size; fix it up now that every variable-length entry is known).
	binary.LittleEndian.PutUint32(madtBytes[4:8], uint32(len(madtBytes)))
	binary.LittleEndian.PutUint32(mcfgBytes[4:8], uint32(len(mcfgBytes)))

	offset := uint64(acpiTableBase)
	fadtAddr := offset
	if err := mem.WriteAtChecked(fadtBytes, int64(offset)); err != nil {
		return 0, err
	}
	offset += uint64(len(fadtBytes))

	madtAddr := offset
	fixChecksum(madtBytes)
	if err := mem.WriteAtChecked(madtBytes, int64(offset)); err != nil {
		return 0, err
	}
	offset += uint64(len(madtBytes))

	mcfgAddr := offset
	fixChecksum(mcfgBytes)
	if err := mem.WriteAtChecked(mcfgBytes, int64(offset)); err != nil {
		return 0, err
	}
	offset += uint64(len(mcfgBytes))

	xsdt := acpi.NewXSDT(oemID, oemTableID, creatorID)
	xsdt.AddEntry(fadtAddr)
	xsdt.AddEntry(madtAddr)
	xsdt.AddEntry(mcfgAddr)

	if err := xsdt.Checksum(); err != nil {
		return 0, fmt.Errorf("bootassembler: xsdt checksum: %w", err)
	}

	xsdtBytes, err := xsdt.ToBytes()
	if err != nil {
		return 0, fmt.Errorf("bootassembler: xsdt bytes: %w", err)
	}

	binary.LittleEndian.PutUint32(xsdtBytes[4:8], uint32(len(xsdtBytes)))
	fixChecksum(xsdtBytes)

	xsdtAddr := offset
	if err := mem.WriteAtChecked(xsdtBytes, int64(offset)); err != nil {
		return 0, err
	}
	offset += uint64(len(xsdtBytes))

	r := &rsdp{
		Signature: [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '},
		OEMID:     [6]byte{'O', 'V', 'M', 'C', 'T', 'L'},
		Revision:  2,
		Length:    36,
		XSDTAddr:  xsdtAddr,
	}

	rsdpBytes, err := r.toBytes()
	if err != nil {
		return 0, err
	}

	// The first checksum covers only the ACPI-1.0-era first 20 bytes;
	// the extended checksum covers the whole 36-byte structure. Both
	// are computed so the covered region, including the checksum byte
	// itself, sums to zero mod 256.
	rsdpBytes[8] = 0
	rsdpBytes[8] = -checksum8(rsdpBytes[:20])
	rsdpBytes[32] = 0
	rsdpBytes[32] = -checksum8(rsdpBytes)

	rsdpAddr := offset
	if err := mem.WriteAtChecked(rsdpBytes, int64(offset)); err != nil {
		return 0, err
	}

	return rsdpAddr, nil
}

// fixChecksum zeroes then recomputes the single-byte ACPI checksum at
// offset 9 of an acpi.Header-prefixed table so the whole table sums to
// zero mod 256.
func fixChecksum(table []byte) {
	table[9] = 0
	table[9] = -checksum8(table)
}

// memoryWriter is the narrow surface buildACPITables needs to place
// tables in guest memory.
type memoryWriter interface {
	WriteAtChecked(p []byte, off int64) error
}
