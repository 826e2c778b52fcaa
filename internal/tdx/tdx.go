// Package tdx implements the confidential-domain bootstrap: parsing a
// firmware's section table, populating guest memory from it, and
// synthesizing the hand-off block (HOB) the guest's boot stage reads
// to discover its own memory map. Grounded on machine.Machine.LoadLinux's
// ELF/bzImage dual-format parsing for the "parse a structured binary,
// fall back on invalid magic" shape, generalized to firmware sections.
package tdx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// SectionType enumerates the firmware section kinds phase C switches on.
type SectionType int

const (
	SectionBFV SectionType = iota // boot firmware volume
	SectionCFV                    // configuration firmware volume
	SectionHOB
	SectionPayload
	SectionPayloadParams
	SectionTempMem
)

// Section mirrors one entry of a confidential-domain firmware's
// section table.
type Section struct {
	Address    uint64
	Size       uint64
	DataOffset uint64
	DataSize   uint64
	Type       SectionType
	Attributes uint32
}

// ErrInvalidPayloadType is returned when a Payload section's bytes do
// not carry a valid PVH-compatible header.
var ErrInvalidPayloadType = errors.New("tdx: payload section missing PVH-compatible header")

const (
	pvhSignature    = 0x53726448
	pvhMinVersion   = 0x0200
	pvhLoadFlagsBit = 1 << 0
)

// pvhHeader is the slice of a payload's header this package validates;
// it does not model the full PVH ELF note, only the fields phase C
// checks.
type pvhHeader struct {
	Signature  uint32
	Version    uint32
	LoadFlags  uint32
}

// ParseSections reads a firmware's raw section table (a flat array of
// fixed 32-byte records: address, size, data_offset, data_size, type,
// attributes, each little-endian) into a []Section.
func ParseSections(r io.Reader) ([]Section, error) {
	var out []Section

	for {
		var raw [32]byte

		if _, err := io.ReadFull(r, raw[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return nil, fmt.Errorf("tdx: parse section table: %w", err)
		}

		out = append(out, Section{
			Address:    binary.LittleEndian.Uint64(raw[0:8]),
			Size:       binary.LittleEndian.Uint64(raw[8:16]),
			DataOffset: binary.LittleEndian.Uint64(raw[16:24]),
			DataSize:   uint64(binary.LittleEndian.Uint32(raw[24:28])),
			Type:       SectionType(binary.LittleEndian.Uint16(raw[28:30])),
			Attributes: uint32(binary.LittleEndian.Uint16(raw[30:32])),
		})
	}

	return out, nil
}

// PayloadDescriptor records the entry point discovered while
// populating a Payload section.
type PayloadDescriptor struct {
	ImageType  string
	EntryPoint uint64
}

// RAMAllocator lets PopulateSections ask the memory manager for a
// fresh RAM-backed region without importing machine directly.
type RAMAllocator interface {
	AddRAMRegion(address, size uint64) error
	InRAM(address uint64) bool
}

// PopulateSections walks sections in order and copies firmware bytes,
// the guest command line, or the payload into mem at each section's
// address, per phase C's per-type rules. firmware is the backing
// store DataOffset/DataSize index into; cmdline is written verbatim
// for PayloadParams sections.
func PopulateSections(
	sections []Section,
	firmware io.ReaderAt,
	mem io.WriterAt,
	ram RAMAllocator,
	cmdline string,
	log func(format string, args ...interface{}),
) (hobOffset uint64, payload *PayloadDescriptor, err error) {
	var haveHOB bool

	for _, s := range sections {
		if ram.InRAM(s.Address) {
			if log != nil {
				log("tdx: section at %#x already inside boot RAM, reusing region", s.Address)
			}
		} else {
			if err := ram.AddRAMRegion(s.Address, s.Size); err != nil {
				return 0, nil, fmt.Errorf("tdx: add ram region for section at %#x: %w", s.Address, err)
			}
		}

		switch s.Type {
		case SectionBFV, SectionCFV:
			buf := make([]byte, s.DataSize)
			if _, err := firmware.ReadAt(buf, int64(s.DataOffset)); err != nil && !errors.Is(err, io.EOF) {
				return 0, nil, fmt.Errorf("tdx: read firmware section: %w", err)
			}

			if _, err := mem.WriteAt(buf, int64(s.Address)); err != nil {
				return 0, nil, fmt.Errorf("tdx: write firmware section: %w", err)
			}
		case SectionHOB:
			hobOffset = s.Address
			haveHOB = true
		case SectionPayload:
			buf := make([]byte, s.DataSize)
			if _, err := firmware.ReadAt(buf, int64(s.DataOffset)); err != nil && !errors.Is(err, io.EOF) {
				return 0, nil, fmt.Errorf("tdx: read payload: %w", err)
			}

			if len(buf) < 12 {
				return 0, nil, ErrInvalidPayloadType
			}

			hdr := pvhHeader{
				Signature: binary.LittleEndian.Uint32(buf[0:4]),
				Version:   binary.LittleEndian.Uint32(buf[4:8]),
				LoadFlags: binary.LittleEndian.Uint32(buf[8:12]),
			}

			if hdr.Signature != pvhSignature || hdr.Version < pvhMinVersion || hdr.LoadFlags&pvhLoadFlagsBit == 0 {
				return 0, nil, ErrInvalidPayloadType
			}

			if _, err := mem.WriteAt(buf, int64(s.Address)); err != nil {
				return 0, nil, fmt.Errorf("tdx: write payload: %w", err)
			}

			payload = &PayloadDescriptor{ImageType: "bzImage", EntryPoint: s.Address}
		case SectionPayloadParams:
			b := append([]byte(cmdline), 0)
			if _, err := mem.WriteAt(b, int64(s.Address)); err != nil {
				return 0, nil, fmt.Errorf("tdx: write cmdline: %w", err)
			}
		case SectionTempMem:
			// no copy; consumed by BuildHOB's interleave below.
		}
	}

	if !haveHOB {
		return 0, payload, nil
	}

	return hobOffset, payload, nil
}
