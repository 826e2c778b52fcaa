package tdx

import "sort"

// MemoryResource is one (start, size, is_ram) triple of the HOB's
// memory map.
type MemoryResource struct {
	Start uint64
	Size  uint64
	IsRAM bool
}

// RAMRegion is a boot-time guest RAM extent, (base, len).
type RAMRegion struct {
	Base uint64
	Len  uint64
}

// tempMemSections returns the subset of Section BuildHOB interleaves: only
// SectionTempMem entries participate in HOB synthesis, per phase C's
// "temporary memory: no copy" rule — those are exactly the holes the
// HOB must describe as non-RAM.
func tempMemSections(sections []Section) []Section {
	var out []Section

	for _, s := range sections {
		if s.Type == SectionTempMem {
			out = append(out, s)
		}
	}

	return out
}

// BuildMemoryMap interleaves boot guest-RAM regions with the
// firmware's temporary-memory sections into a sorted, exhaustive,
// non-overlapping list of (start, size, is_ram) triples.
//
// Sections are consumed in ascending address order. For each RAM
// region [base, base+len-1], a cursor starts at max(previous cursor,
// region base); whichever of "the next pending section begins at or
// before the cursor" or "there is a gap to the next section (or the
// region's end)" is emitted first, until the cursor passes the
// region's last byte. Any sections left over once every region has
// been walked are appended as non-RAM (they fall entirely outside
// guest RAM).
func BuildMemoryMap(sections []Section, ram []RAMRegion) []MemoryResource {
	secs := append([]Section{}, tempMemSections(sections)...)
	sort.Slice(secs, func(i, j int) bool { return secs[i].Address < secs[j].Address })

	var out []MemoryResource

	nextStart := uint64(0)

	for _, region := range ram {
		rs := region.Base
		re := region.Base + region.Len - 1 // inclusive last byte

		if rs > nextStart {
			nextStart = rs
		}

		for nextStart <= re {
			if len(secs) > 0 && secs[0].Address <= nextStart {
				s := secs[0]
				secs = secs[1:]

				out = append(out, MemoryResource{Start: s.Address, Size: s.Size, IsRAM: false})
				nextStart = s.Address + s.Size

				continue
			}

			start := nextStart
			if rs > start {
				start = rs
			}

			end := re
			if len(secs) > 0 && secs[0].Address-1 < end {
				end = secs[0].Address - 1
			}

			out = append(out, MemoryResource{Start: start, Size: end - start + 1, IsRAM: true})
			nextStart = end + 1
		}
	}

	for _, s := range secs {
		out = append(out, MemoryResource{Start: s.Address, Size: s.Size, IsRAM: false})
	}

	return out
}

// ResourceDescriptor is a non-memory HOB entry: an MMIO window, an
// ACPI table, the payload descriptor, or the trailing finalization
// record.
type ResourceDescriptor struct {
	Kind string
	Data []byte
}

// HOB is the fully assembled hand-off block: the memory map followed
// by MMIO windows, ACPI tables, an optional payload descriptor, and a
// finalization record.
type HOB struct {
	MemoryMap []MemoryResource
	Resources []ResourceDescriptor
}

// BuildHOB assembles the complete hand-off block: the interleaved
// memory map, the 32-bit MMIO window up to apicBase, the memory
// manager's device area, every ACPI table, the payload descriptor (if
// any), and a trailing finalization record.
func BuildHOB(sections []Section, ram []RAMRegion, apicBase uint64, deviceAreaSize uint64,
	acpiTables [][]byte, payload *PayloadDescriptor,
) *HOB {
	h := &HOB{MemoryMap: BuildMemoryMap(sections, ram)}

	h.Resources = append(h.Resources, ResourceDescriptor{Kind: "mmio32", Data: encodeResource(0, apicBase)})
	h.Resources = append(h.Resources, ResourceDescriptor{Kind: "device-area", Data: encodeResource(0, deviceAreaSize)})

	for _, t := range acpiTables {
		h.Resources = append(h.Resources, ResourceDescriptor{Kind: "acpi", Data: t})
	}

	if payload != nil {
		h.Resources = append(h.Resources,
			ResourceDescriptor{Kind: "payload", Data: encodeResource(payload.EntryPoint, 0)})
	}

	h.Resources = append(h.Resources, ResourceDescriptor{Kind: "finalize"})

	return h
}

func encodeResource(a, b uint64) []byte {
	buf := make([]byte, 16)

	for i := 0; i < 8; i++ {
		buf[i] = byte(a >> (8 * i))
		buf[8+i] = byte(b >> (8 * i))
	}

	return buf
}
