// Package fdt builds a flattened device tree blob (FDT, the binary
// format described by the Devicetree Specification) for the ARM boot
// path. No example in the reference pack wires a device-tree library
// (see DESIGN.md), so this is a minimal hand-rolled encoder covering
// exactly the node/property shapes the boot assembler needs: nested
// nodes, string/u32/u64/byte-array properties, and nothing else.
package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	magic        = 0xd00dfeed
	version      = 17
	lastCompVers = 16

	tokenBeginNode = 0x00000001
	tokenEndNode   = 0x00000002
	tokenProp      = 0x00000003
	tokenNop       = 0x00000004
	tokenEnd       = 0x00000009
)

// ErrEmptyTree is returned when Build is called on a root Node whose
// Name is not empty (every blob needs exactly one root node, named "").
var ErrEmptyTree = errors.New("fdt: root node required")

// Prop is a single device-tree property. Value encodes the property's
// payload in big-endian (the FDT wire order); the Uint32Prop/Uint64Prop/
// StringProp helpers below produce a well-formed Value from a Go value.
type Prop struct {
	Name  string
	Value []byte
}

// Uint32Prop returns a 4-byte big-endian cell property.
func Uint32Prop(name string, v uint32) Prop {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)

	return Prop{Name: name, Value: buf}
}

// Uint64Prop returns an 8-byte big-endian cell property.
func Uint64Prop(name string, v uint64) Prop {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)

	return Prop{Name: name, Value: buf}
}

// StringProp returns a NUL-terminated string property.
func StringProp(name, v string) Prop {
	return Prop{Name: name, Value: append([]byte(v), 0)}
}

// Node is one device-tree node: a name, an ordered property list, and
// ordered child nodes. The root node's Name must be empty.
type Node struct {
	Name     string
	Props    []Prop
	Children []Node
}

// Build encodes root as a complete FDT blob, including the header, the
// memory-reservation block (always empty here — the guest memory map
// is conveyed through /memory nodes, not reservations), the structure
// block, and the strings block.
func Build(root Node, bootCPUIDPhys uint32) ([]byte, error) {
	if root.Name != "" {
		return nil, ErrEmptyTree
	}

	strs := &stringTable{offsets: map[string]uint32{}}

	var structBuf bytes.Buffer
	encodeNode(&structBuf, root, strs)
	structBuf.Write(u32(tokenEnd))

	const headerLen = 40
	memRsvOff := align8(headerLen)
	memRsvLen := uint32(16) // one terminating all-zero entry
	structOff := memRsvOff + memRsvLen
	structLen := uint32(structBuf.Len())
	stringsOff := structOff + structLen
	stringsLen := uint32(len(strs.blob))
	totalSize := stringsOff + stringsLen

	var out bytes.Buffer
	out.Grow(int(totalSize))

	out.Write(u32(magic))
	out.Write(u32(totalSize))
	out.Write(u32(structOff))
	out.Write(u32(stringsOff))
	out.Write(u32(memRsvOff))
	out.Write(u32(version))
	out.Write(u32(lastCompVers))
	out.Write(u32(bootCPUIDPhys))
	out.Write(u32(stringsLen))
	out.Write(u32(structLen))

	if out.Len() != headerLen {
		return nil, fmt.Errorf("fdt: internal header length mismatch: got %d want %d", out.Len(), headerLen)
	}

	out.Write(make([]byte, int(memRsvOff)-out.Len()))
	out.Write(make([]byte, 16)) // single zero (address, size) reservation terminator

	out.Write(structBuf.Bytes())
	out.Write(strs.blob)

	return out.Bytes(), nil
}

func encodeNode(buf *bytes.Buffer, n Node, strs *stringTable) {
	buf.Write(u32(tokenBeginNode))
	buf.WriteString(n.Name)
	buf.WriteByte(0)
	padTo4(buf)

	for _, p := range n.Props {
		buf.Write(u32(tokenProp))
		buf.Write(u32(uint32(len(p.Value))))
		buf.Write(u32(strs.intern(p.Name)))
		buf.Write(p.Value)
		padTo4(buf)
	}

	for _, c := range n.Children {
		encodeNode(buf, c, strs)
	}

	buf.Write(u32(tokenEndNode))
}

func padTo4(buf *bytes.Buffer) {
	if rem := buf.Len() % 4; rem != 0 {
		buf.Write(make([]byte, 4-rem))
	}
}

func align8(n uint32) uint32 {
	if rem := n % 8; rem != 0 {
		return n + (8 - rem)
	}

	return n
}

func u32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)

	return buf
}

// stringTable deduplicates property names into the FDT strings block,
// returning each name's byte offset within it.
type stringTable struct {
	blob    []byte
	offsets map[string]uint32
}

func (s *stringTable) intern(name string) uint32 {
	if off, ok := s.offsets[name]; ok {
		return off
	}

	off := uint32(len(s.blob))
	s.blob = append(s.blob, []byte(name)...)
	s.blob = append(s.blob, 0)
	s.offsets[name] = off

	return off
}
