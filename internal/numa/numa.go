// Package numa models guest NUMA topology and validates it before it
// is handed to the memory and CPU managers.
package numa

import "fmt"

// MemoryRegion is a contiguous guest-physical range assigned to a node.
type MemoryRegion struct {
	Base, Size uint64
}

// Distance is one entry of a node's distance table. Kept as a slice on
// Node rather than a map so that a duplicate destination is
// representable (and therefore checkable) by Validate.
type Distance struct {
	Destination int
	Value       uint8
}

// Node describes one guest NUMA node.
type Node struct {
	GuestNumaID     int
	MemoryRegions   []MemoryRegion
	HotplugRegions  []MemoryRegion
	MemoryZones     []string
	CPUs            map[int]struct{}
	Distances       []Distance
	EnclaveSections []MemoryRegion
}

// ErrDuplicateNode reports two configured nodes sharing a GuestNumaID.
type ErrDuplicateNode struct{ ID int }

func (e *ErrDuplicateNode) Error() string {
	return fmt.Sprintf("numa: duplicate guest_numa_id %d", e.ID)
}

// ErrUnknownZone reports a node referencing a memory zone the memory
// manager does not know about.
type ErrUnknownZone struct {
	NodeID int
	Zone   string
}

func (e *ErrUnknownZone) Error() string {
	return fmt.Sprintf("numa: node %d references unknown memory zone %q", e.NodeID, e.Zone)
}

// ErrDanglingDistance reports a distance entry whose destination node
// was never declared.
type ErrDanglingDistance struct {
	From, To int
}

func (e *ErrDanglingDistance) Error() string {
	return fmt.Sprintf("numa: node %d has distance to undeclared node %d", e.From, e.To)
}

// ErrDuplicateDistance reports two distance entries from the same
// source with the same destination.
type ErrDuplicateDistance struct {
	From, To int
}

func (e *ErrDuplicateDistance) Error() string {
	return fmt.Sprintf("numa: node %d has duplicate distance entries to node %d", e.From, e.To)
}

// Validate checks the invariants from the topology spec: unique
// guest_numa_id, every referenced memory zone exists in knownZones
// (not checked when knownZones is nil), every distance destination
// refers to another declared node, and no node has two distance
// entries to the same destination.
func Validate(nodes []Node, knownZones map[string]bool) error {
	seen := make(map[int]bool, len(nodes))
	declared := make(map[int]bool, len(nodes))

	for _, n := range nodes {
		if seen[n.GuestNumaID] {
			return &ErrDuplicateNode{ID: n.GuestNumaID}
		}

		seen[n.GuestNumaID] = true
		declared[n.GuestNumaID] = true
	}

	for _, n := range nodes {
		for _, zone := range n.MemoryZones {
			if knownZones != nil && !knownZones[zone] {
				return &ErrUnknownZone{NodeID: n.GuestNumaID, Zone: zone}
			}
		}

		destSeen := make(map[int]bool, len(n.Distances))

		for _, d := range n.Distances {
			if !declared[d.Destination] {
				return &ErrDanglingDistance{From: n.GuestNumaID, To: d.Destination}
			}

			if destSeen[d.Destination] {
				return &ErrDuplicateDistance{From: n.GuestNumaID, To: d.Destination}
			}

			destSeen[d.Destination] = true
		}
	}

	return nil
}
