// Package snapshot builds and serializes the composite snapshot tree
// written to disk by a VM's pause/snapshot operation, and reads it
// back during restore.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ovmctl/vorchestrator/internal/vmstate"
	"github.com/ovmctl/vorchestrator/migration"
)

// Well-known node identifiers. RootID is the fixed root of every
// snapshot tree; the others are the fixed child identifiers for each
// sub-manager, mirroring the collaborator set in internal/collab.
const (
	RootID          = "vm"
	CPUManagerID    = "cpu-manager"
	MemoryManagerID = "memory-manager"
	DeviceManagerID = "device-manager"
	IRQChipID       = "irq-controller" // ARM only
)

// configFileName and stateFileName are the two files a snapshot
// directory always contains; the memory manager writes its own
// payload files alongside them.
const (
	configFileName = "config"
	stateFileName  = "state"
)

// ErrNotPaused is returned when Build is asked to snapshot a VM that
// is not in the Paused state.
var ErrNotPaused = errors.New("snapshot: vm must be paused")

// ErrConfidentialUnsupported is returned for any snapshot attempt on a
// confidential-domain VM; the feature is unsupported there entirely.
var ErrConfidentialUnsupported = errors.New("snapshot: unsupported for a confidential-domain vm")

// ErrMissingChild is returned by Tree.Child when a caller asks restore
// to use a child snapshot identifier the tree does not carry.
var ErrMissingChild = errors.New("snapshot: missing expected sub-snapshot")

// Node is one entry of the snapshot tree: an identifier, an optional
// opaque data blob, and any children.
type Node struct {
	ID       string          `json:"id"`
	Data     json.RawMessage `json:"data,omitempty"`
	Children []Node          `json:"children,omitempty"`
}

// Tree is the full composite snapshot, rooted at RootID.
type Tree struct {
	Root Node `json:"root"`
}

// Child returns the direct child of the root with the given id.
func (t *Tree) Child(id string) (*Node, error) {
	for i := range t.Root.Children {
		if t.Root.Children[i].ID == id {
			return &t.Root.Children[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrMissingChild, id)
}

// Build assembles the snapshot tree for a paused, non-confidential VM.
// vmSnap is the serialized migration.Snapshot (the VmSnapshot data
// bundle); children supplies one already-marshaled data blob per
// well-known sub-manager id. Children appear in the fixed order
// CPUManagerID, MemoryManagerID, DeviceManagerID, IRQChipID; ids absent
// from the map are skipped and any other keys are ignored.
func Build(state vmstate.State, confidential bool, vmSnap *migration.Snapshot, children map[string]json.RawMessage) (*Tree, error) {
	if state != vmstate.Paused {
		return nil, ErrNotPaused
	}

	if confidential {
		return nil, ErrConfidentialUnsupported
	}

	data, err := json.Marshal(vmSnap)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal vm state: %w", err)
	}

	root := Node{ID: RootID, Data: data}

	for _, id := range []string{CPUManagerID, MemoryManagerID, DeviceManagerID, IRQChipID} {
		blob, ok := children[id]
		if !ok {
			continue
		}

		root.Children = append(root.Children, Node{ID: id, Data: blob})
	}

	return &Tree{Root: root}, nil
}

// VMSnapshot decodes the root node's data section back into a
// migration.Snapshot.
func (t *Tree) VMSnapshot() (*migration.Snapshot, error) {
	var snap migration.Snapshot
	if err := json.Unmarshal(t.Root.Data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal vm state: %w", err)
	}

	return &snap, nil
}

// WriteDir creates dir's config and state files with exclusive
// create-new semantics (the directory must not already hold a
// snapshot), matching the on-disk layout the transport step streams
// memory payloads alongside.
func WriteDir(dir string, cfg any, tree *Tree) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: create directory %s: %w", dir, err)
	}

	if err := writeExclusive(filepath.Join(dir, configFileName), cfg); err != nil {
		return err
	}

	if err := writeExclusive(filepath.Join(dir, stateFileName), tree); err != nil {
		return err
	}

	return nil
}

func writeExclusive(path string, v any) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("snapshot: encode %s: %w", path, err)
	}

	return nil
}

// ReadDir reads back the config and state files written by WriteDir.
// cfg must be a pointer to the same type WriteDir was given.
func ReadDir(dir string, cfg any) (*Tree, error) {
	if err := readJSON(filepath.Join(dir, configFileName), cfg); err != nil {
		return nil, err
	}

	var tree Tree
	if err := readJSON(filepath.Join(dir, stateFileName), &tree); err != nil {
		return nil, err
	}

	return &tree, nil
}

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("snapshot: decode %s: %w", path, err)
	}

	return nil
}
