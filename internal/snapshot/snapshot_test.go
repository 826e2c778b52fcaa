package snapshot_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ovmctl/vorchestrator/internal/snapshot"
	"github.com/ovmctl/vorchestrator/internal/vmstate"
	"github.com/ovmctl/vorchestrator/migration"
)

func TestBuildRejectsNonPaused(t *testing.T) {
	t.Parallel()

	_, err := snapshot.Build(vmstate.Running, false, &migration.Snapshot{}, nil)
	if err != snapshot.ErrNotPaused {
		t.Fatalf("err = %v, want ErrNotPaused", err)
	}
}

func TestBuildRejectsConfidential(t *testing.T) {
	t.Parallel()

	_, err := snapshot.Build(vmstate.Paused, true, &migration.Snapshot{}, nil)
	if err != snapshot.ErrConfidentialUnsupported {
		t.Fatalf("err = %v, want ErrConfidentialUnsupported", err)
	}
}

func TestBuildRoundTripsVMSnapshot(t *testing.T) {
	t.Parallel()

	want := &migration.Snapshot{NCPUs: 4, MemSize: 1 << 26}

	cpuBlob, err := json.Marshal(map[string]int{"active": 4})
	if err != nil {
		t.Fatalf("marshal cpu child: %v", err)
	}

	tree, err := snapshot.Build(vmstate.Paused, false, want, map[string]json.RawMessage{
		snapshot.CPUManagerID: cpuBlob,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if tree.Root.ID != snapshot.RootID {
		t.Fatalf("root id = %q, want %q", tree.Root.ID, snapshot.RootID)
	}

	got, err := tree.VMSnapshot()
	if err != nil {
		t.Fatalf("VMSnapshot: %v", err)
	}

	if got.NCPUs != want.NCPUs || got.MemSize != want.MemSize {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	child, err := tree.Child(snapshot.CPUManagerID)
	if err != nil {
		t.Fatalf("Child: %v", err)
	}

	if string(child.Data) != string(cpuBlob) {
		t.Fatalf("child data = %s, want %s", child.Data, cpuBlob)
	}
}

func TestChildMissingReturnsError(t *testing.T) {
	t.Parallel()

	tree, err := snapshot.Build(vmstate.Paused, false, &migration.Snapshot{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, err := tree.Child(snapshot.DeviceManagerID); err == nil {
		t.Fatal("expected ErrMissingChild, got nil")
	}
}

type cfgStub struct {
	NCPUs int `json:"ncpus"`
}

func TestWriteDirThenReadDirRoundTrips(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "snap")

	tree, err := snapshot.Build(vmstate.Paused, false, &migration.Snapshot{NCPUs: 2}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	cfg := &cfgStub{NCPUs: 2}

	if err := snapshot.WriteDir(dir, cfg, tree); err != nil {
		t.Fatalf("WriteDir: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "config")); err != nil {
		t.Fatalf("config file missing: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "state")); err != nil {
		t.Fatalf("state file missing: %v", err)
	}

	var gotCfg cfgStub

	gotTree, err := snapshot.ReadDir(dir, &gotCfg)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	if gotCfg.NCPUs != 2 {
		t.Fatalf("gotCfg.NCPUs = %d, want 2", gotCfg.NCPUs)
	}

	gotSnap, err := gotTree.VMSnapshot()
	if err != nil {
		t.Fatalf("VMSnapshot: %v", err)
	}

	if gotSnap.NCPUs != 2 {
		t.Fatalf("gotSnap.NCPUs = %d, want 2", gotSnap.NCPUs)
	}
}

func TestWriteDirFailsOnExistingFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	tree, err := snapshot.Build(vmstate.Paused, false, &migration.Snapshot{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := snapshot.WriteDir(dir, &cfgStub{}, tree); err != nil {
		t.Fatalf("first WriteDir: %v", err)
	}

	if err := snapshot.WriteDir(dir, &cfgStub{}, tree); err == nil {
		t.Fatal("expected second WriteDir into the same directory to fail")
	}
}
