package device

import (
	"testing"

	"github.com/abbbi/qmpbackup-go/internal/command"
)

func rawDevices() []command.RawBlockInfo {
	return []command.RawBlockInfo{
		{
			Device: "disk1",
			Inserted: &command.RawBlockInserted{
				NodeName: "node-disk1",
				Driver:   "qcow2",
				Image:    command.RawBlockImage{Filename: "/vm/disk1.qcow2", Format: "qcow2", VirtualSize: 1 << 30},
				DirtyBitmaps: []command.RawDirtyBitmap{
					{Name: "qmpbackup-node-disk1-uuid-1", Recording: true, Persistent: true},
				},
			},
		},
		{
			Device: "disk2",
			Inserted: &command.RawBlockInserted{
				NodeName: "node-disk2",
				Driver:   "raw",
				Image:    command.RawBlockImage{Filename: "/vm/disk2.raw", Format: "raw", VirtualSize: 1 << 30},
			},
		},
		{
			Device:    "ide0-cd0",
			Removable: true,
			Inserted:  &command.RawBlockInserted{NodeName: "node-cd0", Driver: "raw", RO: true},
		},
		{
			Device:   "",
			Inserted: &command.RawBlockInserted{NodeName: "qmpbackup-fleece-disk1", Driver: "qcow2"},
		},
		{
			Device:   "empty0",
			Inserted: nil,
		},
	}
}

func TestSelect_DropsInternalAndEmpty(t *testing.T) {
	t.Parallel()
	out, err := Select(rawDevices(), SelectOptions{UUID: "uuid-1"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 device (raw dropped by default, cd-rom and internal dropped), got %d: %+v", len(out), out)
	}
	if out[0].Node != "node-disk1" {
		t.Fatalf("expected node-disk1, got %s", out[0].Node)
	}
	if !out[0].HasBitmap {
		t.Fatalf("expected bitmap to be matched for uuid-1")
	}
}

func TestSelect_IncludeRaw(t *testing.T) {
	t.Parallel()
	out, err := Select(rawDevices(), SelectOptions{UUID: "uuid-1", IncludeRaw: true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 devices with include_raw, got %d", len(out))
	}
	// Rule 5: stable sort by node.
	if out[0].Node != "node-disk1" || out[1].Node != "node-disk2" {
		t.Fatalf("expected sorted by node, got %+v", out)
	}
}

func TestSelect_IncludeExcludeMutuallyExclusive(t *testing.T) {
	t.Parallel()
	_, err := Select(rawDevices(), SelectOptions{Include: []string{"disk1"}, Exclude: []string{"disk2"}})
	if err == nil {
		t.Fatal("expected ConfigError for simultaneous include+exclude")
	}
}

func TestSelect_IncludeNonExistent(t *testing.T) {
	t.Parallel()
	_, err := Select(rawDevices(), SelectOptions{Include: []string{"nonexistent"}})
	if err == nil {
		t.Fatal("expected ConfigError for non-existent include name")
	}
}

func TestSelect_Exclude(t *testing.T) {
	t.Parallel()
	out, err := Select(rawDevices(), SelectOptions{Exclude: []string{"disk1"}, IncludeRaw: true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(out) != 1 || out[0].Device != "disk2" {
		t.Fatalf("expected only disk2 after excluding disk1, got %+v", out)
	}
}

func TestSelect_EmptyResultIsConfigError(t *testing.T) {
	t.Parallel()
	_, err := Select(rawDevices(), SelectOptions{Exclude: []string{"disk1", "disk2"}})
	if err == nil {
		t.Fatal("expected ConfigError for empty result set")
	}
}

func TestBitmapName(t *testing.T) {
	t.Parallel()
	if got := BitmapName("node0", "abc"); got != "qmpbackup-node0-abc" {
		t.Fatalf("unexpected bitmap name: %s", got)
	}
	if got := CopyBitmapName("node0"); got != "qmpbackup-copy-node0" {
		t.Fatalf("unexpected copy bitmap name: %s", got)
	}
}
