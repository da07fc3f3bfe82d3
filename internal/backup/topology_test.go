package backup

import (
	"testing"

	"github.com/abbbi/qmpbackup-go/internal/device"
)

func TestNewTopology_NodeNaming(t *testing.T) {
	t.Parallel()
	d := device.BlockDevice{Node: "drive0", Filename: "/vm/disk0.qcow2"}
	top := newTopology(d, "/t/b/.FULL-1-disk0.qcow2.partial.fleece", "/t/b/FULL-1-disk0.qcow2.partial")

	if top.FleeceNode != "qmpbackup-fleece-drive0" {
		t.Fatalf("unexpected fleece node: %s", top.FleeceNode)
	}
	if top.CBWNode != "qmpbackup-cbw-drive0" {
		t.Fatalf("unexpected cbw node: %s", top.CBWNode)
	}
	if top.SnapNode != "qmpbackup-snap-drive0" {
		t.Fatalf("unexpected snapshot-access node: %s", top.SnapNode)
	}
	if top.TargetNode != "qmpbackup-target-drive0" {
		t.Fatalf("unexpected target node: %s", top.TargetNode)
	}
	if top.JobID != "qmpbackup-job-drive0" {
		t.Fatalf("unexpected job id: %s", top.JobID)
	}
}

func TestTopology_CBWBlockdevOpts(t *testing.T) {
	t.Parallel()
	d := device.BlockDevice{Node: "drive0"}
	top := newTopology(d, "fleece.qcow2", "target.qcow2")

	opts := top.cbwBlockdevOpts()
	if opts["driver"] != "copy-before-write" {
		t.Fatalf("unexpected driver: %v", opts["driver"])
	}
	if opts["file"] != "drive0" {
		t.Fatalf("cbw filter must wrap the original node, got %v", opts["file"])
	}
	if opts["target"] != top.FleeceNode {
		t.Fatalf("cbw filter must target the fleece node, got %v", opts["target"])
	}
}

func TestTopology_TargetBlockdevOpts_AIOAndCache(t *testing.T) {
	t.Parallel()
	d := device.BlockDevice{Node: "drive0"}
	top := newTopology(d, "fleece.qcow2", "target.qcow2")

	opts := top.targetBlockdevOpts("io_uring", true)
	file := opts["file"].(map[string]any)
	if file["aio"] != "io_uring" {
		t.Fatalf("expected aio to be forwarded to the target blockdev, got %v", file["aio"])
	}
	cache := file["cache"].(map[string]any)
	if cache["direct"] != true {
		t.Fatalf("expected cache-disable to set direct=true, got %v", cache)
	}
}

func TestLevelTraits(t *testing.T) {
	t.Parallel()
	full := LevelFull.traits()
	if !full.bitmapPersistent || !full.createBitmap || full.syncMode != "full" {
		t.Fatalf("unexpected full traits: %+v", full)
	}
	inc := LevelInc.traits()
	if inc.createBitmap || inc.syncMode != "incremental" || inc.bitmapMode != "on-success" {
		t.Fatalf("unexpected inc traits: %+v", inc)
	}
	cp := LevelCopy.traits()
	if cp.bitmapPersistent || !cp.removeBitmapAfter {
		t.Fatalf("unexpected copy traits: %+v", cp)
	}
}
