package backup

import (
	"fmt"

	"github.com/abbbi/qmpbackup-go/internal/device"
)

// Topology names every internal node the orchestrator splices into a single
// device's graph (spec §4.D fleecing diagram). Names are deterministic so a
// crashed run's leftovers can be recognized and reported by `info`.
type Topology struct {
	Device device.BlockDevice

	FleeceNode string
	CBWNode    string
	SnapNode   string
	TargetNode string
	JobID      string

	FleecePath string
	TargetPath string
}

func newTopology(d device.BlockDevice, fleecePath, targetPath string) Topology {
	return Topology{
		Device:     d,
		FleeceNode: device.InternalNodePrefix + "fleece-" + d.Node,
		CBWNode:    device.InternalNodePrefix + "cbw-" + d.Node,
		SnapNode:   device.InternalNodePrefix + "snap-" + d.Node,
		TargetNode: device.InternalNodePrefix + "target-" + d.Node,
		JobID:      device.InternalNodePrefix + "job-" + d.Node,
		FleecePath: fleecePath,
		TargetPath: targetPath,
	}
}

// fleeceBlockdevOpts is the blockdev-add argument tree for the scratch
// fleece image, a plain qcow2 file node (spec §3 FleeceFile).
func (t Topology) fleeceBlockdevOpts() map[string]any {
	return map[string]any{
		"node-name": t.FleeceNode,
		"driver":    "qcow2",
		"file": map[string]any{
			"driver":    "file",
			"filename":  t.FleecePath,
			"node-name": t.FleeceNode + "-file",
		},
	}
}

// cbwBlockdevOpts wraps the device's original node with a copy-before-write
// filter, writing old data into the fleece node (spec GLOSSARY "CBW filter").
func (t Topology) cbwBlockdevOpts() map[string]any {
	return map[string]any{
		"node-name": t.CBWNode,
		"driver":    "copy-before-write",
		"file":      t.Device.Node,
		"target":    t.FleeceNode,
	}
}

// snapshotAccessOpts exposes the point-in-time view assembled from the
// original disk plus the fleece image (spec GLOSSARY "Snapshot-access node").
func (t Topology) snapshotAccessOpts() map[string]any {
	return map[string]any{
		"node-name": t.SnapNode,
		"driver":    "snapshot-access",
		"file":      t.CBWNode,
	}
}

// targetBlockdevOpts builds the on-disk backup target, applying aio mode and
// cache-disable per spec §4.D "Job parameters ... both applied to the
// target image's blockdev, not the job".
func (t Topology) targetBlockdevOpts(aio string, disableCache bool) map[string]any {
	fileOpts := map[string]any{
		"driver":    "file",
		"filename":  t.TargetPath,
		"node-name": t.TargetNode + "-file",
	}
	if aio != "" {
		fileOpts["aio"] = aio
	}
	cache := map[string]any{"direct": disableCache, "no-flush": false}
	fileOpts["cache"] = cache

	return map[string]any{
		"node-name": t.TargetNode,
		"driver":    "qcow2",
		"file":      fileOpts,
	}
}

// reopenTopOpts is the blockdev-reopen argument that atomically redirects
// guest I/O through the CBW filter (spec §4.D "the only way to redirect
// in-flight guest I/O without racing the guest").
func (t Topology) reopenTopOpts() map[string]any {
	return map[string]any{
		"node-name": t.Device.Node,
		"driver":    "copy-before-write",
		"file":      t.CBWNode,
	}
}

// reopenRestoreOpts is the inverse reopen used during teardown step 3 to
// restore the original top node.
func (t Topology) reopenRestoreOpts(originalDriver string) map[string]any {
	return map[string]any{
		"node-name": t.Device.Node,
		"driver":    originalDriver,
		"file":      t.Device.Filename,
	}
}

func (t Topology) String() string {
	return fmt.Sprintf("%s{fleece=%s cbw=%s snap=%s target=%s job=%s}",
		t.Device.Node, t.FleeceNode, t.CBWNode, t.SnapNode, t.TargetNode, t.JobID)
}
