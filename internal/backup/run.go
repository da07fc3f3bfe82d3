// Package backup implements the backup orchestrator (spec §4.D): bitmap
// lifecycle, fleecing topology construction, transactional job start,
// progress tracking, and the fixed 8-step teardown. It is the direct
// generalization of the teacher's RunSource: the single mirror job and its
// one guarded deferred cancel become, here, one topology and one teardown
// stack per selected device, with the device set driven by
// internal/device rather than a single hardcoded drive id.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/abbbi/qmpbackup-go/internal/applog"
	"github.com/abbbi/qmpbackup-go/internal/command"
	"github.com/abbbi/qmpbackup-go/internal/config"
	"github.com/abbbi/qmpbackup-go/internal/device"
	"github.com/abbbi/qmpbackup-go/internal/imgtool"
	"github.com/abbbi/qmpbackup-go/internal/layout"
	"github.com/abbbi/qmpbackup-go/internal/monitor"
)

// backingFormat is always qcow2 (spec §3 TargetFile: "INC-* and COPY-*
// images are created with a backing-file pointer"), mirrored on the
// identical constant in internal/restore/engine.go.
const backingFormat = "qcow2"

// Sentinel errors for run-terminal states, mirrored on the teacher's
// ErrMigrationFailed/ErrMigrationCancelled pair.
var (
	ErrJobFailed    = errors.New("backup job failed")
	ErrJobCancelled = errors.New("backup job cancelled")
	ErrSignalCaught = errors.New("run aborted by signal")
)

// GuestAgent is the narrow best-effort contract used for quiesce (spec §6
// "Guest-agent socket ... both are best-effort: failure to freeze is a
// warning, not an abort; thaw is always attempted in teardown").
type GuestAgent interface {
	Freeze(ctx context.Context) error
	Thaw(ctx context.Context) error
}

// Run holds the transient state of one backup invocation (spec §3
// BackupRun). signalCaught is a field on this struct rather than a package
// global, per spec §9 "implementations should avoid global mutable state".
type Run struct {
	Opts    config.BackupOptions
	Facade  *command.Facade
	Log     applog.Logger
	Agent   GuestAgent      // nil if --agent-socket was not given
	ImgTool *imgtool.Driver // creates the fleece and target qcow2 images

	epoch        int64
	signalCaught bool
}

// Result is what a completed run reports back to the CLI layer.
type Result struct {
	UUID         string
	Level        Level
	Devices      []string
	SignalCaught bool
}

// ResolveLevel collapses config.LevelAuto per spec §4.D: full if the target
// root has no uuid file yet, inc otherwise.
func ResolveLevel(requested config.Level, targetRoot string) Level {
	if requested != config.LevelAuto {
		return requested
	}
	if layout.HasUUID(targetRoot) {
		return LevelInc
	}
	return LevelFull
}

// Execute runs the full orchestration sequence over the given pre-selected
// devices (internal/device.Select output) and returns once every job has
// reached a terminal state, teardown has completed, and eligible target
// files have been renamed.
func (r *Run) Execute(ctx context.Context, devices []device.BlockDevice) (Result, error) {
	level := ResolveLevel(r.Opts.Level, r.Opts.Target)
	r.epoch = time.Now().Unix()

	uuid, err := layout.ResolveUUID(r.Opts.Target, layout.Level(level), r.Opts.UUID)
	if err != nil {
		return Result{}, fmt.Errorf("configuration error: %w", err)
	}

	topologies := make([]Topology, 0, len(devices))
	for _, d := range devices {
		if err := r.preRunGate(level, d, uuid); err != nil {
			return Result{}, err
		}
		dir := layout.DeviceDir(r.Opts.Target, r.layoutOptions(), d.Node, d.Device, time.Now())
		basename := filepath.Base(d.Filename)
		partial := layout.TargetFileName(layout.Level(level), r.epoch, basename)
		topologies = append(topologies, newTopology(d, filepath.Join(dir, "."+partial+".fleece"), filepath.Join(dir, partial)))
	}

	if r.Opts.Quiesce && r.Agent != nil {
		if err := r.Agent.Freeze(ctx); err != nil {
			r.Log.Warning("guest-agent freeze failed", "error", err)
		}
	}

	var td teardownStack
	td.push(phaseThaw, "thaw guest filesystem", func(ctx context.Context) error {
		if r.Opts.Quiesce && r.Agent != nil {
			return r.Agent.Thaw(ctx)
		}
		return nil
	})

	runErr := r.buildAndRun(ctx, level, uuid, topologies, &td)

	if runErr == nil && r.Opts.RemoveDelay > 0 {
		select {
		case <-time.After(r.Opts.RemoveDelay):
		case <-ctx.Done():
		}
	}

	teardownCtx, cancelTeardown := context.WithTimeout(context.Background(), 2*time.Minute)
	td.run(teardownCtx, r.Log)
	cancelTeardown()

	if runErr == nil && !r.signalCaught {
		r.finalizeFiles(level, topologies)
	}

	res := Result{UUID: uuid, Level: level, SignalCaught: r.signalCaught}
	for _, t := range topologies {
		res.Devices = append(res.Devices, t.Device.Node)
	}
	if r.signalCaught {
		return res, ErrSignalCaught
	}
	return res, runErr
}

func (r *Run) layoutOptions() layout.Options {
	return layout.Options{
		NoSubdir:    r.Opts.NoSubdir,
		NoTimestamp: r.Opts.NoTimestamp,
		NoSymlink:   r.Opts.NoSymlink,
		Monthly:     r.Opts.Monthly,
	}
}

// preRunGate implements spec §4.D's per-device pre-run checks, entirely
// before any monitor side effect for this device.
func (r *Run) preRunGate(level Level, d device.BlockDevice, uuid string) error {
	dir := layout.DeviceDir(r.Opts.Target, r.layoutOptions(), d.Node, d.Device, time.Now())
	partial, err := layout.HasPartial(dir)
	if err != nil {
		return fmt.Errorf("filesystem error: %w", err)
	}
	if partial {
		return fmt.Errorf("configuration error: %s has an in-flight .partial file, refusing to start a new run", dir)
	}

	switch level {
	case LevelInc:
		basename := filepath.Base(d.Filename)
		hasFull, err := layout.HasFullBackup(dir, basename)
		if err != nil {
			return fmt.Errorf("filesystem error: %w", err)
		}
		if !hasFull {
			return fmt.Errorf("configuration error: no full backup found for %s in %s", d.Node, dir)
		}
		if !d.HasBitmap {
			return fmt.Errorf("configuration error: %s has no matching bitmap for uuid %s", d.Node, uuid)
		}
		var matched *device.BitmapInfo
		want := device.BitmapName(d.Node, uuid)
		for i := range d.Bitmaps {
			if d.Bitmaps[i].Name == want {
				matched = &d.Bitmaps[i]
				break
			}
		}
		if matched == nil {
			return fmt.Errorf("configuration error: bitmap %s not found on %s", want, d.Node)
		}
		if !matched.Recording || matched.Busy {
			return fmt.Errorf("configuration error: bitmap %s is not in a usable state (recording=%v busy=%v)",
				want, matched.Recording, matched.Busy)
		}
	case LevelCopy:
		// bypasses UUID and bitmap-match checks (spec §4.D).
	}
	if r.Opts.Compress && d.Format == "raw" {
		return fmt.Errorf("configuration error: --compress is not supported against raw-format device %s", d.Node)
	}
	return nil
}

// buildAndRun constructs each device's fleecing topology, starts every job
// inside one transaction, and waits for completion, pushing the
// teardown-stack entries for each resource as it is acquired (spec §9
// "Scoped acquisition").
func (r *Run) buildAndRun(ctx context.Context, level Level, uuid string, topologies []Topology, td *teardownStack) error {
	for _, t := range topologies {
		dir := filepath.Dir(t.TargetPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("filesystem error: creating %s: %w", dir, err)
		}

		// FleeceFile is "created fresh" (spec §3): a plain qcow2 scratch image
		// with no backing file, sized to the device it shadows. The teardown
		// push for removing the file itself is deferred until after the
		// blockdev-del push below so that, within the phaseFleece bucket, the
		// node is detached before its backing file is unlinked.
		if _, err := r.ImgTool.Create(ctx, t.FleecePath, "", "", t.Device.VirtualSize); err != nil {
			return fmt.Errorf("filesystem error: creating fleece image %s: %w", t.FleecePath, err)
		}
		fleecePath := t.FleecePath

		if err := r.Facade.BlockdevAdd(ctx, t.fleeceBlockdevOpts()); err != nil {
			return fmt.Errorf("monitor error: %w", err)
		}
		node := t.FleeceNode
		td.push(phaseFleece, "remove fleece blockdev "+node, func(ctx context.Context) error {
			return r.Facade.BlockdevDel(ctx, node)
		})
		td.push(phaseFleece, "remove fleece image "+fleecePath, func(ctx context.Context) error {
			return os.Remove(fleecePath)
		})

		if err := r.Facade.BlockdevAdd(ctx, t.cbwBlockdevOpts()); err != nil {
			return fmt.Errorf("monitor error: %w", err)
		}
		cbwNode := t.CBWNode
		td.push(phaseCBW, "remove cbw filter "+cbwNode, func(ctx context.Context) error {
			return r.Facade.BlockdevDel(ctx, cbwNode)
		})

		if err := r.Facade.BlockdevReopen(ctx, []map[string]any{t.reopenTopOpts()}); err != nil {
			return fmt.Errorf("monitor error: splicing cbw filter for %s: %w", t.Device.Node, err)
		}
		restoreOpts := t.reopenRestoreOpts(originalDriver(t.Device))
		td.push(phaseRestoreTop, "restore original top node "+t.Device.Node, func(ctx context.Context) error {
			return r.Facade.BlockdevReopen(ctx, []map[string]any{restoreOpts})
		})

		if err := r.Facade.BlockdevAdd(ctx, t.snapshotAccessOpts()); err != nil {
			return fmt.Errorf("monitor error: %w", err)
		}
		snapNode := t.SnapNode
		td.push(phaseSnapshotAccess, "remove snapshot-access node "+snapNode, func(ctx context.Context) error {
			return r.Facade.BlockdevDel(ctx, snapNode)
		})

		// TargetFile: FULL is "created in qcow2 with no backing file"; INC and
		// COPY are "created with a backing-file pointer" at the latest prior
		// backup in the same chain, for chain reconstruction (spec §3).
		var backingPath string
		if level != LevelFull {
			basename := filepath.Base(t.Device.Filename)
			bp, err := layout.LatestBackup(dir, basename)
			if err != nil {
				return fmt.Errorf("configuration error: resolving backing file for %s: %w", t.Device.Node, err)
			}
			backingPath = bp
		}
		// The target image file itself is never deleted by teardown, on
		// success or failure: a failed run's .partial file is left for the
		// operator to inspect (spec §4.D error taxonomy item 4, §8 "no FULL/
		// INC without .partial is ever produced from a failed job").
		if _, err := r.ImgTool.Create(ctx, t.TargetPath, backingPath, backingFormat, t.Device.VirtualSize); err != nil {
			return fmt.Errorf("filesystem error: creating target image %s: %w", t.TargetPath, err)
		}

		if err := r.Facade.BlockdevAdd(ctx, t.targetBlockdevOpts(r.Opts.BlockdevAIO, r.Opts.DisableCache)); err != nil {
			return fmt.Errorf("monitor error: %w", err)
		}
		targetNode := t.TargetNode
		td.push(phaseTarget, "remove target blockdev "+targetNode, func(ctx context.Context) error {
			return r.Facade.BlockdevDel(ctx, targetNode)
		})
	}

	if err := r.startTransaction(ctx, level, uuid, topologies, td); err != nil {
		return err
	}

	jobErr := r.awaitCompletion(ctx, topologies)

	if level == LevelCopy {
		for _, t := range topologies {
			name := device.CopyBitmapName(t.Device.Node)
			td.push(phaseCopyBitmap, "remove copy bitmap "+name, func(ctx context.Context) error {
				return r.Facade.BitmapRemove(ctx, t.Device.Node, name)
			})
		}
	}

	return jobErr
}

// startTransaction builds the one transaction spec §4.D requires per level
// and commits it, aborting the whole topology atomically on failure.
func (r *Run) startTransaction(ctx context.Context, level Level, uuid string, topologies []Topology, td *teardownStack) error {
	tr := command.NewTransaction()
	traits := level.traits()

	for _, t := range topologies {
		switch level {
		case LevelFull:
			name := device.BitmapName(t.Device.Node, uuid)
			tr.AddBitmap(t.Device.Node, name, traits.bitmapPersistent)
			tr.Backup(command.BlockdevBackupArgs{
				JobID: t.JobID, Device: t.SnapNode, Target: t.TargetNode,
				Sync: traits.syncMode, Bitmap: name, Compress: r.Opts.Compress,
				Speed: r.Opts.SpeedLimit,
			})
		case LevelInc:
			name := device.BitmapName(t.Device.Node, uuid)
			tr.Backup(command.BlockdevBackupArgs{
				JobID: t.JobID, Device: t.SnapNode, Target: t.TargetNode,
				Sync: traits.syncMode, Bitmap: name, BitmapMode: traits.bitmapMode,
				Compress: r.Opts.Compress, Speed: r.Opts.SpeedLimit,
			})
		case LevelCopy:
			name := device.CopyBitmapName(t.Device.Node)
			tr.AddBitmap(t.Device.Node, name, traits.bitmapPersistent)
			tr.Backup(command.BlockdevBackupArgs{
				JobID: t.JobID, Device: t.SnapNode, Target: t.TargetNode,
				Sync: traits.syncMode, Bitmap: name, Compress: r.Opts.Compress,
				Speed: r.Opts.SpeedLimit,
			})
		}
	}

	if err := r.Facade.Commit(ctx, tr); err != nil {
		return fmt.Errorf("command error: transaction aborted: %w", err)
	}
	return nil
}

// awaitCompletion drives the explicit finalize/dismiss dance spec §4.D
// requires for jobs started with auto-finalize=false, auto-dismiss=false:
// wait for every job to report JOB_STATUS_CHANGE(pending) and finalize it,
// then wait for each job's terminal BLOCK_JOB_* event and dismiss it.
// Cancelling every still-pending job with the reserved prefix if ctx is
// cancelled first (spec §5 "enumerate current block jobs, issue
// block-job-cancel force=true to every job whose device name begins with
// the reserved prefix").
func (r *Run) awaitCompletion(ctx context.Context, topologies []Topology) error {
	pending := make(map[string]bool, len(topologies))
	for _, t := range topologies {
		pending[t.JobID] = true
	}

	progress := NewProgress(r.Facade, r.Log, topologies)
	progressCtx, stopProgress := context.WithCancel(context.Background())
	go progress.Run(progressCtx)
	defer stopProgress()

	if err := r.finalizeAll(ctx, pending); err != nil {
		return err
	}

	for len(pending) > 0 {
		jobID, eventName, err := r.waitTerminal(ctx, pending)
		if err != nil {
			if ctx.Err() != nil {
				r.signalCaught = true
				r.cancelPending(pending)
				return ErrSignalCaught
			}
			return fmt.Errorf("job error: %w", err)
		}
		if err := r.Facade.BlockJobDismiss(ctx, jobID); err != nil {
			r.Log.Warning("block-job-dismiss failed", "job", jobID, "error", err)
		}
		delete(pending, jobID)

		switch eventName {
		case "BLOCK_JOB_CANCELLED":
			r.cancelPending(pending)
			return fmt.Errorf("job error: %w: %s", ErrJobCancelled, jobID)
		case "BLOCK_JOB_ERROR":
			r.cancelPending(pending)
			return fmt.Errorf("job error: %w: %s", ErrJobFailed, jobID)
		}
	}
	return nil
}

// finalizeAll waits for every pending job's JOB_STATUS_CHANGE(status=
// "pending") and issues block-job-finalize as soon as it is observed (spec
// §4.D "auto-finalize=false is set so the orchestrator observes a separate
// JOB_STATUS_CHANGE pending before finalize, which it then issues
// explicitly"). It does not wait for the subsequent completion event; that
// is awaitCompletion's job via waitTerminal.
func (r *Run) finalizeAll(ctx context.Context, pending map[string]bool) error {
	remaining := make(map[string]bool, len(pending))
	for id := range pending {
		remaining[id] = true
	}

	for len(remaining) > 0 {
		var jobID string
		err := r.Facade.WaitForEvent(ctx, "JOB_STATUS_CHANGE", command.NoJobTimeout, func(ev monitor.Event) bool {
			id, status := eventJobStatus(ev)
			if status != "pending" || !remaining[id] {
				return false
			}
			jobID = id
			return true
		})
		if err != nil {
			if ctx.Err() != nil {
				r.signalCaught = true
				r.cancelPending(pending)
				return ErrSignalCaught
			}
			return fmt.Errorf("job error: waiting for job-status-change(pending): %w", err)
		}
		if err := r.Facade.BlockJobFinalize(ctx, jobID); err != nil {
			return fmt.Errorf("command error: finalizing job %s: %w", jobID, err)
		}
		delete(remaining, jobID)
	}
	return nil
}

// waitTerminal races a wait on each of the three terminal block-job event
// names (monitor.Client.WaitForEvent only accepts one name per call) and
// returns whichever fires first for a job still in pending.
func (r *Run) waitTerminal(ctx context.Context, pending map[string]bool) (jobID, eventName string, err error) {
	type result struct {
		jobID string
		event string
		err   error
	}
	names := []string{"BLOCK_JOB_COMPLETED", "BLOCK_JOB_CANCELLED", "BLOCK_JOB_ERROR"}

	raceCtx, cancelRace := context.WithCancel(ctx)
	defer cancelRace()

	results := make(chan result, len(names))
	for _, name := range names {
		name := name
		go func() {
			var gotID string
			werr := r.Facade.WaitForEvent(raceCtx, name, command.NoJobTimeout, func(ev monitor.Event) bool {
				id := eventDevice(ev)
				if !pending[id] {
					return false
				}
				gotID = id
				return true
			})
			results <- result{jobID: gotID, event: name, err: werr}
		}()
	}

	res := <-results
	return res.jobID, res.event, res.err
}

func (r *Run) cancelPending(pending map[string]bool) {
	cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for id := range pending {
		if err := r.Facade.BlockJobCancel(cctx, id, true); err != nil {
			r.Log.Warning("signal teardown: block-job-cancel failed", "job", id, "error", err)
		}
	}
}

// finalizeFiles renames every target file to drop .partial and places the
// FULL-<basename> symlink beside full/copy backups when --no-timestamp is
// given and --no-symlink is not (spec §4.D "Rename").
func (r *Run) finalizeFiles(level Level, topologies []Topology) {
	for _, t := range topologies {
		final := layout.FinalName(t.TargetPath)
		if err := os.Rename(t.TargetPath, final); err != nil {
			r.Log.Error("renaming target file", "path", t.TargetPath, "error", err)
			continue
		}
		if level != LevelInc && r.Opts.NoTimestamp && !r.Opts.NoSymlink {
			link := filepath.Join(filepath.Dir(final), layout.FullSymlinkName(filepath.Base(t.Device.Filename)))
			_ = os.Remove(link)
			if err := os.Symlink(final, link); err != nil {
				r.Log.Warning("creating FULL symlink", "link", link, "error", err)
			}
		}
	}
}

func originalDriver(d device.BlockDevice) string {
	if d.Format == "" {
		return "raw"
	}
	return d.Format
}

// eventJobStatus extracts the "id" and "status" fields a JOB_STATUS_CHANGE
// event carries, used by finalizeAll to recognize the pending transition for
// a specific job (spec §4.D "observes a separate JOB_STATUS_CHANGE pending
// before finalize").
func eventJobStatus(ev monitor.Event) (id, status string) {
	var payload struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if len(ev.Data) == 0 {
		return "", ""
	}
	_ = json.Unmarshal(ev.Data, &payload)
	return payload.ID, payload.Status
}

// eventDevice extracts the "device" field BLOCK_JOB_* events carry, used to
// confirm an event belongs to this run's namespace (spec §9 "Event
// correlation ... match events to jobs by device prefix").
func eventDevice(ev monitor.Event) string {
	var payload struct {
		Device string `json:"device"`
	}
	if len(ev.Data) == 0 {
		return ""
	}
	_ = json.Unmarshal(ev.Data, &payload)
	return payload.Device
}

