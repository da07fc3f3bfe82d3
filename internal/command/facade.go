// Package command exposes typed wrappers over internal/monitor for the
// verbs the backup orchestrator relies on (spec §4.B). Every verb's
// arguments reach monitor.Client.Execute as a monitor.RawArgs map built in
// this package.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/abbbi/qmpbackup-go/internal/monitor"
)

// Facade wraps a monitor.Client with typed verb methods.
type Facade struct {
	c *monitor.Client
}

// New wraps an already-connected monitor client.
func New(c *monitor.Client) *Facade {
	return &Facade{c: c}
}

func (f *Facade) exec(ctx context.Context, verb string, args map[string]any) (json.RawMessage, error) {
	var margs monitor.Args
	if args != nil {
		margs = monitor.RawArgs(args)
	}
	return f.c.Execute(ctx, verb, margs)
}

// QueryBlock returns the raw per-device entries reported by query-block,
// the input to the device selector (spec §4.C).
func (f *Facade) QueryBlock(ctx context.Context) ([]RawBlockInfo, error) {
	raw, err := f.exec(ctx, "query-block", nil)
	if err != nil {
		return nil, fmt.Errorf("query-block: %w", err)
	}
	var out []RawBlockInfo
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshaling query-block response: %w", err)
	}
	return out, nil
}

// QueryNamedBlockNodes returns the raw named block-node graph.
func (f *Facade) QueryNamedBlockNodes(ctx context.Context) (json.RawMessage, error) {
	raw, err := f.exec(ctx, "query-named-block-nodes", nil)
	if err != nil {
		return nil, fmt.Errorf("query-named-block-nodes: %w", err)
	}
	return raw, nil
}

// QueryBlockJobs returns the current block jobs, used by the progress
// tracker.
func (f *Facade) QueryBlockJobs(ctx context.Context) ([]BlockJobInfo, error) {
	raw, err := f.exec(ctx, "query-block-jobs", nil)
	if err != nil {
		return nil, fmt.Errorf("query-block-jobs: %w", err)
	}
	var out []BlockJobInfo
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshaling query-block-jobs response: %w", err)
	}
	return out, nil
}

// QueryVersion, QueryName and QueryStatus report hypervisor identity/state.
func (f *Facade) QueryVersion(ctx context.Context) (json.RawMessage, error) {
	return f.exec(ctx, "query-version", nil)
}

func (f *Facade) QueryName(ctx context.Context) (json.RawMessage, error) {
	return f.exec(ctx, "query-name", nil)
}

func (f *Facade) QueryStatus(ctx context.Context) (json.RawMessage, error) {
	return f.exec(ctx, "query-status", nil)
}

// BitmapAdd creates a dirty bitmap on node named name, persistent or not,
// with the given granularity (0 means hypervisor default).
func (f *Facade) BitmapAdd(ctx context.Context, node, name string, persistent bool, granularity int) error {
	args := map[string]any{"node": node, "name": name, "persistent": persistent}
	if granularity > 0 {
		args["granularity"] = granularity
	}
	_, err := f.exec(ctx, "block-dirty-bitmap-add", args)
	if err != nil {
		return fmt.Errorf("block-dirty-bitmap-add %s/%s: %w", node, name, err)
	}
	return nil
}

func (f *Facade) BitmapRemove(ctx context.Context, node, name string) error {
	_, err := f.exec(ctx, "block-dirty-bitmap-remove", map[string]any{"node": node, "name": name})
	if err != nil {
		return fmt.Errorf("block-dirty-bitmap-remove %s/%s: %w", node, name, err)
	}
	return nil
}

func (f *Facade) BitmapClear(ctx context.Context, node, name string) error {
	_, err := f.exec(ctx, "block-dirty-bitmap-clear", map[string]any{"node": node, "name": name})
	if err != nil {
		return fmt.Errorf("block-dirty-bitmap-clear %s/%s: %w", node, name, err)
	}
	return nil
}

func (f *Facade) BitmapDisable(ctx context.Context, node, name string) error {
	_, err := f.exec(ctx, "block-dirty-bitmap-disable", map[string]any{"node": node, "name": name})
	if err != nil {
		return fmt.Errorf("block-dirty-bitmap-disable %s/%s: %w", node, name, err)
	}
	return nil
}

func (f *Facade) BitmapEnable(ctx context.Context, node, name string) error {
	_, err := f.exec(ctx, "block-dirty-bitmap-enable", map[string]any{"node": node, "name": name})
	if err != nil {
		return fmt.Errorf("block-dirty-bitmap-enable %s/%s: %w", node, name, err)
	}
	return nil
}

// BlockdevAdd adds a node described by opts (already shaped as the
// hypervisor's blockdev-add arguments: driver, node-name, file, backing...).
func (f *Facade) BlockdevAdd(ctx context.Context, opts map[string]any) error {
	_, err := f.exec(ctx, "blockdev-add", opts)
	if err != nil {
		return fmt.Errorf("blockdev-add %v: %w", opts["node-name"], err)
	}
	return nil
}

func (f *Facade) BlockdevDel(ctx context.Context, nodeName string) error {
	_, err := f.exec(ctx, "blockdev-del", map[string]any{"node-name": nodeName})
	if err != nil {
		return fmt.Errorf("blockdev-del %s: %w", nodeName, err)
	}
	return nil
}

// BlockdevReopen atomically replaces the top node of a live device — the
// only way to splice the CBW filter in without racing the guest (spec §4.D).
func (f *Facade) BlockdevReopen(ctx context.Context, options []map[string]any) error {
	_, err := f.exec(ctx, "blockdev-reopen", map[string]any{"options": options})
	if err != nil {
		return fmt.Errorf("blockdev-reopen: %w", err)
	}
	return nil
}

// BlockdevBackupArgs are the arguments for blockdev-backup (spec §4.D job
// driver). JobID is the job's identifier (also its device name for purposes
// of event correlation — spec §9).
type BlockdevBackupArgs struct {
	JobID         string
	Device        string
	Target        string
	Sync          string // "full" | "incremental"
	Bitmap        string
	BitmapMode    string // "on-success" | "never" | "always", used with sync=incremental
	Compress      bool
	AutoFinalize  bool
	AutoDismiss   bool
	Speed         int64
}

func (a BlockdevBackupArgs) toArgs() map[string]any {
	m := map[string]any{
		"job-id":        a.JobID,
		"device":        a.Device,
		"target":        a.Target,
		"sync":          a.Sync,
		"auto-finalize": a.AutoFinalize,
		"auto-dismiss":  a.AutoDismiss,
	}
	if a.Compress {
		m["compress"] = true
	}
	if a.Bitmap != "" {
		m["bitmap"] = a.Bitmap
	}
	if a.BitmapMode != "" {
		m["bitmap-mode"] = a.BitmapMode
	}
	if a.Speed > 0 {
		m["speed"] = a.Speed
	}
	return m
}

func (f *Facade) BlockdevBackup(ctx context.Context, a BlockdevBackupArgs) error {
	_, err := f.exec(ctx, "blockdev-backup", a.toArgs())
	if err != nil {
		return fmt.Errorf("blockdev-backup %s: %w", a.JobID, err)
	}
	return nil
}

func (f *Facade) BlockJobCancel(ctx context.Context, jobID string, force bool) error {
	_, err := f.exec(ctx, "block-job-cancel", map[string]any{"device": jobID, "force": force})
	if err != nil {
		return fmt.Errorf("block-job-cancel %s: %w", jobID, err)
	}
	return nil
}

func (f *Facade) BlockJobSetSpeed(ctx context.Context, jobID string, speed int64) error {
	_, err := f.exec(ctx, "block-job-set-speed", map[string]any{"device": jobID, "speed": speed})
	if err != nil {
		return fmt.Errorf("block-job-set-speed %s: %w", jobID, err)
	}
	return nil
}

func (f *Facade) BlockJobFinalize(ctx context.Context, jobID string) error {
	_, err := f.exec(ctx, "block-job-finalize", map[string]any{"id": jobID})
	if err != nil {
		return fmt.Errorf("block-job-finalize %s: %w", jobID, err)
	}
	return nil
}

func (f *Facade) BlockJobDismiss(ctx context.Context, jobID string) error {
	_, err := f.exec(ctx, "block-job-dismiss", map[string]any{"id": jobID})
	if err != nil {
		return fmt.Errorf("block-job-dismiss %s: %w", jobID, err)
	}
	return nil
}

// Transaction wraps any mixed sequence of the atomic verbs above with
// abort-on-failure semantics (spec §4.B). Build one with NewTransaction,
// append actions, then Commit.
type Transaction struct {
	actions []map[string]any
}

func NewTransaction() *Transaction {
	return &Transaction{}
}

func (t *Transaction) AddBitmap(node, name string, persistent bool) *Transaction {
	t.actions = append(t.actions, map[string]any{
		"type": "block-dirty-bitmap-add",
		"data": map[string]any{"node": node, "name": name, "persistent": persistent},
	})
	return t
}

func (t *Transaction) ClearBitmap(node, name string) *Transaction {
	t.actions = append(t.actions, map[string]any{
		"type": "block-dirty-bitmap-clear",
		"data": map[string]any{"node": node, "name": name},
	})
	return t
}

func (t *Transaction) Backup(a BlockdevBackupArgs) *Transaction {
	t.actions = append(t.actions, map[string]any{
		"type": "blockdev-backup",
		"data": a.toArgs(),
	})
	return t
}

func (f *Facade) Commit(ctx context.Context, t *Transaction) error {
	_, err := f.exec(ctx, "transaction", map[string]any{"actions": t.actions})
	if err != nil {
		return fmt.Errorf("transaction: %w", err)
	}
	return nil
}

// NoJobTimeout is used for WaitForEvent calls the orchestrator intends to be
// unbounded (spec §5: "Timeouts: none imposed by this component; long-running
// jobs are bounded only by the hypervisor"). A context deadline/cancellation
// is still honored.
const NoJobTimeout = 365 * 24 * time.Hour

// WaitForEvent proxies to the underlying monitor client; exposed here so
// orchestrator code only depends on this package, not internal/monitor
// directly, for the set of operations it actually needs.
func (f *Facade) WaitForEvent(ctx context.Context, name string, timeout time.Duration, predicate func(monitor.Event) bool) error {
	return f.c.WaitForEvent(ctx, name, timeout, predicate)
}
