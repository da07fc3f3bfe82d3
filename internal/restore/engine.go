package restore

import (
	"context"
	"fmt"

	"github.com/abbbi/qmpbackup-go/internal/applog"
	"github.com/abbbi/qmpbackup-go/internal/config"
	"github.com/abbbi/qmpbackup-go/internal/imgtool"
)

// backingFormat is always qcow2: spec §4.F never mentions restoring a raw
// chain (raw images have no backing-file pointer to rewrite).
const backingFormat = "qcow2"

// Engine runs one restore mode against a validated chain (spec §4.F).
type Engine struct {
	Driver *imgtool.Driver
	Log    applog.Logger
}

// New returns an Engine driving the given image tool.
func New(driver *imgtool.Driver, log applog.Logger) *Engine {
	return &Engine{Driver: driver, Log: log}
}

// Outcome is what a restore run produces: the chain it operated on and
// every tool invocation it issued, in order (spec §4.F "--dry-run prints
// the exact tool invocations").
type Outcome struct {
	Chain       []ChainEntry
	Invocations []imgtool.Result
}

// Execute runs the full preflight (scan, validate, truncate, filter,
// consistency check) followed by the requested mode (spec §4.F).
func (e *Engine) Execute(ctx context.Context, opts config.RestoreOptions) (Outcome, error) {
	entries, err := Scan(opts.Dir)
	if err != nil {
		return Outcome{}, err
	}
	chain, err := BuildChain(entries)
	if err != nil {
		return Outcome{}, err
	}
	chain, err = TruncateUntil(chain, opts.Until)
	if err != nil {
		return Outcome{}, err
	}
	chain, err = ApplyFilter(chain, opts.Filter)
	if err != nil {
		return Outcome{}, err
	}

	// drv.DryRun is the OR of the driver's own configuration (how the CLI
	// wired the tool driver, e.g. in tests) and the per-run --dry-run flag:
	// either one alone is enough to guarantee no subprocess actually runs.
	drv := *e.Driver
	drv.DryRun = e.Driver.DryRun || opts.DryRun

	if !opts.SkipCheck {
		if err := e.checkChain(ctx, &drv, chain); err != nil {
			return Outcome{}, err
		}
	}

	r := &run{driver: &drv, log: e.Log, dryRun: drv.DryRun}
	switch opts.Mode {
	case config.ModeRebase:
		err = r.rebase(ctx, opts, chain)
	case config.ModeCommit:
		err = r.fold(ctx, opts, chain, "")
	case config.ModeSnapshotRebase:
		err = r.snapshotRebase(ctx, opts, chain)
	case config.ModeMerge:
		err = r.merge(ctx, opts, chain)
	default:
		err = fmt.Errorf("configuration error: unknown restore mode %q", opts.Mode)
	}
	return Outcome{Chain: chain, Invocations: r.invocations}, err
}

// checkChain runs the optional per-file consistency pre-check (spec §4.F
// "default on; disabled with --skip-check"): any corrupt file aborts the
// mode before anything is rewritten.
func (e *Engine) checkChain(ctx context.Context, drv *imgtool.Driver, chain []ChainEntry) error {
	for _, entry := range chain {
		res, err := drv.Check(ctx, entry.Path)
		if err != nil {
			return fmt.Errorf("restore chain error: consistency check failed for %s: %w", entry.Path, err)
		}
		_ = res
	}
	return nil
}

// run carries the mutable state one mode invocation needs: the dry-run-
// aware driver, a logger, and the accumulated tool-invocation log.
type run struct {
	driver      *imgtool.Driver
	log         applog.Logger
	dryRun      bool
	invocations []imgtool.Result
}

func (r *run) invoke(res imgtool.Result, err error) error {
	r.invocations = append(r.invocations, res)
	return err
}
