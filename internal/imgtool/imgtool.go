// Package imgtool runs the hypervisor's external image tool (qemu-img) for
// info/rebase/commit/snapshot operations (spec §4.G). It is a thin
// subprocess runner, modeled directly on RunCmd in the teacher's config.go:
// combined stdout+stderr capture, context-cancellation-aware error wrapping.
package imgtool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Result carries a completed invocation's exit code and combined output.
type Result struct {
	Args   []string
	Output string
	Err    error // non-nil for a non-zero exit, also when the caller tolerated it (run then returns a nil error)
}

// Driver runs qemu-img (or a compatible tool) synchronously.
type Driver struct {
	Binary string // defaults to "qemu-img"
	DryRun bool
}

// New returns a Driver using the given binary path ("qemu-img" if empty).
func New(binary string) *Driver {
	if binary == "" {
		binary = "qemu-img"
	}
	return &Driver{Binary: binary}
}

// run executes the tool, capturing combined output. A non-zero exit is an
// error unless tolerateNonZero is set. In DryRun mode the command line is
// returned via Result but never executed (spec §4.F "--dry-run").
func (d *Driver) run(ctx context.Context, tolerateNonZero bool, args ...string) (Result, error) {
	res := Result{Args: append([]string{d.Binary}, args...)}
	if d.DryRun {
		return res, nil
	}

	cmd := exec.CommandContext(ctx, d.Binary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res.Output = out.String()
	if err != nil {
		if ctx.Err() != nil {
			res.Err = fmt.Errorf("command cancelled: %s %v: %w", d.Binary, args, ctx.Err())
			return res, res.Err
		}
		if tolerateNonZero {
			res.Err = err
			return res, nil
		}
		msg := strings.TrimSpace(out.String())
		if msg == "" {
			msg = err.Error()
		}
		res.Err = fmt.Errorf("executing %s %v: %s", d.Binary, args, msg)
		return res, res.Err
	}
	return res, nil
}

// Info runs "qemu-img info --output=json PATH". The restore engine's
// consistency pre-check uses Check, not Info.
func (d *Driver) Info(ctx context.Context, path string) (Result, error) {
	return d.run(ctx, false, "info", "--output=json", path)
}

// Check runs "qemu-img check PATH", the corruption check honored unless
// --skip-check is passed (spec §4.F).
func (d *Driver) Check(ctx context.Context, path string) (Result, error) {
	return d.run(ctx, false, "check", path)
}

// Rebase rewrites path's backing-file pointer to point at backingPath,
// unsafe (-u): it only rewrites the pointer, it does not touch data, which
// is exactly what spec §4.F "rebase (in-place)" requires.
func (d *Driver) Rebase(ctx context.Context, path, backingPath, backingFormat string) (Result, error) {
	args := []string{"rebase", "-u"}
	if backingFormat != "" {
		args = append(args, "-F", backingFormat)
	}
	args = append(args, "-b", backingPath, path)
	return d.run(ctx, false, args...)
}

// Commit commits path into its backing file, honoring an optional
// bytes/second rate limit (spec §4.F "commit", §4.G "rate-limit flag is
// forwarded only to the commit invocation"). qemu-img commit has its own
// native -r flag, so no separate rate-limiting wrapper is needed here (see
// DESIGN.md).
func (d *Driver) Commit(ctx context.Context, path string, rateLimitBytesPerSec int64) (Result, error) {
	args := []string{"commit"}
	if rateLimitBytesPerSec > 0 {
		args = append(args, "-r", fmt.Sprintf("%d", rateLimitBytesPerSec))
	}
	args = append(args, path)
	return d.run(ctx, false, args...)
}

// Snapshot creates an internal qcow2 snapshot named name inside path (spec
// §4.F "snapshotrebase").
func (d *Driver) Snapshot(ctx context.Context, path, name string) (Result, error) {
	return d.run(ctx, false, "snapshot", "-c", name, path)
}

// Create creates a new qcow2 image, optionally backed by backingPath, used
// by restore's "merge" mode to stage a copy of the FULL before committing
// incrementals into it (spec §4.F "merge").
func (d *Driver) Create(ctx context.Context, path, backingPath, backingFormat string, size int64) (Result, error) {
	args := []string{"create", "-f", "qcow2"}
	if backingPath != "" {
		args = append(args, "-b", backingPath, "-F", backingFormat)
	}
	args = append(args, path)
	if size > 0 {
		args = append(args, fmt.Sprintf("%d", size))
	}
	return d.run(ctx, false, args...)
}
