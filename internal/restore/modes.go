package restore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/abbbi/qmpbackup-go/internal/config"
)

// rebase implements "rebase (in-place)" (spec §4.F): for each INC in order,
// rewrite its backing-file pointer to point at its predecessor in the
// chain, leaving every file in place and forming a genuine multi-file
// chain whose tip is the bootable image. No data is copied or merged.
func (r *run) rebase(ctx context.Context, opts config.RestoreOptions, chain []ChainEntry) error {
	for i, inc := range Incs(chain) {
		predecessor := chain[i].Path // chain[i] is inc's immediate predecessor (FULL at i=0)
		res, err := r.driver.Rebase(ctx, inc.Path, predecessor, backingFormat)
		if err := r.invoke(res, err); err != nil {
			return fmt.Errorf("rebasing %s onto %s: %w", inc.Path, predecessor, err)
		}
		r.log.Info("rebased increment", "path", inc.Path, "backing", predecessor)
	}

	tip := chain[len(chain)-1]
	if err := r.linkImage(filepath.Dir(opts.Dir), tip.Path); err != nil {
		return err
	}
	return nil
}

// fold implements the shared "merge every INC's data into base, in epoch
// order" primitive used by both commit and snapshotrebase (spec §4.F
// "commit": "commit each INC into its predecessor, collapsing the chain
// into the FULL"). Each INC is first rebased to point directly at base
// (always the FULL, or the merge copy of it) so that a single-level
// qemu-img commit merges it straight into the accumulating base file, then
// the now-redundant INC file is removed. If snapshotOf is non-empty, base is
// snapshotted before each commit under the increment's file name,
// representing the chain's state before that increment is folded in (spec
// §4.F "snapshotrebase").
func (r *run) fold(ctx context.Context, opts config.RestoreOptions, chain []ChainEntry, snapshotOf string) error {
	base := chain[0].Path // the FULL (or, for merge, the staged copy of it)
	for _, inc := range Incs(chain) {
		if snapshotOf != "" {
			name := filepath.Base(inc.Path)
			res, err := r.driver.Snapshot(ctx, base, name)
			if err := r.invoke(res, err); err != nil {
				return fmt.Errorf("snapshotting %s as %s: %w", base, name, err)
			}
			r.log.Info("snapshotted base before commit", "base", base, "snapshot", name)
		}

		res, err := r.driver.Rebase(ctx, inc.Path, base, backingFormat)
		if err := r.invoke(res, err); err != nil {
			return fmt.Errorf("rebasing %s onto %s: %w", inc.Path, base, err)
		}

		res, err = r.driver.Commit(ctx, inc.Path, opts.RateLimit)
		if err := r.invoke(res, err); err != nil {
			return fmt.Errorf("committing %s into %s: %w", inc.Path, base, err)
		}
		r.log.Info("committed increment", "path", inc.Path, "into", base)

		if !r.dryRun {
			if err := os.Remove(inc.Path); err != nil {
				r.log.Warning("removing collapsed increment", "path", inc.Path, "error", err.Error())
			}
		}
	}
	return nil
}

// snapshotRebase implements "snapshotrebase" (spec §4.F): a FULL-BACKUP
// snapshot taken before any commit, then fold() with a per-increment
// snapshot taken immediately before each commit.
func (r *run) snapshotRebase(ctx context.Context, opts config.RestoreOptions, chain []ChainEntry) error {
	full := chain[0]
	res, err := r.driver.Snapshot(ctx, full.Path, "FULL-BACKUP")
	if err := r.invoke(res, err); err != nil {
		return fmt.Errorf("snapshotting %s as FULL-BACKUP: %w", full.Path, err)
	}
	r.log.Info("snapshotted full backup", "path", full.Path, "snapshot", "FULL-BACKUP")

	return r.fold(ctx, opts, chain, full.Path)
}

// merge implements "merge" (spec §4.F): a non-destructive variant of
// commit. The FULL is copied to --targetfile, each INC is copied into the
// target's directory, and the copies are folded into the target copy.
// Originals are never opened for write, so their digests are unchanged
// (spec §8 scenario 6).
func (r *run) merge(ctx context.Context, opts config.RestoreOptions, chain []ChainEntry) error {
	full := chain[0]
	if r.dryRun {
		r.log.Info("dry-run: would copy", "from", full.Path, "to", opts.TargetFile)
		for _, inc := range Incs(chain) {
			r.log.Info("dry-run: would stage", "path", inc.Path)
		}
		return r.fold(ctx, opts, chain, "")
	}

	if err := copyFile(full.Path, opts.TargetFile); err != nil {
		return fmt.Errorf("copying %s to %s: %w", full.Path, opts.TargetFile, err)
	}
	r.log.Info("staged full backup copy", "from", full.Path, "to", opts.TargetFile)

	targetDir := filepath.Dir(opts.TargetFile)
	staged := make([]ChainEntry, 0, len(chain))
	staged = append(staged, ChainEntry{Path: opts.TargetFile, Kind: KindFull, Epoch: full.Epoch, Basename: full.Basename})
	var stagedPaths []string
	for _, inc := range Incs(chain) {
		dst := filepath.Join(targetDir, filepath.Base(inc.Path))
		if err := copyFile(inc.Path, dst); err != nil {
			return fmt.Errorf("staging %s: %w", inc.Path, err)
		}
		stagedPaths = append(stagedPaths, dst)
		staged = append(staged, ChainEntry{Path: dst, Kind: KindInc, Epoch: inc.Epoch, Basename: inc.Basename})
	}

	if err := r.fold(ctx, opts, staged, ""); err != nil {
		for _, p := range stagedPaths {
			os.Remove(p)
		}
		return err
	}

	// fold() already removed every staged increment as it collapsed; only
	// the target copy remains, now holding every increment's data.
	return nil
}

// linkImage creates (or replaces) the "image" symlink at parentDir
// pointing at target (spec §6 "image symlink created at the parent after
// successful rebase"). A no-op in dry-run mode.
func (r *run) linkImage(parentDir, target string) error {
	if r.dryRun {
		r.log.Info("dry-run: would link image", "parent", parentDir, "target", target)
		return nil
	}
	link := filepath.Join(parentDir, "image")
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale image symlink: %w", err)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("linking %s to %s: %w", link, target, err)
	}
	return nil
}

// copyFile copies src to dst byte-for-byte, used by merge to stage working
// copies without ever opening an original file for write.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
