// Package restore implements the restore engine (spec §4.F): chain
// scanning/validation on a single device's backup directory, and the four
// reconstruction modes (rebase, commit, merge, snapshotrebase) built on top
// of internal/imgtool.
package restore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/abbbi/qmpbackup-go/internal/layout"
)

// Kind classifies a backup file (spec §3 ChainEntry).
type Kind string

const (
	KindFull Kind = "FULL"
	KindInc  Kind = "INC"
	KindCopy Kind = "COPY"
)

// ChainEntry is one file in a device's backup directory (spec §3):
// {path, kind, epoch, disk_basename}.
type ChainEntry struct {
	Path     string
	Kind     Kind
	Epoch    int64
	Basename string
}

// parseEntryName recognizes "{FULL,INC,COPY}-{epoch}-{basename}" (spec §6
// "Persisted state layout"). Files that don't match this shape (the uuid
// file, the image symlink, stray files) are not chain entries.
func parseEntryName(name string) (Kind, int64, string, bool) {
	for _, k := range []Kind{KindFull, KindInc, KindCopy} {
		prefix := string(k) + "-"
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		parts := strings.SplitN(rest, "-", 2)
		if len(parts) != 2 {
			continue
		}
		epoch, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		return k, epoch, parts[1], true
	}
	return "", 0, "", false
}

// Scan lists dir's ChainEntries. It rejects the directory outright if any
// .partial file is present anywhere beneath it (spec §4.F preflight, §8
// scenario 3: "restore rebase --dry-run must also exit 1").
func Scan(dir string) ([]ChainEntry, error) {
	hasPartial, err := layout.HasPartial(dir)
	if err != nil {
		return nil, fmt.Errorf("restore chain error: %w", err)
	}
	if hasPartial {
		return nil, fmt.Errorf("restore chain error: %s contains a .partial file", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("restore chain error: reading %s: %w", dir, err)
	}

	var out []ChainEntry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		kind, epoch, basename, ok := parseEntryName(e.Name())
		if !ok {
			continue
		}
		out = append(out, ChainEntry{
			Path:     filepath.Join(dir, e.Name()),
			Kind:     kind,
			Epoch:    epoch,
			Basename: basename,
		})
	}
	return out, nil
}

// BuildChain asserts exactly one FULL (spec §4.F preflight) and returns the
// FULL followed by its INCs sorted by epoch ascending. COPY entries are
// standalone snapshots, not part of any incremental chain, and are ignored.
func BuildChain(entries []ChainEntry) ([]ChainEntry, error) {
	var full *ChainEntry
	var fullCount int
	for i := range entries {
		if entries[i].Kind == KindFull {
			fullCount++
			full = &entries[i]
		}
	}
	if fullCount == 0 {
		return nil, fmt.Errorf("restore chain error: no FULL backup found")
	}
	if fullCount > 1 {
		return nil, fmt.Errorf("restore chain error: %d FULL backups found, expected exactly one", fullCount)
	}

	var incs []ChainEntry
	for _, e := range entries {
		if e.Kind == KindInc && e.Basename == full.Basename {
			incs = append(incs, e)
		}
	}
	sort.Slice(incs, func(i, j int) bool { return incs[i].Epoch < incs[j].Epoch })

	chain := make([]ChainEntry, 0, len(incs)+1)
	chain = append(chain, *full)
	chain = append(chain, incs...)
	return chain, nil
}

// TruncateUntil implements "--until X": drop every entry after the one
// whose filename equals or contains X (inclusive of X itself). The FULL
// entry can never be dropped by this operation since it is always first.
func TruncateUntil(chain []ChainEntry, until string) ([]ChainEntry, error) {
	if until == "" {
		return chain, nil
	}
	for i, e := range chain {
		name := filepath.Base(e.Path)
		if name == until || strings.Contains(name, until) {
			return chain[:i+1], nil
		}
	}
	return nil, fmt.Errorf("restore chain error: --until %q matches no entry in the chain", until)
}

// ApplyFilter implements "--filter S": keep only entries whose filename
// contains S. Per spec §4.F this relaxes continuity to "the entries that
// remain form a valid backing chain rooted at the FULL" — so the FULL must
// itself survive the filter, otherwise there is nothing to root the chain
// on and that is reported as a chain error rather than silently dropped.
func ApplyFilter(chain []ChainEntry, filter string) ([]ChainEntry, error) {
	if filter == "" {
		return chain, nil
	}
	var out []ChainEntry
	for _, e := range chain {
		if strings.Contains(filepath.Base(e.Path), filter) {
			out = append(out, e)
		}
	}
	if len(out) == 0 || out[0].Kind != KindFull {
		return nil, fmt.Errorf("restore chain error: --filter %q excludes the FULL backup that roots the chain", filter)
	}
	return out, nil
}

// Incs returns chain[1:], the chain's incremental entries in epoch order.
func Incs(chain []ChainEntry) []ChainEntry {
	if len(chain) <= 1 {
		return nil
	}
	return chain[1:]
}
