// Package layout implements the on-disk target-directory conventions (spec
// §4.E, §3 BackupUUID/TargetFile): the uuid file, per-device subdirectories,
// .partial naming, monthly rollover, and the FULL-* symlink.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UUIDFileName is the single file at the root of a backup directory binding
// a chain to its BackupUUID (spec §3).
const UUIDFileName = "uuid"

// Level is a backup level tag (spec §3 BackupRun.level).
type Level string

const (
	LevelFull Level = "full"
	LevelInc  Level = "inc"
	LevelCopy Level = "copy"
	LevelAuto Level = "auto"
)

func (l Level) prefix() string {
	switch l {
	case LevelFull:
		return "FULL"
	case LevelInc:
		return "INC"
	case LevelCopy:
		return "COPY"
	default:
		return strings.ToUpper(string(l))
	}
}

// Options configures target-directory naming (spec §3 BackupRun naming options).
type Options struct {
	NoSubdir    bool
	NoTimestamp bool
	NoSymlink   bool
	Monthly     bool
}

// DeviceDir returns the directory a device's backups live in, given the
// naming options and the device's node/fallback-device identifiers. Internal
// sentinel-prefixed synthetic nodes fall back to the device bus id per §4.E.
func DeviceDir(root string, opts Options, node, fallbackDevice string, now time.Time) string {
	dir := root
	if opts.Monthly {
		dir = filepath.Join(dir, now.Format("2006-01"))
	}
	if opts.NoSubdir {
		return dir
	}
	name := node
	if strings.HasPrefix(name, "qmpbackup-") && fallbackDevice != "" {
		name = fallbackDevice
	}
	return filepath.Join(dir, name)
}

// ResolveUUID implements spec §4.D's UUID gate for level=full: reuse an
// existing uuid file, or create one (using caller-supplied uuid if given,
// else a fresh v4), and level=inc: read-only, error if absent.
func ResolveUUID(root string, level Level, callerUUID string) (string, error) {
	path := filepath.Join(root, UUIDFileName)
	existing, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(existing)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	if level == LevelInc {
		return "", fmt.Errorf("incremental backup requested but %s does not exist", path)
	}

	id := callerUUID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("invalid caller-supplied uuid %q: %w", id, err)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("creating target root %s: %w", root, err)
	}
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return id, nil
}

// HasUUID reports whether root already has a uuid file, used by the
// level=auto collapse rule (spec §4.D).
func HasUUID(root string) bool {
	_, err := os.Stat(filepath.Join(root, UUIDFileName))
	return err == nil
}

// HasPartial reports whether any .partial file exists anywhere under dir,
// which must abort any new run targeting that directory before it touches
// the monitor (spec §5, §8 boundary behavior).
func HasPartial(dir string) (bool, error) {
	found := false
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".partial") {
			found = true
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("scanning %s for partial files: %w", dir, err)
	}
	return found, nil
}

// TargetFileName returns the in-flight (.partial) file name for a target
// image, per spec §3 TargetFile: "{LEVEL}-{epoch}-{basename}.partial".
func TargetFileName(level Level, epoch int64, basename string) string {
	return fmt.Sprintf("%s-%d-%s.partial", level.prefix(), epoch, basename)
}

// FinalName drops the .partial suffix, the rename that may only happen
// after a clean teardown with no signal caught (spec §4.D "Rename").
func FinalName(partialName string) string {
	return strings.TrimSuffix(partialName, ".partial")
}

// FullSymlinkName returns the symlink name placed alongside a no-timestamp
// full/copy backup (spec §4.D "Rename": "FULL-<basename>").
func FullSymlinkName(basename string) string {
	return "FULL-" + basename
}

// LatestBackup returns the path of the highest-epoch non-.partial backup
// file for basename in dir, regardless of level. A new INC or COPY target
// image is created with a backing-file pointer at this file (spec §3
// TargetFile: "INC-* and COPY-* images are created with a backing-file
// pointer (for chain reconstruction)").
func LatestBackup(dir, basename string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", dir, err)
	}

	var best string
	var bestEpoch int64 = -1
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".partial") {
			continue
		}
		var prefix string
		switch {
		case strings.HasPrefix(name, "FULL-"):
			prefix = "FULL-"
		case strings.HasPrefix(name, "INC-"):
			prefix = "INC-"
		case strings.HasPrefix(name, "COPY-"):
			prefix = "COPY-"
		default:
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		epochStr := strings.TrimSuffix(rest, "-"+basename)
		if epochStr == rest {
			continue // basename did not match
		}
		epoch, err := strconv.ParseInt(epochStr, 10, 64)
		if err != nil {
			continue
		}
		if epoch > bestEpoch {
			bestEpoch = epoch
			best = name
		}
	}
	if best == "" {
		return "", fmt.Errorf("no prior backup file found for %s in %s", basename, dir)
	}
	return filepath.Join(dir, best), nil
}

// HasFullBackup reports whether dir already contains a completed (non
// .partial) FULL-* image for basename, the level=inc pre-run gate input.
func HasFullBackup(dir, basename string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "FULL-") && strings.HasSuffix(name, basename) && !strings.HasSuffix(name, ".partial") {
			return true, nil
		}
	}
	return false, nil
}
