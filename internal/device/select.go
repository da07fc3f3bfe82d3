// Package device turns the hypervisor's raw query-block payload into the
// filtered, ordered set of backup-eligible devices (spec §4.C).
package device

import (
	"fmt"
	"sort"
	"strings"

	"github.com/abbbi/qmpbackup-go/internal/command"
)

// InternalNodePrefix is the sentinel prefix reserved for nodes this tool
// itself creates (fleece images, CBW filters, snapshot-access nodes, target
// images). query-block entries whose node name starts with this prefix are
// never backup candidates themselves (spec §4.C rule 1, §9 event correlation).
const InternalNodePrefix = "qmpbackup-"

// BitmapInfo mirrors spec §3 Bitmap attributes for one bitmap on a device.
type BitmapInfo struct {
	Name        string
	Recording   bool
	Persistent  bool
	Granularity int
	Busy        bool
}

// BlockDevice is one entry in the filtered, ordered device list (spec §3).
type BlockDevice struct {
	Node          string
	Device        string
	Filename      string
	Format        string
	VirtualSize   int64
	HasFullBackup bool // not set by Select; the backup orchestrator checks the target directory with layout.HasFullBackup instead
	HasBitmap     bool
	Bitmaps       []BitmapInfo
	QDev          string
}

// SelectOptions configures Select (spec §4.C).
type SelectOptions struct {
	Include    []string // whitelist; mutually exclusive with Exclude
	Exclude    []string // blacklist
	UUID       string   // resolved backup-chain UUID, used to match bitmap names
	IncludeRaw bool
}

// ConfigError is a fatal configuration error raised by Select, carrying the
// offending identifier (spec §4.C "Rejection cases").
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// Select filters and orders raw query-block entries per spec §4.C rules 1-5.
func Select(raw []command.RawBlockInfo, opts SelectOptions) ([]BlockDevice, error) {
	if len(opts.Include) > 0 && len(opts.Exclude) > 0 {
		return nil, &ConfigError{Msg: "include and exclude are mutually exclusive"}
	}

	include := toSet(opts.Include)
	exclude := toSet(opts.Exclude)
	matchedInclude := make(map[string]bool, len(include))

	var out []BlockDevice
	for _, r := range raw {
		// Rule 1: drop inserted-empty devices, read-only ISOs, and internal nodes.
		if r.Inserted == nil {
			continue
		}
		if r.Removable && r.Inserted.RO {
			continue
		}
		if strings.HasPrefix(r.Inserted.NodeName, InternalNodePrefix) {
			continue
		}

		// Rule 2: include/exclude match against device first, then node.
		if len(include) > 0 {
			key, ok := matchKey(include, r.Device, r.Inserted.NodeName)
			if !ok {
				continue
			}
			matchedInclude[key] = true
		} else if len(exclude) > 0 {
			if _, ok := matchKey(exclude, r.Device, r.Inserted.NodeName); ok {
				continue
			}
		}

		format := normalizeFormat(r.Inserted.Driver)

		// Rule 3: raw devices dropped unless include_raw is set.
		if format == "raw" && !opts.IncludeRaw {
			continue
		}

		bd := BlockDevice{
			Node:        r.Inserted.NodeName,
			Device:      r.Device,
			Filename:    r.Inserted.Image.Filename,
			Format:      format,
			VirtualSize: r.Inserted.Image.VirtualSize,
			QDev:        r.QDev,
		}

		// Rule 4: resolve bitmaps, pick the one matching the UUID pattern.
		wantBitmap := bitmapName(r.Inserted.NodeName, opts.UUID)
		for _, b := range r.Inserted.DirtyBitmaps {
			bi := BitmapInfo{
				Name:        b.Name,
				Recording:   b.Recording,
				Persistent:  b.Persistent,
				Granularity: b.Granularity,
				Busy:        b.Busy,
			}
			bd.Bitmaps = append(bd.Bitmaps, bi)
			if opts.UUID != "" && b.Name == wantBitmap {
				bd.HasBitmap = true
			}
		}

		out = append(out, bd)
	}

	if len(include) > 0 {
		for name := range include {
			if !matchedInclude[name] {
				return nil, &ConfigError{Msg: fmt.Sprintf("include: no such device or node %q", name)}
			}
		}
	}

	if len(out) == 0 {
		return nil, &ConfigError{Msg: "no backup-eligible devices remain after filtering"}
	}

	// Rule 5: stable-sort by node.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Node < out[j].Node })

	return out, nil
}

// BitmapName returns the full persistent bitmap name for a node and UUID,
// per spec §3 Bitmap naming ("qmpbackup-<node>-<uuid>").
func BitmapName(node, uuid string) string { return bitmapName(node, uuid) }

func bitmapName(node, uuid string) string {
	return fmt.Sprintf("%s%s-%s", InternalNodePrefix, node, uuid)
}

// CopyBitmapName returns the non-persistent copy-level bitmap name for a
// node, per spec §3 ("qmpbackup-copy-<node>").
func CopyBitmapName(node string) string {
	return fmt.Sprintf("%scopy-%s", InternalNodePrefix, node)
}

func normalizeFormat(drv string) string {
	switch drv {
	case "qcow2":
		return "qcow2"
	case "raw":
		return "raw"
	default:
		return "other"
	}
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, i := range items {
		i = strings.TrimSpace(i)
		if i != "" {
			set[i] = false
		}
	}
	return set
}

func matchKey(set map[string]bool, device, node string) (string, bool) {
	if device != "" {
		if _, ok := set[device]; ok {
			return device, true
		}
	}
	if _, ok := set[node]; ok {
		return node, true
	}
	return "", false
}
