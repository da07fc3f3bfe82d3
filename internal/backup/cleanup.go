package backup

import (
	"context"
	"fmt"
	"strings"

	"github.com/abbbi/qmpbackup-go/internal/command"
	"github.com/abbbi/qmpbackup-go/internal/device"
)

// Cleanup implements the `cleanup --remove-bitmap [--uuid STR]` subcommand
// (spec §6 "Backup CLI"): remove every persistent bitmap this tool created,
// optionally scoped to one UUID (spec §8 scenario 5).
func Cleanup(ctx context.Context, facade *command.Facade, uuid string) ([]string, error) {
	raw, err := facade.QueryBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("monitor error: %w", err)
	}

	var removed []string
	for _, entry := range raw {
		if entry.Inserted == nil {
			continue
		}
		node := entry.Inserted.NodeName
		if strings.HasPrefix(node, device.InternalNodePrefix) {
			continue
		}
		for _, b := range entry.Inserted.DirtyBitmaps {
			if !strings.HasPrefix(b.Name, device.InternalNodePrefix) {
				continue
			}
			if uuid != "" && !strings.HasSuffix(b.Name, "-"+uuid) {
				continue
			}
			if err := facade.BitmapRemove(ctx, node, b.Name); err != nil {
				return removed, fmt.Errorf("removing bitmap %s on %s: %w", b.Name, node, err)
			}
			removed = append(removed, b.Name)
		}
	}
	return removed, nil
}
