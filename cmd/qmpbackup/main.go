// Command qmpbackup drives live full/incremental/copy backups of a running
// hypervisor-managed virtual machine over its monitor socket (spec §4.D,
// §6 "Backup CLI"). Usage:
//
//	qmpbackup --socket PATH backup --level {full,inc,copy,auto} --target DIR [options]
//	qmpbackup --socket PATH info --show {blockdev,bitmaps}
//	qmpbackup --socket PATH cleanup --remove-bitmap [--uuid STR]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/abbbi/qmpbackup-go/internal/applog"
	"github.com/abbbi/qmpbackup-go/internal/backup"
	"github.com/abbbi/qmpbackup-go/internal/command"
	"github.com/abbbi/qmpbackup-go/internal/config"
	"github.com/abbbi/qmpbackup-go/internal/device"
	"github.com/abbbi/qmpbackup-go/internal/imgtool"
	"github.com/abbbi/qmpbackup-go/internal/monitor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "qmpbackup",
		Usage: "live full/incremental backups over a hypervisor monitor socket",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "socket", Usage: "path to the monitor socket", Required: true},
			&cli.StringFlag{Name: "log-file", Usage: "write logs to this file instead of stderr"},
			&cli.BoolFlag{Name: "syslog", Usage: "write logs to syslog instead of stderr"},
			&cli.StringFlag{Name: "qemu-img", Value: "qemu-img", Usage: "path to the qemu-img binary"},
		},
		Commands: []*cli.Command{
			backupCommand(),
			infoCommand(),
			cleanupCommand(),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, backup.ErrSignalCaught) {
			fmt.Fprintln(os.Stderr, "qmpbackup: aborted by signal")
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "qmpbackup: %v\n", err)
		os.Exit(1)
	}
}

func loggerFor(c *cli.Context) (applog.Logger, error) {
	dest := applog.Destination{Kind: "stderr"}
	if c.Bool("syslog") {
		dest = applog.Destination{Kind: "syslog"}
	} else if path := c.String("log-file"); path != "" {
		dest = applog.Destination{Kind: "file", Path: path}
	}
	return applog.New(dest)
}

func connect(ctx context.Context, c *cli.Context) (*monitor.Client, *command.Facade, error) {
	client, err := monitor.Connect(ctx, c.String("socket"))
	if err != nil {
		return nil, nil, fmt.Errorf("monitor error: %w", err)
	}
	return client, command.New(client), nil
}

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "run a full, incremental, copy, or auto-resolved backup",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "level", Usage: "full|inc|copy|auto", Required: true},
			&cli.StringFlag{Name: "target", Usage: "target directory", Required: true},
			&cli.StringFlag{Name: "exclude", Usage: "comma-separated device/node blacklist"},
			&cli.StringFlag{Name: "include", Usage: "comma-separated device/node whitelist"},
			&cli.StringFlag{Name: "agent-socket", Usage: "guest-agent socket path, used by --quiesce"},
			&cli.BoolFlag{Name: "quiesce", Usage: "freeze/thaw the guest filesystem around the backup"},
			&cli.BoolFlag{Name: "monthly", Usage: "nest target directories under YYYY-MM"},
			&cli.BoolFlag{Name: "no-subdir", Usage: "do not create a per-device subdirectory"},
			&cli.BoolFlag{Name: "no-timestamp", Usage: "place a FULL-<basename> symlink beside each full/copy backup"},
			&cli.BoolFlag{Name: "no-symlink", Usage: "do not create the FULL-<basename> symlink"},
			&cli.BoolFlag{Name: "compress", Usage: "enable target-image compression"},
			&cli.BoolFlag{Name: "include-raw", Usage: "include raw-format devices (not supported with --level copy)"},
			&cli.Int64Flag{Name: "speed-limit", Usage: "bytes/second job speed limit"},
			&cli.StringFlag{Name: "uuid", Usage: "caller-supplied BackupUUID for a new full/copy chain"},
			&cli.Int64Flag{Name: "remove-delay", Usage: "seconds to keep a completed fleecing topology before teardown"},
			&cli.StringFlag{Name: "blockdev-aio", Usage: "threads|io_uring"},
			&cli.BoolFlag{Name: "blockdev-disable-cache", Usage: "disable the target blockdev's cache"},
		},
		Action: runBackup,
	}
}

func runBackup(c *cli.Context) error {
	opts := config.BackupOptions{
		Socket:       c.String("socket"),
		Level:        config.Level(c.String("level")),
		Target:       c.String("target"),
		Include:      config.ParseList(c.String("include")),
		Exclude:      config.ParseList(c.String("exclude")),
		AgentSocket:  c.String("agent-socket"),
		Quiesce:      c.Bool("quiesce"),
		Monthly:      c.Bool("monthly"),
		NoSubdir:     c.Bool("no-subdir"),
		NoTimestamp:  c.Bool("no-timestamp"),
		NoSymlink:    c.Bool("no-symlink"),
		Compress:     c.Bool("compress"),
		IncludeRaw:   c.Bool("include-raw"),
		SpeedLimit:   c.Int64("speed-limit"),
		UUID:         c.String("uuid"),
		RemoveDelay:  secondsToDuration(c.Int64("remove-delay")),
		BlockdevAIO:  c.String("blockdev-aio"),
		DisableCache: c.Bool("blockdev-disable-cache"),
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	log, err := loggerFor(c)
	if err != nil {
		return fmt.Errorf("configuration error: setting up logging: %w", err)
	}
	defer log.Sync()

	ctx := c.Context
	client, facade, err := connect(ctx, c)
	if err != nil {
		return err
	}
	defer client.Close()

	raw, err := facade.QueryBlock(ctx)
	if err != nil {
		return fmt.Errorf("monitor error: %w", err)
	}
	devices, err := device.Select(raw, device.SelectOptions{
		Include:    opts.Include,
		Exclude:    opts.Exclude,
		UUID:       opts.UUID,
		IncludeRaw: opts.IncludeRaw,
	})
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	run := &backup.Run{Opts: opts, Facade: facade, Log: log, ImgTool: imgtool.New(c.String("qemu-img"))}
	if opts.AgentSocket != "" {
		agent, err := backup.DialGuestAgent(ctx, opts.AgentSocket)
		if err != nil {
			log.Warning("guest-agent dial failed, continuing without quiesce", "error", err.Error())
		} else {
			defer agent.Close()
			run.Agent = agent
		}
	}

	res, err := run.Execute(ctx, devices)
	if err != nil {
		if errors.Is(err, backup.ErrSignalCaught) {
			return err
		}
		return fmt.Errorf("backup failed: %w", err)
	}
	log.Info("backup complete", "uuid", res.UUID, "level", string(res.Level), "devices", res.Devices)
	return nil
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "show block device or bitmap state over the monitor socket",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "show", Usage: "blockdev|bitmaps", Required: true},
		},
		Action: runInfo,
	}
}

func runInfo(c *cli.Context) error {
	show := c.String("show")
	if show != "blockdev" && show != "bitmaps" {
		return fmt.Errorf("configuration error: unknown --show %q", show)
	}

	ctx := c.Context
	client, facade, err := connect(ctx, c)
	if err != nil {
		return err
	}
	defer client.Close()

	raw, err := facade.QueryBlock(ctx)
	if err != nil {
		return fmt.Errorf("monitor error: %w", err)
	}

	var out any = raw
	if show == "bitmaps" {
		type bitmapRow struct {
			Node    string                  `json:"node"`
			Bitmaps []command.RawDirtyBitmap `json:"bitmaps"`
		}
		var rows []bitmapRow
		for _, entry := range raw {
			if entry.Inserted == nil || len(entry.Inserted.DirtyBitmaps) == 0 {
				continue
			}
			rows = append(rows, bitmapRow{Node: entry.Inserted.NodeName, Bitmaps: entry.Inserted.DirtyBitmaps})
		}
		out = rows
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "remove persistent bitmaps this tool created",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "remove-bitmap", Required: true, Usage: "required marker flag for this subcommand"},
			&cli.StringFlag{Name: "uuid", Usage: "only remove bitmaps for this BackupUUID"},
		},
		Action: runCleanup,
	}
}

func runCleanup(c *cli.Context) error {
	if !c.Bool("remove-bitmap") {
		return fmt.Errorf("configuration error: cleanup requires --remove-bitmap")
	}

	ctx := c.Context
	client, facade, err := connect(ctx, c)
	if err != nil {
		return err
	}
	defer client.Close()

	removed, err := backup.Cleanup(ctx, facade, c.String("uuid"))
	if err != nil {
		return err
	}
	for _, name := range removed {
		fmt.Println(name)
	}
	return nil
}

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
