// Command qmprestore reconstructs a disk image from a full+incremental
// backup chain written by qmpbackup (spec §4.F). Usage:
//
//	qmprestore rebase         --dir DIR [--until X] [--filter S] [--dry-run]
//	qmprestore commit         --dir DIR [--until X] [--filter S] [--rate-limit N] [--dry-run]
//	qmprestore snapshotrebase --dir DIR [--until X] [--filter S] [--rate-limit N] [--dry-run]
//	qmprestore merge          --dir DIR --targetfile FILE [--until X] [--filter S] [--dry-run]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/abbbi/qmpbackup-go/internal/applog"
	"github.com/abbbi/qmpbackup-go/internal/config"
	"github.com/abbbi/qmpbackup-go/internal/imgtool"
	"github.com/abbbi/qmpbackup-go/internal/restore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "qmprestore",
		Usage: "reconstruct a disk image from a qmpbackup full+incremental chain",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "skip-check", Usage: "skip the per-file consistency pre-check"},
			&cli.StringFlag{Name: "qemu-img", Value: "qemu-img", Usage: "path to the qemu-img binary"},
			&cli.StringFlag{Name: "log-file", Usage: "write logs to this file instead of stderr"},
			&cli.BoolFlag{Name: "syslog", Usage: "write logs to syslog instead of stderr"},
		},
		Commands: []*cli.Command{
			modeCommand(config.ModeRebase, "rebase each increment onto its true predecessor, leaving every file in place"),
			modeCommand(config.ModeCommit, "fold every increment into the FULL backup in place"),
			modeCommand(config.ModeSnapshotRebase, "snapshot the FULL before folding, preserving a pre-restore rollback point"),
			mergeCommand(),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "qmprestore: %v\n", err)
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

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "dir", Usage: "device backup directory", Required: true},
		&cli.StringFlag{Name: "until", Usage: "truncate the chain at this file (inclusive)"},
		&cli.StringFlag{Name: "filter", Usage: "keep only chain entries whose filename contains this string"},
		&cli.BoolFlag{Name: "dry-run", Usage: "print the tool invocations instead of running them"},
		&cli.Int64Flag{Name: "rate-limit", Usage: "qemu-img commit rate limit in bytes/second"},
	}
}

func modeCommand(mode config.RestoreMode, usage string) *cli.Command {
	return &cli.Command{
		Name:   string(mode),
		Usage:  usage,
		Flags:  commonFlags(),
		Action: actionFor(mode),
	}
}

func mergeCommand() *cli.Command {
	flags := append(commonFlags(), &cli.StringFlag{Name: "targetfile", Usage: "merged image output path", Required: true})
	return &cli.Command{
		Name:   string(config.ModeMerge),
		Usage:  "merge the chain into a new image file, leaving originals untouched",
		Flags:  flags,
		Action: actionFor(config.ModeMerge),
	}
}

func actionFor(mode config.RestoreMode) cli.ActionFunc {
	return func(c *cli.Context) error {
		opts := config.RestoreOptions{
			Mode:       mode,
			Dir:        c.String("dir"),
			Until:      c.String("until"),
			Filter:     c.String("filter"),
			DryRun:     c.Bool("dry-run"),
			RateLimit:  c.Int64("rate-limit"),
			TargetFile: c.String("targetfile"),
			SkipCheck:  c.Bool("skip-check"),
		}
		if err := opts.Validate(); err != nil {
			return err
		}

		log, err := loggerFor(c)
		if err != nil {
			return fmt.Errorf("configuration error: setting up logging: %w", err)
		}
		defer log.Sync()

		driver := imgtool.New(c.String("qemu-img"))
		engine := restore.New(driver, log)

		out, err := engine.Execute(c.Context, opts)
		if opts.DryRun {
			for _, inv := range out.Invocations {
				fmt.Println(strings.Join(inv.Args, " "))
			}
		}
		if err != nil {
			return err
		}
		log.Info("restore complete", "mode", string(mode), "dir", opts.Dir, "entries", len(out.Chain))
		return nil
	}
}
