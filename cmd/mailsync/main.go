// Copyright © 2020 Elias Norberg
// Licensed under the GPLv3 or later.
// See COPYING at the root of the repository for details.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/heliotrope/mailsync/internal/config"
	"github.com/heliotrope/mailsync/internal/syncapp"
	"github.com/heliotrope/mailsync/internal/syncerr"
)

// Exit codes, per spec.md §6: 0 normal, 100 any thread failed, 1 fatal
// startup error.
const (
	exitOK           = 0
	exitThreadFailed = 100
	exitFatal        = 1
)

func userHomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	return os.Getenv("USERPROFILE")
}

func defaultConfigPath() string {
	return filepath.Join(userHomeDir(), ".config", "mailsync", "config.yml")
}

func main() {
	app := &cli.App{
		Name:  "mailsync",
		Usage: "bidirectional IMAP <-> maildir folder synchronizer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config.yml",
				Value:   defaultConfigPath(),
				EnvVars: []string{"MAILSYNC_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			syncCommand(),
			onceCommand(),
		},
		// Running with no subcommand behaves like "once", matching the
		// teacher's single-pass main().
		Action: func(c *cli.Context) error {
			return runOnce(c)
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a run's terminal error onto spec.md §6's three exit
// codes. A config-load failure or any other Critical-severity error (the
// only severity allowed to abort syncapp.Run outright) is a fatal startup
// error; anything less severe reaching here is syncapp.Run's "one or more
// folders failed" summary error.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	if syncerr.SeverityOf(err) >= syncerr.Critical {
		return exitFatal
	}
	return exitThreadFailed
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "repeatedly synchronize every configured mailbox until interrupted",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "full-scan", Usage: "scan every message on the server for changes (every pass already does)"},
			&cli.BoolFlag{Name: "dry-run", Usage: "report what would change without writing anything"},
			&cli.StringFlag{Name: "account", Usage: "restrict the run to a single configured mailbox"},
			&cli.IntFlag{Name: "interval", Value: 300, Usage: "seconds between passes"},
		},
		Action: runSyncLoop,
	}
}

func onceCommand() *cli.Command {
	return &cli.Command{
		Name:  "once",
		Usage: "synchronize every configured mailbox a single time and exit",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "full-scan", Usage: "scan every message on the server for changes (every pass already does)"},
			&cli.BoolFlag{Name: "dry-run", Usage: "report what would change without writing anything"},
			&cli.StringFlag{Name: "account", Usage: "restrict the run to a single configured mailbox"},
		},
		Action: runOnce,
	}
}

func newLogger(c *cli.Context) zerolog.Logger {
	level := zerolog.InfoLevel
	if c.Bool("debug") {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	return config.Load(path)
}

func runOnce(c *cli.Context) error {
	log := newLogger(c)
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	opts := syncapp.Options{
		FullScan: c.Bool("full-scan"),
		DryRun:   c.Bool("dry-run"),
		Account:  c.String("account"),
	}
	return syncapp.Run(ctx, cfg, opts, log)
}

func runSyncLoop(c *cli.Context) error {
	log := newLogger(c)
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	opts := syncapp.Options{
		FullScan: c.Bool("full-scan"),
		DryRun:   c.Bool("dry-run"),
		Account:  c.String("account"),
	}
	interval := c.Int("interval")

	for {
		if err := syncapp.Run(ctx, cfg, opts, log); err != nil {
			log.Error().Err(err).Msg("sync pass failed")
		}
		// FullScan is cleared after the first pass; runFolder lists every
		// message on each pass either way.
		opts.FullScan = false

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(interval) * time.Second):
		}
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, so an
// in-flight folder job observes ctx.Err() at its next checkpoint.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
