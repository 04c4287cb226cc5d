package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/lazarus/internal/metrics"
	"github.com/kalambet/lazarus/internal/pipeline"
	"github.com/kalambet/lazarus/internal/storage"
	"github.com/kalambet/lazarus/internal/watchdog"
)

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Reclaim stalled jobs and restart a stuck pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		noRestart, _ := cmd.Flags().GetBool("no-restart")
		once, _ := cmd.Flags().GetBool("once")
		autoOnly, _ := cmd.Flags().GetBool("auto-only")
		return runWatchdog(cmd.Context(), interval, noRestart, once, autoOnly)
	},
}

func init() {
	watchdogCmd.Flags().Duration("interval", 0, "check interval (default from config)")
	watchdogCmd.Flags().Bool("no-restart", false, "only reclaim jobs, never start the pipeline")
	watchdogCmd.Flags().Bool("once", false, "run a single check and exit")
	watchdogCmd.Flags().Bool("auto-only", true, "start the pipeline with mechanical fixes only")
	rootCmd.AddCommand(watchdogCmd)
}

// restartArgs are the arguments given to the restarted "process" command.
func restartArgs(autoOnly bool) []string {
	args := []string{"--no-color"}
	if autoOnly {
		args = append(args, "--auto-only")
	}
	return args
}

func runWatchdog(parent context.Context, interval time.Duration, noRestart, once, autoOnly bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if interval <= 0 {
		interval = cfg.Watchdog.Interval
	}
	if parent == nil {
		parent = context.Background()
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	var restarter *watchdog.ExecRestarter
	if !noRestart {
		restarter, err = watchdog.NewExecRestarter(restartArgs(autoOnly)...)
		if err != nil {
			return err
		}
		defer func() {
			if err := restarter.Stop(); err != nil {
				printWarning("stopping pipeline: %v", err)
			}
		}()
	}

	opts := watchdog.Options{
		Component:   pipeline.Component,
		Interval:    interval,
		Grace:       cfg.Watchdog.Grace,
		MissedBeats: cfg.Watchdog.MissedBeats,
	}
	// A nil *ExecRestarter must not reach the interface.
	var r watchdog.Restarter
	if restarter != nil {
		r = restarter
	}
	wd := watchdog.New(store, r, opts, metrics.New())

	if once {
		res, err := wd.Check(ctx)
		if err != nil {
			return err
		}
		printStatus("Reclaimed", "%d", len(res.Reclaimed))
		printStatus("Active jobs", "%d", res.ActiveJobs)
		printStatus("Heartbeat seq", "%d", res.HeartbeatSeq)
		return nil
	}

	if restarter != nil {
		counts, err := store.GetStatus(ctx)
		if err != nil {
			return fmt.Errorf("reading queue status: %w", err)
		}
		if counts[storage.StatusPending] > 0 {
			printStep("Starting pipeline for %d pending job(s)", counts[storage.StatusPending])
			if err := restarter.Restart(ctx); err != nil {
				return err
			}
		}
	}

	printStep("Watching pipeline every %s", interval)
	return wd.Run(ctx)
}
