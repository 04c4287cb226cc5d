package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/lazarus/internal/aifix"
	"github.com/kalambet/lazarus/internal/analyzer"
	"github.com/kalambet/lazarus/internal/api"
	"github.com/kalambet/lazarus/internal/config"
	"github.com/kalambet/lazarus/internal/metrics"
	"github.com/kalambet/lazarus/internal/patch"
	"github.com/kalambet/lazarus/internal/pipeline"
	"github.com/kalambet/lazarus/internal/publisher"
	"github.com/kalambet/lazarus/internal/storage"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run the remediation pipeline (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var pf processFlags
		pf.maxJobs, _ = cmd.Flags().GetInt("max-jobs")
		pf.noUpload, _ = cmd.Flags().GetBool("no-upload")
		pf.noServer, _ = cmd.Flags().GetBool("no-server")
		pf.autoOnly, _ = cmd.Flags().GetBool("auto-only")
		return runProcess(cmd.Context(), pf)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running pipeline process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopProcess()
	},
}

func init() {
	processCmd.Flags().Int("max-jobs", 0, "process at most this many jobs, then exit (0 runs until stopped)")
	processCmd.Flags().Bool("no-upload", false, "build but do not publish")
	processCmd.Flags().Bool("no-server", false, "do not serve the ops API")
	processCmd.Flags().Bool("auto-only", false, "apply mechanical fixes only, never call the AI fixer")
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(stopCmd)
}

type processFlags struct {
	maxJobs  int
	noUpload bool
	noServer bool
	autoOnly bool
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "lazarus.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// pipelineRuntime owns the collaborators of one orchestrator and the
// resources they hold open.
type pipelineRuntime struct {
	store   *storage.Store
	metrics *metrics.Metrics
	builder *publisher.Builder
	orch    *pipeline.Orchestrator
	closers []func() error
}

func (rt *pipelineRuntime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing: %v\n", err)
		}
	}
}

// newPipelineRuntime wires the orchestrator from configuration.
func newPipelineRuntime(cfg config.Config, upload, autoOnly bool) (*pipelineRuntime, error) {
	logger := slog.Default()
	rt := &pipelineRuntime{
		metrics: metrics.New(),
		builder: publisher.NewBuilder(cfg.Build.Python, logger),
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)

	var backups patch.BackupStore = patch.NewMemoryStore()
	if cfg.Storage.BackupDir != "" {
		bs, err := patch.OpenBadgerStore(cfg.Storage.BackupDir, logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("opening backup store: %w", err)
		}
		rt.closers = append(rt.closers, bs.Close)
		backups = bs
	}

	denylist, err := config.LoadDenylist(cfg.Build.DenylistFile)
	if err != nil {
		rt.Close()
		return nil, err
	}

	index := newIndexClient(cfg, logger)
	an := analyzer.New(analyzer.WithLogger(logger))
	deps := pipeline.Deps{
		Queue:    store,
		Fetcher:  index,
		Analyzer: an,
		Builder:  rt.builder,
		Patcher:  patch.New(backups, patch.WithSyntaxCheck(an)),
		Skip:     pipeline.NewSkipPolicy(denylist),
		Metrics:  rt.metrics,
		Logger:   logger,
	}

	ai, err := newAIFixer(cfg, autoOnly, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if ai != nil {
		deps.AI = ai
	}

	if upload {
		deps.Publisher = publisher.NewDevpi(publisher.DevpiConfig{
			URL:      cfg.Devpi.URL,
			Index:    cfg.Devpi.Index,
			User:     cfg.Devpi.User,
			Password: cfg.Devpi.Password,
		}, logger)
	}

	orch, err := pipeline.New(deps, pipeline.Options{
		Concurrency:   cfg.Pipeline.Concurrency,
		LeaseDuration: cfg.Pipeline.LeaseDuration,
		StageTimeout:  cfg.Pipeline.StageTimeout,
		BuildTimeout:  cfg.Pipeline.BuildTimeout,
		PollInterval:  cfg.Pipeline.PollInterval,
		WorkDir:       cfg.Pipeline.WorkDir,
		UploadEnabled: upload,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.orch = orch
	return rt, nil
}

// newAIFixer returns the AI fixer for a run, or nil when the run is
// auto-only or no API key is configured.
func newAIFixer(cfg config.Config, autoOnly bool, logger *slog.Logger) (*aifix.Fixer, error) {
	switch {
	case autoOnly:
		logger.Info("auto-only run, unfixable issues go to review")
		return nil, nil
	case cfg.AI.APIKey == "":
		logger.Info("no AI key configured, unfixable issues go to review")
		return nil, nil
	}
	fixer, err := aifix.New(aifix.Config{
		APIKey:    cfg.AI.APIKey,
		BaseURL:   cfg.AI.BaseURL,
		Model:     cfg.AI.Model,
		MaxTokens: cfg.AI.MaxTokens,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating AI fixer: %w", err)
	}
	return fixer, nil
}

func runProcess(parent context.Context, pf processFlags) error {
	fmt.Fprintf(os.Stderr, "lazarus version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if pid, err := readPIDFile(pidPath); err == nil && processAlive(pid) {
		printWarning("lazarus is already processing (PID %d)", pid)
		return fmt.Errorf("pipeline already running (PID %d)", pid)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	flush, err := startTracing()
	if err != nil {
		return err
	}
	defer flush()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newPipelineRuntime(cfg, cfg.Pipeline.Upload && !pf.noUpload, pf.autoOnly)
	if err != nil {
		return err
	}
	defer rt.Close()

	printStep("Checking build tools")
	if err := rt.builder.EnsureReady(ctx, os.Stderr); err != nil {
		return err
	}

	var srv *http.Server
	errCh := make(chan error, 1)
	if !pf.noServer && cfg.API.Addr != "" {
		handler := api.NewOpsHandler(api.OpsDeps{
			Store:      rt.store,
			Metrics:    rt.metrics,
			Component:  pipeline.Component,
			StaleAfter: time.Duration(cfg.Watchdog.MissedBeats) * cfg.Watchdog.Interval,
			Token:      cfg.API.Token,
		})
		srv = &http.Server{
			Addr:    cfg.API.Addr,
			Handler: handler,
			BaseContext: func(_ net.Listener) context.Context {
				return ctx
			},
		}
		go func() {
			fmt.Fprintf(os.Stderr, "ops API listening on %s\n", cfg.API.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			close(errCh)
		}()
	}

	runErr := make(chan error, 1)
	go func() {
		if pf.maxJobs > 0 {
			res, err := rt.orch.RunBatch(ctx, pf.maxJobs)
			if err == nil || res.Processed > 0 {
				printBatch(res)
			}
			runErr <- err
			return
		}
		runErr <- rt.orch.Run(ctx)
	}()

	select {
	case err = <-runErr:
	case err = <-errCh:
		if err != nil {
			err = fmt.Errorf("server error: %w", err)
		}
		stop()
		<-runErr
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
			err = serr
		}
	}
	fmt.Fprintln(os.Stderr, "shutting down...")
	return err
}

func printBatch(res pipeline.BatchResult) {
	printSuccess("Processed %d job(s)", res.Processed)
	printStatus("Complete", "%d", res.Complete)
	printStatus("Build skipped", "%d", res.BuildSkipped)
	printStatus("Needs review", "%d", res.NeedsReview)
	printStatus("Failed", "%d", res.Failed)
	printStatus("Retried", "%d", res.Retried)
	if res.Aborted > 0 {
		printStatus("Aborted", "%d", res.Aborted)
	}
	for _, r := range res.Results {
		line := fmt.Sprintf("#%d %s==%s %s", r.JobID, r.Package, r.Version, r.Status)
		if r.Reason != "" {
			line += ": " + r.Reason
		}
		fmt.Fprintln(os.Stdout, colorize(statusColor(string(r.Status)), line))
	}
}

// processAlive reports whether pid names a running process.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func stopProcess() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("lazarus is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop lazarus (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to lazarus (PID %d)", pid)
	return nil
}
