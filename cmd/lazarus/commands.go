package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/lazarus/internal/config"
	"github.com/kalambet/lazarus/internal/pipeline"
	"github.com/kalambet/lazarus/internal/pypi"
	"github.com/kalambet/lazarus/internal/storage"
)

// openStore opens the job store named by the configuration.
var openStore = func(cfg config.Config) (*storage.Store, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

// packageIndex is the part of the index client the queue commands use.
type packageIndex interface {
	LatestVersion(ctx context.Context, pkg string) (string, error)
	TopPackages(ctx context.Context, n int) ([]pypi.RankedPackage, error)
}

// openIndex returns a client for the configured index.
var openIndex = func(cfg config.Config) packageIndex {
	return newIndexClient(cfg, slog.Default())
}

// newIndexClient builds a rate-limited index client.
func newIndexClient(cfg config.Config, logger *slog.Logger) *pypi.Client {
	return pypi.New(cfg.Index.URL,
		pypi.WithRateLimit(cfg.Index.RateLimit, max(1, int(cfg.Index.RateLimit))),
		pypi.WithTopPackagesURL(cfg.Index.TopPackagesURL),
		pypi.WithLogger(logger),
	)
}

func withStore(fn func(ctx context.Context, cfg config.Config, store *storage.Store) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(cmd.Context(), cfg, store)
	}
}

// --- enqueue ---

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <package>[==<version>]...",
	Short: "Queue package versions for remediation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetInt("priority")
		target, _ := cmd.Flags().GetString("target")
		return withStore(func(ctx context.Context, cfg config.Config, store *storage.Store) error {
			if target == "" {
				target = cfg.Pipeline.PythonTarget
			}
			var index packageIndex
			for _, arg := range args {
				pkg, ver, _ := strings.Cut(arg, "==")
				if ver == "" {
					if index == nil {
						index = openIndex(cfg)
					}
					v, err := index.LatestVersion(ctx, pkg)
					if err != nil {
						return fmt.Errorf("resolving latest version of %s: %w", pkg, err)
					}
					ver = v
				}
				id, err := store.Enqueue(ctx, storage.JobSpec{
					Package:      pkg,
					Version:      ver,
					PythonTarget: target,
					Priority:     priority,
					MaxAttempts:  cfg.Pipeline.MaxAttempts,
				})
				if errors.Is(err, storage.ErrDuplicate) {
					printWarning("%s==%s is already queued (job %d)", pkg, ver, id)
					continue
				}
				if err != nil {
					return err
				}
				printSuccess("Queued %s==%s as job %d", pkg, ver, id)
			}
			return nil
		})(cmd, args)
	},
}

func init() {
	enqueueCmd.Flags().Int("priority", 0, "higher runs first")
	enqueueCmd.Flags().String("target", "", "Python target version (default from config)")
	rootCmd.AddCommand(enqueueCmd)
}

// --- seed ---

var seedCmd = &cobra.Command{
	Use:   "seed [<file>]",
	Short: "Queue packages from a file or the most downloaded projects",
	Long: `Queue every package listed in a file, one "name==version[,priority]"
per line. Blank lines and lines starting with # are ignored. Use - to read
standard input.

With --top N the N most downloaded projects on PyPI are queued instead, at
their latest version, with the download count as priority.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")
		top, _ := cmd.Flags().GetInt("top")
		switch {
		case top < 0:
			return fmt.Errorf("--top must be positive, got %d", top)
		case top > 0 && len(args) > 0:
			return errors.New("give either a seed file or --top, not both")
		case top == 0 && len(args) == 0:
			return errors.New("give a seed file or --top N")
		}
		return withStore(func(ctx context.Context, cfg config.Config, store *storage.Store) error {
			if target == "" {
				target = cfg.Pipeline.PythonTarget
			}
			var (
				specs []storage.JobSpec
				err   error
			)
			if top > 0 {
				specs, err = seedTop(ctx, openIndex(cfg), top, target, cfg.Pipeline.MaxAttempts)
			} else {
				specs, err = seedFile(cmd.InOrStdin(), args[0], target, cfg.Pipeline.MaxAttempts)
			}
			if err != nil {
				return err
			}
			added, err := store.EnqueueBatch(ctx, specs)
			if err != nil {
				return err
			}
			printSuccess("Queued %d of %d package(s)", added, len(specs))
			if skipped := len(specs) - added; skipped > 0 {
				printStatus("Already queued", "%d", skipped)
			}
			return nil
		})(cmd, args)
	},
}

func init() {
	seedCmd.Flags().String("target", "", "Python target version (default from config)")
	seedCmd.Flags().Int("top", 0, "queue the N most downloaded projects")
	rootCmd.AddCommand(seedCmd)
}

func seedFile(stdin io.Reader, name, target string, maxAttempts int) ([]storage.JobSpec, error) {
	r := stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return parseSeed(r, target, maxAttempts)
}

// seedTop resolves the latest version of the n most downloaded projects.
// Projects the index cannot resolve are skipped with a warning.
func seedTop(ctx context.Context, index packageIndex, n int, target string, maxAttempts int) ([]storage.JobSpec, error) {
	ranked, err := index.TopPackages(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("fetching top packages: %w", err)
	}
	specs := make([]storage.JobSpec, 0, len(ranked))
	for _, p := range ranked {
		ver, err := index.LatestVersion(ctx, p.Name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			printWarning("skipping %s: %v", p.Name, err)
			continue
		}
		specs = append(specs, storage.JobSpec{
			Package:      p.Name,
			Version:      ver,
			PythonTarget: target,
			Priority:     int(max(p.Downloads, 0)),
			MaxAttempts:  maxAttempts,
		})
	}
	return specs, nil
}

// parseSeed reads "name==version[,priority]" lines.
func parseSeed(r io.Reader, target string, maxAttempts int) ([]storage.JobSpec, error) {
	var specs []storage.JobSpec
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		req, prio, hasPrio := strings.Cut(line, ",")
		pkg, ver, ok := strings.Cut(strings.TrimSpace(req), "==")
		pkg, ver = strings.TrimSpace(pkg), strings.TrimSpace(ver)
		if !ok || pkg == "" || ver == "" {
			return nil, fmt.Errorf("line %d: want name==version, got %q", lineNo, line)
		}
		spec := storage.JobSpec{Package: pkg, Version: ver, PythonTarget: target, MaxAttempts: maxAttempts}
		if hasPrio {
			p, err := strconv.Atoi(strings.TrimSpace(prio))
			if err != nil || p < 0 {
				return nil, fmt.Errorf("line %d: invalid priority %q", lineNo, prio)
			}
			spec.Priority = p
		}
		specs = append(specs, spec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading seed list: %w", err)
	}
	return specs, nil
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and pipeline status",
	RunE: withStore(func(ctx context.Context, cfg config.Config, store *storage.Store) error {
		counts, err := store.GetStatus(ctx)
		if err != nil {
			return err
		}
		total := 0
		for _, st := range []storage.Status{
			storage.StatusPending, storage.StatusInProgress, storage.StatusComplete,
			storage.StatusNeedsReview, storage.StatusFailed,
		} {
			printStatus(string(st), "%s", colorize(statusColor(string(st)), strconv.Itoa(counts[st])))
			total += counts[st]
		}
		printStatus("total", "%d", total)

		hb, err := store.LastBeat(ctx, pipeline.Component)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			printStatus("Pipeline", "never started")
		case err != nil:
			return err
		default:
			age := time.Since(hb.BeatAt).Truncate(time.Second)
			staleAfter := time.Duration(cfg.Watchdog.MissedBeats) * cfg.Watchdog.Interval
			state := colorize(colorGreen, "alive")
			if age > staleAfter {
				state = colorize(colorRed, "stale")
			}
			printStatus("Pipeline", "%s (beat #%d %s ago, owner %s)", state, hb.Seq, age, hb.Owner)
		}

		if pid, err := readPIDFile(pidFilePath(cfg.Storage.DataDir)); err == nil && processAlive(pid) {
			printStatus("Process", "running (PID %d)", pid)
		} else {
			printStatus("Process", "stopped")
		}
		printStatus("Database", "%s", cfg.DBPath())
		return nil
	}),
}

// --- reviews / failures ---

var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "List jobs waiting for manual review",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withStore(func(ctx context.Context, _ config.Config, store *storage.Store) error {
			jobs, err := store.ListByStatus(ctx, storage.StatusNeedsReview, limit)
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), jobs)
		})(cmd, args)
	},
}

var failuresCmd = &cobra.Command{
	Use:     "failures",
	Aliases: []string{"errors"},
	Short:   "List failed jobs and the most common failure reasons",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withStore(func(ctx context.Context, _ config.Config, store *storage.Store) error {
			jobs, err := store.ListByStatus(ctx, storage.StatusFailed, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := printJobs(out, jobs); err != nil {
				return err
			}
			patterns, err := store.ErrorPatterns(ctx, 10)
			if err != nil {
				return err
			}
			if len(patterns) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			tw := newTable(out)
			fmt.Fprintln(tw, "COUNT\tREASON")
			for _, p := range patterns {
				fmt.Fprintf(tw, "%d\t%s\n", p.Count, truncate(p.Reason, 100))
			}
			return tw.Flush()
		})(cmd, args)
	},
}

func init() {
	reviewsCmd.Flags().Int("limit", 50, "maximum number of jobs")
	failuresCmd.Flags().Int("limit", 50, "maximum number of jobs")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reviewsCmd)
	rootCmd.AddCommand(failuresCmd)
}

func printJobs(w io.Writer, jobs []storage.Job) error {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return nil
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tPACKAGE\tVERSION\tATTEMPTS\tKIND\tSTAGE\tREASON")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			j.ID, j.Package, j.Version, j.Attempts, j.MaxAttempts,
			dash(j.FailureKind), dash(j.FailedStage), truncate(j.LastError, 80))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// --- show / abort ---

var showCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job, its result and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job id %q", args[0])
		}
		return withStore(func(ctx context.Context, _ config.Config, store *storage.Store) error {
			job, err := store.Get(ctx, id)
			if err != nil {
				return err
			}
			events, err := store.Events(ctx, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "job %d: %s==%s (python %s)\n", job.ID, job.Package, job.Version, job.PythonTarget)
			fmt.Fprintf(out, "  status:   %s\n", colorize(statusColor(string(job.Status)), string(job.Status)))
			if job.Outcome != "" {
				fmt.Fprintf(out, "  outcome:  %s\n", job.Outcome)
			}
			fmt.Fprintf(out, "  attempts: %d/%d\n", job.Attempts, job.MaxAttempts)
			if job.LastError != "" {
				fmt.Fprintf(out, "  error:    %s (%s at %s)\n", job.LastError, dash(job.FailureKind), dash(job.FailedStage))
			}
			if job.ResultJSON != "" {
				fmt.Fprintf(out, "  result:   %s\n", job.ResultJSON)
			}
			fmt.Fprintln(out, "  history:")
			for _, ev := range events {
				from := string(ev.From)
				if from == "" {
					from = "-"
				}
				fmt.Fprintf(out, "    %s  %s -> %s  %s\n", ev.At.Format(time.RFC3339), from, ev.To, ev.Reason)
			}
			return nil
		})(cmd, args)
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort <job-id>",
	Short: "Fail a job that is pending or in progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job id %q", args[0])
		}
		reason, _ := cmd.Flags().GetString("reason")
		return withStore(func(ctx context.Context, _ config.Config, store *storage.Store) error {
			if err := store.Abort(ctx, id, reason); err != nil {
				return err
			}
			printSuccess("Aborted job %d", id)
			return nil
		})(cmd, args)
	},
}

func init() {
	abortCmd.Flags().String("reason", "aborted by operator", "reason recorded on the job")
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(abortCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		secret, _ := cmd.Flags().GetBool("secret")
		if secret {
			if err := config.SetSecret(key, value); err != nil {
				return err
			}
			printSuccess("Stored secret %s", key)
			return nil
		}
		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value, restoring its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configSetCmd.Flags().Bool("secret", false, "store the value in the secrets file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	rootCmd.AddCommand(configCmd)
}
