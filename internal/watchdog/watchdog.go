// Package watchdog keeps the pipeline moving after crashes: it returns jobs
// with long-expired leases to the queue and restarts an orchestrator whose
// heartbeat stopped advancing.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/lazarus/internal/metrics"
	"github.com/kalambet/lazarus/internal/storage"
)

// Store is the subset of the job store the watchdog reads and repairs.
type Store interface {
	ReclaimExpired(ctx context.Context, grace time.Duration) ([]storage.Job, error)
	LastBeat(ctx context.Context, component string) (storage.Heartbeat, error)
	GetStatus(ctx context.Context) (map[storage.Status]int, error)
}

// Restarter brings the orchestrator back up.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Options tune a Watchdog. Zero values select the defaults.
type Options struct {
	Component   string
	Interval    time.Duration
	Grace       time.Duration
	MissedBeats int
}

func (o Options) withDefaults() Options {
	if o.Component == "" {
		o.Component = "orchestrator"
	}
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Grace <= 0 {
		o.Grace = time.Minute
	}
	if o.MissedBeats <= 0 {
		o.MissedBeats = 12
	}
	return o
}

// CheckResult reports what one Check cycle observed and did.
type CheckResult struct {
	Reclaimed    []storage.Job
	HeartbeatSeq int64
	ActiveJobs   int
	StaleChecks  int
	Restarted    bool
}

// Watchdog supervises one orchestrator component. Check is not safe for
// concurrent use.
type Watchdog struct {
	store     Store
	restarter Restarter
	opts      Options
	metrics   *metrics.Metrics
	logger    *slog.Logger

	lastSeq int64
	stale   int
}

// New creates a Watchdog. restarter may be nil, in which case stalls are
// only logged.
func New(store Store, restarter Restarter, opts Options, m *metrics.Metrics) *Watchdog {
	return &Watchdog{
		store:     store,
		restarter: restarter,
		opts:      opts.withDefaults(),
		metrics:   m,
		logger:    slog.Default(),
		lastSeq:   -1,
	}
}

// Run performs a Check every interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.Info("watchdog started", "interval", w.opts.Interval, "grace", w.opts.Grace,
		"missed_beats", w.opts.MissedBeats)

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := w.Check(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("watchdog check failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Check runs one supervision cycle.
func (w *Watchdog) Check(ctx context.Context) (CheckResult, error) {
	var res CheckResult

	reclaimed, err := w.store.ReclaimExpired(ctx, w.opts.Grace)
	if err != nil {
		return res, fmt.Errorf("reclaiming expired leases: %w", err)
	}
	res.Reclaimed = reclaimed
	if len(reclaimed) > 0 {
		w.metrics.Reclaimed(len(reclaimed))
		for _, j := range reclaimed {
			w.logger.Warn("reclaimed job", "job_id", j.ID, "package", j.Package, "status", j.Status, "attempts", j.Attempts)
		}
	}

	hb, err := w.store.LastBeat(ctx, w.opts.Component)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return res, fmt.Errorf("reading heartbeat: %w", err)
	}
	res.HeartbeatSeq = hb.Seq

	counts, err := w.store.GetStatus(ctx)
	if err != nil {
		return res, fmt.Errorf("reading queue status: %w", err)
	}
	res.ActiveJobs = counts[storage.StatusPending] + counts[storage.StatusInProgress]

	switch {
	case hb.Seq != w.lastSeq:
		w.lastSeq = hb.Seq
		w.stale = 0
	case res.ActiveJobs == 0:
		w.stale = 0
	default:
		w.stale++
	}
	res.StaleChecks = w.stale

	if w.stale < w.opts.MissedBeats {
		return res, nil
	}

	w.logger.Warn("orchestrator heartbeat stalled", "seq", hb.Seq, "owner", hb.Owner,
		"last_beat", hb.BeatAt, "stale_checks", w.stale, "active_jobs", res.ActiveJobs)
	w.stale = 0
	res.StaleChecks = 0
	if w.restarter == nil {
		return res, nil
	}
	if err := w.restarter.Restart(ctx); err != nil {
		return res, fmt.Errorf("restarting orchestrator: %w", err)
	}
	res.Restarted = true
	w.metrics.Restarted()
	return res, nil
}
