// Package pipeline drives claimed jobs through fetch, analyze, fix, build
// and upload, and records exactly one queue transition per run.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/lazarus/internal/compat"
	"github.com/kalambet/lazarus/internal/fixer"
	"github.com/kalambet/lazarus/internal/metrics"
	"github.com/kalambet/lazarus/internal/patch"
	"github.com/kalambet/lazarus/internal/storage"
)

// Component is the heartbeat name of the orchestrator.
const Component = "orchestrator"

var tracer = otel.Tracer("github.com/kalambet/lazarus/internal/pipeline")

// errAbandoned ends a run that no longer owns its job. No queue transition
// is made.
var errAbandoned = errors.New("job no longer leased by this worker")

// Deps are the collaborators of an Orchestrator. AI and Publisher are
// optional.
type Deps struct {
	Queue     Queue
	Fetcher   Fetcher
	Analyzer  Analyzer
	AI        AIFixer
	Builder   Builder
	Publisher Publisher
	Patcher   *patch.Patcher
	Skip      *SkipPolicy
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Options tune an Orchestrator. Zero values select the defaults.
type Options struct {
	Owner         string
	Concurrency   int
	LeaseDuration time.Duration
	StageTimeout  time.Duration
	BuildTimeout  time.Duration
	PollInterval  time.Duration
	WorkDir       string
	UploadEnabled bool
}

func (o Options) withDefaults() Options {
	if o.Owner == "" {
		o.Owner = "lazarus-" + uuid.NewString()
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 10 * time.Minute
	}
	if o.StageTimeout <= 0 {
		o.StageTimeout = 2 * time.Minute
	}
	if o.BuildTimeout <= 0 {
		o.BuildTimeout = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.WorkDir == "" {
		o.WorkDir = os.TempDir()
	}
	return o
}

// Orchestrator runs the remediation stages for claimed jobs.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	credMu sync.Mutex
	creds  *Credentials
}

// New creates an Orchestrator. Queue, Fetcher, Analyzer and Builder are
// required.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("pipeline: queue is required")
	case deps.Fetcher == nil:
		return nil, errors.New("pipeline: fetcher is required")
	case deps.Analyzer == nil:
		return nil, errors.New("pipeline: analyzer is required")
	case deps.Builder == nil:
		return nil, errors.New("pipeline: builder is required")
	}
	opts = opts.withDefaults()
	if opts.UploadEnabled && deps.Publisher == nil {
		return nil, errors.New("pipeline: upload enabled without a publisher")
	}
	if deps.Patcher == nil {
		var popts []patch.Option
		if sa, ok := deps.Analyzer.(SourceAnalyzer); ok {
			popts = append(popts, patch.WithSyntaxCheck(sa))
		}
		deps.Patcher = patch.New(nil, popts...)
	}
	if deps.Skip == nil {
		deps.Skip = NewSkipPolicy(nil)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating work directory: %w", err)
	}
	return &Orchestrator{deps: deps, opts: opts, logger: logger, now: time.Now}, nil
}

// Owner returns the lease owner id of this orchestrator.
func (o *Orchestrator) Owner() string { return o.opts.Owner }

// Run processes batches until ctx is cancelled, beating the heartbeat on
// every cycle and sleeping for the poll interval when the queue is empty.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started", "owner", o.opts.Owner, "concurrency", o.opts.Concurrency)
	defer o.logger.Info("orchestrator stopped", "owner", o.opts.Owner)

	for {
		if ctx.Err() != nil {
			return nil
		}
		o.beat(ctx)
		o.publishDepth(ctx)

		batch, err := o.RunBatch(ctx, 0)
		if err != nil && ctx.Err() == nil {
			o.logger.Error("batch failed", "error", err)
		}
		if batch.Processed > 0 {
			o.logger.Info("batch finished", "processed", batch.Processed, "complete", batch.Complete,
				"failed", batch.Failed, "needs_review", batch.NeedsReview, "retried", batch.Retried)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(o.opts.PollInterval):
		}
	}
}

// RunBatch claims and processes jobs until the queue has nothing eligible or
// maxJobs runs were made (0 means no limit). At most Concurrency jobs are in
// flight at once.
func (o *Orchestrator) RunBatch(ctx context.Context, maxJobs int) (BatchResult, error) {
	var (
		mu       sync.Mutex
		batch    BatchResult
		claimErr error
		drained  atomic.Bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)

	for launched := 0; maxJobs <= 0 || launched < maxJobs; launched++ {
		if drained.Load() || gctx.Err() != nil {
			break
		}
		// Go blocks until a worker slot frees up, so a job is only claimed
		// when it can start right away.
		g.Go(func() error {
			if drained.Load() {
				return nil
			}
			job, err := o.deps.Queue.ClaimNext(gctx, o.opts.Owner, o.opts.LeaseDuration)
			if err != nil {
				// Jobs already running keep their context; only claiming stops.
				drained.Store(true)
				if gctx.Err() != nil {
					return nil
				}
				o.logger.Error("claiming job failed, no further claims this batch", "error", err)
				mu.Lock()
				if claimErr == nil {
					claimErr = fmt.Errorf("claiming job: %w", err)
				}
				mu.Unlock()
				return nil
			}
			if job == nil {
				drained.Store(true)
				return nil
			}
			res := o.ProcessJob(gctx, job)
			mu.Lock()
			batch.add(res)
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	sort.Slice(batch.Results, func(i, j int) bool { return batch.Results[i].JobID < batch.Results[j].JobID })
	if err == nil {
		err = claimErr
	}
	if err == nil {
		err = ctx.Err()
	}
	return batch, err
}

// ProcessJob runs every stage for a job this orchestrator has claimed and
// records the resulting queue transition.
func (o *Orchestrator) ProcessJob(ctx context.Context, job *storage.Job) ProcessResult {
	start := o.now()
	ctx, span := tracer.Start(ctx, "pipeline.job", trace.WithAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.String("job.package", job.Package),
		attribute.String("job.version", job.Version),
	))
	defer span.End()

	o.deps.Metrics.InFlight(1)
	defer o.deps.Metrics.InFlight(-1)

	r := &run{
		o:   o,
		job: job,
		log: o.logger.With("job_id", job.ID, "package", job.Package, "version", job.Version),
		res: ProcessResult{
			JobID:     job.ID,
			Package:   job.Package,
			Version:   job.Version,
			Status:    storage.StatusInProgress,
			FixMethod: storage.FixNone,
		},
	}
	r.log.Info("processing job", "attempt", job.Attempts+1)
	defer r.cleanup()

	err := r.execute(ctx)
	r.res.Duration = o.now().Sub(start)
	r.finish(ctx, err)

	if r.res.FailureKind != "" {
		span.SetStatus(codes.Error, r.res.Reason)
	}
	span.SetAttributes(attribute.String("job.status", string(r.res.Status)), attribute.String("job.outcome", r.res.Outcome))
	return r.res
}

func (o *Orchestrator) beat(ctx context.Context) {
	if _, err := o.deps.Queue.Beat(ctx, Component, o.opts.Owner); err != nil && ctx.Err() == nil {
		o.logger.Warn("heartbeat failed", "error", err)
	}
}

func (o *Orchestrator) publishDepth(ctx context.Context) {
	if o.deps.Metrics == nil {
		return
	}
	counts, err := o.deps.Queue.GetStatus(ctx)
	if err != nil {
		return
	}
	depth := make(map[string]int, len(counts))
	for s, n := range counts {
		depth[string(s)] = n
	}
	o.deps.Metrics.SetQueueDepth(depth)
}

// credentials returns cached upload credentials, logging in on first use.
func (o *Orchestrator) credentials(ctx context.Context) (Credentials, error) {
	o.credMu.Lock()
	defer o.credMu.Unlock()
	if o.creds != nil {
		return *o.creds, nil
	}
	c, err := o.deps.Publisher.Login(ctx)
	if err != nil {
		return Credentials{}, err
	}
	o.creds = &c
	return c, nil
}

// relogin replaces rejected credentials. When another worker already
// refreshed them, the fresh ones are returned without a second login.
func (o *Orchestrator) relogin(ctx context.Context, stale Credentials) (Credentials, error) {
	o.credMu.Lock()
	defer o.credMu.Unlock()
	if o.creds != nil && *o.creds != stale {
		return *o.creds, nil
	}
	o.creds = nil
	c, err := o.deps.Publisher.Login(ctx)
	if err != nil {
		return Credentials{}, err
	}
	o.creds = &c
	return c, nil
}

// run is the state of one job run.
type run struct {
	o   *Orchestrator
	job *storage.Job
	log *slog.Logger
	res ProcessResult

	dir       string
	root      string
	issues    []compat.FileIssues
	artifacts Artifacts
}

func (r *run) execute(ctx context.Context) error {
	dir, err := os.MkdirTemp(r.o.opts.WorkDir, "job-"+safeName(r.job.Package)+"-")
	if err != nil {
		return &StageError{Stage: StageFetch, Kind: compat.FailureTransientInfra, Retry: true,
			Err: fmt.Errorf("creating checkout: %w", err)}
	}
	r.dir = dir

	stages := []struct {
		stage Stage
		run   func(context.Context) error
	}{
		{StageFetch, r.fetch},
		{StageAnalyze, r.analyze},
		{StageFix, r.fix},
		{StageBuild, r.build},
		{StageUpload, r.upload},
	}
	for _, s := range stages {
		if s.stage == StageUpload && !r.wantsUpload() {
			break
		}
		if err := r.stage(ctx, s.stage, s.run); err != nil {
			return err
		}
	}

	// Tree edits must be final before the job is reported complete, so the
	// diff is captured here while the backups still exist.
	r.captureDiff(ctx)
	return nil
}

func (r *run) cleanup() {
	if r.dir == "" {
		return
	}
	if err := os.RemoveAll(r.dir); err != nil {
		r.log.Warn("removing checkout failed", "dir", r.dir, "error", err)
	}
}

// stage runs one step under its timeout after re-validating the lease.
func (r *run) stage(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	if err := r.checkpoint(ctx, stage); err != nil {
		return err
	}

	timeout := r.o.opts.StageTimeout
	if stage == StageBuild {
		timeout = r.o.opts.BuildTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sctx, span := tracer.Start(sctx, "pipeline."+string(stage))
	defer span.End()

	start := r.o.now()
	err := fn(sctx)
	r.o.deps.Metrics.ObserveStage(string(stage), r.o.now().Sub(start), err)

	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	switch {
	case ctx.Err() != nil:
		return &StageError{Stage: stage, Kind: compat.FailureTransientInfra, Retry: true,
			Err: fmt.Errorf("interrupted: %w", ctx.Err())}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(sctx.Err(), context.DeadlineExceeded):
		return &StageError{Stage: stage, Kind: compat.FailureTransientInfra, Retry: true,
			Err: fmt.Errorf("timed out after %s: %w", timeout, err)}
	}

	var se *StageError
	if errors.As(err, &se) || errors.Is(err, errAbandoned) {
		return err
	}
	return &StageError{Stage: stage, Kind: compat.FailureTransientInfra, Retry: true, Err: err}
}

// checkpoint confirms the job is still in_progress under this owner,
// extends the lease and beats the heartbeat.
func (r *run) checkpoint(ctx context.Context, stage Stage) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: stage, Kind: compat.FailureTransientInfra, Retry: true,
			Err: fmt.Errorf("interrupted: %w", err)}
	}

	cur, err := r.o.deps.Queue.Get(ctx, r.job.ID)
	if err != nil {
		return &StageError{Stage: stage, Kind: compat.FailureTransientInfra, Retry: true,
			Err: fmt.Errorf("reloading job: %w", err)}
	}
	if cur.Status != storage.StatusInProgress || cur.LeaseOwner != r.o.opts.Owner {
		r.res.Status = cur.Status
		return fmt.Errorf("%w: status %s, owner %q before %s", errAbandoned, cur.Status, cur.LeaseOwner, stage)
	}

	if err := r.o.deps.Queue.ExtendLease(ctx, r.job.ID, r.o.opts.Owner, r.o.opts.LeaseDuration); err != nil {
		if errors.Is(err, storage.ErrLeaseLost) {
			return fmt.Errorf("%w: before %s", errAbandoned, stage)
		}
		return &StageError{Stage: stage, Kind: compat.FailureTransientInfra, Retry: true,
			Err: fmt.Errorf("extending lease: %w", err)}
	}

	r.o.beat(ctx)
	r.log.Debug("stage started", "stage", stage)
	return nil
}

func (r *run) fetch(ctx context.Context) error {
	root, err := r.o.deps.Fetcher.Fetch(ctx, r.job.Package, r.job.Version, filepath.Join(r.dir, "src"))
	if errors.Is(err, ErrNotFound) {
		return &StageError{Stage: StageFetch, Kind: compat.FailureNotFound, Err: err}
	}
	if err != nil {
		return &StageError{Stage: StageFetch, Kind: compat.FailureTransientInfra, Retry: true, Err: err}
	}
	r.root = root
	return nil
}

func (r *run) analyze(ctx context.Context) error {
	files, err := r.o.deps.Analyzer.Analyze(ctx, r.root)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &StageError{Stage: StageAnalyze, Kind: compat.FailureAnalysis, Err: err}
	}
	r.issues = files
	for _, f := range files {
		r.res.IssuesFound += len(f.Issues)
	}
	r.log.Info("analysis finished", "issues", r.res.IssuesFound, "files", len(files))
	return nil
}

func (r *run) fix(ctx context.Context) error {
	if r.res.IssuesFound == 0 {
		return nil
	}

	rep, err := r.o.deps.Patcher.Apply(ctx, r.job.ID, r.root, r.issues)
	if err != nil {
		return &StageError{Stage: StageFix, Kind: compat.FailureTransientInfra, Retry: true,
			Err: fmt.Errorf("applying mechanical fixes: %w", err)}
	}
	for _, ir := range rep.Results {
		r.o.deps.Metrics.IssueOutcome(string(ir.Issue.Kind), ir.Outcome.String())
	}
	r.res.IssuesFixed = rep.Count(fixer.Fixed)
	r.res.Conflicts = rep.Count(fixer.Conflicting)
	if r.res.IssuesFixed > 0 {
		r.res.FixMethod = storage.FixAuto
	}

	var unresolved []compat.Issue
	for _, f := range rep.Remaining() {
		if r.o.deps.AI == nil {
			unresolved = append(unresolved, f.Issues...)
			continue
		}
		remaining, err := r.aiFix(ctx, f)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return err
			}
			r.log.Warn("ai fix failed", "path", f.Path, "issues", len(f.Issues), "error", err)
			unresolved = append(unresolved, f.Issues...)
			continue
		}
		unresolved = append(unresolved, remaining...)
		cleared := 0
		for _, is := range f.Issues {
			if hasKind(remaining, is.Kind) {
				continue
			}
			cleared++
			r.o.deps.Metrics.IssueOutcome(string(is.Kind), "ai_fixed")
		}
		if cleared > 0 {
			r.res.IssuesFixed += cleared
			r.res.FixMethod = storage.FixAI
		}
	}

	if len(unresolved) == 0 {
		return nil
	}
	for _, is := range unresolved {
		r.res.Unresolved = append(r.res.Unresolved, is.String())
	}
	r.captureDiff(ctx)
	return &StageError{Stage: StageFix, Kind: compat.FailureUnresolved,
		Err: fmt.Errorf("%w: %d issue(s): %s", ErrUnresolved, len(unresolved), summarize(r.res.Unresolved, 5))}
}

// aiFix asks the AI fixer to rewrite one file and records the result. It
// returns the issues the file still has afterwards: every issue of f when
// the rewrite is empty or does not parse, otherwise whatever re-analysis of
// the rewritten file finds.
func (r *run) aiFix(ctx context.Context, f compat.FileIssues) ([]compat.Issue, error) {
	abs := filepath.Join(r.root, filepath.FromSlash(f.Path))
	src, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.Path, err)
	}
	out, err := r.o.deps.AI.Fix(ctx, FixRequest{
		Path:         f.Path,
		Source:       src,
		Issues:       f.Issues,
		PythonTarget: r.job.PythonTarget,
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 || bytes.Equal(out, src) {
		return f.Issues, nil
	}
	if err := r.o.deps.Patcher.Record(ctx, r.job.ID, r.root, f.Path, out); err != nil {
		return nil, err
	}
	after, err := r.reanalyze(ctx, f.Path, out)
	if err != nil {
		return nil, err
	}
	if hasKind(after, compat.KindSyntaxError) {
		r.log.Warn("ai rewrite does not parse", "path", f.Path)
		return f.Issues, nil
	}
	if len(after) > 0 {
		r.log.Warn("ai rewrite left issues", "path", f.Path, "issues", len(after))
	}
	return after, nil
}

// reanalyze returns the issues of one rewritten file.
func (r *run) reanalyze(ctx context.Context, path string, src []byte) ([]compat.Issue, error) {
	if sa, ok := r.o.deps.Analyzer.(SourceAnalyzer); ok {
		issues, err := sa.AnalyzeSource(ctx, path, src)
		if err != nil {
			return nil, fmt.Errorf("re-analyzing %s: %w", path, err)
		}
		return issues, nil
	}
	files, err := r.o.deps.Analyzer.Analyze(ctx, r.root)
	if err != nil {
		return nil, fmt.Errorf("re-analyzing %s: %w", path, err)
	}
	for _, f := range files {
		if f.Path == path {
			return f.Issues, nil
		}
	}
	return nil, nil
}

func hasKind(issues []compat.Issue, kind compat.Kind) bool {
	for _, is := range issues {
		if is.Kind == kind {
			return true
		}
	}
	return false
}

func (r *run) build(ctx context.Context) error {
	reason, skip, err := r.o.deps.Skip.Check(r.job.Package, r.root)
	if err != nil {
		return &StageError{Stage: StageBuild, Kind: compat.FailureTransientInfra, Retry: true, Err: err}
	}
	if skip {
		r.res.Build.Skipped = true
		r.res.Build.SkipReason = reason
		r.log.Info("build skipped", "reason", reason)
		return nil
	}

	published, err := PostReleaseVersion(r.job.Version, r.job.PythonTarget, 0)
	if err != nil {
		return &StageError{Stage: StageBuild, Kind: compat.FailureBuild, Err: err}
	}
	r.res.PublishedVersion = published

	files, err := RewriteVersionMetadata(r.root, published)
	if err != nil {
		return &StageError{Stage: StageBuild, Kind: compat.FailureTransientInfra, Retry: true, Err: err}
	}
	names := make([]string, 0, len(files))
	for rel := range files {
		names = append(names, rel)
	}
	sort.Strings(names)
	for _, rel := range names {
		if err := r.o.deps.Patcher.Record(ctx, r.job.ID, r.root, rel, files[rel]); err != nil {
			return &StageError{Stage: StageBuild, Kind: compat.FailureTransientInfra, Retry: true,
				Err: fmt.Errorf("recording version metadata: %w", err)}
		}
	}

	arts, err := r.o.deps.Builder.Build(ctx, BuildRequest{
		Package: r.job.Package,
		Version: published,
		Root:    r.root,
		OutDir:  filepath.Join(r.dir, "dist"),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var be *BuildError
		if errors.As(err, &be) {
			return &StageError{Stage: StageBuild, Kind: be.Kind, Retry: be.Kind.Retryable(), Err: err}
		}
		return &StageError{Stage: StageBuild, Kind: compat.FailureBuild, Retry: true, Err: err}
	}

	r.artifacts = arts
	r.res.Build.Succeeded = true
	for _, f := range arts.Files {
		r.res.Build.Artifacts = append(r.res.Build.Artifacts, filepath.Base(f))
	}
	return nil
}

func (r *run) wantsUpload() bool {
	return r.o.opts.UploadEnabled && r.res.Build.Succeeded
}

func (r *run) upload(ctx context.Context) error {
	r.res.Upload.Attempted = true

	creds, err := r.o.credentials(ctx)
	if err != nil {
		return uploadFailure(fmt.Errorf("logging in: %w", err))
	}

	err = r.o.deps.Publisher.Upload(ctx, r.artifacts, creds)
	if errors.Is(err, ErrAuthExpired) {
		r.log.Info("publisher credentials expired, logging in again")
		r.res.Upload.Reauthenticated = true
		creds, err = r.o.relogin(ctx, creds)
		if err != nil {
			return uploadFailure(fmt.Errorf("logging in again: %w", err))
		}
		err = r.o.deps.Publisher.Upload(ctx, r.artifacts, creds)
	}
	if err != nil {
		return uploadFailure(err)
	}
	r.res.Upload.Uploaded = true
	return nil
}

func uploadFailure(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrAuthExpired) {
		return &StageError{Stage: StageUpload, Kind: compat.FailureAuthExpired, Err: err}
	}
	return &StageError{Stage: StageUpload, Kind: compat.FailureTransientInfra, Retry: true, Err: err}
}

func (r *run) captureDiff(ctx context.Context) {
	unified, err := r.o.deps.Patcher.Diff(ctx, r.job.ID, r.root)
	if err != nil {
		r.log.Warn("computing diff failed", "error", err)
		return
	}
	stats, err := patch.DiffStats(unified)
	if err != nil {
		r.log.Warn("parsing diff failed", "error", err)
		return
	}
	r.res.Diff = stats
}

// finish records the single queue transition of the run and commits or
// rolls back the tree edits accordingly.
func (r *run) finish(ctx context.Context, runErr error) {
	// The transition must land even when the run was cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	q := r.o.deps.Queue
	owner := r.o.opts.Owner

	if runErr == nil {
		r.res.Status = storage.StatusComplete
		switch {
		case r.res.Build.Skipped:
			r.res.Outcome = OutcomeBuildSkipped
		case r.res.IssuesFound == 0:
			r.res.Outcome = OutcomeAlreadyCompatible
		default:
			r.res.Outcome = OutcomeFixed
		}
		err := q.Complete(ctx, r.job.ID, owner, storage.Resolution{
			FixMethod: r.res.FixMethod,
			Outcome:   r.res.Outcome,
			Result:    r.res,
		})
		if err != nil {
			r.abandon(ctx, fmt.Errorf("completing job: %w", err))
			return
		}
		if err := r.o.deps.Patcher.Commit(ctx, r.job.ID); err != nil {
			r.log.Warn("dropping patch backups failed", "error", err)
		}
		r.log.Info("job complete", "outcome", r.res.Outcome, "fix_method", r.res.FixMethod,
			"issues_fixed", r.res.IssuesFixed, "duration", r.res.Duration)
		r.o.deps.Metrics.JobFinished(string(r.res.Status), r.res.Outcome)
		return
	}

	r.rollback(ctx)

	if errors.Is(runErr, errAbandoned) {
		r.abandon(ctx, runErr)
		return
	}

	var se *StageError
	if !errors.As(runErr, &se) {
		se = &StageError{Stage: StageFetch, Kind: compat.FailureTransientInfra, Retry: true, Err: runErr}
	}
	r.res.FailureKind = se.Kind
	r.res.FailedStage = se.Stage
	r.res.Reason = se.Err.Error()
	r.res.Outcome = string(se.Kind)
	res := storage.Resolution{
		FixMethod:   r.res.FixMethod,
		Outcome:     r.res.Outcome,
		Reason:      r.res.Reason,
		FailureKind: string(se.Kind),
		Stage:       string(se.Stage),
	}

	if se.Kind == compat.FailureUnresolved {
		r.res.Status = storage.StatusNeedsReview
		res.Result = r.res
		if err := q.MarkNeedsReview(ctx, r.job.ID, owner, res); err != nil {
			r.abandon(ctx, fmt.Errorf("marking job for review: %w", err))
			return
		}
		r.log.Info("job needs review", "unresolved", len(r.res.Unresolved))
		r.o.deps.Metrics.JobFinished(string(r.res.Status), r.res.Outcome)
		return
	}

	// Status is decided by the queue; record the terminal view first.
	r.res.Status = storage.StatusFailed
	res.Result = r.res
	requeued, err := q.Fail(ctx, r.job.ID, owner, res, se.Retry)
	if err != nil {
		r.abandon(ctx, fmt.Errorf("failing job: %w", err))
		return
	}
	if requeued {
		r.res.Status = storage.StatusPending
		r.res.Retried = true
		r.log.Warn("job failed, retry scheduled", "stage", se.Stage, "kind", se.Kind, "error", se.Err)
		return
	}
	r.log.Error("job failed", "stage", se.Stage, "kind", se.Kind, "error", se.Err)
	r.o.deps.Metrics.JobFinished(string(r.res.Status), r.res.Outcome)
}

// rollback restores the tree. Fixes that were applied are reported as
// attempted from then on since none of them were kept.
func (r *run) rollback(ctx context.Context) {
	if r.res.IssuesFixed > 0 {
		r.res.AttemptedFixes = r.res.IssuesFixed
		r.res.AttemptedMethod = r.res.FixMethod
		r.res.IssuesFixed = 0
		r.res.FixMethod = storage.FixNone
	}
	if r.root == "" {
		return
	}
	if _, err := r.o.deps.Patcher.Rollback(ctx, r.job.ID, r.root); err != nil {
		r.log.Error("rolling back patches failed", "error", err)
	}
}

// abandon ends a run without a queue transition of its own.
func (r *run) abandon(ctx context.Context, err error) {
	r.rollback(ctx)
	r.res.Aborted = true
	r.res.Reason = err.Error()
	if cur, gerr := r.o.deps.Queue.Get(ctx, r.job.ID); gerr == nil {
		r.res.Status = cur.Status
	}
	r.log.Warn("job run abandoned", "error", err)
}

func safeName(name string) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			return c
		}
		return '_'
	}, name)
}

func summarize(items []string, max int) string {
	if len(items) <= max {
		return strings.Join(items, "; ")
	}
	return strings.Join(items[:max], "; ") + fmt.Sprintf("; and %d more", len(items)-max)
}
