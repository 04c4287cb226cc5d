package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

const jobColumns = `id, package_name, version, python_target, status, fix_method, priority,
	attempts, max_attempts, run_after, lease_owner, lease_expires_at, last_error,
	failure_kind, failed_stage, outcome, result_json, created_at, updated_at`

type jobRow struct {
	ID             int64  `db:"id"`
	Package        string `db:"package_name"`
	Version        string `db:"version"`
	PythonTarget   string `db:"python_target"`
	Status         string `db:"status"`
	FixMethod      string `db:"fix_method"`
	Priority       int    `db:"priority"`
	Attempts       int    `db:"attempts"`
	MaxAttempts    int    `db:"max_attempts"`
	RunAfter       int64  `db:"run_after"`
	LeaseOwner     string `db:"lease_owner"`
	LeaseExpiresAt int64  `db:"lease_expires_at"`
	LastError      string `db:"last_error"`
	FailureKind    string `db:"failure_kind"`
	FailedStage    string `db:"failed_stage"`
	Outcome        string `db:"outcome"`
	ResultJSON     string `db:"result_json"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r jobRow) job() Job {
	return Job{
		ID:             r.ID,
		Package:        r.Package,
		Version:        r.Version,
		PythonTarget:   r.PythonTarget,
		Status:         Status(r.Status),
		FixMethod:      FixMethod(r.FixMethod),
		Priority:       r.Priority,
		Attempts:       r.Attempts,
		MaxAttempts:    r.MaxAttempts,
		RunAfter:       fromMillis(r.RunAfter),
		LeaseOwner:     r.LeaseOwner,
		LeaseExpiresAt: fromMillis(r.LeaseExpiresAt),
		LastError:      r.LastError,
		FailureKind:    r.FailureKind,
		FailedStage:    r.FailedStage,
		Outcome:        r.Outcome,
		ResultJSON:     r.ResultJSON,
		CreatedAt:      fromMillis(r.CreatedAt),
		UpdatedAt:      fromMillis(r.UpdatedAt),
	}
}

// Enqueue adds a pending job. If an active job for the same package, version
// and target exists, its id is returned together with ErrDuplicate.
func (s *Store) Enqueue(ctx context.Context, spec JobSpec) (int64, error) {
	spec.Package = strings.TrimSpace(spec.Package)
	spec.Version = strings.TrimSpace(spec.Version)
	if err := validate.Struct(spec); err != nil {
		return 0, fmt.Errorf("invalid job spec: %w", err)
	}
	if spec.PythonTarget == "" {
		spec.PythonTarget = DefaultPythonTarget
	}
	if spec.MaxAttempts == 0 {
		spec.MaxAttempts = DefaultMaxAttempts
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.GetContext(ctx, &existing, `
		SELECT id FROM jobs
		WHERE package_name = ? AND version = ? AND python_target = ?
		  AND status IN ('pending', 'in_progress')
		LIMIT 1`, spec.Package, spec.Version, spec.PythonTarget)
	if err == nil {
		return existing, ErrDuplicate
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("checking for active duplicate: %w", err)
	}

	now := millis(s.now())
	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (package_name, version, python_target, priority, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		spec.Package, spec.Version, spec.PythonTarget, spec.Priority, spec.MaxAttempts, now, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading job id: %w", err)
	}
	if err := s.recordEvent(ctx, tx, id, "", StatusPending, "", "enqueued"); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing enqueue: %w", err)
	}
	return id, nil
}

// EnqueueBatch enqueues every spec, skipping active duplicates, and returns
// how many new jobs were added.
func (s *Store) EnqueueBatch(ctx context.Context, specs []JobSpec) (int, error) {
	added := 0
	for _, spec := range specs {
		_, err := s.Enqueue(ctx, spec)
		if errors.Is(err, ErrDuplicate) {
			continue
		}
		if err != nil {
			return added, fmt.Errorf("enqueueing %s==%s: %w", spec.Package, spec.Version, err)
		}
		added++
	}
	return added, nil
}

// ClaimNext atomically leases the highest-priority eligible job to owner.
// Eligible jobs are pending ones whose backoff has elapsed and in_progress
// ones whose lease has expired. Returns nil, nil when nothing is eligible.
func (s *Store) ClaimNext(ctx context.Context, owner string, lease time.Duration) (*Job, error) {
	if owner == "" {
		return nil, errors.New("claiming job: empty lease owner")
	}
	now := s.now()
	nowMs := millis(now)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.failExhausted(ctx, tx, nowMs); err != nil {
		return nil, err
	}

	var r jobRow
	err = tx.GetContext(ctx, &r, `SELECT `+jobColumns+` FROM jobs
		WHERE (status = 'pending' AND run_after <= ?)
		   OR (status = 'in_progress' AND lease_expires_at < ?)
		ORDER BY priority DESC, id ASC
		LIMIT 1`, nowMs, nowMs)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing claim: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	attempts := r.Attempts
	reason := "claimed"
	if Status(r.Status) == StatusInProgress {
		attempts++
		reason = fmt.Sprintf("reclaimed expired lease of %s", r.LeaseOwner)
	}
	expires := millis(now.Add(lease))

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'in_progress', lease_owner = ?, lease_expires_at = ?, attempts = ?, updated_at = ?
		WHERE id = ? AND (status = 'pending' OR (status = 'in_progress' AND lease_expires_at < ?))`,
		owner, expires, attempts, nowMs, r.ID, nowMs)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}
	if err := s.recordEvent(ctx, tx, r.ID, Status(r.Status), StatusInProgress, "", reason); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	r.Status = string(StatusInProgress)
	r.LeaseOwner = owner
	r.LeaseExpiresAt = expires
	r.Attempts = attempts
	r.UpdatedAt = nowMs
	j := r.job()
	return &j, nil
}

// ExtendLease pushes the lease expiry of a job owner still holds.
func (s *Store) ExtendLease(ctx context.Context, id int64, owner string, lease time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'in_progress' AND lease_owner = ?`,
		millis(now.Add(lease)), millis(now), id, owner)
	if err != nil {
		return fmt.Errorf("extending lease on job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking lease rows: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrLeaseLost
	}
	return nil
}

// Complete marks a leased job complete. It is a no-op on a terminal job.
func (s *Store) Complete(ctx context.Context, id int64, owner string, res Resolution) error {
	return s.finish(ctx, id, owner, StatusComplete, res)
}

// MarkNeedsReview parks a leased job for a human. It is a no-op on a terminal job.
func (s *Store) MarkNeedsReview(ctx context.Context, id int64, owner string, res Resolution) error {
	return s.finish(ctx, id, owner, StatusNeedsReview, res)
}

func (s *Store) finish(ctx context.Context, id int64, owner string, to Status, res Resolution) error {
	result, err := encodeResult(res.Result)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning %s transaction: %w", to, err)
	}
	defer tx.Rollback()

	r, done, err := s.leased(ctx, tx, id, owner)
	if err != nil || done {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, fix_method = ?, outcome = ?, last_error = ?, failure_kind = ?,
			failed_stage = ?, result_json = ?, lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ?`,
		string(to), string(fixMethodOrNone(res.FixMethod)), res.Outcome, res.Reason, res.FailureKind, res.Stage, result, millis(s.now()), id,
	); err != nil {
		return fmt.Errorf("marking job %d %s: %w", id, to, err)
	}
	if err := s.recordEvent(ctx, tx, id, Status(r.Status), to, res.Stage, res.Reason); err != nil {
		return err
	}
	return tx.Commit()
}

// Fail records a failed attempt. With retry set and attempts left the job
// returns to pending after an exponential backoff and requeued is true;
// otherwise it becomes terminally failed. It is a no-op on a terminal job.
func (s *Store) Fail(ctx context.Context, id int64, owner string, res Resolution, retry bool) (requeued bool, err error) {
	result, err := encodeResult(res.Result)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	r, done, err := s.leased(ctx, tx, id, owner)
	if err != nil || done {
		return false, err
	}

	now := s.now()
	attempts := r.Attempts + 1
	if retry && attempts < r.MaxAttempts {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', attempts = ?, run_after = ?, last_error = ?, failure_kind = ?,
				failed_stage = ?, result_json = ?, lease_owner = '', lease_expires_at = 0, updated_at = ?
			WHERE id = ?`,
			attempts, millis(now.Add(backoff)), res.Reason, res.FailureKind, res.Stage, result, millis(now), id)
		if err != nil {
			return false, fmt.Errorf("requeueing job %d: %w", id, err)
		}
		if err := s.recordEvent(ctx, tx, id, StatusInProgress, StatusPending, res.Stage, res.Reason); err != nil {
			return false, err
		}
		return true, tx.Commit()
	}

	outcome := res.Outcome
	if outcome == "" {
		outcome = res.FailureKind
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', attempts = ?, fix_method = ?, outcome = ?, last_error = ?, failure_kind = ?,
			failed_stage = ?, result_json = ?, lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ?`,
		attempts, string(fixMethodOrNone(res.FixMethod)), outcome, res.Reason, res.FailureKind, res.Stage, result, millis(now), id)
	if err != nil {
		return false, fmt.Errorf("failing job %d: %w", id, err)
	}
	if err := s.recordEvent(ctx, tx, id, StatusInProgress, StatusFailed, res.Stage, res.Reason); err != nil {
		return false, err
	}
	return false, tx.Commit()
}

// Abort fails a non-terminal job regardless of who leases it. Workers
// notice on their next stage boundary and stop.
func (s *Store) Abort(ctx context.Context, id int64, reason string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning abort transaction: %w", err)
	}
	defer tx.Rollback()

	var r jobRow
	err = tx.GetContext(ctx, &r, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading job %d: %w", id, err)
	}
	if Status(r.Status).Terminal() {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', outcome = 'aborted', failure_kind = 'aborted', last_error = ?,
			lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ?`, reason, millis(s.now()), id); err != nil {
		return fmt.Errorf("aborting job %d: %w", id, err)
	}
	if err := s.recordEvent(ctx, tx, id, Status(r.Status), StatusFailed, "", reason); err != nil {
		return err
	}
	return tx.Commit()
}

// ReclaimExpired returns to pending every in_progress job whose lease expired
// more than grace ago, counting the lost attempt. Jobs out of attempts are
// failed instead. The affected jobs are returned in their new state.
func (s *Store) ReclaimExpired(ctx context.Context, grace time.Duration) ([]Job, error) {
	now := s.now()
	cutoff := millis(now.Add(-grace))

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning reclaim transaction: %w", err)
	}
	defer tx.Rollback()

	affected, err := s.failExhausted(ctx, tx, cutoff)
	if err != nil {
		return nil, err
	}

	var rows []jobRow
	if err := tx.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM jobs
		WHERE status = 'in_progress' AND lease_expires_at < ?
		ORDER BY id ASC`, cutoff); err != nil {
		return nil, fmt.Errorf("selecting expired leases: %w", err)
	}

	for _, r := range rows {
		reason := fmt.Sprintf("lease of %s expired", r.LeaseOwner)
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', attempts = attempts + 1, lease_owner = '', lease_expires_at = 0,
				last_error = ?, updated_at = ?
			WHERE id = ?`, reason, millis(now), r.ID); err != nil {
			return nil, fmt.Errorf("reclaiming job %d: %w", r.ID, err)
		}
		if err := s.recordEvent(ctx, tx, r.ID, StatusInProgress, StatusPending, "", reason); err != nil {
			return nil, err
		}
		r.Status = string(StatusPending)
		r.Attempts++
		r.LeaseOwner = ""
		r.LeaseExpiresAt = 0
		r.LastError = reason
		affected = append(affected, r.job())
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing reclaim: %w", err)
	}
	return affected, nil
}

// failExhausted fails in_progress jobs whose lease expired before cutoff and
// that have no attempt left for another reclaim.
func (s *Store) failExhausted(ctx context.Context, tx *sqlx.Tx, cutoff int64) ([]Job, error) {
	var rows []jobRow
	if err := tx.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM jobs
		WHERE status = 'in_progress' AND lease_expires_at < ? AND attempts + 1 >= max_attempts`, cutoff); err != nil {
		return nil, fmt.Errorf("selecting exhausted leases: %w", err)
	}

	now := millis(s.now())
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		reason := fmt.Sprintf("lease expired after %d attempts", r.Attempts+1)
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'failed', attempts = attempts + 1, outcome = 'lease_exhausted',
				failure_kind = 'lease_exhausted', last_error = ?, lease_owner = '', lease_expires_at = 0, updated_at = ?
			WHERE id = ?`, reason, now, r.ID); err != nil {
			return nil, fmt.Errorf("failing exhausted job %d: %w", r.ID, err)
		}
		if err := s.recordEvent(ctx, tx, r.ID, StatusInProgress, StatusFailed, "", reason); err != nil {
			return nil, err
		}
		r.Status = string(StatusFailed)
		r.Attempts++
		r.LeaseOwner = ""
		r.LeaseExpiresAt = 0
		r.LastError = reason
		jobs = append(jobs, r.job())
	}
	return jobs, nil
}

// leased loads a job inside tx and checks owner still holds it. done is
// true when the job is already terminal and the caller should do nothing.
func (s *Store) leased(ctx context.Context, tx *sqlx.Tx, id int64, owner string) (r jobRow, done bool, err error) {
	err = tx.GetContext(ctx, &r, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return r, false, ErrNotFound
	}
	if err != nil {
		return r, false, fmt.Errorf("loading job %d: %w", id, err)
	}
	if Status(r.Status).Terminal() {
		return r, true, nil
	}
	if Status(r.Status) != StatusInProgress || r.LeaseOwner != owner {
		return r, false, fmt.Errorf("job %d held by %q: %w", id, r.LeaseOwner, ErrLeaseLost)
	}
	return r, false, nil
}

func (s *Store) recordEvent(ctx context.Context, tx *sqlx.Tx, id int64, from, to Status, stage, reason string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, from_status, to_status, stage, reason, at)
		VALUES (?, ?, ?, ?, ?, ?)`, id, string(from), string(to), stage, reason, millis(s.now())); err != nil {
		return fmt.Errorf("recording event for job %d: %w", id, err)
	}
	return nil
}

// Get returns a job by id.
func (s *Store) Get(ctx context.Context, id int64) (Job, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("loading job %d: %w", id, err)
	}
	return r.job(), nil
}

// GetStatus returns the number of jobs in every status, including zeros.
func (s *Store) GetStatus(ctx context.Context) (map[Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM jobs GROUP BY status`); err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	counts := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[Status(r.Status)] = r.Count
	}
	return counts, nil
}

// ListByStatus returns up to limit jobs in status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM jobs
		WHERE status = ? ORDER BY id ASC LIMIT ?`, string(status), limit); err != nil {
		return nil, fmt.Errorf("listing %s jobs: %w", status, err)
	}
	jobs := make([]Job, len(rows))
	for i, r := range rows {
		jobs[i] = r.job()
	}
	return jobs, nil
}

// ErrorPatterns groups failed jobs by reason, most frequent first.
func (s *Store) ErrorPatterns(ctx context.Context, limit int) ([]ErrorPattern, error) {
	var rows []struct {
		Reason string `db:"last_error"`
		Count  int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT last_error, COUNT(*) AS n FROM jobs
		WHERE status = 'failed' AND last_error != ''
		GROUP BY last_error ORDER BY n DESC, last_error ASC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("grouping error patterns: %w", err)
	}
	patterns := make([]ErrorPattern, len(rows))
	for i, r := range rows {
		patterns[i] = ErrorPattern{Reason: r.Reason, Count: r.Count}
	}
	return patterns, nil
}

// Events returns the audited transitions of a job in order.
func (s *Store) Events(ctx context.Context, id int64) ([]JobEvent, error) {
	var rows []struct {
		ID     int64  `db:"id"`
		JobID  int64  `db:"job_id"`
		From   string `db:"from_status"`
		To     string `db:"to_status"`
		Stage  string `db:"stage"`
		Reason string `db:"reason"`
		At     int64  `db:"at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, job_id, from_status, to_status, stage, reason, at
		FROM job_events WHERE job_id = ? ORDER BY id ASC`, id); err != nil {
		return nil, fmt.Errorf("listing events for job %d: %w", id, err)
	}
	events := make([]JobEvent, len(rows))
	for i, r := range rows {
		events[i] = JobEvent{
			ID: r.ID, JobID: r.JobID, From: Status(r.From), To: Status(r.To),
			Stage: r.Stage, Reason: r.Reason, At: fromMillis(r.At),
		}
	}
	return events, nil
}

func encodeResult(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding job result: %w", err)
	}
	return string(b), nil
}

func fixMethodOrNone(m FixMethod) FixMethod {
	if m == "" {
		return FixNone
	}
	return m
}
