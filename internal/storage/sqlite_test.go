package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"testing/fstest"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func mustEnqueue(t *testing.T, s *Store, pkg, version string, priority int) int64 {
	t.Helper()
	id, err := s.Enqueue(context.Background(), JobSpec{Package: pkg, Version: version, Priority: priority})
	if err != nil {
		t.Fatalf("Enqueue(%s, %s): %v", pkg, version, err)
	}
	return id
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema version does not move (migrations not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 4 {
		t.Fatalf("applied %d migrations, want 4: %v", len(versions), versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}

	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 4 {
		t.Errorf("SchemaVersion = %d, want 4", v)
	}
}

// TestMigrationFailureIsFatal verifies a broken migration aborts Open and
// leaves neither its partial schema nor its version row behind.
func TestMigrationFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	good := fstest.MapFS{
		"migrations/0001_base.sql": {Data: []byte(`CREATE TABLE base (id INTEGER PRIMARY KEY);`)},
	}
	s, err := open(dir, good)
	if err != nil {
		t.Fatalf("open with good migrations: %v", err)
	}
	s.Close()

	broken := fstest.MapFS{
		"migrations/0001_base.sql":   good["migrations/0001_base.sql"],
		"migrations/0002_broken.sql": {Data: []byte(`CREATE TABLE half (id INTEGER); THIS IS NOT SQL;`)},
	}
	_, err = open(dir, broken)
	if !errors.Is(err, ErrMigration) {
		t.Fatalf("open with broken migration: err = %v, want ErrMigration", err)
	}

	s, err = open(dir, good)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 1 {
		t.Errorf("SchemaVersion = %d, want 1", v)
	}
	var n int
	if err := s.db.Get(&n, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='half'"); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if n != 0 {
		t.Error("partially applied migration left table 'half' behind")
	}
}

// TestMigrationsSkipAtOrBelowCurrent verifies only versions above the
// persisted one are applied.
func TestMigrationsSkipAtOrBelowCurrent(t *testing.T) {
	dir := t.TempDir()
	first := fstest.MapFS{
		"migrations/0002_b.sql": {Data: []byte(`CREATE TABLE b (id INTEGER);`)},
	}
	s, err := open(dir, first)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Close()

	// 0001 sorts below the current version and must never run.
	second := fstest.MapFS{
		"migrations/0001_a.sql": {Data: []byte(`NOT SQL AT ALL;`)},
		"migrations/0002_b.sql": first["migrations/0002_b.sql"],
		"migrations/0003_c.sql": {Data: []byte(`CREATE TABLE c (id INTEGER);`)},
	}
	s, err = open(dir, second)
	if err != nil {
		t.Fatalf("open with later migration: %v", err)
	}
	defer s.Close()

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 2 || versions[0] != 2 || versions[1] != 3 {
		t.Errorf("AppliedMigrations = %v, want [2 3]", versions)
	}
}

// TestEnqueueAndClaim verifies the basic claim path sets lease fields.
func TestEnqueueAndClaim(t *testing.T) {
	s := openTestStore(t)
	clock := newFakeClock()
	s.SetClock(clock.now)
	ctx := context.Background()

	id := mustEnqueue(t, s, "requests", "2.31.0", 0)

	job, err := s.ClaimNext(ctx, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job == nil {
		t.Fatal("ClaimNext returned nil, want job")
	}
	if job.ID != id {
		t.Errorf("ID = %d, want %d", job.ID, id)
	}
	if job.Status != StatusInProgress {
		t.Errorf("Status = %q, want %q", job.Status, StatusInProgress)
	}
	if job.LeaseOwner != "worker-1" {
		t.Errorf("LeaseOwner = %q, want %q", job.LeaseOwner, "worker-1")
	}
	if !job.LeaseExpiresAt.Equal(clock.now().Add(time.Minute)) {
		t.Errorf("LeaseExpiresAt = %v, want %v", job.LeaseExpiresAt, clock.now().Add(time.Minute))
	}
	if job.PythonTarget != DefaultPythonTarget {
		t.Errorf("PythonTarget = %q, want %q", job.PythonTarget, DefaultPythonTarget)
	}
	if job.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", job.Attempts)
	}

	again, err := s.ClaimNext(ctx, "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("second ClaimNext: %v", err)
	}
	if again != nil {
		t.Errorf("second ClaimNext returned job %d, want nil", again.ID)
	}
}

// TestClaimNextEmpty verifies an empty queue yields nil without error.
func TestClaimNextEmpty(t *testing.T) {
	s := openTestStore(t)
	job, err := s.ClaimNext(context.Background(), "w", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job != nil {
		t.Errorf("ClaimNext = %+v, want nil", job)
	}
}

// TestEnqueueDuplicateActive verifies re-seeding an active job is idempotent.
func TestEnqueueDuplicateActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, "six", "1.16.0", 0)
	got, err := s.Enqueue(ctx, JobSpec{Package: "six", Version: "1.16.0"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Enqueue err = %v, want ErrDuplicate", err)
	}
	if got != id {
		t.Errorf("duplicate returned id %d, want %d", got, id)
	}

	added, err := s.EnqueueBatch(ctx, []JobSpec{
		{Package: "six", Version: "1.16.0"},
		{Package: "six", Version: "1.17.0"},
	})
	if err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}
	if added != 1 {
		t.Errorf("EnqueueBatch added %d, want 1", added)
	}

	counts, err := s.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if counts[StatusPending] != 2 {
		t.Errorf("pending = %d, want 2", counts[StatusPending])
	}
}

// TestEnqueueAfterTerminal verifies a finished job does not block a new run.
func TestEnqueueAfterTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, "attrs", "23.1.0", 0)
	job, _ := s.ClaimNext(ctx, "w", time.Minute)
	if err := s.Complete(ctx, job.ID, "w", Resolution{Outcome: "already_compatible"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	id2, err := s.Enqueue(ctx, JobSpec{Package: "attrs", Version: "23.1.0"})
	if err != nil {
		t.Fatalf("Enqueue after complete: %v", err)
	}
	if id2 == id {
		t.Error("re-enqueue reused the terminal job's id")
	}
}

// TestEnqueueValidation verifies malformed specs are rejected.
func TestEnqueueValidation(t *testing.T) {
	s := openTestStore(t)
	tests := []struct {
		name string
		spec JobSpec
	}{
		{"missing package", JobSpec{Version: "1.0"}},
		{"blank package", JobSpec{Package: "  ", Version: "1.0"}},
		{"missing version", JobSpec{Package: "x"}},
		{"negative priority", JobSpec{Package: "x", Version: "1.0", Priority: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Enqueue(context.Background(), tt.spec); err == nil {
				t.Error("Enqueue succeeded, want validation error")
			}
		})
	}
}

// TestClaimNextPriorityOrder verifies priority DESC then enqueue order ASC.
func TestClaimNextPriorityOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	low := mustEnqueue(t, s, "low", "1.0", 1)
	highA := mustEnqueue(t, s, "high-a", "1.0", 10)
	highB := mustEnqueue(t, s, "high-b", "1.0", 10)
	mid := mustEnqueue(t, s, "mid", "1.0", 5)

	want := []int64{highA, highB, mid, low}
	for i, w := range want {
		job, err := s.ClaimNext(ctx, "w", time.Minute)
		if err != nil {
			t.Fatalf("ClaimNext #%d: %v", i, err)
		}
		if job == nil || job.ID != w {
			t.Fatalf("claim #%d = %v, want job %d", i, job, w)
		}
	}
}

// TestClaimNextConcurrent verifies no job is handed to two claimers.
func TestClaimNextConcurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const jobs = 30
	for i := 0; i < jobs; i++ {
		mustEnqueue(t, s, "pkg", "1."+string(rune('a'+i)), i%3)
	}

	var mu sync.Mutex
	seen := make(map[int64]string)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		owner := "worker-" + string(rune('A'+w))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.ClaimNext(ctx, owner, time.Minute)
				if err != nil {
					t.Errorf("ClaimNext(%s): %v", owner, err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, ok := seen[job.ID]; ok {
					t.Errorf("job %d claimed by %s and %s", job.ID, prev, owner)
				}
				seen[job.ID] = owner
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Errorf("claimed %d distinct jobs, want %d", len(seen), jobs)
	}
}

// TestClaimNextReclaimsExpiredLease verifies an expired lease is claimable
// again and the attempt count increases.
// TestClaimNextAcrossStores claims from several connections to one database
// file, the way separate worker processes share the queue.
func TestClaimNextAcrossStores(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	const (
		stores = 4
		jobs   = 60
	)
	var all []*Store
	for i := 0; i < stores; i++ {
		s, err := Open(dir)
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		t.Cleanup(func() { s.Close() })
		all = append(all, s)
	}
	for i := 0; i < jobs; i++ {
		mustEnqueue(t, all[i%stores], fmt.Sprintf("pkg-%02d", i), "1.0", i%3)
	}

	var mu sync.Mutex
	seen := make(map[int64]string)
	var wg sync.WaitGroup
	for i, s := range all {
		for w := 0; w < 2; w++ {
			owner := fmt.Sprintf("store-%d-worker-%d", i, w)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					job, err := s.ClaimNext(ctx, owner, time.Minute)
					if err != nil {
						t.Errorf("ClaimNext(%s): %v", owner, err)
						return
					}
					if job == nil {
						return
					}
					mu.Lock()
					if prev, ok := seen[job.ID]; ok {
						t.Errorf("job %d claimed by %s and %s", job.ID, prev, owner)
					}
					seen[job.ID] = owner
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Errorf("claimed %d distinct jobs, want %d", len(seen), jobs)
	}
	counts, err := all[0].GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if counts[StatusInProgress] != jobs || counts[StatusPending] != 0 {
		t.Errorf("counts = %v, want all %d in progress", counts, jobs)
	}
}

func TestClaimNextReclaimsExpiredLease(t *testing.T) {
	s := openTestStore(t)
	clock := newFakeClock()
	s.SetClock(clock.now)
	ctx := context.Background()

	mustEnqueue(t, s, "flask", "3.0.0", 0)
	first, _ := s.ClaimNext(ctx, "dead-worker", time.Minute)

	clock.advance(30 * time.Second)
	if job, _ := s.ClaimNext(ctx, "w2", time.Minute); job != nil {
		t.Fatalf("claimed job %d while lease still valid", job.ID)
	}

	clock.advance(time.Minute)
	second, err := s.ClaimNext(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if second == nil || second.ID != first.ID {
		t.Fatalf("reclaim = %v, want job %d", second, first.ID)
	}
	if second.Attempts != first.Attempts+1 {
		t.Errorf("Attempts = %d, want %d", second.Attempts, first.Attempts+1)
	}
	if second.LeaseOwner != "w2" {
		t.Errorf("LeaseOwner = %q, want w2", second.LeaseOwner)
	}

	// The dead worker's late completion must not land.
	err = s.Complete(ctx, first.ID, "dead-worker", Resolution{})
	if !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Complete by stale owner err = %v, want ErrLeaseLost", err)
	}
}

// TestClaimNextFailsExhaustedLease verifies a job that keeps losing its lease
// ends up failed instead of looping forever.
func TestClaimNextFailsExhaustedLease(t *testing.T) {
	s := openTestStore(t)
	clock := newFakeClock()
	s.SetClock(clock.now)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, JobSpec{Package: "crashy", Version: "1.0", MaxAttempts: 2})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if job, _ := s.ClaimNext(ctx, "a", time.Minute); job == nil {
		t.Fatal("first claim returned nil")
	}
	clock.advance(2 * time.Minute)
	job, _ := s.ClaimNext(ctx, "b", time.Minute)
	if job == nil || job.Attempts != 1 {
		t.Fatalf("second claim = %+v, want attempts 1", job)
	}
	clock.advance(2 * time.Minute)
	if job, _ := s.ClaimNext(ctx, "c", time.Minute); job != nil {
		t.Fatalf("third claim returned job %d, want nil", job.ID)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.FailureKind != "lease_exhausted" {
		t.Errorf("FailureKind = %q, want lease_exhausted", got.FailureKind)
	}
}

// TestTerminalTransitionsIdempotent verifies repeated terminal calls are no-ops.
func TestTerminalTransitionsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, "pyyaml", "6.0.1", 0)
	job, _ := s.ClaimNext(ctx, "w", time.Minute)

	res := Resolution{FixMethod: FixAuto, Outcome: "fixed", Result: map[string]int{"issues_fixed": 2}}
	if err := s.Complete(ctx, job.ID, "w", res); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := s.Complete(ctx, job.ID, "w", res); err != nil {
		t.Errorf("second Complete: %v", err)
	}
	if err := s.MarkNeedsReview(ctx, job.ID, "w", Resolution{}); err != nil {
		t.Errorf("MarkNeedsReview on complete job: %v", err)
	}
	if _, err := s.Fail(ctx, job.ID, "someone-else", Resolution{}, true); err != nil {
		t.Errorf("Fail on complete job: %v", err)
	}

	got, _ := s.Get(ctx, job.ID)
	if got.Status != StatusComplete {
		t.Errorf("Status = %q, want complete", got.Status)
	}
	if got.FixMethod != FixAuto {
		t.Errorf("FixMethod = %q, want auto", got.FixMethod)
	}
	if got.ResultJSON != `{"issues_fixed":2}` {
		t.Errorf("ResultJSON = %q", got.ResultJSON)
	}
	if got.LeaseOwner != "" {
		t.Errorf("LeaseOwner = %q, want cleared", got.LeaseOwner)
	}
}

// TestTransitionsUnknownJob verifies ErrNotFound for missing ids.
func TestTransitionsUnknownJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Complete(ctx, 999, "w", Resolution{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Complete err = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
	if err := s.ExtendLease(ctx, 999, "w", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("ExtendLease err = %v, want ErrNotFound", err)
	}
}

// TestFailRetryBackoff verifies a retryable failure requeues with backoff.
func TestFailRetryBackoff(t *testing.T) {
	s := openTestStore(t)
	clock := newFakeClock()
	s.SetClock(clock.now)
	ctx := context.Background()

	mustEnqueue(t, s, "lxml", "5.1.0", 0)
	job, _ := s.ClaimNext(ctx, "w", time.Minute)

	requeued, err := s.Fail(ctx, job.ID, "w", Resolution{Reason: "fetch timed out", FailureKind: "transient_infra", Stage: "fetch"}, true)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if !requeued {
		t.Fatal("requeued = false, want true")
	}

	got, _ := s.Get(ctx, job.ID)
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if want := clock.now().Add(2 * time.Second); !got.RunAfter.Equal(want) {
		t.Errorf("RunAfter = %v, want %v", got.RunAfter, want)
	}
	if got.FailedStage != "fetch" {
		t.Errorf("FailedStage = %q, want fetch", got.FailedStage)
	}

	if j, _ := s.ClaimNext(ctx, "w", time.Minute); j != nil {
		t.Fatal("claimed job before backoff elapsed")
	}
	clock.advance(3 * time.Second)
	if j, _ := s.ClaimNext(ctx, "w", time.Minute); j == nil {
		t.Fatal("job not claimable after backoff")
	}
}

// TestFailMaxAttempts verifies the retry bound and non-retryable failures.
func TestFailMaxAttempts(t *testing.T) {
	s := openTestStore(t)
	clock := newFakeClock()
	s.SetClock(clock.now)
	ctx := context.Background()

	id, _ := s.Enqueue(ctx, JobSpec{Package: "p", Version: "1", MaxAttempts: 2})

	job, _ := s.ClaimNext(ctx, "w", time.Minute)
	if requeued, _ := s.Fail(ctx, job.ID, "w", Resolution{Reason: "boom"}, true); !requeued {
		t.Fatal("first failure not requeued")
	}
	clock.advance(time.Hour)
	job, _ = s.ClaimNext(ctx, "w", time.Minute)
	requeued, err := s.Fail(ctx, job.ID, "w", Resolution{Reason: "boom", FailureKind: "build_failure"}, true)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if requeued {
		t.Error("requeued past max attempts")
	}
	got, _ := s.Get(ctx, id)
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.Outcome != "build_failure" {
		t.Errorf("Outcome = %q, want build_failure", got.Outcome)
	}

	id2 := mustEnqueue(t, s, "q", "1", 0)
	job, _ = s.ClaimNext(ctx, "w", time.Minute)
	if requeued, _ := s.Fail(ctx, job.ID, "w", Resolution{Reason: "no distribution available"}, false); requeued {
		t.Error("non-retryable failure was requeued")
	}
	got, _ = s.Get(ctx, id2)
	if got.Status != StatusFailed || got.LastError != "no distribution available" {
		t.Errorf("got status %q reason %q", got.Status, got.LastError)
	}
}

// TestExtendLease verifies lease extension and lease-lost detection.
func TestExtendLease(t *testing.T) {
	s := openTestStore(t)
	clock := newFakeClock()
	s.SetClock(clock.now)
	ctx := context.Background()

	mustEnqueue(t, s, "p", "1", 0)
	job, _ := s.ClaimNext(ctx, "w", time.Minute)

	clock.advance(50 * time.Second)
	if err := s.ExtendLease(ctx, job.ID, "w", time.Minute); err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}
	clock.advance(50 * time.Second)
	if j, _ := s.ClaimNext(ctx, "other", time.Minute); j != nil {
		t.Fatal("extended lease was reclaimed")
	}
	if err := s.ExtendLease(ctx, job.ID, "other", time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("ExtendLease by non-owner err = %v, want ErrLeaseLost", err)
	}
}

// TestReclaimExpiredGrace verifies only leases expired past the grace
// threshold are returned to pending.
func TestReclaimExpiredGrace(t *testing.T) {
	s := openTestStore(t)
	clock := newFakeClock()
	s.SetClock(clock.now)
	ctx := context.Background()

	a := mustEnqueue(t, s, "a", "1", 0)
	mustEnqueue(t, s, "b", "1", 0)
	s.ClaimNext(ctx, "w1", time.Minute)
	s.ClaimNext(ctx, "w2", 10*time.Minute)
	clock.advance(3 * time.Minute)

	// a expired 2m ago, b has 7m left.
	reclaimed, err := s.ReclaimExpired(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("reclaimed %d within grace, want 0", len(reclaimed))
	}

	reclaimed, err = s.ReclaimExpired(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != a {
		t.Fatalf("reclaimed = %+v, want only job %d", reclaimed, a)
	}
	got, _ := s.Get(ctx, a)
	if got.Status != StatusPending || got.Attempts != 1 || got.LeaseOwner != "" {
		t.Errorf("reclaimed job = status %q attempts %d owner %q", got.Status, got.Attempts, got.LeaseOwner)
	}
}

// TestAbort verifies administrative cancellation.
func TestAbort(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, "p", "1", 0)
	job, _ := s.ClaimNext(ctx, "w", time.Minute)
	if err := s.Abort(ctx, job.ID, "cancelled by operator"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := s.ExtendLease(ctx, job.ID, "w", time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("ExtendLease after abort err = %v, want ErrLeaseLost", err)
	}
	if err := s.Complete(ctx, job.ID, "w", Resolution{}); err != nil {
		t.Errorf("Complete after abort: %v", err)
	}
	got, _ := s.Get(ctx, job.ID)
	if got.Status != StatusFailed || got.FailureKind != "aborted" {
		t.Errorf("status %q kind %q, want failed/aborted", got.Status, got.FailureKind)
	}
}

// TestGetStatusCounts verifies zero-filled per-status counts.
func TestGetStatusCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	counts, err := s.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	for _, st := range Statuses {
		if n, ok := counts[st]; !ok || n != 0 {
			t.Errorf("counts[%s] = %d (present %v), want 0", st, n, ok)
		}
	}

	mustEnqueue(t, s, "a", "1", 0)
	mustEnqueue(t, s, "b", "1", 0)
	mustEnqueue(t, s, "c", "1", 0)
	j, _ := s.ClaimNext(ctx, "w", time.Minute)
	s.MarkNeedsReview(ctx, j.ID, "w", Resolution{Reason: "unresolved removed_asyncio_watcher"})
	s.ClaimNext(ctx, "w", time.Minute)

	counts, _ = s.GetStatus(ctx)
	want := map[Status]int{StatusPending: 1, StatusInProgress: 1, StatusNeedsReview: 1}
	for _, st := range Statuses {
		if counts[st] != want[st] {
			t.Errorf("counts[%s] = %d, want %d", st, counts[st], want[st])
		}
	}

	review, err := s.ListByStatus(ctx, StatusNeedsReview, 10)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(review) != 1 || review[0].ID != j.ID {
		t.Errorf("ListByStatus(needs_review) = %+v", review)
	}
	if _, err := s.ListByStatus(ctx, Status("bogus"), 10); err == nil {
		t.Error("ListByStatus(bogus) succeeded, want error")
	}
}

// TestErrorPatterns verifies grouping of failure reasons.
func TestErrorPatterns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	reasons := []string{"no distribution available", "no distribution available", "build failed"}
	for i, r := range reasons {
		mustEnqueue(t, s, "p", string(rune('a'+i)), 0)
		j, _ := s.ClaimNext(ctx, "w", time.Minute)
		s.Fail(ctx, j.ID, "w", Resolution{Reason: r}, false)
	}

	patterns, err := s.ErrorPatterns(ctx, 10)
	if err != nil {
		t.Fatalf("ErrorPatterns: %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("len(patterns) = %d, want 2", len(patterns))
	}
	if patterns[0].Reason != "no distribution available" || patterns[0].Count != 2 {
		t.Errorf("patterns[0] = %+v", patterns[0])
	}
}

// TestEventsAuditTrail verifies each transition is recorded in order.
func TestEventsAuditTrail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, "p", "1", 0)
	j, _ := s.ClaimNext(ctx, "w", time.Minute)
	s.Complete(ctx, j.ID, "w", Resolution{Stage: "upload", Reason: ""})

	events, err := s.Events(ctx, id)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	want := []Status{StatusPending, StatusInProgress, StatusComplete}
	if len(events) != len(want) {
		t.Fatalf("len(events) = %d, want %d", len(events), len(want))
	}
	for i, e := range events {
		if e.To != want[i] {
			t.Errorf("events[%d].To = %q, want %q", i, e.To, want[i])
		}
	}
}

// TestBeatSequence verifies heartbeat sequence numbers strictly increase.
func TestBeatSequence(t *testing.T) {
	s := openTestStore(t)
	clock := newFakeClock()
	s.SetClock(clock.now)
	ctx := context.Background()

	if _, err := s.LastBeat(ctx, "orchestrator"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LastBeat before any beat err = %v, want ErrNotFound", err)
	}

	var last int64
	for i := 0; i < 3; i++ {
		hb, err := s.Beat(ctx, "orchestrator", "proc-1")
		if err != nil {
			t.Fatalf("Beat: %v", err)
		}
		if hb.Seq <= last {
			t.Errorf("Seq = %d, want > %d", hb.Seq, last)
		}
		last = hb.Seq
		clock.advance(time.Second)
	}

	hb, err := s.LastBeat(ctx, "orchestrator")
	if err != nil {
		t.Fatalf("LastBeat: %v", err)
	}
	if hb.Seq != 3 || hb.Owner != "proc-1" {
		t.Errorf("LastBeat = %+v, want seq 3 owner proc-1", hb)
	}
}
