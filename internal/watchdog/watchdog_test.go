package watchdog

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/lazarus/internal/metrics"
	"github.com/kalambet/lazarus/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T) (*storage.Store, *fakeClock) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)
	return store, clock
}

type countingRestarter struct {
	calls int
	err   error
}

func (r *countingRestarter) Restart(context.Context) error {
	r.calls++
	return r.err
}

func TestRestartAfterMissedBeats(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.Enqueue(ctx, storage.JobSpec{Package: "stuck", Version: "1.0"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Beat(ctx, "orchestrator", "w1"); err != nil {
		t.Fatal(err)
	}

	r := &countingRestarter{}
	w := New(store, r, Options{MissedBeats: 3}, metrics.New())

	// The first check only records the sequence.
	for i := 0; i < 3; i++ {
		res, err := w.Check(ctx)
		if err != nil {
			t.Fatalf("Check %d: %v", i, err)
		}
		if res.Restarted {
			t.Fatalf("restarted after %d checks", i+1)
		}
	}
	res, err := w.Check(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Restarted || r.calls != 1 {
		t.Fatalf("restarted = %v, calls = %d; want a restart on the third stale check", res.Restarted, r.calls)
	}
	if res.StaleChecks != 0 {
		t.Errorf("stale counter not reset: %d", res.StaleChecks)
	}

	// The counter starts over after a restart.
	for i := 0; i < 2; i++ {
		if res, _ := w.Check(ctx); res.Restarted {
			t.Fatal("restarted again before missedBeats stale checks")
		}
	}
}

func TestNoRestartWhileBeating(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.Enqueue(ctx, storage.JobSpec{Package: "busy", Version: "1.0"}); err != nil {
		t.Fatal(err)
	}
	r := &countingRestarter{}
	w := New(store, r, Options{MissedBeats: 2}, nil)

	for i := 0; i < 6; i++ {
		if _, err := store.Beat(ctx, "orchestrator", "w1"); err != nil {
			t.Fatal(err)
		}
		res, err := w.Check(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if res.StaleChecks != 0 {
			t.Fatalf("stale = %d with an advancing heartbeat", res.StaleChecks)
		}
	}
	if r.calls != 0 {
		t.Errorf("restarts = %d, want 0", r.calls)
	}
}

func TestNoRestartWhenIdle(t *testing.T) {
	store, _ := openTestStore(t)
	r := &countingRestarter{}
	w := New(store, r, Options{MissedBeats: 1}, nil)

	for i := 0; i < 5; i++ {
		res, err := w.Check(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if res.ActiveJobs != 0 {
			t.Fatalf("active = %d", res.ActiveJobs)
		}
	}
	if r.calls != 0 {
		t.Errorf("restarted an idle orchestrator %d times", r.calls)
	}
}

func TestRestartWhenOrchestratorNeverBeat(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.Enqueue(ctx, storage.JobSpec{Package: "orphan", Version: "1.0"}); err != nil {
		t.Fatal(err)
	}
	r := &countingRestarter{}
	w := New(store, r, Options{MissedBeats: 2}, nil)

	for i := 0; i < 3; i++ {
		if _, err := w.Check(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if r.calls != 1 {
		t.Errorf("restarts = %d, want 1", r.calls)
	}
}

func TestRestartErrorIsReported(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	store.Enqueue(ctx, storage.JobSpec{Package: "x", Version: "1"})
	w := New(store, &countingRestarter{err: errors.New("spawn failed")}, Options{MissedBeats: 1}, nil)

	w.Check(ctx)
	if _, err := w.Check(ctx); err == nil {
		t.Error("expected restart error")
	}
}

func TestCheckReclaimsExpiredLeases(t *testing.T) {
	store, clock := openTestStore(t)
	ctx := context.Background()
	id, err := store.Enqueue(ctx, storage.JobSpec{Package: "crashed", Version: "1.0"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimNext(ctx, "dead-worker", time.Minute); err != nil {
		t.Fatal(err)
	}
	w := New(store, nil, Options{Grace: 2 * time.Minute}, metrics.New())

	clock.Advance(2 * time.Minute)
	res, err := w.Check(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Reclaimed) != 0 {
		t.Fatalf("reclaimed inside the grace period: %v", res.Reclaimed)
	}

	clock.Advance(2 * time.Minute)
	res, err = w.Check(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Reclaimed) != 1 || res.Reclaimed[0].ID != id {
		t.Fatalf("reclaimed = %v", res.Reclaimed)
	}
	job, _ := store.Get(ctx, id)
	if job.Status != storage.StatusPending || job.Attempts != 1 {
		t.Errorf("job = %s attempts %d, want pending/1", job.Status, job.Attempts)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store, _ := openTestStore(t)
	w := New(store, nil, Options{Interval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Errorf("Run = %v", err)
	}
}

// TestHelperProcess is the child started by the ExecRestarter tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("LAZARUS_WANT_HELPER_PROCESS") != "1" {
		return
	}
	time.Sleep(time.Minute)
	os.Exit(0)
}

func TestExecRestarterReplacesChild(t *testing.T) {
	r := &ExecRestarter{
		Path:        os.Args[0],
		Args:        []string{"-test.run=^TestHelperProcess$"},
		Env:         []string{"LAZARUS_WANT_HELPER_PROCESS=1"},
		StopTimeout: 2 * time.Second,
	}
	t.Cleanup(func() { r.Stop() })

	ctx := context.Background()
	if err := r.Restart(ctx); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	first := r.cmd.Process.Pid
	if !r.Running() {
		t.Fatal("child not running")
	}

	if err := r.Restart(ctx); err != nil {
		t.Fatalf("second Restart: %v", err)
	}
	if r.cmd.Process.Pid == first {
		t.Error("restart kept the old child")
	}
	if !r.Running() {
		t.Fatal("replacement child not running")
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.Running() {
		t.Error("child still running after Stop")
	}
}
