package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/backoff"
	"github.com/pravado/playbook/id"
	"github.com/pravado/playbook/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newJob(runID id.RunID, key string, p playbook.Priority) *queue.Job {
	return &queue.Job{RunID: runID, StepKey: key, Priority: p, MaxAttempts: 3}
}

func TestEnqueueLeaseOrder(t *testing.T) {
	ctx := context.Background()
	q := queue.New()
	runID := id.NewRunID()
	worker := id.NewWorkerID()

	if err := q.Enqueue(ctx, newJob(runID, "low", playbook.PriorityLow)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := q.Enqueue(ctx, newJob(runID, "urgent", playbook.PriorityUrgent)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := q.Enqueue(ctx, newJob(runID, "medium", playbook.PriorityMedium)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	want := []string{"urgent", "medium", "low"}
	for _, key := range want {
		j, err := q.Lease(ctx, worker)
		if err != nil {
			t.Fatalf("Lease() error = %v", err)
		}
		if j == nil || j.StepKey != key {
			t.Fatalf("Lease() = %+v, want step %q", j, key)
		}
		if j.Attempt != 1 {
			t.Errorf("Attempt = %d, want 1", j.Attempt)
		}
	}

	j, err := q.Lease(ctx, worker)
	if err != nil {
		t.Fatalf("Lease() error = %v", err)
	}
	if j != nil {
		t.Errorf("Lease() on empty queue = %+v, want nil", j)
	}
}

func TestLeaseSkipsFutureEligible(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := queue.New(queue.WithClock(clock.Now))
	runID := id.NewRunID()
	worker := id.NewWorkerID()

	deferred := newJob(runID, "later", playbook.PriorityHigh)
	deferred.EligibleAt = clock.Now().Add(time.Minute)
	if err := q.Enqueue(ctx, deferred); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	j, err := q.Lease(ctx, worker)
	if err != nil {
		t.Fatalf("Lease() error = %v", err)
	}
	if j != nil {
		t.Fatalf("Lease() = %+v, want nil before eligibility", j)
	}

	clock.Advance(2 * time.Minute)
	j, err = q.Lease(ctx, worker)
	if err != nil {
		t.Fatalf("Lease() error = %v", err)
	}
	if j == nil || j.StepKey != "later" {
		t.Fatalf("Lease() = %+v, want deferred job after eligibility", j)
	}
}

func TestFailAndMaybeRetry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := queue.New(
		queue.WithClock(clock.Now),
		queue.WithBackoff(backoff.NewExponential(time.Second, 2, time.Minute)),
	)
	runID := id.NewRunID()
	worker := id.NewWorkerID()

	job := newJob(runID, "flaky", playbook.PriorityMedium)
	job.MaxAttempts = 2
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// First attempt fails: one retry left.
	j, _ := q.Lease(ctx, worker)
	if j == nil {
		t.Fatal("Lease() = nil, want job")
	}
	retry, willRetry, err := q.FailAndMaybeRetry(ctx, j.ID)
	if err != nil {
		t.Fatalf("FailAndMaybeRetry() error = %v", err)
	}
	if !willRetry {
		t.Fatal("willRetry = false, want true on first failure")
	}
	if got := retry.EligibleAt.Sub(clock.Now()); got != time.Second {
		t.Errorf("retry delay = %v, want 1s", got)
	}

	// Not eligible until the backoff elapses.
	if j, _ := q.Lease(ctx, worker); j != nil {
		t.Fatalf("Lease() = %+v, want nil during backoff", j)
	}
	clock.Advance(2 * time.Second)

	// Second attempt fails: budget exhausted.
	j, _ = q.Lease(ctx, worker)
	if j == nil {
		t.Fatal("Lease() = nil, want retry job")
	}
	if j.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", j.Attempt)
	}
	_, willRetry, err = q.FailAndMaybeRetry(ctx, j.ID)
	if err != nil {
		t.Fatalf("FailAndMaybeRetry() error = %v", err)
	}
	if willRetry {
		t.Error("willRetry = true after final attempt, want false")
	}
	if j, _ := q.Lease(ctx, worker); j != nil {
		t.Errorf("Lease() = %+v, want nil after exhaustion", j)
	}
}

func TestCompleteUnknownJob(t *testing.T) {
	q := queue.New()
	err := q.Complete(context.Background(), id.NewJobID())
	if err != playbook.ErrJobNotFound {
		t.Errorf("Complete() error = %v, want ErrJobNotFound", err)
	}
}

func TestReclaimStale(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := queue.New(
		queue.WithClock(clock.Now),
		queue.WithBackoff(backoff.NewConstant(time.Second)),
	)
	runID := id.NewRunID()
	worker := id.NewWorkerID()

	fresh := newJob(runID, "fresh", playbook.PriorityMedium)
	stale := newJob(runID, "stale", playbook.PriorityMedium)
	stale.MaxAttempts = 1
	if err := q.Enqueue(ctx, stale); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.Lease(ctx, worker); err != nil {
		t.Fatalf("Lease() error = %v", err)
	}

	clock.Advance(time.Minute)
	if err := q.Enqueue(ctx, fresh); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.Lease(ctx, worker); err != nil {
		t.Fatalf("Lease() error = %v", err)
	}

	reclaimed, err := q.ReclaimStale(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("ReclaimStale() = %d jobs, want 1", len(reclaimed))
	}
	r := reclaimed[0]
	if r.Job.StepKey != "stale" {
		t.Errorf("reclaimed step = %q, want stale", r.Job.StepKey)
	}
	if r.WillRetry {
		t.Error("WillRetry = true for exhausted job, want false")
	}
	if r.WorkerID != worker {
		t.Errorf("WorkerID = %v, want %v", r.WorkerID, worker)
	}

	stats := q.Stats(ctx)
	if stats.Leased != 1 {
		t.Errorf("Leased = %d, want 1 (fresh lease untouched)", stats.Leased)
	}
}

func TestReclaimStaleRequeuesWithAttemptsLeft(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := queue.New(
		queue.WithClock(clock.Now),
		queue.WithBackoff(backoff.NewConstant(time.Second)),
	)
	worker := id.NewWorkerID()

	j := newJob(id.NewRunID(), "slow", playbook.PriorityMedium)
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.Lease(ctx, worker); err != nil {
		t.Fatalf("Lease() error = %v", err)
	}

	clock.Advance(time.Minute)
	reclaimed, err := q.ReclaimStale(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if len(reclaimed) != 1 || !reclaimed[0].WillRetry {
		t.Fatalf("ReclaimStale() = %+v, want one retryable reclaim", reclaimed)
	}

	clock.Advance(2 * time.Second)
	got, err := q.Lease(ctx, worker)
	if err != nil {
		t.Fatalf("Lease() error = %v", err)
	}
	if got == nil || got.StepKey != "slow" {
		t.Fatalf("Lease() = %+v, want reclaimed job", got)
	}
	if got.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2 (reclaim counts as a failed attempt)", got.Attempt)
	}
}

func TestDrainRun(t *testing.T) {
	ctx := context.Background()
	q := queue.New()
	target := id.NewRunID()
	other := id.NewRunID()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, newJob(target, "t", playbook.PriorityMedium)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	if err := q.Enqueue(ctx, newJob(other, "o", playbook.PriorityMedium)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	drained, err := q.DrainRun(ctx, target)
	if err != nil {
		t.Fatalf("DrainRun() error = %v", err)
	}
	if len(drained) != 3 {
		t.Fatalf("DrainRun() = %d jobs, want 3", len(drained))
	}

	j, err := q.Lease(ctx, id.NewWorkerID())
	if err != nil {
		t.Fatalf("Lease() error = %v", err)
	}
	if j == nil || j.RunID != other {
		t.Errorf("Lease() after drain = %+v, want the other run's job", j)
	}
}

func TestClosedQueue(t *testing.T) {
	ctx := context.Background()
	q := queue.New()
	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := q.Enqueue(ctx, newJob(id.NewRunID(), "x", playbook.PriorityLow)); err != playbook.ErrStoreClosed {
		t.Errorf("Enqueue() error = %v, want ErrStoreClosed", err)
	}
	if _, err := q.Lease(ctx, id.NewWorkerID()); err != playbook.ErrStoreClosed {
		t.Errorf("Lease() error = %v, want ErrStoreClosed", err)
	}
}

func TestConcurrentLeaseNoDuplicates(t *testing.T) {
	ctx := context.Background()
	q := queue.New()
	runID := id.NewRunID()

	const n = 100
	for i := 0; i < n; i++ {
		if err := q.Enqueue(ctx, newJob(runID, "s", playbook.PriorityMedium)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]bool, n)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker := id.NewWorkerID()
			for {
				j, err := q.Lease(ctx, worker)
				if err != nil {
					t.Errorf("Lease() error = %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				if seen[j.ID.String()] {
					t.Errorf("job %s leased twice", j.ID)
				}
				seen[j.ID.String()] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("leased %d distinct jobs, want %d", len(seen), n)
	}
}

func TestStatsCountsLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := queue.New(
		queue.WithClock(clock.Now),
		queue.WithBackoff(backoff.NewConstant(time.Second)),
	)
	runID := id.NewRunID()
	worker := id.NewWorkerID()

	for _, key := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, newJob(runID, key, playbook.PriorityMedium)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	first, err := q.Lease(ctx, worker)
	if err != nil || first == nil {
		t.Fatalf("Lease: %v %v", first, err)
	}
	if err := q.Complete(ctx, first.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	second, err := q.Lease(ctx, worker)
	if err != nil || second == nil {
		t.Fatalf("Lease: %v %v", second, err)
	}
	if _, willRetry, err := q.FailAndMaybeRetry(ctx, second.ID); err != nil || !willRetry {
		t.Fatalf("FailAndMaybeRetry: willRetry=%v err=%v", willRetry, err)
	}

	s := q.Stats(ctx)
	if s.Completed != 1 {
		t.Fatalf("Completed = %d, want 1", s.Completed)
	}
	if s.Failed != 0 {
		t.Fatalf("Failed = %d, want 0", s.Failed)
	}
	if s.Retrying != 1 {
		t.Fatalf("Retrying = %d, want 1", s.Retrying)
	}
	if s.Pending[playbook.PriorityMedium] != 2 {
		t.Fatalf("Pending = %d, want 2", s.Pending[playbook.PriorityMedium])
	}

	// Exhaust the retried job.
	for {
		clock.Advance(2 * time.Second)
		j, err := q.Lease(ctx, worker)
		if err != nil {
			t.Fatalf("Lease: %v", err)
		}
		if j == nil || j.StepKey != second.StepKey {
			if j != nil {
				if err := q.Complete(ctx, j.ID); err != nil {
					t.Fatalf("Complete: %v", err)
				}
			}
			continue
		}
		_, willRetry, err := q.FailAndMaybeRetry(ctx, j.ID)
		if err != nil {
			t.Fatalf("FailAndMaybeRetry: %v", err)
		}
		if !willRetry {
			break
		}
	}

	s = q.Stats(ctx)
	if s.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", s.Failed)
	}
	if s.Retrying != 0 {
		t.Fatalf("Retrying = %d, want 0", s.Retrying)
	}
}
