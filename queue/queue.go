package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/backoff"
	"github.com/pravado/playbook/id"
)

// tiers in dequeue order. Higher tiers always drain first.
var tiers = []playbook.Priority{
	playbook.PriorityUrgent,
	playbook.PriorityHigh,
	playbook.PriorityMedium,
	playbook.PriorityLow,
}

type lease struct {
	job      *Job
	workerID id.WorkerID
	leasedAt time.Time
}

// Queue is an in-memory prioritized job queue with lease semantics.
// Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending map[playbook.Priority][]*Job
	leased  map[string]*lease
	backoff backoff.Strategy
	limiter *rate.Limiter
	closed  bool

	completed int64
	failed    int64

	// now is swappable for tests.
	now func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithBackoff sets the retry delay strategy. Defaults to exponential
// doubling from one second capped at one minute.
func WithBackoff(s backoff.Strategy) Option {
	return func(q *Queue) { q.backoff = s }
}

// WithRateLimit caps sustained lease throughput in jobs per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(q *Queue) {
		if burst <= 0 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New returns an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		pending: make(map[playbook.Priority][]*Job, len(tiers)),
		leased:  make(map[string]*lease),
		backoff: backoff.DefaultStrategy(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a job. A zero ID is assigned; a zero EligibleAt means
// eligible immediately.
func (q *Queue) Enqueue(_ context.Context, j *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return playbook.ErrStoreClosed
	}
	if j.ID.IsNil() {
		j.ID = id.NewJobID()
	}
	now := q.now()
	j.EnqueuedAt = now
	if j.EligibleAt.IsZero() {
		j.EligibleAt = now
	}
	if !j.Priority.Valid() {
		j.Priority = playbook.PriorityMedium
	}

	cp := *j
	q.insert(&cp)
	return nil
}

// insert keeps each tier sorted by EligibleAt ascending.
func (q *Queue) insert(j *Job) {
	tier := q.pending[j.Priority]
	i := sort.Search(len(tier), func(k int) bool {
		return tier[k].EligibleAt.After(j.EligibleAt)
	})
	tier = append(tier, nil)
	copy(tier[i+1:], tier[i:])
	tier[i] = j
	q.pending[j.Priority] = tier
}

// Lease claims the highest-priority eligible job for workerID and
// increments its attempt counter. Returns (nil, nil) when nothing is
// eligible right now.
func (q *Queue) Lease(_ context.Context, workerID id.WorkerID) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, playbook.ErrStoreClosed
	}

	now := q.now()
	for _, p := range tiers {
		tier := q.pending[p]
		if len(tier) == 0 || tier[0].EligibleAt.After(now) {
			continue
		}
		if q.limiter != nil && !q.limiter.Allow() {
			return nil, nil
		}

		j := tier[0]
		q.pending[p] = tier[1:]
		j.Attempt++
		q.leased[j.ID.String()] = &lease{job: j, workerID: workerID, leasedAt: now}

		cp := *j
		return &cp, nil
	}
	return nil, nil
}

// Complete releases a leased job after successful execution.
func (q *Queue) Complete(_ context.Context, jobID id.JobID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := jobID.String()
	if _, ok := q.leased[key]; !ok {
		return playbook.ErrJobNotFound
	}
	delete(q.leased, key)
	q.completed++
	return nil
}

// FailAndMaybeRetry releases a leased job after a failed attempt. If
// attempts remain, the job is re-enqueued with a backoff delay and the
// scheduled retry copy is returned with willRetry true. Otherwise the
// job is dropped and willRetry is false.
func (q *Queue) FailAndMaybeRetry(_ context.Context, jobID id.JobID) (*Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := jobID.String()
	l, ok := q.leased[key]
	if !ok {
		return nil, false, playbook.ErrJobNotFound
	}
	delete(q.leased, key)

	j := l.job
	if j.Exhausted() {
		q.failed++
		cp := *j
		return &cp, false, nil
	}

	j.EligibleAt = q.now().Add(q.backoff.Delay(j.Attempt))
	q.insert(j)

	cp := *j
	return &cp, true, nil
}

// ReclaimStale takes back leases older than olderThan. Each reclaim
// counts as a failed attempt: jobs with attempts left are re-enqueued
// with backoff, exhausted jobs are dropped and reported with WillRetry
// false so the caller can fail the step.
func (q *Queue) ReclaimStale(_ context.Context, olderThan time.Duration) ([]Reclaim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, playbook.ErrStoreClosed
	}

	cutoff := q.now().Add(-olderThan)
	var reclaimed []Reclaim
	for key, l := range q.leased {
		if !l.leasedAt.Before(cutoff) {
			continue
		}
		delete(q.leased, key)

		j := l.job
		r := Reclaim{WorkerID: l.workerID}
		if j.Exhausted() {
			q.failed++
			cp := *j
			r.Job = &cp
		} else {
			j.EligibleAt = q.now().Add(q.backoff.Delay(j.Attempt))
			q.insert(j)
			cp := *j
			r.Job = &cp
			r.WillRetry = true
		}
		reclaimed = append(reclaimed, r)
	}
	return reclaimed, nil
}

// DrainRun removes every pending job belonging to runID and returns
// them. Leased jobs are left to finish; cancellation of in-flight work
// happens at the executor.
func (q *Queue) DrainRun(_ context.Context, runID id.RunID) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var drained []*Job
	for p, tier := range q.pending {
		kept := tier[:0]
		for _, j := range tier {
			if j.RunID == runID {
				drained = append(drained, j)
			} else {
				kept = append(kept, j)
			}
		}
		q.pending[p] = kept
	}
	return drained, nil
}

// Stats returns current queue depths.
func (q *Queue) Stats(_ context.Context) Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Pending:   make(map[playbook.Priority]int, len(tiers)),
		Leased:    len(q.leased),
		Completed: q.completed,
		Failed:    q.failed,
	}
	for _, p := range tiers {
		s.Pending[p] = len(q.pending[p])
		for _, j := range q.pending[p] {
			if j.Attempt > 0 {
				s.Retrying++
			}
		}
	}
	return s
}

// Close marks the queue closed. Subsequent Enqueue and Lease calls fail
// with ErrStoreClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
