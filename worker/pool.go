package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/id"
	"github.com/pravado/playbook/queue"
)

// Pool manages a set of concurrent worker goroutines that lease jobs
// from the queue and execute them through the Executor, plus a reaper
// that takes back leases from workers that died mid-step.
type Pool struct {
	queue    *queue.Queue
	executor *Executor
	logger   *slog.Logger

	concurrency  int
	pollInterval time.Duration
	staleTimeout time.Duration
	workerID     id.WorkerID

	busy atomic.Int64

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	activeMu   sync.Mutex
	activeJobs map[string]context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of concurrent worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets how often idle workers poll for new jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithStaleTimeout sets the threshold after which a leased job with no
// completion is considered stale and reclaimed. Zero disables the
// reaper.
func WithStaleTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleTimeout = d }
}

// NewPool creates a worker pool.
func NewPool(q *queue.Queue, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := playbook.DefaultConfig()
	p := &Pool{
		queue:        q,
		executor:     executor,
		logger:       logger,
		concurrency:  cfg.WorkerConcurrency,
		pollInterval: cfg.QueuePollInterval,
		staleTimeout: cfg.StaleJobTimeout,
		workerID:     id.NewWorkerID(),
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.leaseLoop()
	}

	if p.staleTimeout > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish. If the
// context has a deadline, in-flight steps are cancelled when time runs
// out; their leases are then reclaimed like any other stale lease.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active steps")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// Stats reports pool occupancy.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Concurrency: p.concurrency,
		Busy:        int(p.busy.Load()),
	}
}

// PoolStats describes current pool occupancy.
type PoolStats struct {
	Concurrency int `json:"concurrency"`
	Busy        int `json:"busy"`
}

// leaseLoop is run by each worker goroutine.
func (p *Pool) leaseLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		j, err := p.queue.Lease(context.Background(), p.workerID)
		if err != nil {
			if err != playbook.ErrStoreClosed {
				p.logger.Error("lease error", slog.String("error", err.Error()))
			}
			p.sleep()
			continue
		}
		if j == nil {
			p.sleep()
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		p.trackJob(j.ID.String(), cancel)
		p.busy.Add(1)

		if execErr := p.executor.Execute(ctx, j, p.workerID); execErr != nil {
			p.logger.Debug("step execution failed",
				slog.String("job_id", j.ID.String()),
				slog.String("run_id", j.RunID.String()),
				slog.String("step", j.StepKey),
				slog.String("error", execErr.Error()),
			)
		}

		p.busy.Add(-1)
		p.untrackJob(j.ID.String())
		cancel()
	}
}

// reaperLoop periodically reclaims stale leases.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.staleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapStale()
		}
	}
}

func (p *Pool) reapStale() {
	ctx := context.Background()
	reclaimed, err := p.queue.ReclaimStale(ctx, p.staleTimeout)
	if err != nil {
		p.logger.Error("reclaim stale leases error", slog.String("error", err.Error()))
		return
	}
	for _, rec := range reclaimed {
		p.executor.HandleReclaim(ctx, rec)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active step", slog.String("job_id", jobID))
		cancel()
	}
}
