// Package schedule submits playbook runs on recurring cron schedules.
// Entries are registered in memory and fired by a single tick loop;
// each fire is an ordinary engine submission, so scheduled runs behave
// exactly like ad hoc ones.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/engine"
	"github.com/pravado/playbook/id"
	"github.com/pravado/playbook/run"
)

// Submitter starts a playbook run. *engine.Engine satisfies this.
type Submitter interface {
	Submit(ctx context.Context, pb *playbook.Playbook, opts engine.SubmitOptions) (*run.Run, error)
}

// cronParser supports standard 5-field cron and descriptors like
// "@every 30s" or "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Entry is one recurring playbook submission.
type Entry struct {
	playbook.Entity

	ID       id.ScheduleID `json:"id"`
	Name     string        `json:"name"`
	Expr     string        `json:"expr"`
	Playbook *playbook.Playbook
	Options  engine.SubmitOptions
	Enabled  bool `json:"enabled"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt time.Time  `json:"next_run_at"`

	sched cronlib.Schedule
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler fires registered entries when they come due.
type Scheduler struct {
	submitter Submitter
	logger    *slog.Logger

	tickInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry

	startMu sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler on top of the given submitter.
func NewScheduler(submitter Submitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		submitter:    submitter,
		logger:       slog.Default(),
		tickInterval: time.Second,
		now:          time.Now,
		entries:      make(map[string]*Entry),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a named recurring submission. The playbook is validated
// lazily on each fire; a bad cron expression is rejected here. Names
// are unique.
func (s *Scheduler) Register(name, expr string, pb *playbook.Playbook, opts engine.SubmitOptions) (*Entry, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule: parse %q: %w", expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return nil, fmt.Errorf("schedule: entry %q already registered", name)
	}

	e := &Entry{
		Entity:    playbook.NewEntity(),
		ID:        id.NewScheduleID(),
		Name:      name,
		Expr:      expr,
		Playbook:  pb,
		Options:   opts,
		Enabled:   true,
		NextRunAt: sched.Next(s.now().UTC()),
		sched:     sched,
	}
	s.entries[name] = e

	s.logger.Info("schedule registered",
		"name", name, "expr", expr, "next_run_at", e.NextRunAt)
	return e, nil
}

// Remove deletes a registered entry. Removing an unknown name is a
// no-op.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, name)
}

// SetEnabled pauses or resumes an entry without losing its schedule.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("schedule: entry %q not found", name)
	}
	e.Enabled = enabled
	if enabled {
		e.NextRunAt = e.sched.Next(s.now().UTC())
	}
	return nil
}

// Entries returns a snapshot of all registered entries, sorted by name.
func (s *Scheduler) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches the tick loop. It returns immediately.
func (s *Scheduler) Start(_ context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.running {
		return nil
	}
	s.running = true

	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started", "tick_interval", s.tickInterval)
	return nil
}

// Stop signals the tick loop to stop and waits for it to finish.
func (s *Scheduler) Stop(_ context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick fires every due entry once and advances its next-run time.
func (s *Scheduler) tick() {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if e.Enabled && !e.NextRunAt.After(now) {
			due = append(due, e)
		}
	}
	for _, e := range due {
		fired := now
		e.LastRunAt = &fired
		e.NextRunAt = e.sched.Next(now)
	}
	s.mu.Unlock()

	for _, e := range due {
		r, err := s.submitter.Submit(context.Background(), e.Playbook, e.Options)
		if err != nil {
			s.logger.Error("scheduled submission failed",
				"name", e.Name, "error", err)
			continue
		}
		s.logger.Info("scheduled run submitted",
			"name", e.Name, "run_id", r.ID, "next_run_at", e.NextRunAt)
	}
}
