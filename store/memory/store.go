// Package memory provides an in-memory run store for development,
// testing, and single-process deployments. All data is lost on
// restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/id"
	"github.com/pravado/playbook/run"
)

// Store is a thread-safe in-memory implementation of run.Store.
// Records are copied on write and on read so callers can never mutate
// stored state through a retained pointer.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]*run.Run
	steps  map[string]map[string]*run.StepRun // runID → step key → step run
	closed bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		runs:  make(map[string]*run.Run),
		steps: make(map[string]map[string]*run.StepRun),
	}
}

func copyRun(r *run.Run) *run.Run {
	c := *r
	return &c
}

func copyStep(s *run.StepRun) *run.StepRun {
	c := *s
	if s.Logs != nil {
		c.Logs = make([]string, len(s.Logs))
		copy(c.Logs, s.Logs)
	}
	return &c
}

// CreateRun stores a new run record.
func (s *Store) CreateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return playbook.ErrStoreClosed
	}
	key := r.ID.String()
	if _, exists := s.runs[key]; exists {
		return playbook.ErrRunAlreadyExists
	}
	s.runs[key] = copyRun(r)
	s.steps[key] = make(map[string]*run.StepRun)
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(_ context.Context, runID id.RunID) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, playbook.ErrStoreClosed
	}
	r, ok := s.runs[runID.String()]
	if !ok {
		return nil, playbook.ErrRunNotFound
	}
	return copyRun(r), nil
}

// UpdateRun replaces an existing run record.
func (s *Store) UpdateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return playbook.ErrStoreClosed
	}
	key := r.ID.String()
	if _, ok := s.runs[key]; !ok {
		return playbook.ErrRunNotFound
	}
	s.runs[key] = copyRun(r)
	return nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(_ context.Context, filter run.ListFilter) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, playbook.ErrStoreClosed
	}

	matched := make([]*run.Run, 0, len(s.runs))
	for _, r := range s.runs {
		if !filter.PlaybookID.IsNil() && r.PlaybookID != filter.PlaybookID {
			continue
		}
		if filter.OrgID != "" && r.OrgID != filter.OrgID {
			continue
		}
		if filter.State != "" && r.State != filter.State {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*run.Run{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*run.Run, len(matched))
	for i, r := range matched {
		out[i] = copyRun(r)
	}
	return out, nil
}

// CreateStepRun stores a new step run record.
func (s *Store) CreateStepRun(_ context.Context, sr *run.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return playbook.ErrStoreClosed
	}
	runKey := sr.RunID.String()
	steps, ok := s.steps[runKey]
	if !ok {
		return playbook.ErrRunNotFound
	}
	if _, exists := steps[sr.Key]; exists {
		return playbook.ErrStepAlreadyExists
	}
	steps[sr.Key] = copyStep(sr)
	return nil
}

// GetStepRun retrieves a step run by run ID and step key.
func (s *Store) GetStepRun(_ context.Context, runID id.RunID, key string) (*run.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, playbook.ErrStoreClosed
	}
	steps, ok := s.steps[runID.String()]
	if !ok {
		return nil, playbook.ErrRunNotFound
	}
	sr, ok := steps[key]
	if !ok {
		return nil, playbook.ErrStepRunNotFound
	}
	return copyStep(sr), nil
}

// UpdateStepRun replaces an existing step run record. Log lines are
// owned by AppendStepLog; the stored logs win over whatever the caller
// carries so a stale record can never truncate them.
func (s *Store) UpdateStepRun(_ context.Context, sr *run.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return playbook.ErrStoreClosed
	}
	steps, ok := s.steps[sr.RunID.String()]
	if !ok {
		return playbook.ErrRunNotFound
	}
	prev, ok := steps[sr.Key]
	if !ok {
		return playbook.ErrStepRunNotFound
	}
	next := copyStep(sr)
	if len(prev.Logs) > len(next.Logs) {
		next.Logs = prev.Logs
	}
	steps[sr.Key] = next
	return nil
}

// ListStepRuns returns all step runs for a run in creation order.
func (s *Store) ListStepRuns(_ context.Context, runID id.RunID) ([]*run.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, playbook.ErrStoreClosed
	}
	steps, ok := s.steps[runID.String()]
	if !ok {
		return nil, playbook.ErrRunNotFound
	}
	out := make([]*run.StepRun, 0, len(steps))
	for _, sr := range steps {
		out = append(out, copyStep(sr))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// AppendStepLog appends a log line to a step run.
func (s *Store) AppendStepLog(_ context.Context, runID id.RunID, key string, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return playbook.ErrStoreClosed
	}
	steps, ok := s.steps[runID.String()]
	if !ok {
		return playbook.ErrRunNotFound
	}
	sr, ok := steps[key]
	if !ok {
		return playbook.ErrStepRunNotFound
	}
	sr.Logs = append(sr.Logs, line)
	sr.Touch()
	return nil
}

// Close marks the store closed. Further calls fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
