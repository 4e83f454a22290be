// Package queue provides the prioritized job queue that feeds the
// worker pool. A job is the unit of work: one execution attempt slot
// for one step of one run. Jobs are leased, not popped; a lease that is
// never completed is reclaimed and counted as a failed attempt.
package queue

import (
	"time"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/id"
)

// Job is a queued request to execute a step. Priority is inherited from
// the run; EligibleAt defers retries into the future.
type Job struct {
	ID          id.JobID          `json:"id"`
	RunID       id.RunID          `json:"run_id"`
	StepKey     string            `json:"step_key"`
	Priority    playbook.Priority `json:"priority"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"max_attempts"`
	EligibleAt  time.Time         `json:"eligible_at"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
}

// Exhausted reports whether the job has no attempts left.
func (j *Job) Exhausted() bool {
	return j.Attempt >= j.MaxAttempts
}

// Reclaim describes one stale lease taken back by the reaper.
type Reclaim struct {
	Job       *Job
	WorkerID  id.WorkerID
	WillRetry bool
}

// Stats is a point-in-time snapshot of queue depth. Retrying counts
// the pending jobs waiting on a backoff delay; Completed and Failed
// accumulate over the queue's lifetime.
type Stats struct {
	Pending   map[playbook.Priority]int `json:"pending"`
	Leased    int                       `json:"leased"`
	Retrying  int                       `json:"retrying"`
	Completed int64                     `json:"completed"`
	Failed    int64                     `json:"failed"`
}

// Total returns the combined pending depth across tiers.
func (s Stats) Total() int {
	n := s.Leased
	for _, c := range s.Pending {
		n += c
	}
	return n
}
