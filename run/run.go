// Package run defines the durable execution records — Run and StepRun —
// their shared state vocabulary, and the store interface that persists
// them. The engine is the only writer of run-level state; step runs are
// mutated by whichever worker currently leases them.
package run

import (
	"encoding/json"
	"time"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/id"
)

// State is the lifecycle vocabulary shared by runs and step runs.
// Semantics differ slightly per level; see the constants.
type State string

const (
	// StateQueued means waiting to be picked up by a worker (step), or
	// submitted but not yet executing (run).
	StateQueued State = "queued"
	// StateRunning means execution is in progress.
	StateRunning State = "running"
	// StateSuccess is terminal success.
	StateSuccess State = "success"
	// StateFailed is terminal failure (retries exhausted).
	StateFailed State = "failed"
	// StateWaiting (step only) means dependencies are not yet satisfied.
	StateWaiting State = "waiting_for_dependencies"
	// StateBlocked (step only, terminal) means an ancestor permanently
	// failed, so this step can never become ready.
	StateBlocked State = "blocked"
	// StateCanceled is terminal explicit cancellation.
	StateCanceled State = "canceled"
	// StateSkipped (step only, terminal) marks the untaken branch path.
	StateSkipped State = "skipped"
)

// Terminal reports whether s is a terminal step state.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateBlocked, StateCanceled, StateSkipped:
		return true
	}
	return false
}

// Satisfied reports whether a dependency in state s releases its
// dependents (success or skipped).
func (s State) Satisfied() bool {
	return s == StateSuccess || s == StateSkipped
}

// Run is one execution instance of a playbook definition. Created at
// submission, mutated on every step transition, immutable once terminal.
type Run struct {
	playbook.Entity

	ID              id.RunID          `json:"id"`
	PlaybookID      id.PlaybookID     `json:"playbook_id"`
	PlaybookName    string            `json:"playbook_name"`
	PlaybookVersion int               `json:"playbook_version"`
	OrgID           string            `json:"org_id,omitempty"`
	State           State             `json:"state"`
	Priority        playbook.Priority `json:"priority"`
	WebhookURL      string            `json:"webhook_url,omitempty"`
	Input           json.RawMessage   `json:"input,omitempty"`
	Output          json.RawMessage   `json:"output,omitempty"`
	Error           string            `json:"error,omitempty"`

	// CancelRequested is set the moment cancellation is asked for, even
	// while in-flight steps are still winding down.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Definition is the playbook snapshot taken at submission so readiness
	// can be recomputed after restarts without the authoring system.
	Definition *playbook.Playbook `json:"definition,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the run has reached a terminal state.
func (r *Run) Terminal() bool {
	switch r.State {
	case StateSuccess, StateFailed, StateCanceled:
		return true
	}
	return false
}

// StepRun is one execution instance of a single graph node within a Run.
// Never deleted, only transitioned.
type StepRun struct {
	playbook.Entity

	ID          id.StepRunID      `json:"id"`
	RunID       id.RunID          `json:"run_id"`
	Key         string            `json:"key"`
	Name        string            `json:"name,omitempty"`
	Type        playbook.StepType `json:"type"`
	State       State             `json:"state"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"max_attempts"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	WillRetry   bool              `json:"will_retry,omitempty"`
	Logs        []string          `json:"logs,omitempty"`
	WorkerID    id.WorkerID       `json:"worker_id,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Progress aggregates step counts for a run snapshot.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Running   int `json:"running"`
	Pending   int `json:"pending"`
}

// Snapshot is the aggregated view returned by the get-run-state interface.
type Snapshot struct {
	Run      *Run       `json:"run"`
	Steps    []*StepRun `json:"steps"`
	Progress Progress   `json:"progress"`
}

// ComputeProgress tallies step states into progress counts. Skipped and
// blocked steps count as completed and failed respectively; anything not
// yet terminal and not running counts as pending.
func ComputeProgress(steps []*StepRun) Progress {
	p := Progress{Total: len(steps)}
	for _, s := range steps {
		switch s.State {
		case StateSuccess, StateSkipped:
			p.Completed++
		case StateFailed, StateBlocked:
			p.Failed++
		case StateRunning:
			p.Running++
		default:
			p.Pending++
		}
	}
	return p
}

// DeriveRunState computes the run-level state from its step states.
// canceled indicates the run was explicitly canceled.
func DeriveRunState(steps []*StepRun, canceled bool) State {
	var running, failed, nonTerminal, started int
	for _, s := range steps {
		switch {
		case s.State == StateRunning:
			running++
			nonTerminal++
			started++
		case s.State == StateFailed || s.State == StateBlocked:
			failed++
			started++
		case s.State.Terminal():
			started++
		default:
			nonTerminal++
		}
	}

	if canceled {
		if running > 0 {
			return StateRunning
		}
		return StateCanceled
	}
	if running > 0 {
		return StateRunning
	}
	if nonTerminal == 0 {
		if failed > 0 {
			return StateFailed
		}
		return StateSuccess
	}
	if started > 0 {
		return StateRunning
	}
	return StateQueued
}
