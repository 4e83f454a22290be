// Package event is the real-time side channel of the engine: every run
// and step transition is published to topic-based subscribers so UIs
// and API clients can observe progress live. Delivery is best effort;
// the store remains the source of truth.
package event

import (
	"encoding/json"
	"time"

	"github.com/pravado/playbook/id"
)

// Type identifies a lifecycle event.
type Type string

const (
	TypeRunStarted   Type = "run.started"
	TypeRunUpdated   Type = "run.updated"
	TypeRunCompleted Type = "run.completed"
	TypeRunFailed    Type = "run.failed"
	TypeRunCanceled  Type = "run.canceled"

	TypeStepUpdated   Type = "step.updated"
	TypeStepCompleted Type = "step.completed"
	TypeStepFailed    Type = "step.failed"
	TypeStepRetrying  Type = "step.retrying"
	TypeStepLog       Type = "step.log.appended"
)

// Event is one lifecycle notification. Topic routes it to subscribers
// watching a specific run; type-level topics are derived at publish.
type Event struct {
	ID        id.EventID      `json:"id"`
	Type      Type            `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RunEventData is the payload of run-level events.
type RunEventData struct {
	RunID        string `json:"run_id"`
	PlaybookName string `json:"playbook_name,omitempty"`
	State        string `json:"state"`
	Error        string `json:"error,omitempty"`
	ElapsedMs    int64  `json:"elapsed_ms,omitempty"`
}

// StepEventData is the payload of step-level events.
type StepEventData struct {
	RunID     string `json:"run_id"`
	StepKey   string `json:"step_key"`
	State     string `json:"state"`
	Attempt   int    `json:"attempt,omitempty"`
	Error     string `json:"error,omitempty"`
	WillRetry bool   `json:"will_retry,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
}

// LogEventData is the payload of step log events.
type LogEventData struct {
	RunID   string `json:"run_id"`
	StepKey string `json:"step_key"`
	Line    string `json:"line"`
}
