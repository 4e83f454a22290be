package run

import (
	"context"

	"github.com/pravado/playbook/id"
)

// ListFilter narrows ListRuns results. Zero values mean no filtering.
type ListFilter struct {
	PlaybookID id.PlaybookID
	OrgID      string
	State      State
	Limit      int
	Offset     int
}

// Store persists runs and step runs. Implementations must be safe for
// concurrent use. All methods return playbook.ErrRunNotFound or
// playbook.ErrStepRunNotFound for missing records.
type Store interface {
	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)
	UpdateRun(ctx context.Context, r *Run) error
	ListRuns(ctx context.Context, filter ListFilter) ([]*Run, error)

	CreateStepRun(ctx context.Context, s *StepRun) error
	GetStepRun(ctx context.Context, runID id.RunID, key string) (*StepRun, error)
	UpdateStepRun(ctx context.Context, s *StepRun) error
	ListStepRuns(ctx context.Context, runID id.RunID) ([]*StepRun, error)

	// AppendStepLog appends a log line to a step run without rewriting
	// the whole record.
	AppendStepLog(ctx context.Context, runID id.RunID, key string, line string) error

	Close() error
}
