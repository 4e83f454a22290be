package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/id"
	"github.com/pravado/playbook/run"
)

const stepColumns = `id, run_id, key, name, type, state, attempt, max_attempts,
	input, output, error, will_retry, worker_id, started_at, completed_at,
	created_at, updated_at`

// CreateStepRun stores a new step run record.
func (s *Store) CreateStepRun(ctx context.Context, sr *run.StepRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO playbook_step_runs (`+stepColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		sr.ID, sr.RunID, sr.Key, sr.Name, string(sr.Type), string(sr.State),
		sr.Attempt, sr.MaxAttempts, rawOrNil(sr.Input), rawOrNil(sr.Output),
		sr.Error, sr.WillRetry, sr.WorkerID.String(), sr.StartedAt,
		sr.CompletedAt, sr.CreatedAt, sr.UpdatedAt,
	)
	if isDuplicateKey(err) {
		return playbook.ErrStepAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("playbook/postgres: create step run: %w", err)
	}
	return nil
}

// GetStepRun retrieves a step run by run ID and step key, including its
// appended log lines.
func (s *Store) GetStepRun(ctx context.Context, runID id.RunID, key string) (*run.StepRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM playbook_step_runs WHERE run_id = $1 AND key = $2`,
		runID, key)
	sr, err := scanStep(row)
	if isNoRows(err) {
		if exErr := s.runExists(ctx, runID); exErr != nil {
			return nil, exErr
		}
		return nil, playbook.ErrStepRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("playbook/postgres: get step run: %w", err)
	}
	if err := s.attachLogs(ctx, sr); err != nil {
		return nil, err
	}
	return sr, nil
}

// UpdateStepRun replaces an existing step run record. Log lines live in
// their own table and are never rewritten here.
func (s *Store) UpdateStepRun(ctx context.Context, sr *run.StepRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE playbook_step_runs SET
			state = $3, attempt = $4, max_attempts = $5, input = $6,
			output = $7, error = $8, will_retry = $9, worker_id = $10,
			started_at = $11, completed_at = $12, updated_at = $13
		WHERE run_id = $1 AND key = $2`,
		sr.RunID, sr.Key, string(sr.State), sr.Attempt, sr.MaxAttempts,
		rawOrNil(sr.Input), rawOrNil(sr.Output), sr.Error, sr.WillRetry,
		sr.WorkerID.String(), sr.StartedAt, sr.CompletedAt, sr.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("playbook/postgres: update step run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if exErr := s.runExists(ctx, sr.RunID); exErr != nil {
			return exErr
		}
		return playbook.ErrStepRunNotFound
	}
	return nil
}

// ListStepRuns returns all step runs for a run in creation order.
func (s *Store) ListStepRuns(ctx context.Context, runID id.RunID) ([]*run.StepRun, error) {
	if err := s.runExists(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+stepColumns+` FROM playbook_step_runs
		WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("playbook/postgres: list step runs: %w", err)
	}
	defer rows.Close()

	out := []*run.StepRun{}
	for rows.Next() {
		sr, scanErr := scanStep(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("playbook/postgres: scan step run: %w", scanErr)
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("playbook/postgres: list step runs: %w", err)
	}

	for _, sr := range out {
		if err := s.attachLogs(ctx, sr); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AppendStepLog appends a log line to the step's log table.
func (s *Store) AppendStepLog(ctx context.Context, runID id.RunID, key string, line string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM playbook_step_runs WHERE run_id = $1 AND key = $2)`,
		runID, key).Scan(&exists)
	if err != nil {
		return fmt.Errorf("playbook/postgres: append log check: %w", err)
	}
	if !exists {
		if exErr := s.runExists(ctx, runID); exErr != nil {
			return exErr
		}
		return playbook.ErrStepRunNotFound
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO playbook_step_logs (run_id, step_key, line) VALUES ($1, $2, $3)`,
		runID, key, line)
	if err != nil {
		return fmt.Errorf("playbook/postgres: append log: %w", err)
	}
	return nil
}

func (s *Store) runExists(ctx context.Context, runID id.RunID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM playbook_runs WHERE id = $1)`, runID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("playbook/postgres: check run: %w", err)
	}
	if !exists {
		return playbook.ErrRunNotFound
	}
	return nil
}

func (s *Store) attachLogs(ctx context.Context, sr *run.StepRun) error {
	rows, err := s.pool.Query(ctx, `
		SELECT line FROM playbook_step_logs
		WHERE run_id = $1 AND step_key = $2 ORDER BY seq`,
		sr.RunID, sr.Key)
	if err != nil {
		return fmt.Errorf("playbook/postgres: read step logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fmt.Errorf("playbook/postgres: scan log line: %w", err)
		}
		sr.Logs = append(sr.Logs, line)
	}
	return rows.Err()
}

// scanStep reads one step run row.
func scanStep(row pgx.Row) (*run.StepRun, error) {
	var (
		sr       run.StepRun
		stepType string
		state    string
		workerID string
		input    []byte
		output   []byte
	)
	err := row.Scan(
		&sr.ID, &sr.RunID, &sr.Key, &sr.Name, &stepType, &state, &sr.Attempt,
		&sr.MaxAttempts, &input, &output, &sr.Error, &sr.WillRetry, &workerID,
		&sr.StartedAt, &sr.CompletedAt, &sr.CreatedAt, &sr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sr.Type = playbook.StepType(stepType)
	sr.State = run.State(state)
	sr.Input = json.RawMessage(input)
	sr.Output = json.RawMessage(output)
	if workerID != "" {
		wid, parseErr := id.Parse(workerID)
		if parseErr == nil {
			sr.WorkerID = wid
		}
	}
	return &sr, nil
}
