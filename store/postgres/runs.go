package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/id"
	"github.com/pravado/playbook/run"
)

const runColumns = `id, playbook_id, playbook_name, playbook_version, org_id,
	state, priority, webhook_url, input, output, error, cancel_requested,
	definition, started_at, completed_at, created_at, updated_at`

// CreateRun stores a new run record.
func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	definition, err := marshalDefinition(r.Definition)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO playbook_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.ID, r.PlaybookID, r.PlaybookName, r.PlaybookVersion, r.OrgID,
		string(r.State), string(r.Priority), r.WebhookURL,
		rawOrNil(r.Input), rawOrNil(r.Output), r.Error, r.CancelRequested,
		definition, r.StartedAt, r.CompletedAt, r.CreatedAt, r.UpdatedAt,
	)
	if isDuplicateKey(err) {
		return playbook.ErrRunAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("playbook/postgres: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM playbook_runs WHERE id = $1`, runID)
	r, err := scanRun(row)
	if isNoRows(err) {
		return nil, playbook.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("playbook/postgres: get run: %w", err)
	}
	return r, nil
}

// UpdateRun replaces an existing run record.
func (s *Store) UpdateRun(ctx context.Context, r *run.Run) error {
	definition, err := marshalDefinition(r.Definition)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE playbook_runs SET
			state = $2, priority = $3, webhook_url = $4, input = $5,
			output = $6, error = $7, cancel_requested = $8, definition = $9,
			started_at = $10, completed_at = $11, updated_at = $12
		WHERE id = $1`,
		r.ID, string(r.State), string(r.Priority), r.WebhookURL,
		rawOrNil(r.Input), rawOrNil(r.Output), r.Error, r.CancelRequested,
		definition, r.StartedAt, r.CompletedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("playbook/postgres: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return playbook.ErrRunNotFound
	}
	return nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter run.ListFilter) ([]*run.Run, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.PlaybookID.IsNil() {
		conds = append(conds, "playbook_id = "+arg(filter.PlaybookID))
	}
	if filter.OrgID != "" {
		conds = append(conds, "org_id = "+arg(filter.OrgID))
	}
	if filter.State != "" {
		conds = append(conds, "state = "+arg(string(filter.State)))
	}

	query := `SELECT ` + runColumns + ` FROM playbook_runs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("playbook/postgres: list runs: %w", err)
	}
	defer rows.Close()

	out := []*run.Run{}
	for rows.Next() {
		r, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("playbook/postgres: scan run: %w", scanErr)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("playbook/postgres: list runs: %w", err)
	}
	return out, nil
}

// scanRun reads one run row.
func scanRun(row pgx.Row) (*run.Run, error) {
	var (
		r          run.Run
		state      string
		priority   string
		input      []byte
		output     []byte
		definition []byte
	)
	err := row.Scan(
		&r.ID, &r.PlaybookID, &r.PlaybookName, &r.PlaybookVersion, &r.OrgID,
		&state, &priority, &r.WebhookURL, &input, &output, &r.Error,
		&r.CancelRequested, &definition, &r.StartedAt, &r.CompletedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.State = run.State(state)
	r.Priority = playbook.Priority(priority)
	r.Input = json.RawMessage(input)
	r.Output = json.RawMessage(output)
	if len(definition) > 0 {
		var pb playbook.Playbook
		if err := json.Unmarshal(definition, &pb); err != nil {
			return nil, fmt.Errorf("decode definition: %w", err)
		}
		r.Definition = &pb
	}
	return &r, nil
}

func marshalDefinition(pb *playbook.Playbook) ([]byte, error) {
	if pb == nil {
		return nil, nil
	}
	data, err := json.Marshal(pb)
	if err != nil {
		return nil, fmt.Errorf("playbook/postgres: encode definition: %w", err)
	}
	return data, nil
}

// rawOrNil maps an empty JSON payload to SQL NULL.
func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
