// Package redis implements run.Store using Redis, for deployments that
// want run state to survive process restarts without running a SQL
// database. Runs are stored as JSON values, step records in one Hash
// per run, and step logs in Lists so appends never rewrite the record.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/id"
	"github.com/pravado/playbook/run"
)

var _ run.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is a Redis-backed run store.
type Store struct {
	client goredis.Cmdable
	logger *slog.Logger
}

// New creates a Redis-backed run store. The caller owns the Redis
// client lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op. The caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// CreateRun stores a new run record.
func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	rID := r.ID.String()
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("playbook/redis: encode run: %w", err)
	}

	ok, err := s.client.SetNX(ctx, runKey(rID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("playbook/redis: create run: %w", err)
	}
	if !ok {
		return playbook.ErrRunAlreadyExists
	}
	if err := s.client.SAdd(ctx, runIDsKey, rID).Err(); err != nil {
		return fmt.Errorf("playbook/redis: index run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*run.Run, error) {
	data, err := s.client.Get(ctx, runKey(runID.String())).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, playbook.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("playbook/redis: get run: %w", err)
	}
	var r run.Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("playbook/redis: decode run: %w", err)
	}
	return &r, nil
}

// UpdateRun replaces an existing run record.
func (s *Store) UpdateRun(ctx context.Context, r *run.Run) error {
	key := runKey(r.ID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("playbook/redis: update run check: %w", err)
	}
	if exists == 0 {
		return playbook.ErrRunNotFound
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("playbook/redis: encode run: %w", err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("playbook/redis: update run: %w", err)
	}
	return nil
}

// ListRuns returns runs matching the filter, newest first. Filtering
// happens client-side over the enumerated run set.
func (s *Store) ListRuns(ctx context.Context, filter run.ListFilter) ([]*run.Run, error) {
	ids, err := s.client.SMembers(ctx, runIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("playbook/redis: list run ids: %w", err)
	}
	if len(ids) == 0 {
		return []*run.Run{}, nil
	}

	keys := make([]string, len(ids))
	for i, rID := range ids {
		keys[i] = runKey(rID)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("playbook/redis: list runs: %w", err)
	}

	matched := make([]*run.Run, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var r run.Run
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.logger.Warn("skipping undecodable run record", "error", err)
			continue
		}
		if !filter.PlaybookID.IsNil() && r.PlaybookID != filter.PlaybookID {
			continue
		}
		if filter.OrgID != "" && r.OrgID != filter.OrgID {
			continue
		}
		if filter.State != "" && r.State != filter.State {
			continue
		}
		matched = append(matched, &r)
	}

	// Run IDs are UUIDv7-based, so the ID string orders by creation time.
	sortRunsNewestFirst(matched)

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*run.Run{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// CreateStepRun stores a new step run record in the run's step hash.
func (s *Store) CreateStepRun(ctx context.Context, sr *run.StepRun) error {
	rID := sr.RunID.String()
	exists, err := s.client.Exists(ctx, runKey(rID)).Result()
	if err != nil {
		return fmt.Errorf("playbook/redis: create step check run: %w", err)
	}
	if exists == 0 {
		return playbook.ErrRunNotFound
	}

	data, err := json.Marshal(sr)
	if err != nil {
		return fmt.Errorf("playbook/redis: encode step run: %w", err)
	}
	ok, err := s.client.HSetNX(ctx, stepsKey(rID), sr.Key, data).Result()
	if err != nil {
		return fmt.Errorf("playbook/redis: create step run: %w", err)
	}
	if !ok {
		return playbook.ErrStepAlreadyExists
	}
	return nil
}

// GetStepRun retrieves a step run by run ID and step key, including
// its appended log lines.
func (s *Store) GetStepRun(ctx context.Context, runID id.RunID, key string) (*run.StepRun, error) {
	rID := runID.String()
	data, err := s.client.HGet(ctx, stepsKey(rID), key).Bytes()
	if errors.Is(err, goredis.Nil) {
		exists, exErr := s.client.Exists(ctx, runKey(rID)).Result()
		if exErr == nil && exists == 0 {
			return nil, playbook.ErrRunNotFound
		}
		return nil, playbook.ErrStepRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("playbook/redis: get step run: %w", err)
	}

	var sr run.StepRun
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("playbook/redis: decode step run: %w", err)
	}
	if err := s.attachLogs(ctx, &sr); err != nil {
		return nil, err
	}
	return &sr, nil
}

// UpdateStepRun replaces an existing step run record. Log lines live in
// their own List and are not rewritten.
func (s *Store) UpdateStepRun(ctx context.Context, sr *run.StepRun) error {
	rID := sr.RunID.String()
	hkey := stepsKey(rID)
	exists, err := s.client.HExists(ctx, hkey, sr.Key).Result()
	if err != nil {
		return fmt.Errorf("playbook/redis: update step run check: %w", err)
	}
	if !exists {
		runExists, exErr := s.client.Exists(ctx, runKey(rID)).Result()
		if exErr == nil && runExists == 0 {
			return playbook.ErrRunNotFound
		}
		return playbook.ErrStepRunNotFound
	}

	record := *sr
	record.Logs = nil
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("playbook/redis: encode step run: %w", err)
	}
	if err := s.client.HSet(ctx, hkey, sr.Key, data).Err(); err != nil {
		return fmt.Errorf("playbook/redis: update step run: %w", err)
	}
	return nil
}

// ListStepRuns returns all step runs for a run in creation order.
func (s *Store) ListStepRuns(ctx context.Context, runID id.RunID) ([]*run.StepRun, error) {
	rID := runID.String()
	exists, err := s.client.Exists(ctx, runKey(rID)).Result()
	if err != nil {
		return nil, fmt.Errorf("playbook/redis: list steps check run: %w", err)
	}
	if exists == 0 {
		return nil, playbook.ErrRunNotFound
	}

	fields, err := s.client.HGetAll(ctx, stepsKey(rID)).Result()
	if err != nil {
		return nil, fmt.Errorf("playbook/redis: list step runs: %w", err)
	}

	out := make([]*run.StepRun, 0, len(fields))
	for _, raw := range fields {
		var sr run.StepRun
		if err := json.Unmarshal([]byte(raw), &sr); err != nil {
			s.logger.Warn("skipping undecodable step record", "run_id", rID, "error", err)
			continue
		}
		if err := s.attachLogs(ctx, &sr); err != nil {
			return nil, err
		}
		out = append(out, &sr)
	}
	sortStepsCreationOrder(out)
	return out, nil
}

// AppendStepLog appends a log line to the step's log list.
func (s *Store) AppendStepLog(ctx context.Context, runID id.RunID, key string, line string) error {
	rID := runID.String()
	exists, err := s.client.HExists(ctx, stepsKey(rID), key).Result()
	if err != nil {
		return fmt.Errorf("playbook/redis: append log check: %w", err)
	}
	if !exists {
		runExists, exErr := s.client.Exists(ctx, runKey(rID)).Result()
		if exErr == nil && runExists == 0 {
			return playbook.ErrRunNotFound
		}
		return playbook.ErrStepRunNotFound
	}
	if err := s.client.RPush(ctx, logsKey(rID, key), line).Err(); err != nil {
		return fmt.Errorf("playbook/redis: append log: %w", err)
	}
	return nil
}

func (s *Store) attachLogs(ctx context.Context, sr *run.StepRun) error {
	lines, err := s.client.LRange(ctx, logsKey(sr.RunID.String(), sr.Key), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("playbook/redis: read step logs: %w", err)
	}
	if len(lines) > 0 {
		sr.Logs = lines
	}
	return nil
}
