package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/event"
	"github.com/pravado/playbook/graph"
	"github.com/pravado/playbook/id"
	"github.com/pravado/playbook/queue"
	"github.com/pravado/playbook/run"
	"github.com/pravado/playbook/scope"
)

// SubmitOptions carries per-run submission parameters.
type SubmitOptions struct {
	// Input is the run-level input payload. Steps without an input
	// template of their own inherit it unchanged.
	Input json.RawMessage

	// Priority orders the run's jobs across queue tiers. Defaults to
	// medium.
	Priority playbook.Priority

	// WebhookURL, when set, receives a POST on run completion.
	WebhookURL string

	// OrgID scopes the run to a tenant. When empty, the org captured
	// from the submission context is used.
	OrgID string
}

// Submit validates the playbook, creates the run and its step records,
// and enqueues the entry steps. The run executes asynchronously; watch
// it via the event bus or poll Snapshot.
func (e *Engine) Submit(ctx context.Context, pb *playbook.Playbook, opts SubmitOptions) (*run.Run, error) {
	g, err := graph.Build(pb)
	if err != nil {
		return nil, err
	}

	pbID := pb.ID
	if pbID.IsNil() {
		pbID = id.NewPlaybookID()
	}
	priority := opts.Priority
	if !priority.Valid() {
		priority = playbook.PriorityMedium
	}
	orgID := opts.OrgID
	if orgID == "" {
		orgID = scope.Capture(ctx)
	}

	r := &run.Run{
		Entity:          playbook.NewEntity(),
		ID:              id.NewRunID(),
		PlaybookID:      pbID,
		PlaybookName:    pb.Name,
		PlaybookVersion: pb.Version,
		OrgID:           orgID,
		State:           run.StateQueued,
		Priority:        priority,
		WebhookURL:      opts.WebhookURL,
		Input:           opts.Input,
		Definition:      pb,
		StartedAt:       time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, r); err != nil {
		return nil, err
	}
	e.graphs.Store(r.ID.String(), g)

	entries := make(map[string]bool, len(g.Entries()))
	for _, key := range g.Entries() {
		entries[key] = true
	}

	for _, key := range g.Order() {
		def := g.Step(key)
		maxAttempts := def.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = e.cfg.DefaultMaxAttempts
		}

		s := &run.StepRun{
			Entity:      playbook.NewEntity(),
			ID:          id.NewStepRunID(),
			RunID:       r.ID,
			Key:         key,
			Name:        def.Name,
			Type:        def.Type,
			State:       run.StateWaiting,
			MaxAttempts: maxAttempts,
		}
		if entries[key] {
			s.State = run.StateQueued
		}
		if err := e.store.CreateStepRun(ctx, s); err != nil {
			return nil, err
		}
		if entries[key] {
			if err := e.enqueueStep(ctx, r, s); err != nil {
				return nil, err
			}
		}
	}

	e.bus.PublishRun(event.TypeRunStarted, r)
	e.logger.Info("run submitted",
		"run_id", r.ID, "playbook", r.PlaybookName, "priority", r.Priority,
		"steps", len(pb.Steps))
	return r, nil
}

func (e *Engine) enqueueStep(ctx context.Context, r *run.Run, s *run.StepRun) error {
	return e.queue.Enqueue(ctx, &queue.Job{
		RunID:       r.ID,
		StepKey:     s.Key,
		Priority:    r.Priority,
		MaxAttempts: s.MaxAttempts,
	})
}
