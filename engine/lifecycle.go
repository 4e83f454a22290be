package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/event"
	"github.com/pravado/playbook/graph"
	"github.com/pravado/playbook/id"
	"github.com/pravado/playbook/run"
	"github.com/pravado/playbook/step"
)

// handleStepTerminal is invoked by the executor whenever a step reaches
// a terminal state. It recomputes readiness for the run, enqueues newly
// ready steps, cascades skips and blocks, and finalizes the run when no
// further work remains. Calls are serialized per run.
func (e *Engine) handleStepTerminal(ctx context.Context, runID id.RunID, stepKey string) {
	mu := e.runLock(runID.String())
	mu.Lock()
	defer mu.Unlock()

	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.logger.Error("load run for scheduling", "run_id", runID, "error", err)
		return
	}
	if r.Terminal() {
		return
	}
	e.logger.Debug("step terminal, recomputing readiness", "run_id", runID, "step", stepKey)

	steps, err := e.store.ListStepRuns(ctx, runID)
	if err != nil {
		e.logger.Error("load step runs for scheduling", "run_id", runID, "error", err)
		return
	}
	byKey := make(map[string]*run.StepRun, len(steps))
	for _, s := range steps {
		byKey[s.Key] = s
	}

	if r.CancelRequested {
		e.cancelRemaining(ctx, steps)
	} else {
		g, err := e.graphFor(r)
		if err != nil {
			e.logger.Error("rebuild graph for scheduling", "run_id", runID, "error", err)
			return
		}
		trans := g.ComputeReady(buildView(steps))
		e.applyTransitions(ctx, r, byKey, trans)
	}

	e.settleRunState(ctx, r, steps)
}

// buildView projects step records into the per-step view readiness
// computation works from.
func buildView(steps []*run.StepRun) map[string]graph.StepStatus {
	view := make(map[string]graph.StepStatus, len(steps))
	for _, s := range steps {
		st := graph.StepStatus{State: s.State}
		if s.Type == playbook.StepTypeBranch && s.State == run.StateSuccess && len(s.Output) > 0 {
			var out step.BranchOutcome
			if err := json.Unmarshal(s.Output, &out); err == nil {
				st.BranchNext = out.Next
			}
		}
		view[s.Key] = st
	}
	return view
}

func (e *Engine) applyTransitions(ctx context.Context, r *run.Run, byKey map[string]*run.StepRun, trans graph.Transitions) {
	for _, key := range trans.Ready {
		s := byKey[key]
		if s == nil || s.State != run.StateWaiting {
			continue
		}
		s.State = run.StateQueued
		s.Touch()
		if err := e.store.UpdateStepRun(ctx, s); err != nil {
			e.logger.Error("mark step queued", "run_id", r.ID, "step", key, "error", err)
			continue
		}
		if err := e.enqueueStep(ctx, r, s); err != nil {
			e.logger.Error("enqueue ready step", "run_id", r.ID, "step", key, "error", err)
			continue
		}
		e.bus.PublishStep(event.TypeStepUpdated, s)
	}

	now := time.Now().UTC()
	for _, key := range trans.Skipped {
		s := byKey[key]
		if s == nil || s.State.Terminal() {
			continue
		}
		s.State = run.StateSkipped
		s.CompletedAt = &now
		s.Touch()
		if err := e.store.UpdateStepRun(ctx, s); err != nil {
			e.logger.Error("mark step skipped", "run_id", r.ID, "step", key, "error", err)
			continue
		}
		e.bus.PublishStep(event.TypeStepUpdated, s)
	}

	for _, key := range trans.Blocked {
		s := byKey[key]
		if s == nil || s.State.Terminal() {
			continue
		}
		s.State = run.StateBlocked
		s.Error = "upstream dependency failed"
		s.CompletedAt = &now
		s.Touch()
		if err := e.store.UpdateStepRun(ctx, s); err != nil {
			e.logger.Error("mark step blocked", "run_id", r.ID, "step", key, "error", err)
			continue
		}
		e.bus.PublishStep(event.TypeStepFailed, s)
	}
}

// cancelRemaining transitions every step that has not started executing
// into canceled. Running steps keep going until the executor observes
// the cancel flag or they finish on their own.
func (e *Engine) cancelRemaining(ctx context.Context, steps []*run.StepRun) {
	now := time.Now().UTC()
	for _, s := range steps {
		if s.State != run.StateWaiting && s.State != run.StateQueued {
			continue
		}
		s.State = run.StateCanceled
		s.CompletedAt = &now
		s.Touch()
		if err := e.store.UpdateStepRun(ctx, s); err != nil {
			e.logger.Error("cancel pending step", "run_id", s.RunID, "step", s.Key, "error", err)
			continue
		}
		e.bus.PublishStep(event.TypeStepUpdated, s)
	}
}

// settleRunState derives the run state from its steps and persists any
// change, finalizing the run when it just became terminal.
func (e *Engine) settleRunState(ctx context.Context, r *run.Run, steps []*run.StepRun) {
	next := run.DeriveRunState(steps, r.CancelRequested)
	if next == r.State {
		return
	}
	r.State = next
	r.Touch()

	if !r.Terminal() {
		if err := e.store.UpdateRun(ctx, r); err != nil {
			e.logger.Error("update run state", "run_id", r.ID, "error", err)
			return
		}
		e.bus.PublishRun(event.TypeRunUpdated, r)
		return
	}

	e.finalize(ctx, r, steps)
}

// finalize stamps the terminal result onto the run, publishes the
// closing event, and fires the completion webhook.
func (e *Engine) finalize(ctx context.Context, r *run.Run, steps []*run.StepRun) {
	now := time.Now().UTC()
	r.CompletedAt = &now

	switch r.State {
	case run.StateSuccess:
		r.Output = e.aggregateOutput(r, steps)
	case run.StateFailed:
		r.Error = firstFailure(steps)
	case run.StateCanceled:
		r.Error = "run canceled"
	}

	if err := e.store.UpdateRun(ctx, r); err != nil {
		e.logger.Error("finalize run", "run_id", r.ID, "error", err)
		return
	}

	switch r.State {
	case run.StateSuccess:
		e.bus.PublishRun(event.TypeRunCompleted, r)
	case run.StateFailed:
		e.bus.PublishRun(event.TypeRunFailed, r)
	case run.StateCanceled:
		e.bus.PublishRun(event.TypeRunCanceled, r)
	}

	e.logger.Info("run finished",
		"run_id", r.ID, "playbook", r.PlaybookName, "state", r.State,
		"elapsed", now.Sub(r.StartedAt))

	e.forget(r.ID.String())

	if r.WebhookURL != "" {
		notify := *r
		go e.notifier.Notify(context.WithoutCancel(ctx), &notify)
	}
}

// aggregateOutput assembles the run output from the leaf steps of the
// graph. A single leaf's output is returned directly; multiple leaves
// are keyed by step key. Skipped leaves contribute nothing.
func (e *Engine) aggregateOutput(r *run.Run, steps []*run.StepRun) json.RawMessage {
	g, err := e.graphFor(r)
	if err != nil {
		return nil
	}
	byKey := make(map[string]*run.StepRun, len(steps))
	for _, s := range steps {
		byKey[s.Key] = s
	}

	outputs := make(map[string]json.RawMessage)
	for _, key := range g.Leaves() {
		s := byKey[key]
		if s == nil || s.State != run.StateSuccess || len(s.Output) == 0 {
			continue
		}
		outputs[key] = s.Output
	}

	switch len(outputs) {
	case 0:
		return nil
	case 1:
		for _, out := range outputs {
			return out
		}
	}
	raw, err := json.Marshal(outputs)
	if err != nil {
		return nil
	}
	return raw
}

func firstFailure(steps []*run.StepRun) string {
	for _, s := range steps {
		if s.State == run.StateFailed && s.Error != "" {
			return fmt.Sprintf("step %q: %s", s.Key, s.Error)
		}
	}
	return "one or more steps failed"
}

// Cancel requests cancellation of an active run. Pending work is
// removed from the queue immediately; steps already executing finish
// or are interrupted by the executor, after which the run settles into
// the canceled state. Canceling a terminal run returns ErrRunTerminal.
func (e *Engine) Cancel(ctx context.Context, runID id.RunID) error {
	mu := e.runLock(runID.String())
	mu.Lock()
	defer mu.Unlock()

	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Terminal() {
		return playbook.ErrRunTerminal
	}

	r.CancelRequested = true
	r.Touch()
	if err := e.store.UpdateRun(ctx, r); err != nil {
		return err
	}

	if _, err := e.queue.DrainRun(ctx, runID); err != nil {
		e.logger.Error("drain run queue", "run_id", runID, "error", err)
	}

	steps, err := e.store.ListStepRuns(ctx, runID)
	if err != nil {
		return err
	}
	e.cancelRemaining(ctx, steps)
	e.settleRunState(ctx, r, steps)

	e.logger.Info("run cancel requested", "run_id", runID)
	return nil
}

// Resume restarts a failed run. Failed steps get a fresh attempt budget
// and are re-enqueued; blocked steps return to waiting so they can
// schedule once their retried ancestors succeed. Only failed runs are
// resumable.
func (e *Engine) Resume(ctx context.Context, runID id.RunID) error {
	mu := e.runLock(runID.String())
	mu.Lock()
	defer mu.Unlock()

	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.State != run.StateFailed {
		return playbook.ErrRunNotResumable
	}

	steps, err := e.store.ListStepRuns(ctx, runID)
	if err != nil {
		return err
	}

	resumed := 0
	for _, s := range steps {
		switch s.State {
		case run.StateFailed:
			s.State = run.StateQueued
			s.Attempt = 0
			s.Error = ""
			s.WillRetry = false
			s.CompletedAt = nil
			s.Touch()
			if err := e.store.UpdateStepRun(ctx, s); err != nil {
				return err
			}
			if err := e.enqueueStep(ctx, r, s); err != nil {
				return err
			}
			e.bus.PublishStep(event.TypeStepUpdated, s)
			resumed++
		case run.StateBlocked:
			s.State = run.StateWaiting
			s.Error = ""
			s.CompletedAt = nil
			s.Touch()
			if err := e.store.UpdateStepRun(ctx, s); err != nil {
				return err
			}
			e.bus.PublishStep(event.TypeStepUpdated, s)
		}
	}
	if resumed == 0 {
		return playbook.ErrRunNotResumable
	}

	r.State = run.StateRunning
	r.CancelRequested = false
	r.Error = ""
	r.Output = nil
	r.CompletedAt = nil
	r.Touch()
	if err := e.store.UpdateRun(ctx, r); err != nil {
		return err
	}
	e.bus.PublishRun(event.TypeRunUpdated, r)

	e.logger.Info("run resumed", "run_id", runID, "retried_steps", resumed)
	return nil
}

// Snapshot returns the run, its step runs, and aggregated progress.
func (e *Engine) Snapshot(ctx context.Context, runID id.RunID) (*run.Snapshot, error) {
	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListStepRuns(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &run.Snapshot{
		Run:      r,
		Steps:    steps,
		Progress: run.ComputeProgress(steps),
	}, nil
}

// GetRun returns the run record alone.
func (e *Engine) GetRun(ctx context.Context, runID id.RunID) (*run.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// ListRuns lists runs matching the filter.
func (e *Engine) ListRuns(ctx context.Context, filter run.ListFilter) ([]*run.Run, error) {
	return e.store.ListRuns(ctx, filter)
}
