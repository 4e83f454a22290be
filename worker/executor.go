// Package worker provides the step execution engine — an Executor that
// resolves step input and invokes handlers through middleware, and a
// Pool that manages concurrent worker goroutines leasing jobs.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/event"
	"github.com/pravado/playbook/id"
	"github.com/pravado/playbook/middleware"
	"github.com/pravado/playbook/queue"
	"github.com/pravado/playbook/run"
	"github.com/pravado/playbook/scope"
	"github.com/pravado/playbook/step"
	"github.com/pravado/playbook/template"
)

// TerminalFunc is called after a step reaches a terminal state so the
// scheduler can recompute downstream readiness and run state.
type TerminalFunc func(ctx context.Context, runID id.RunID, stepKey string)

// LockFunc returns the mutex serializing scheduling decisions for one
// run. The executor takes it while flipping a step to running so a
// concurrent cancellation cannot interleave between the cancel check
// and the transition. It must NOT be held during handler execution or
// terminal notification.
type LockFunc func(runID id.RunID) *sync.Mutex

// Executor runs a single leased job through input resolution, the
// middleware chain and the registered handler, then persists the
// outcome and decides retry versus terminal failure.
type Executor struct {
	store      run.Store
	queue      *queue.Queue
	registry   *step.Registry
	bus        *event.Bus
	mw         middleware.Middleware
	logger     *slog.Logger
	onTerminal TerminalFunc
	lockRun    LockFunc
}

// NewExecutor creates an Executor. lockRun may be nil when no scheduler
// shares run state with the executor.
func NewExecutor(
	store run.Store,
	q *queue.Queue,
	registry *step.Registry,
	bus *event.Bus,
	logger *slog.Logger,
	onTerminal TerminalFunc,
	lockRun LockFunc,
	mws ...middleware.Middleware,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:      store,
		queue:      q,
		registry:   registry,
		bus:        bus,
		mw:         middleware.Chain(mws...),
		logger:     logger,
		onTerminal: onTerminal,
		lockRun:    lockRun,
	}
}

// Execute runs one leased job to completion of its attempt.
func (e *Executor) Execute(ctx context.Context, j *queue.Job, workerID id.WorkerID) error {
	r, err := e.store.GetRun(ctx, j.RunID)
	if err != nil {
		e.completeQuietly(ctx, j.ID)
		return fmt.Errorf("worker: load run: %w", err)
	}

	s, err := e.store.GetStepRun(ctx, j.RunID, j.StepKey)
	if err != nil {
		e.completeQuietly(ctx, j.ID)
		return fmt.Errorf("worker: load step run: %w", err)
	}

	// A cancellation between enqueue and lease wins without executing.
	if r.CancelRequested || r.Terminal() {
		return e.cancelStep(ctx, j, s)
	}

	input, err := e.resolveInput(ctx, r, s)
	if err != nil {
		return e.failAttempt(ctx, j, s, err)
	}

	started, err := e.markRunning(ctx, j, s, workerID, input)
	if err != nil {
		e.completeQuietly(ctx, j.ID)
		return err
	}
	if !started {
		return e.cancelStep(ctx, j, s)
	}

	handler, err := e.registry.Get(s.Type)
	if err != nil {
		return e.failAttempt(ctx, j, s, err)
	}

	outputs, err := e.upstreamOutputs(ctx, j.RunID)
	if err != nil {
		return e.failAttempt(ctx, j, s, err)
	}

	sc := &step.Context{
		RunID:   j.RunID,
		StepKey: j.StepKey,
		Type:    s.Type,
		Input:   input,
		Config:  e.stepConfig(r, j.StepKey),
		Outputs: outputs,
		Logf: func(format string, args ...any) {
			line := fmt.Sprintf(format, args...)
			if logErr := e.store.AppendStepLog(ctx, j.RunID, j.StepKey, line); logErr != nil {
				e.logger.Warn("append step log failed",
					slog.String("run_id", j.RunID.String()),
					slog.String("step", j.StepKey),
					slog.String("error", logErr.Error()),
				)
			}
			e.bus.PublishStepLog(j.RunID, j.StepKey, line)
		},
	}

	var output json.RawMessage
	terminal := func(ctx context.Context) error {
		out, handlerErr := handler.Execute(ctx, sc)
		output = out
		return handlerErr
	}

	execCtx := scope.Restore(ctx, r.OrgID)
	if execErr := e.mw(execCtx, s, terminal); execErr != nil {
		return e.failAttempt(ctx, j, s, execErr)
	}

	return e.succeed(ctx, j, s, output)
}

// markRunning flips the step to running under the run's scheduling
// lock, re-reading the run first so a cancellation landing after the
// initial load cannot be overwritten. Returns false when the run was
// canceled or settled in the meantime.
func (e *Executor) markRunning(ctx context.Context, j *queue.Job, s *run.StepRun, workerID id.WorkerID, input json.RawMessage) (bool, error) {
	if e.lockRun != nil {
		mu := e.lockRun(j.RunID)
		mu.Lock()
		defer mu.Unlock()

		r, err := e.store.GetRun(ctx, j.RunID)
		if err != nil {
			return false, fmt.Errorf("worker: load run: %w", err)
		}
		if r.CancelRequested || r.Terminal() {
			return false, nil
		}
	}

	now := time.Now().UTC()
	s.State = run.StateRunning
	s.Attempt = j.Attempt
	s.WorkerID = workerID
	s.StartedAt = &now
	s.Input = input
	s.Error = ""
	s.WillRetry = false
	s.Touch()
	if err := e.store.UpdateStepRun(ctx, s); err != nil {
		return false, fmt.Errorf("worker: mark step running: %w", err)
	}
	e.bus.PublishStep(event.TypeStepUpdated, s)
	return true, nil
}

// resolveInput substitutes upstream output references into the step's
// input template. A step without an input template inherits the run
// input unchanged.
func (e *Executor) resolveInput(ctx context.Context, r *run.Run, s *run.StepRun) (json.RawMessage, error) {
	def := e.stepDef(r, s.Key)
	if def == nil || len(def.Input) == 0 {
		return r.Input, nil
	}

	outputs, err := e.upstreamOutputs(ctx, s.RunID)
	if err != nil {
		return nil, err
	}
	resolved, err := template.Resolve(def.Input, outputs)
	if err != nil {
		return nil, fmt.Errorf("worker: resolve input for step %s: %w", s.Key, err)
	}
	return resolved, nil
}

func (e *Executor) stepDef(r *run.Run, key string) *playbook.StepDef {
	if r.Definition == nil {
		return nil
	}
	return r.Definition.Step(key)
}

func (e *Executor) stepConfig(r *run.Run, key string) json.RawMessage {
	if def := e.stepDef(r, key); def != nil {
		return def.Config
	}
	return nil
}

func (e *Executor) upstreamOutputs(ctx context.Context, runID id.RunID) (map[string]json.RawMessage, error) {
	steps, err := e.store.ListStepRuns(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("worker: list step runs: %w", err)
	}
	outputs := make(map[string]json.RawMessage, len(steps))
	for _, s := range steps {
		if s.State == run.StateSuccess {
			outputs[s.Key] = s.Output
		}
	}
	return outputs, nil
}

func (e *Executor) succeed(ctx context.Context, j *queue.Job, s *run.StepRun, output json.RawMessage) error {
	now := time.Now().UTC()
	s.State = run.StateSuccess
	s.Output = output
	s.CompletedAt = &now
	s.Touch()
	if err := e.store.UpdateStepRun(ctx, s); err != nil {
		return fmt.Errorf("worker: mark step success: %w", err)
	}
	if err := e.queue.Complete(ctx, j.ID); err != nil {
		e.logger.Warn("complete job failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	e.bus.PublishStep(event.TypeStepCompleted, s)
	e.notifyTerminal(ctx, j.RunID, j.StepKey)
	return nil
}

// failAttempt records one failed attempt, letting the queue decide
// whether a retry is scheduled.
func (e *Executor) failAttempt(ctx context.Context, j *queue.Job, s *run.StepRun, attemptErr error) error {
	retry, willRetry, qErr := e.queue.FailAndMaybeRetry(ctx, j.ID)
	if qErr != nil {
		e.logger.Error("fail job failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", qErr.Error()),
		)
	}

	now := time.Now().UTC()
	s.Attempt = j.Attempt
	s.Error = attemptErr.Error()
	s.Touch()

	if willRetry {
		s.State = run.StateQueued
		s.WillRetry = true
		if err := e.store.UpdateStepRun(ctx, s); err != nil {
			return fmt.Errorf("worker: mark step retrying: %w", err)
		}
		e.bus.PublishStep(event.TypeStepRetrying, s)
		e.logger.Info("step scheduled for retry",
			slog.String("run_id", j.RunID.String()),
			slog.String("step", j.StepKey),
			slog.Int("attempt", s.Attempt),
			slog.Int("max_attempts", s.MaxAttempts),
			slog.Time("eligible_at", retry.EligibleAt),
		)
		return attemptErr
	}

	s.State = run.StateFailed
	s.WillRetry = false
	s.CompletedAt = &now
	if err := e.store.UpdateStepRun(ctx, s); err != nil {
		return fmt.Errorf("worker: mark step failed: %w", err)
	}
	e.bus.PublishStep(event.TypeStepFailed, s)
	e.logger.Warn("step failed after exhausting attempts",
		slog.String("run_id", j.RunID.String()),
		slog.String("step", j.StepKey),
		slog.Int("attempts", s.Attempt),
		slog.String("error", attemptErr.Error()),
	)
	e.notifyTerminal(ctx, j.RunID, j.StepKey)
	return attemptErr
}

func (e *Executor) cancelStep(ctx context.Context, j *queue.Job, s *run.StepRun) error {
	e.completeQuietly(ctx, j.ID)

	// The scheduler may have canceled the step already; work from the
	// freshest record.
	if fresh, err := e.store.GetStepRun(ctx, j.RunID, j.StepKey); err == nil {
		s = fresh
	}
	if s.State.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	s.State = run.StateCanceled
	s.CompletedAt = &now
	s.Touch()
	if err := e.store.UpdateStepRun(ctx, s); err != nil {
		return fmt.Errorf("worker: mark step canceled: %w", err)
	}
	e.bus.PublishStep(event.TypeStepUpdated, s)
	e.notifyTerminal(ctx, j.RunID, j.StepKey)
	return nil
}

// HandleReclaim applies the step-level consequences of a stale lease
// reclaim: requeued jobs flip the step back to queued, exhausted jobs
// fail it.
func (e *Executor) HandleReclaim(ctx context.Context, rec queue.Reclaim) {
	s, err := e.store.GetStepRun(ctx, rec.Job.RunID, rec.Job.StepKey)
	if err != nil {
		e.logger.Error("reclaim: load step run",
			slog.String("run_id", rec.Job.RunID.String()),
			slog.String("step", rec.Job.StepKey),
			slog.String("error", err.Error()),
		)
		return
	}

	s.Error = "worker lease expired"
	s.Touch()

	if rec.WillRetry {
		s.State = run.StateQueued
		s.WillRetry = true
		if err := e.store.UpdateStepRun(ctx, s); err != nil {
			e.logger.Error("reclaim: requeue step", slog.String("error", err.Error()))
			return
		}
		e.bus.PublishStep(event.TypeStepRetrying, s)
		e.logger.Info("reclaimed stale step",
			slog.String("run_id", rec.Job.RunID.String()),
			slog.String("step", rec.Job.StepKey),
			slog.String("worker_id", rec.WorkerID.String()),
		)
		return
	}

	now := time.Now().UTC()
	s.State = run.StateFailed
	s.WillRetry = false
	s.CompletedAt = &now
	if err := e.store.UpdateStepRun(ctx, s); err != nil {
		e.logger.Error("reclaim: fail step", slog.String("error", err.Error()))
		return
	}
	e.bus.PublishStep(event.TypeStepFailed, s)
	e.notifyTerminal(ctx, rec.Job.RunID, rec.Job.StepKey)
}

func (e *Executor) notifyTerminal(ctx context.Context, runID id.RunID, stepKey string) {
	if e.onTerminal != nil {
		e.onTerminal(ctx, runID, stepKey)
	}
}

func (e *Executor) completeQuietly(ctx context.Context, jobID id.JobID) {
	if err := e.queue.Complete(ctx, jobID); err != nil && err != playbook.ErrJobNotFound {
		e.logger.Warn("complete job failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}
