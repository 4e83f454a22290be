package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/id"
	"github.com/pravado/playbook/middleware"
	"github.com/pravado/playbook/run"
)

func testStep() *run.StepRun {
	return &run.StepRun{
		ID:    id.NewStepRunID(),
		RunID: id.NewRunID(),
		Key:   "draft",
		Type:  playbook.StepTypeAgent,
		State: run.StateRunning,
	}
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *run.StepRun, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}
	mw2 := func(ctx context.Context, _ *run.StepRun, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	err := chain(context.Background(), testStep(), func(context.Context) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("chain error = %v", err)
	}

	want := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestChain_ErrorPropagates(t *testing.T) {
	wantErr := errors.New("boom")
	chain := middleware.Chain(
		func(ctx context.Context, _ *run.StepRun, next middleware.Handler) error {
			return next(ctx)
		},
	)
	err := chain(context.Background(), testStep(), func(context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("chain error = %v, want %v", err, wantErr)
	}
}

func TestRecover_ConvertsPanicToError(t *testing.T) {
	mw := middleware.Recover(slog.New(slog.DiscardHandler))
	err := mw(context.Background(), testStep(), func(context.Context) error {
		panic("unexpected")
	})
	if err == nil {
		t.Fatal("error = nil, want panic converted to error")
	}
}

func TestRecover_PassesThroughNormally(t *testing.T) {
	mw := middleware.Recover(slog.New(slog.DiscardHandler))
	err := mw(context.Background(), testStep(), func(context.Context) error {
		return nil
	})
	if err != nil {
		t.Errorf("error = %v, want nil", err)
	}
}

func TestTimeout_CancelsLongHandler(t *testing.T) {
	mw := middleware.Timeout(10 * time.Millisecond)
	err := mw(context.Background(), testStep(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}

func TestTimeout_ZeroIsUnbounded(t *testing.T) {
	mw := middleware.Timeout(0)
	err := mw(context.Background(), testStep(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("unexpected deadline on context")
		}
		return nil
	})
	if err != nil {
		t.Errorf("error = %v, want nil", err)
	}
}

func TestLogging_PassesThroughResult(t *testing.T) {
	mw := middleware.Logging(slog.New(slog.DiscardHandler))
	wantErr := errors.New("step error")
	err := mw(context.Background(), testStep(), func(context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want %v", err, wantErr)
	}
}
