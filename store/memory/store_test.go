package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/id"
	"github.com/pravado/playbook/run"
	"github.com/pravado/playbook/store/memory"
)

func newRun(state run.State) *run.Run {
	return &run.Run{
		Entity:       playbook.NewEntity(),
		ID:           id.NewRunID(),
		PlaybookID:   id.NewPlaybookID(),
		PlaybookName: "test",
		State:        state,
		Priority:     playbook.PriorityMedium,
	}
}

func newStep(runID id.RunID, key string) *run.StepRun {
	return &run.StepRun{
		Entity:      playbook.NewEntity(),
		ID:          id.NewStepRunID(),
		RunID:       runID,
		Key:         key,
		Type:        playbook.StepTypeData,
		State:       run.StateWaiting,
		MaxAttempts: 3,
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	r := newRun(run.StateQueued)
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(ctx, r); !errors.Is(err, playbook.ErrRunAlreadyExists) {
		t.Fatalf("duplicate CreateRun: got %v, want ErrRunAlreadyExists", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != run.StateQueued {
		t.Errorf("State = %q, want queued", got.State)
	}

	got.State = run.StateRunning
	if err := s.UpdateRun(ctx, got); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	again, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun after update: %v", err)
	}
	if again.State != run.StateRunning {
		t.Errorf("State after update = %q, want running", again.State)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := memory.New()
	if _, err := s.GetRun(context.Background(), id.NewRunID()); !errors.Is(err, playbook.ErrRunNotFound) {
		t.Fatalf("got %v, want ErrRunNotFound", err)
	}
}

func TestCopyOnRead(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	r := newRun(run.StateQueued)
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	first, _ := s.GetRun(ctx, r.ID)
	first.State = run.StateFailed

	second, _ := s.GetRun(ctx, r.ID)
	if second.State != run.StateQueued {
		t.Errorf("mutating a returned run leaked into the store: %q", second.State)
	}
}

func TestStepRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	r := newRun(run.StateQueued)
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	a := newStep(r.ID, "a")
	b := newStep(r.ID, "b")
	if err := s.CreateStepRun(ctx, a); err != nil {
		t.Fatalf("CreateStepRun a: %v", err)
	}
	if err := s.CreateStepRun(ctx, b); err != nil {
		t.Fatalf("CreateStepRun b: %v", err)
	}
	if err := s.CreateStepRun(ctx, a); !errors.Is(err, playbook.ErrStepAlreadyExists) {
		t.Fatalf("duplicate CreateStepRun: got %v, want ErrStepAlreadyExists", err)
	}

	got, err := s.GetStepRun(ctx, r.ID, "a")
	if err != nil {
		t.Fatalf("GetStepRun: %v", err)
	}
	got.State = run.StateSuccess
	if err := s.UpdateStepRun(ctx, got); err != nil {
		t.Fatalf("UpdateStepRun: %v", err)
	}

	all, err := s.ListStepRuns(ctx, r.ID)
	if err != nil {
		t.Fatalf("ListStepRuns: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListStepRuns returned %d steps, want 2", len(all))
	}
	if all[0].Key != "a" || all[1].Key != "b" {
		t.Errorf("order = [%s %s], want creation order [a b]", all[0].Key, all[1].Key)
	}
	if all[0].State != run.StateSuccess {
		t.Errorf("step a State = %q, want success", all[0].State)
	}
}

func TestStepRunNotFound(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	r := newRun(run.StateQueued)
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := s.GetStepRun(ctx, r.ID, "missing"); !errors.Is(err, playbook.ErrStepRunNotFound) {
		t.Fatalf("got %v, want ErrStepRunNotFound", err)
	}
	if _, err := s.GetStepRun(ctx, id.NewRunID(), "missing"); !errors.Is(err, playbook.ErrRunNotFound) {
		t.Fatalf("unknown run: got %v, want ErrRunNotFound", err)
	}
}

func TestAppendStepLog(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	r := newRun(run.StateQueued)
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateStepRun(ctx, newStep(r.ID, "a")); err != nil {
		t.Fatalf("CreateStepRun: %v", err)
	}

	if err := s.AppendStepLog(ctx, r.ID, "a", "first"); err != nil {
		t.Fatalf("AppendStepLog: %v", err)
	}
	if err := s.AppendStepLog(ctx, r.ID, "a", "second"); err != nil {
		t.Fatalf("AppendStepLog: %v", err)
	}

	got, err := s.GetStepRun(ctx, r.ID, "a")
	if err != nil {
		t.Fatalf("GetStepRun: %v", err)
	}
	if len(got.Logs) != 2 || got.Logs[0] != "first" || got.Logs[1] != "second" {
		t.Errorf("Logs = %v, want [first second]", got.Logs)
	}
}

func TestListRunsFiltering(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	pbID := id.NewPlaybookID()
	failed := newRun(run.StateFailed)
	failed.PlaybookID = pbID
	scoped := newRun(run.StateSuccess)
	scoped.OrgID = "org-a"

	for _, r := range []*run.Run{newRun(run.StateQueued), failed, scoped} {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter run.ListFilter
		want   int
	}{
		{"all", run.ListFilter{}, 3},
		{"by state", run.ListFilter{State: run.StateFailed}, 1},
		{"by playbook", run.ListFilter{PlaybookID: pbID}, 1},
		{"by org", run.ListFilter{OrgID: "org-a"}, 1},
		{"limit", run.ListFilter{Limit: 2}, 2},
		{"offset past end", run.ListFilter{Offset: 10}, 0},
		{"no match", run.ListFilter{OrgID: "org-b"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d runs, want %d", len(got), tt.want)
			}
		})
	}
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := s.CreateRun(ctx, newRun(run.StateQueued)); !errors.Is(err, playbook.ErrStoreClosed) {
		t.Errorf("CreateRun after close: got %v, want ErrStoreClosed", err)
	}
	if _, err := s.ListRuns(ctx, run.ListFilter{}); !errors.Is(err, playbook.ErrStoreClosed) {
		t.Errorf("ListRuns after close: got %v, want ErrStoreClosed", err)
	}
}
