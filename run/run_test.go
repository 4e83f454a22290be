package run_test

import (
	"testing"

	"github.com/pravado/playbook/run"
)

func steps(states ...run.State) []*run.StepRun {
	out := make([]*run.StepRun, 0, len(states))
	for _, s := range states {
		out = append(out, &run.StepRun{State: s})
	}
	return out
}

func TestDeriveRunState(t *testing.T) {
	tests := []struct {
		name     string
		states   []run.State
		canceled bool
		want     run.State
	}{
		{
			name:   "all queued",
			states: []run.State{run.StateQueued, run.StateWaiting},
			want:   run.StateQueued,
		},
		{
			name:   "one running",
			states: []run.State{run.StateSuccess, run.StateRunning, run.StateWaiting},
			want:   run.StateRunning,
		},
		{
			name:   "partially complete nothing executing",
			states: []run.State{run.StateSuccess, run.StateQueued},
			want:   run.StateRunning,
		},
		{
			name:   "all success",
			states: []run.State{run.StateSuccess, run.StateSuccess},
			want:   run.StateSuccess,
		},
		{
			name:   "skipped counts as terminal success",
			states: []run.State{run.StateSuccess, run.StateSkipped},
			want:   run.StateSuccess,
		},
		{
			name:   "failed step fails the run",
			states: []run.State{run.StateSuccess, run.StateFailed, run.StateBlocked},
			want:   run.StateFailed,
		},
		{
			name:   "failure waits for in-flight work",
			states: []run.State{run.StateFailed, run.StateRunning},
			want:   run.StateRunning,
		},
		{
			name:     "canceled with nothing running",
			states:   []run.State{run.StateSuccess, run.StateCanceled, run.StateCanceled},
			canceled: true,
			want:     run.StateCanceled,
		},
		{
			name:     "canceled waits for running step",
			states:   []run.State{run.StateRunning, run.StateCanceled},
			canceled: true,
			want:     run.StateRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := run.DeriveRunState(steps(tt.states...), tt.canceled)
			if got != tt.want {
				t.Errorf("DeriveRunState() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeProgress(t *testing.T) {
	p := run.ComputeProgress(steps(
		run.StateSuccess,
		run.StateSkipped,
		run.StateFailed,
		run.StateBlocked,
		run.StateRunning,
		run.StateQueued,
		run.StateWaiting,
	))

	if p.Total != 7 {
		t.Errorf("Total = %d, want 7", p.Total)
	}
	if p.Completed != 2 {
		t.Errorf("Completed = %d, want 2", p.Completed)
	}
	if p.Failed != 2 {
		t.Errorf("Failed = %d, want 2", p.Failed)
	}
	if p.Running != 1 {
		t.Errorf("Running = %d, want 1", p.Running)
	}
	if p.Pending != 2 {
		t.Errorf("Pending = %d, want 2", p.Pending)
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := []run.State{run.StateSuccess, run.StateFailed, run.StateBlocked, run.StateCanceled, run.StateSkipped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%v.Terminal() = false, want true", s)
		}
	}
	open := []run.State{run.StateQueued, run.StateRunning, run.StateWaiting}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%v.Terminal() = true, want false", s)
		}
	}
}
