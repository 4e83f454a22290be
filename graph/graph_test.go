package graph_test

import (
	"encoding/json"
	"testing"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/graph"
	"github.com/pravado/playbook/run"
)

func agentStep(key string, deps ...string) playbook.StepDef {
	return playbook.StepDef{Key: key, Type: playbook.StepTypeAgent, DependsOn: deps}
}

func branchStep(key, trueTarget, falseTarget string, deps ...string) playbook.StepDef {
	cfg, _ := json.Marshal(map[string]any{
		"condition":    map[string]any{"field": "score", "op": "gt", "value": 5},
		"true_target":  trueTarget,
		"false_target": falseTarget,
	})
	return playbook.StepDef{Key: key, Type: playbook.StepTypeBranch, DependsOn: deps, Config: cfg}
}

func diamond() *playbook.Playbook {
	return &playbook.Playbook{
		Name:    "diamond",
		Version: 1,
		Steps: []playbook.StepDef{
			agentStep("a"),
			agentStep("b", "a"),
			agentStep("c", "a"),
			agentStep("d", "b", "c"),
		},
	}
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name  string
		pb    *playbook.Playbook
		valid bool
	}{
		{
			name:  "diamond is valid",
			pb:    diamond(),
			valid: true,
		},
		{
			name: "empty playbook",
			pb:   &playbook.Playbook{Name: "empty"},
		},
		{
			name: "duplicate keys",
			pb: &playbook.Playbook{Steps: []playbook.StepDef{
				agentStep("a"), agentStep("a"),
			}},
		},
		{
			name: "unknown dependency",
			pb: &playbook.Playbook{Steps: []playbook.StepDef{
				agentStep("a", "ghost"),
			}},
		},
		{
			name: "self dependency",
			pb: &playbook.Playbook{Steps: []playbook.StepDef{
				agentStep("a", "a"),
			}},
		},
		{
			name: "cycle",
			pb: &playbook.Playbook{Steps: []playbook.StepDef{
				agentStep("a", "c"), agentStep("b", "a"), agentStep("c", "b"),
			}},
		},
		{
			name: "invalid step type",
			pb: &playbook.Playbook{Steps: []playbook.StepDef{
				{Key: "a", Type: "teleport"},
			}},
		},
		{
			name: "branch target missing",
			pb: &playbook.Playbook{Steps: []playbook.StepDef{
				agentStep("a"),
				branchStep("gate", "x", "y", "a"),
			}},
		},
		{
			name: "branch without config",
			pb: &playbook.Playbook{Steps: []playbook.StepDef{
				{Key: "gate", Type: playbook.StepTypeBranch},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := graph.Build(tt.pb)
			if tt.valid && err != nil {
				t.Fatalf("Build() error = %v, want nil", err)
			}
			if !tt.valid {
				if err == nil {
					t.Fatal("Build() error = nil, want validation error")
				}
				if !playbook.IsValidation(err) {
					t.Errorf("Build() error = %v, want *ValidationError", err)
				}
			}
		})
	}
}

func TestImplicitTemplateDependencies(t *testing.T) {
	pb := &playbook.Playbook{
		Steps: []playbook.StepDef{
			agentStep("fetch"),
			{
				Key:   "summarize",
				Type:  playbook.StepTypeAgent,
				Input: json.RawMessage(`{"text": "{{steps.fetch.output.body}}"}`),
			},
		},
	}
	g, err := graph.Build(pb)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	in := g.In("summarize")
	if len(in) != 1 || in[0].From != "fetch" {
		t.Fatalf("In(summarize) = %+v, want single edge from fetch", in)
	}
	entries := g.Entries()
	if len(entries) != 1 || entries[0] != "fetch" {
		t.Errorf("Entries() = %v, want [fetch]", entries)
	}
}

func TestComputeReadyDiamond(t *testing.T) {
	g, err := graph.Build(diamond())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	view := map[string]graph.StepStatus{
		"a": {State: run.StateWaiting},
		"b": {State: run.StateWaiting},
		"c": {State: run.StateWaiting},
		"d": {State: run.StateWaiting},
	}

	// Only the entry step is ready at submission.
	tr := g.ComputeReady(view)
	if len(tr.Ready) != 1 || tr.Ready[0] != "a" {
		t.Fatalf("Ready = %v, want [a]", tr.Ready)
	}

	// a done: both middle steps release, d still waits.
	view["a"] = graph.StepStatus{State: run.StateSuccess}
	tr = g.ComputeReady(view)
	if len(tr.Ready) != 2 {
		t.Fatalf("Ready = %v, want [b c]", tr.Ready)
	}

	// b done, c still running: d must not fire early.
	view["b"] = graph.StepStatus{State: run.StateSuccess}
	view["c"] = graph.StepStatus{State: run.StateRunning}
	tr = g.ComputeReady(view)
	if len(tr.Ready) != 0 {
		t.Fatalf("Ready = %v, want none while c is running", tr.Ready)
	}

	view["c"] = graph.StepStatus{State: run.StateSuccess}
	tr = g.ComputeReady(view)
	if len(tr.Ready) != 1 || tr.Ready[0] != "d" {
		t.Fatalf("Ready = %v, want [d]", tr.Ready)
	}
}

func TestComputeReadyFailureCascade(t *testing.T) {
	g, err := graph.Build(diamond())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	view := map[string]graph.StepStatus{
		"a": {State: run.StateSuccess},
		"b": {State: run.StateFailed},
		"c": {State: run.StateSuccess},
		"d": {State: run.StateWaiting},
	}
	tr := g.ComputeReady(view)
	if len(tr.Blocked) != 1 || tr.Blocked[0] != "d" {
		t.Fatalf("Blocked = %v, want [d]", tr.Blocked)
	}
	if len(tr.Ready) != 0 {
		t.Errorf("Ready = %v, want none", tr.Ready)
	}
}

func TestComputeReadyBlockCascadesTransitively(t *testing.T) {
	pb := &playbook.Playbook{
		Steps: []playbook.StepDef{
			agentStep("a"),
			agentStep("b", "a"),
			agentStep("c", "b"),
		},
	}
	g, err := graph.Build(pb)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	view := map[string]graph.StepStatus{
		"a": {State: run.StateFailed},
		"b": {State: run.StateWaiting},
		"c": {State: run.StateWaiting},
	}
	tr := g.ComputeReady(view)
	if len(tr.Blocked) != 2 {
		t.Fatalf("Blocked = %v, want [b c]", tr.Blocked)
	}
}

func TestComputeReadyBranch(t *testing.T) {
	pb := &playbook.Playbook{
		Steps: []playbook.StepDef{
			agentStep("score"),
			branchStep("gate", "escalate", "archive", "score"),
			agentStep("escalate"),
			agentStep("archive"),
			agentStep("notify", "escalate", "archive"),
		},
	}
	g, err := graph.Build(pb)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	view := map[string]graph.StepStatus{
		"score":    {State: run.StateSuccess},
		"gate":     {State: run.StateSuccess, BranchNext: "escalate"},
		"escalate": {State: run.StateWaiting},
		"archive":  {State: run.StateWaiting},
		"notify":   {State: run.StateWaiting},
	}
	tr := g.ComputeReady(view)

	if len(tr.Ready) != 1 || tr.Ready[0] != "escalate" {
		t.Fatalf("Ready = %v, want [escalate]", tr.Ready)
	}
	if len(tr.Skipped) != 1 || tr.Skipped[0] != "archive" {
		t.Fatalf("Skipped = %v, want [archive]", tr.Skipped)
	}
	if len(tr.Blocked) != 0 {
		t.Errorf("Blocked = %v, want none", tr.Blocked)
	}

	// After the taken path completes, the join fires: its dead edge from
	// the skipped sibling does not hold it back.
	view["escalate"] = graph.StepStatus{State: run.StateSuccess}
	view["archive"] = graph.StepStatus{State: run.StateSkipped}
	tr = g.ComputeReady(view)
	if len(tr.Ready) != 1 || tr.Ready[0] != "notify" {
		t.Fatalf("Ready = %v, want [notify]", tr.Ready)
	}
}

func TestComputeReadySkipCascade(t *testing.T) {
	pb := &playbook.Playbook{
		Steps: []playbook.StepDef{
			agentStep("score"),
			branchStep("gate", "yes", "no", "score"),
			agentStep("yes"),
			agentStep("no"),
			agentStep("after-no", "no"),
		},
	}
	g, err := graph.Build(pb)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	view := map[string]graph.StepStatus{
		"score":    {State: run.StateSuccess},
		"gate":     {State: run.StateSuccess, BranchNext: "yes"},
		"yes":      {State: run.StateWaiting},
		"no":       {State: run.StateWaiting},
		"after-no": {State: run.StateWaiting},
	}
	tr := g.ComputeReady(view)
	if len(tr.Skipped) != 2 {
		t.Fatalf("Skipped = %v, want [no after-no]", tr.Skipped)
	}
}

func TestOrderIsTopological(t *testing.T) {
	g, err := graph.Build(diamond())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	pos := make(map[string]int)
	for i, key := range g.Order() {
		pos[key] = i
	}
	for _, key := range g.Order() {
		for _, e := range g.In(key) {
			if pos[e.From] >= pos[key] {
				t.Errorf("dependency %s ordered after dependent %s", e.From, key)
			}
		}
	}
}
