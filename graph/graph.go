// Package graph builds the dependency graph for a playbook definition
// and answers the scheduling question at the heart of the engine: given
// the current step states, which steps become ready, skipped, or blocked.
package graph

import (
	"fmt"
	"sort"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/template"
)

// Edge is an inbound dependency edge. Conditional edges originate from
// branch steps and are only taken when the branch selects the target.
type Edge struct {
	From        string
	Conditional bool
}

// Graph is the validated dependency graph of one playbook. Immutable
// after Build.
type Graph struct {
	order []string
	steps map[string]*playbook.StepDef
	in    map[string][]Edge
}

// Build validates pb and constructs its graph. Dependencies come from
// three sources: explicit depends_on lists, step references inside input
// templates, and branch true/false targets (as conditional edges).
// Returns *playbook.ValidationError on any structural problem.
func Build(pb *playbook.Playbook) (*Graph, error) {
	if pb == nil || len(pb.Steps) == 0 {
		return nil, playbook.NewValidationError("playbook has no steps", "")
	}

	g := &Graph{
		steps: make(map[string]*playbook.StepDef, len(pb.Steps)),
		in:    make(map[string][]Edge, len(pb.Steps)),
	}

	for i := range pb.Steps {
		s := &pb.Steps[i]
		if s.Key == "" {
			return nil, playbook.NewValidationError("step has empty key", "")
		}
		if !s.Type.Valid() {
			return nil, playbook.NewValidationError(fmt.Sprintf("unknown step type %q", s.Type), s.Key)
		}
		if _, dup := g.steps[s.Key]; dup {
			return nil, playbook.NewValidationError("duplicate step key", s.Key)
		}
		g.steps[s.Key] = s
	}

	for _, s := range g.steps {
		deps := make(map[string]bool)
		for _, d := range s.DependsOn {
			deps[d] = true
		}
		for _, r := range template.Scan(s.Input) {
			deps[r] = true
		}

		for d := range deps {
			if d == s.Key {
				return nil, playbook.NewValidationError("step depends on itself", s.Key)
			}
			if _, ok := g.steps[d]; !ok {
				return nil, playbook.NewValidationError(fmt.Sprintf("unknown dependency %q", d), s.Key)
			}
			g.addEdge(s.Key, Edge{From: d})
		}
	}

	for _, s := range g.steps {
		if s.Type != playbook.StepTypeBranch {
			continue
		}
		cfg, err := playbook.ParseBranchConfig(s.Config)
		if err != nil {
			return nil, playbook.NewValidationError(err.Error(), s.Key)
		}
		for _, target := range []string{cfg.TrueTarget, cfg.FalseTarget} {
			if target == "" {
				continue
			}
			if target == s.Key {
				return nil, playbook.NewValidationError("branch targets itself", s.Key)
			}
			if _, ok := g.steps[target]; !ok {
				return nil, playbook.NewValidationError(fmt.Sprintf("branch target %q does not exist", target), s.Key)
			}
			g.addEdge(target, Edge{From: s.Key, Conditional: true})
		}
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// addEdge inserts an in-edge, deduplicating by source. A conditional
// edge supersedes a plain one from the same source.
func (g *Graph) addEdge(to string, e Edge) {
	for i, existing := range g.in[to] {
		if existing.From == e.From {
			if e.Conditional {
				g.in[to][i].Conditional = true
			}
			return
		}
	}
	g.in[to] = append(g.in[to], e)
}

func (g *Graph) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(g.steps))
	out := make(map[string][]string, len(g.steps))
	for key := range g.steps {
		indegree[key] = len(g.in[key])
		for _, e := range g.in[key] {
			out[e.From] = append(out[e.From], key)
		}
	}

	var queue []string
	for key, d := range indegree {
		if d == 0 {
			queue = append(queue, key)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(g.steps))
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		order = append(order, key)

		next := out[key]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(g.steps) {
		var stuck []string
		for key, d := range indegree {
			if d > 0 {
				stuck = append(stuck, key)
			}
		}
		sort.Strings(stuck)
		return nil, playbook.NewValidationError("dependency cycle detected", stuck[0])
	}
	return order, nil
}

// Order returns the step keys in a deterministic topological order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Entries returns the keys of steps with no dependencies. These are
// runnable the moment the run is submitted.
func (g *Graph) Entries() []string {
	var entries []string
	for _, key := range g.order {
		if len(g.in[key]) == 0 {
			entries = append(entries, key)
		}
	}
	return entries
}

// Leaves returns the keys of steps nothing depends on. Their outputs
// form the run output.
func (g *Graph) Leaves() []string {
	hasOut := make(map[string]bool, len(g.steps))
	for _, edges := range g.in {
		for _, e := range edges {
			hasOut[e.From] = true
		}
	}
	var leaves []string
	for _, key := range g.order {
		if !hasOut[key] {
			leaves = append(leaves, key)
		}
	}
	return leaves
}

// In returns the inbound edges of a step.
func (g *Graph) In(key string) []Edge {
	return g.in[key]
}

// Step returns a step definition by key, or nil.
func (g *Graph) Step(key string) *playbook.StepDef {
	return g.steps[key]
}
