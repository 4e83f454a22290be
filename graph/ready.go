package graph

import "github.com/pravado/playbook/run"

// StepStatus is the per-step view ComputeReady works from. BranchNext
// is only meaningful for successful branch steps and names the target
// the branch selected.
type StepStatus struct {
	State      run.State
	BranchNext string
}

// Transitions lists the step keys whose state must change as a result
// of a readiness pass.
type Transitions struct {
	Ready   []string
	Skipped []string
	Blocked []string
}

func (t Transitions) Empty() bool {
	return len(t.Ready) == 0 && len(t.Skipped) == 0 && len(t.Blocked) == 0
}

type edgeClass int

const (
	edgePending edgeClass = iota
	edgeSatisfied
	edgeDead
	edgeFailed
)

// classify resolves one inbound edge of target against the view.
// A conditional edge from a successful branch is satisfied only when
// the branch selected this target; otherwise the path is dead.
func classify(e Edge, target string, view map[string]StepStatus) edgeClass {
	dep, ok := view[e.From]
	if !ok {
		return edgePending
	}
	switch dep.State {
	case run.StateFailed, run.StateBlocked, run.StateCanceled:
		return edgeFailed
	case run.StateSkipped:
		return edgeDead
	case run.StateSuccess:
		if e.Conditional && dep.BranchNext != target {
			return edgeDead
		}
		return edgeSatisfied
	default:
		return edgePending
	}
}

// ComputeReady walks the graph in topological order and decides, for
// every step still waiting on dependencies, whether it becomes ready to
// enqueue, skipped (all inbound paths are dead), or blocked (an inbound
// path failed permanently). Skip and block decisions cascade downstream
// within the same pass. The view is not mutated.
func (g *Graph) ComputeReady(view map[string]StepStatus) Transitions {
	local := make(map[string]StepStatus, len(view))
	for k, v := range view {
		local[k] = v
	}

	var t Transitions
	for _, key := range g.order {
		status, ok := local[key]
		if !ok || status.State != run.StateWaiting {
			continue
		}

		var satisfied, dead, failed, pending int
		for _, e := range g.in[key] {
			switch classify(e, key, local) {
			case edgeFailed:
				failed++
			case edgeSatisfied:
				satisfied++
			case edgeDead:
				dead++
			default:
				pending++
			}
		}

		switch {
		case failed > 0:
			t.Blocked = append(t.Blocked, key)
			local[key] = StepStatus{State: run.StateBlocked}
		case pending > 0:
			// still waiting
		case satisfied > 0:
			t.Ready = append(t.Ready, key)
		case dead > 0:
			t.Skipped = append(t.Skipped, key)
			local[key] = StepStatus{State: run.StateSkipped}
		default:
			// no inbound edges: entry step
			t.Ready = append(t.Ready, key)
		}
	}
	return t
}
