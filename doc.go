// Package playbook provides a dependency-driven workflow execution engine.
// A playbook is a directed graph of typed steps (agent, data, branch, api);
// the engine turns one playbook submission into a Run, executes its steps
// through a priority job queue and a fixed worker pool, and drives the run
// to a terminal state by recomputing step readiness on every completion.
//
// Playbook is designed as a library, not a service. Import it, configure a
// store, register step handlers, and submit runs:
//
//	eng, err := engine.New(memory.New())
//	if err != nil { ... }
//	r, err := eng.Submit(ctx, pb, engine.SubmitOptions{Input: input})
//
// The root package defines the shared vocabulary: playbook definitions,
// step types, priorities, engine configuration, and sentinel errors. All
// execution machinery lives in subpackages (graph, queue, worker, step,
// engine, event) so applications can compose only what they need.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package playbook
