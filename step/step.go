// Package step defines the handler contract for executing a single
// step and provides the built-in handlers for the four step types.
// Handlers receive fully resolved input; template substitution happens
// in the executor before dispatch.
package step

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/id"
)

// Context carries everything a handler needs for one execution attempt.
type Context struct {
	RunID   id.RunID
	StepKey string
	Type    playbook.StepType

	// Input is the step's input after template resolution.
	Input json.RawMessage

	// Config is the step's type-specific configuration, verbatim from
	// the definition.
	Config json.RawMessage

	// Outputs holds the outputs of all completed upstream steps, by key.
	Outputs map[string]json.RawMessage

	// Logf appends a line to the step run's log. Nil-safe.
	Logf func(format string, args ...any)
}

func (c *Context) logf(format string, args ...any) {
	if c.Logf != nil {
		c.Logf(format, args...)
	}
}

// Handler executes one step attempt and returns the step output.
// A returned error fails the attempt; whether the step retries is
// decided by the queue's attempt budget, not the handler.
type Handler interface {
	Execute(ctx context.Context, sc *Context) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, sc *Context) (json.RawMessage, error)

func (f HandlerFunc) Execute(ctx context.Context, sc *Context) (json.RawMessage, error) {
	return f(ctx, sc)
}

// Registry maps step types to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[playbook.StepType]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[playbook.StepType]Handler)}
}

// DefaultRegistry returns a registry with the built-in data, branch and
// api handlers registered. Agent execution needs an Invoker, so callers
// register it separately.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(playbook.StepTypeData, NewData())
	r.Register(playbook.StepTypeBranch, NewBranch(nil))
	r.Register(playbook.StepTypeAPI, NewAPI(nil))
	return r
}

// Register installs (or replaces) the handler for a step type.
func (r *Registry) Register(t playbook.StepType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Get returns the handler for a step type, or ErrNoHandler.
func (r *Registry) Get(t playbook.StepType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("%w: step type %q", playbook.ErrNoHandler, t)
	}
	return h, nil
}
