package step

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pravado/playbook"
)

// AgentConfig is the Config payload for agent steps.
type AgentConfig struct {
	// Agent names the external capability to invoke.
	Agent string `json:"agent"`
}

// Invoker dispatches an agent step to an external capability. The
// engine enforces only the input/output contract; what an agent does
// is entirely the caller's business.
type Invoker interface {
	Invoke(ctx context.Context, agent string, input json.RawMessage) (json.RawMessage, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, agent string, input json.RawMessage) (json.RawMessage, error)

func (f InvokerFunc) Invoke(ctx context.Context, agent string, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, agent, input)
}

// Agent delegates execution to an Invoker.
type Agent struct {
	invoker Invoker
}

// NewAgent returns the agent handler bound to inv.
func NewAgent(inv Invoker) *Agent {
	return &Agent{invoker: inv}
}

func (a *Agent) Execute(ctx context.Context, sc *Context) (json.RawMessage, error) {
	if a.invoker == nil {
		return nil, fmt.Errorf("%w: no agent invoker configured", playbook.ErrNoHandler)
	}

	var cfg AgentConfig
	if len(sc.Config) > 0 {
		if err := json.Unmarshal(sc.Config, &cfg); err != nil {
			return nil, playbook.NewValidationError(fmt.Sprintf("decode agent config: %v", err), sc.StepKey)
		}
	}
	if cfg.Agent == "" {
		return nil, playbook.NewValidationError("agent step requires an agent name", sc.StepKey)
	}

	sc.logf("invoking agent %q", cfg.Agent)
	out, err := a.invoker.Invoke(ctx, cfg.Agent, sc.Input)
	if err != nil {
		return nil, fmt.Errorf("step: agent %q: %w", cfg.Agent, err)
	}
	return out, nil
}
