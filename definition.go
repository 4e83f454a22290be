package playbook

import (
	"encoding/json"
	"fmt"

	"github.com/pravado/playbook/id"
)

// StepType identifies the behavior of a graph node. The set is closed:
// dispatch is by registry lookup, so adding a type means one new constant
// and one handler registration, never an engine change.
type StepType string

const (
	// StepTypeAgent delegates to an external capability (LLM agent, model
	// call, human task). The engine only enforces the input/output contract.
	StepTypeAgent StepType = "agent"
	// StepTypeData performs a pure data operation over prior step outputs.
	StepTypeData StepType = "data"
	// StepTypeBranch evaluates a condition and activates exactly one of two
	// configured successor steps.
	StepTypeBranch StepType = "branch"
	// StepTypeAPI performs an outbound HTTP call with a template-resolved body.
	StepTypeAPI StepType = "api"
)

// Valid reports whether t is one of the known step types.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeAgent, StepTypeData, StepTypeBranch, StepTypeAPI:
		return true
	}
	return false
}

// StepDef is one node of a playbook graph. Definitions are authored
// externally; the engine treats them as opaque, validated input.
type StepDef struct {
	// Key uniquely identifies the step within its playbook.
	Key string `json:"key"`

	// Name is a human-readable label.
	Name string `json:"name,omitempty"`

	// Type selects the handler this step dispatches to.
	Type StepType `json:"type"`

	// DependsOn lists explicit prerequisite step keys. Implicit
	// prerequisites are additionally inferred from template references
	// inside Input.
	DependsOn []string `json:"depends_on,omitempty"`

	// Input is the step's input template. Placeholders of the form
	// {{steps.<key>.output}} are resolved against upstream outputs just
	// before execution.
	Input json.RawMessage `json:"input,omitempty"`

	// Config carries type-specific settings (branch targets, API method
	// and URL, data operation, agent identifier).
	Config json.RawMessage `json:"config,omitempty"`

	// MaxAttempts overrides the engine-wide attempt budget. Zero means
	// use the default.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// Playbook is a static, versioned workflow definition: the graph of steps
// one run instantiates.
type Playbook struct {
	ID      id.PlaybookID `json:"id"`
	Name    string        `json:"name"`
	Version int           `json:"version"`
	Steps   []StepDef     `json:"steps"`
}

// Step returns the definition for the given key, or nil if absent.
func (p *Playbook) Step(key string) *StepDef {
	for i := range p.Steps {
		if p.Steps[i].Key == key {
			return &p.Steps[i]
		}
	}
	return nil
}

// Condition is the bounded comparison a branch step evaluates over its
// resolved input. It is deliberately not a general expression language.
type Condition struct {
	// Field is a dot path into the branch step's resolved input object.
	Field string `json:"field"`
	// Op is one of: eq, ne, gt, gte, lt, lte, contains, exists.
	Op string `json:"op"`
	// Value is the comparison operand. Unused for "exists".
	Value any `json:"value,omitempty"`
}

// BranchConfig is the Config payload for branch steps.
type BranchConfig struct {
	Condition   Condition `json:"condition"`
	TrueTarget  string    `json:"true_target"`
	FalseTarget string    `json:"false_target"`
}

// ParseBranchConfig decodes and sanity-checks a branch step's config.
func ParseBranchConfig(raw json.RawMessage) (*BranchConfig, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("playbook: branch step has no config")
	}
	var cfg BranchConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("playbook: decode branch config: %w", err)
	}
	if cfg.TrueTarget == "" || cfg.FalseTarget == "" {
		return nil, fmt.Errorf("playbook: branch config must name both true_target and false_target")
	}
	return &cfg, nil
}
