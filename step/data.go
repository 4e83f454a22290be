package step

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pravado/playbook"
)

// DataConfig is the Config payload for data steps.
type DataConfig struct {
	// Operation is one of "pass", "extract", "merge". Empty means pass.
	Operation string `json:"operation,omitempty"`

	// Field is the dot path to extract. Required for "extract".
	Field string `json:"field,omitempty"`
}

// Data transforms prior step outputs without side effects.
type Data struct{}

// NewData returns the built-in data handler.
func NewData() *Data { return &Data{} }

// Execute applies the configured operation to the resolved input.
//
//	pass     returns the input unchanged
//	extract  returns the value at Field inside the input
//	merge    shallow-merges the objects in an input array, later
//	         entries winning
func (d *Data) Execute(_ context.Context, sc *Context) (json.RawMessage, error) {
	var cfg DataConfig
	if len(sc.Config) > 0 {
		if err := json.Unmarshal(sc.Config, &cfg); err != nil {
			return nil, playbook.NewValidationError(fmt.Sprintf("decode data config: %v", err), sc.StepKey)
		}
	}

	switch cfg.Operation {
	case "", "pass":
		if len(sc.Input) == 0 {
			return json.RawMessage(`null`), nil
		}
		return sc.Input, nil

	case "extract":
		if cfg.Field == "" {
			return nil, playbook.NewValidationError("extract requires a field", sc.StepKey)
		}
		var v any
		if err := json.Unmarshal(sc.Input, &v); err != nil {
			return nil, fmt.Errorf("step: decode input: %w", err)
		}
		out, err := mustLookupPath(v, cfg.Field)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)

	case "merge":
		var parts []map[string]any
		if err := json.Unmarshal(sc.Input, &parts); err != nil {
			return nil, fmt.Errorf("step: merge expects an array of objects: %w", err)
		}
		merged := make(map[string]any)
		for _, p := range parts {
			for k, v := range p {
				merged[k] = v
			}
		}
		return json.Marshal(merged)

	default:
		return nil, playbook.NewValidationError(fmt.Sprintf("unknown data operation %q", cfg.Operation), sc.StepKey)
	}
}
