package step

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pravado/playbook"
)

// BranchOutcome is the output a branch step records: which way the
// condition went and which target was selected. The scheduler reads
// Next to decide which successor path stays live.
type BranchOutcome struct {
	Result bool   `json:"result"`
	Next   string `json:"next"`
}

// Evaluator decides a branch condition against the step's resolved
// input. Implementations must be side-effect free.
type Evaluator interface {
	Evaluate(cond playbook.Condition, input json.RawMessage) (bool, error)
}

// Branch evaluates its condition and selects one of two targets.
type Branch struct {
	eval Evaluator
}

// NewBranch returns the built-in branch handler. A nil evaluator uses
// the bounded comparison evaluator.
func NewBranch(eval Evaluator) *Branch {
	if eval == nil {
		eval = CompareEvaluator{}
	}
	return &Branch{eval: eval}
}

func (b *Branch) Execute(_ context.Context, sc *Context) (json.RawMessage, error) {
	cfg, err := playbook.ParseBranchConfig(sc.Config)
	if err != nil {
		return nil, playbook.NewValidationError(err.Error(), sc.StepKey)
	}

	result, err := b.eval.Evaluate(cfg.Condition, sc.Input)
	if err != nil {
		return nil, fmt.Errorf("step: evaluate branch condition: %w", err)
	}

	out := BranchOutcome{Result: result, Next: cfg.FalseTarget}
	if result {
		out.Next = cfg.TrueTarget
	}
	sc.logf("condition %s %s: %v, taking %s", cfg.Condition.Field, cfg.Condition.Op, result, out.Next)
	return json.Marshal(out)
}

// CompareEvaluator is the default bounded evaluator. It supports the
// operators eq, ne, gt, gte, lt, lte, contains and exists over a dot
// path into the input. It is deliberately not an expression language.
type CompareEvaluator struct{}

func (CompareEvaluator) Evaluate(cond playbook.Condition, input json.RawMessage) (bool, error) {
	if cond.Field == "" {
		return false, fmt.Errorf("condition has no field")
	}

	var v any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &v); err != nil {
			return false, fmt.Errorf("decode input: %w", err)
		}
	}

	val, ok := lookupPath(v, cond.Field)
	if cond.Op == "exists" {
		return ok, nil
	}
	if !ok {
		return false, nil
	}

	switch cond.Op {
	case "eq":
		return equal(val, cond.Value), nil
	case "ne":
		return !equal(val, cond.Value), nil
	case "gt", "gte", "lt", "lte":
		a, aok := asFloat(val)
		b, bok := asFloat(cond.Value)
		if !aok || !bok {
			return false, fmt.Errorf("operator %q requires numeric operands", cond.Op)
		}
		switch cond.Op {
		case "gt":
			return a > b, nil
		case "gte":
			return a >= b, nil
		case "lt":
			return a < b, nil
		default:
			return a <= b, nil
		}
	case "contains":
		return contains(val, cond.Value)
	default:
		return false, fmt.Errorf("unknown operator %q", cond.Op)
	}
}

// equal compares with numeric coercion so 5 == 5.0 across JSON decodes.
func equal(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// contains matches substrings for strings and membership for arrays.
func contains(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("contains on a string requires a string operand")
		}
		return strings.Contains(h, s), nil
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("contains requires a string or array field")
	}
}
