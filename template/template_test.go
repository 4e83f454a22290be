package template_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/pravado/playbook/template"
)

func TestScan_FindsReferences(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "none",
			raw:  `{"a": 1, "b": "plain"}`,
			want: nil,
		},
		{
			name: "single",
			raw:  `{"text": "{{steps.draft.output}}"}`,
			want: []string{"draft"},
		},
		{
			name: "multiple sorted deduped",
			raw:  `{"a": "{{steps.zeta.output}}", "b": "{{steps.alpha.output.title}}", "c": "{{steps.zeta.output.body}}"}`,
			want: []string{"alpha", "zeta"},
		},
		{
			name: "with whitespace",
			raw:  `{"a": "{{ steps.review.output }}"}`,
			want: []string{"review"},
		},
		{
			name: "nested path",
			raw:  `{"a": "{{steps.fetch.output.items.0.id}}"}`,
			want: []string{"fetch"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := template.Scan(json.RawMessage(tt.raw))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Scan() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScan_Empty(t *testing.T) {
	if got := template.Scan(nil); got != nil {
		t.Errorf("Scan(nil) = %v, want nil", got)
	}
}

func TestResolve_WholeValueSubstitution(t *testing.T) {
	outputs := map[string]json.RawMessage{
		"fetch": json.RawMessage(`{"title": "Hello", "count": 3}`),
	}
	raw := json.RawMessage(`{"doc": "{{steps.fetch.output}}", "n": "{{steps.fetch.output.count}}"}`)

	resolved, err := template.Resolve(raw, outputs)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(resolved, &got); err != nil {
		t.Fatalf("unmarshal resolved: %v", err)
	}

	doc, ok := got["doc"].(map[string]any)
	if !ok {
		t.Fatalf("doc = %T, want object", got["doc"])
	}
	if doc["title"] != "Hello" {
		t.Errorf("doc.title = %v, want Hello", doc["title"])
	}
	// Whole-value placeholder preserves the numeric type.
	if got["n"] != float64(3) {
		t.Errorf("n = %v (%T), want 3", got["n"], got["n"])
	}
}

func TestResolve_Interpolation(t *testing.T) {
	outputs := map[string]json.RawMessage{
		"author": json.RawMessage(`{"name": "Ada"}`),
	}
	raw := json.RawMessage(`{"line": "written by {{steps.author.output.name}} today"}`)

	resolved, err := template.Resolve(raw, outputs)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	var got map[string]string
	if err := json.Unmarshal(resolved, &got); err != nil {
		t.Fatalf("unmarshal resolved: %v", err)
	}
	if got["line"] != "written by Ada today" {
		t.Errorf("line = %q", got["line"])
	}
}

func TestResolve_ArrayIndexPath(t *testing.T) {
	outputs := map[string]json.RawMessage{
		"list": json.RawMessage(`{"items": [{"id": "first"}, {"id": "second"}]}`),
	}
	raw := json.RawMessage(`{"pick": "{{steps.list.output.items.1.id}}"}`)

	resolved, err := template.Resolve(raw, outputs)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(resolved, &got); err != nil {
		t.Fatalf("unmarshal resolved: %v", err)
	}
	if got["pick"] != "second" {
		t.Errorf("pick = %v, want second", got["pick"])
	}
}

func TestResolve_MissingStepFails(t *testing.T) {
	raw := json.RawMessage(`{"a": "{{steps.ghost.output}}"}`)
	if _, err := template.Resolve(raw, nil); err == nil {
		t.Error("Resolve should fail for a missing upstream output")
	}
}

func TestResolve_MissingFieldFails(t *testing.T) {
	outputs := map[string]json.RawMessage{
		"fetch": json.RawMessage(`{"title": "x"}`),
	}
	raw := json.RawMessage(`{"a": "{{steps.fetch.output.nope}}"}`)
	if _, err := template.Resolve(raw, outputs); err == nil {
		t.Error("Resolve should fail for a missing output field")
	}
}

func TestResolve_NoPlaceholders(t *testing.T) {
	raw := json.RawMessage(`{"static": true, "n": 7}`)
	resolved, err := template.Resolve(raw, nil)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(resolved, &got); err != nil {
		t.Fatalf("unmarshal resolved: %v", err)
	}
	if got["static"] != true || got["n"] != float64(7) {
		t.Errorf("resolved = %v", got)
	}
}

func TestResolve_EmptyTemplate(t *testing.T) {
	resolved, err := template.Resolve(nil, nil)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if resolved != nil {
		t.Errorf("Resolve(nil) = %s, want nil", resolved)
	}
}
