// Package template implements the placeholder syntax that wires step
// outputs into downstream step inputs. A placeholder has the form
//
//	{{steps.<key>.output}}
//	{{steps.<key>.output.<field>.<subfield>}}
//
// Scan extracts referenced step keys for dependency inference; Resolve
// substitutes placeholders with the actual upstream outputs just before a
// step executes. Both are pure functions: Scan runs once at graph-build
// time, Resolve once per step attempt.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var refPattern = regexp.MustCompile(`\{\{\s*steps\.([A-Za-z0-9_-]+)\.output((?:\.[A-Za-z0-9_-]+)*)\s*\}\}`)

// Scan returns the set of step keys referenced by placeholders anywhere in
// the raw template, sorted for determinism. A nil or empty template scans
// to nil.
func Scan(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	matches := refPattern.FindAllSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		seen[string(m[1])] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve substitutes every placeholder in the raw template with the
// referenced upstream output. A string value that consists of exactly one
// placeholder is replaced by the referenced JSON value (any type); a
// placeholder embedded in a longer string is interpolated as text.
// Referencing a step whose output is not available is an error.
func Resolve(raw json.RawMessage, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("template: decode input: %w", err)
	}
	resolved, err := resolveValue(doc, outputs)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("template: encode resolved input: %w", err)
	}
	return out, nil
}

func resolveValue(v any, outputs map[string]json.RawMessage) (any, error) {
	switch t := v.(type) {
	case string:
		return resolveString(t, outputs)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			rv, err := resolveValue(val, outputs)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			rv, err := resolveValue(val, outputs)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, outputs map[string]json.RawMessage) (any, error) {
	loc := refPattern.FindStringSubmatchIndex(s)
	if loc == nil {
		return s, nil
	}

	// Whole-string placeholder: substitute the raw value, preserving type.
	if m := refPattern.FindStringSubmatch(s); m != nil && strings.TrimSpace(s) == m[0] && loc[0] == 0 {
		return lookup(m[1], m[2], outputs)
	}

	// Interpolation: render each placeholder as text inside the string.
	var err error
	replaced := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := refPattern.FindStringSubmatch(match)
		val, lookErr := lookup(m[1], m[2], outputs)
		if lookErr != nil {
			err = lookErr
			return match
		}
		return renderScalar(val)
	})
	if err != nil {
		return nil, err
	}
	return replaced, nil
}

// lookup fetches a step's output and walks the optional dot path into it.
// Numeric path segments index arrays.
func lookup(stepKey, path string, outputs map[string]json.RawMessage) (any, error) {
	raw, ok := outputs[stepKey]
	if !ok {
		return nil, fmt.Errorf("template: output of step %q is not available", stepKey)
	}
	var val any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &val); err != nil {
			return nil, fmt.Errorf("template: decode output of step %q: %w", stepKey, err)
		}
	}
	if path == "" {
		return val, nil
	}
	for _, seg := range strings.Split(strings.TrimPrefix(path, "."), ".") {
		switch t := val.(type) {
		case map[string]any:
			next, ok := t[seg]
			if !ok {
				return nil, fmt.Errorf("template: step %q output has no field %q", stepKey, seg)
			}
			val = next
		case []any:
			idx, convErr := strconv.Atoi(seg)
			if convErr != nil || idx < 0 || idx >= len(t) {
				return nil, fmt.Errorf("template: step %q output index %q out of range", stepKey, seg)
			}
			val = t[idx]
		default:
			return nil, fmt.Errorf("template: step %q output path %q does not resolve", stepKey, path)
		}
	}
	return val, nil
}

// renderScalar formats a resolved value for string interpolation.
// Composite values render as compact JSON.
func renderScalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
