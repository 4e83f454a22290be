package step

import (
	"fmt"
	"strconv"
	"strings"
)

// lookupPath walks a dot-separated path through decoded JSON. Numeric
// segments index into arrays. The boolean reports whether the path
// exists.
func lookupPath(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	for _, seg := range strings.Split(path, ".") {
		switch cur := v.(type) {
		case map[string]any:
			next, ok := cur[seg]
			if !ok {
				return nil, false
			}
			v = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(cur) {
				return nil, false
			}
			v = cur[i]
		default:
			return nil, false
		}
	}
	return v, true
}

// mustLookupPath is lookupPath with a descriptive error.
func mustLookupPath(v any, path string) (any, error) {
	out, ok := lookupPath(v, path)
	if !ok {
		return nil, fmt.Errorf("step: field %q not found in input", path)
	}
	return out, nil
}
