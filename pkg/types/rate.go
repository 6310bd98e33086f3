package types

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// DefaultRate returns the placeholder rating map attached to records that
// reached the post-processor without any rating at all.
func DefaultRate() map[string]any {
	return map[string]any{"N/A": "0"}
}

// CoerceInt converts the loosely typed rating values models produce into
// an int. Strings are trimmed before parsing; floats are truncated.
func CoerceInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		if f, err := n.Float64(); err == nil {
			return int(f), true
		}
		return 0, false
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		if i, err := strconv.Atoi(s); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int(f), true
		}
		return 0, false
	}
	return 0, false
}

// MaxRate returns the dominant rating class and its score. The excluded
// key never participates; non-numeric values are skipped. Ties keep the
// first class encountered, so callers that care about the model's output
// order pass it explicitly; with a nil order the keys are walked sorted
// for determinism. Returns ("N/A", 0) when nothing qualifies.
func MaxRate(rate map[string]any, order []string, exclude string) (string, int) {
	if len(rate) == 0 {
		return "N/A", 0
	}
	keys := order
	if keys == nil {
		keys = make([]string, 0, len(rate))
		for k := range rate {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	bestClass, bestScore, found := "N/A", 0, false
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		v, ok := rate[k]
		if !ok || k == exclude {
			continue
		}
		score, ok := CoerceInt(v)
		if !ok {
			continue
		}
		if !found || score > bestScore {
			bestClass, bestScore, found = k, score, true
		}
	}
	return bestClass, bestScore
}
