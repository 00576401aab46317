// Package sanitize rewrites arbitrary nested value graphs into a form a
// document-oriented remote store will accept: no absent-but-present members,
// finite numbers only, plain maps and slices all the way down. Centralizing
// the rules here keeps every outbound write path on identical guarantees
// instead of relying on caller discipline.
package sanitize

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Options controls content rewriting during SafeSerialize.
type Options struct {
	// RemoveEmptyStrings drops string members that are empty after trimming
	// instead of keeping them as "".
	RemoveEmptyStrings bool
}

// Report lists the paths SafeSerialize touched, for logging. It is returned
// as a plain value; the caller decides whether anything is done with it.
type Report struct {
	Removed  []string // members dropped entirely
	Trimmed  []string // strings whose surrounding whitespace was removed
	Replaced []string // non-finite numbers and invalid instants mapped to null
	Coerced  []string // values rewritten to a different type
}

// Empty reports whether the sanitizer changed nothing.
func (r Report) Empty() bool {
	return len(r.Removed) == 0 && len(r.Trimmed) == 0 && len(r.Replaced) == 0 && len(r.Coerced) == 0
}

// SafeSerialize cleans v for outbound transmission. The result contains no
// dropped-member placeholders anywhere in the tree; arrays are compacted, not
// left sparse. Idempotent: applying it twice yields the first result.
func SafeSerialize(v any, opts Options) (any, Report) {
	var report Report
	out, keep := sanitizeValue(v, "", opts, &report)
	if !keep {
		return nil, report
	}
	return out, report
}

// StripUndefined prunes non-serializable members without touching content:
// no trimming, no number substitution. For callers that need structural
// cleanup only.
func StripUndefined(v any) any {
	out, keep := stripValue(v)
	if !keep {
		return nil
	}
	return out
}

// sanitizeValue returns the cleaned value and whether the member should be
// kept at all. keep == false is the "undefined" outcome: the parent omits
// the member entirely.
func sanitizeValue(v any, path string, opts Options, report *Report) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, true

	case bool:
		return val, true

	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed != val {
			report.Trimmed = append(report.Trimmed, path)
		}
		if trimmed == "" && opts.RemoveEmptyStrings {
			report.Removed = append(report.Removed, path)
			return nil, false
		}
		return trimmed, true

	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			report.Replaced = append(report.Replaced, path)
			return nil, true
		}
		return val, true

	case float32:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			report.Replaced = append(report.Replaced, path)
			return nil, true
		}
		return f, true

	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return val, true

	case time.Time:
		// A zero time is the invalid-instant case and maps to null like a
		// non-finite number.
		if val.IsZero() {
			report.Replaced = append(report.Replaced, path)
			return nil, true
		}
		return val, true

	case []any:
		out := make([]any, 0, len(val))
		for i, elem := range val {
			cleaned, keep := sanitizeValue(elem, fmt.Sprintf("%s[%d]", path, i), opts, report)
			if keep {
				out = append(out, cleaned)
			}
		}
		return out, true

	case map[string]any:
		out := make(map[string]any, len(val))
		for key, member := range val {
			cleaned, keep := sanitizeValue(member, joinPath(path, key), opts, report)
			if keep {
				out[key] = cleaned
			}
		}
		return out, true

	default:
		// Functions, channels, opaque handles: not representable downstream.
		report.Removed = append(report.Removed, path)
		return nil, false
	}
}

func stripValue(v any) (any, bool) {
	switch val := v.(type) {
	case nil, bool, string, float64, float32,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
		time.Time:
		return val, true

	case []any:
		out := make([]any, 0, len(val))
		for _, elem := range val {
			if cleaned, keep := stripValue(elem); keep {
				out = append(out, cleaned)
			}
		}
		return out, true

	case map[string]any:
		out := make(map[string]any, len(val))
		for key, member := range val {
			if cleaned, keep := stripValue(member); keep {
				out[key] = cleaned
			}
		}
		return out, true

	default:
		return nil, false
	}
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}
