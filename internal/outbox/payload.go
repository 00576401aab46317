package outbox

import (
	"strconv"
	"strings"

	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/models"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/sanitize"
)

// Schema fields the remote side expects to stay present even when blank.
var requiredJobStrings = []string{"zip", "neighborhood"}

// buildOutboundPayload turns a stored op payload into the document body that
// goes over the wire: job-schema normalization, then the sanitizer, then the
// keep-blank rules for known fields.
func buildOutboundPayload(table string, payload map[string]any) (map[string]any, sanitize.Report) {
	if table == models.TableJobs {
		normalizeJobFields(payload)
	}

	cleaned, report := sanitize.SafeSerialize(payload, sanitize.Options{RemoveEmptyStrings: true})
	body, _ := cleaned.(map[string]any)
	if body == nil {
		body = map[string]any{}
	}

	if table == models.TableJobs {
		for _, field := range requiredJobStrings {
			if _, ok := body[field]; !ok {
				// Dropped-as-blank fields come back as "" so the remote
				// schema keeps the member.
				body[field] = ""
			}
		}
	}
	return body, report
}

// normalizeJobFields rewrites job members in place: tier values are coerced
// to integers and clamped into the valid domain before sanitization sees
// them.
func normalizeJobFields(payload map[string]any) {
	if raw, ok := payload["houseTier"]; ok {
		if tier, ok := coerceInt(raw); ok {
			payload["houseTier"] = models.ClampHouseTier(tier)
		} else {
			delete(payload, "houseTier")
		}
	}
}

func coerceInt(v any) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case float64:
		return int64(val), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
