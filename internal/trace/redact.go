package trace

import (
	"encoding/json"
	"strings"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
)

// RedactedMarker replaces values whose keys match a sensitive pattern.
const RedactedMarker = "[REDACTED]"

// DefaultSensitiveKeys are matched when the recorder is given no patterns.
var DefaultSensitiveKeys = []string{
	"*password*",
	"*secret*",
	"*token*",
	"*apikey*",
	"*api_key*",
	"*authorization*",
	"*credential*",
}

type redactor struct {
	patterns []string
}

func newRedactor(patterns []string) *redactor {
	if len(patterns) == 0 {
		patterns = DefaultSensitiveKeys
	}
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	return &redactor{patterns: lowered}
}

// Redact replaces values under sensitive keys anywhere in the JSON document.
// Payloads that are not valid JSON objects or arrays pass through untouched.
func (r *redactor) Redact(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return payload
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return payload
	}
	cleaned, dirty := r.redactValue(doc)
	if !dirty {
		return payload
	}
	out, err := json.Marshal(cleaned)
	if err != nil {
		return payload
	}
	return out
}

func (r *redactor) redactValue(value any) (any, bool) {
	switch v := value.(type) {
	case map[string]any:
		dirty := false
		for key, inner := range v {
			if r.matches(key) {
				v[key] = RedactedMarker
				dirty = true
				continue
			}
			cleaned, childDirty := r.redactValue(inner)
			if childDirty {
				v[key] = cleaned
				dirty = true
			}
		}
		return v, dirty
	case []any:
		dirty := false
		for i, inner := range v {
			cleaned, childDirty := r.redactValue(inner)
			if childDirty {
				v[i] = cleaned
				dirty = true
			}
		}
		return v, dirty
	default:
		return value, false
	}
}

func (r *redactor) matches(key string) bool {
	lowered := strings.ToLower(key)
	for _, pattern := range r.patterns {
		if wildcard.Match(pattern, lowered) {
			return true
		}
	}
	return false
}
