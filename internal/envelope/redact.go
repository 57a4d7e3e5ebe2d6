package envelope

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// Redacted replaces the value of any key that looks secret.
	Redacted = "[REDACTED]"

	// MaxDepthMarker replaces values nested deeper than MaxRedactDepth.
	MaxDepthMarker = "[MAX_DEPTH_EXCEEDED]"

	// MaxRedactDepth is the deepest level Redact descends to.
	MaxRedactDepth = 50

	maxErrorLen = 200
)

// sensitiveKeyParts are matched case-insensitively as substrings, so
// "keyboard_layout" is redacted too.
var sensitiveKeyParts = []string{"token", "secret", "password", "key", "credential", "auth"}

// IsSensitiveKey reports whether a map key's value must be redacted.
func IsSensitiveKey(k string) bool {
	lk := strings.ToLower(k)
	for _, p := range sensitiveKeyParts {
		if strings.Contains(lk, p) {
			return true
		}
	}
	return false
}

// Redact returns a copy of v with every sensitive key's value replaced by
// Redacted, descending into objects and arrays. Key sets, ordering of
// arrays and non-sensitive values are preserved. Redact is idempotent.
func Redact(v any) any {
	return redact(v, 0)
}

// RedactMap is Redact for a top-level object.
func RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := redact(m, 0).(map[string]any)
	return out
}

func redact(v any, depth int) any {
	if depth > MaxRedactDepth {
		return MaxDepthMarker
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = redact(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redact(val, depth+1)
		}
		return out
	default:
		return v
	}
}

var secretAssignRe = regexp.MustCompile(`(?i)([a-z0-9_\-]*(?:token|secret|password|key|credential|auth)[a-z0-9_\-]*)(\s*[=:]\s*)("[^"]*"|'[^']*'|[^\s,;&]+)`)

// sanitizeError keeps the first line of a tool error, masks key=value
// pairs whose key looks secret, and bounds the length.
func sanitizeError(msg string) string {
	if i := strings.IndexAny(msg, "\r\n"); i >= 0 {
		msg = msg[:i]
	}
	msg = secretAssignRe.ReplaceAllString(msg, "${1}${2}"+Redacted)
	if utf8.RuneCountInString(msg) > maxErrorLen {
		r := []rune(msg)
		msg = string(r[:maxErrorLen-3]) + "..."
	}
	return msg
}
