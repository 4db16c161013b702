// Package redact scrubs secret-shaped values out of log fields before they
// reach the structured logger: webhook HMAC secrets, bearer tokens, and
// provider credentials passed through handler request bodies must never
// land in a log line verbatim.
package redact

import (
	"regexp"
	"strings"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(secret|token|auth)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(Bearer)\s+[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`(?i)(password)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
}

// blockedFieldNames marks a field wholesale redacted when its key contains
// one of these substrings, regardless of value shape.
var blockedFieldNames = []string{"password", "secret", "token", "apikey", "credential", "authorization"}

const redactionText = "***REDACTED***"

// String scrubs secret-shaped substrings ("api_key: abc123") out of a log
// message or free-form field value.
func String(s string) string {
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, "${1}: "+redactionText)
	}
	return result
}

// Fields returns a copy of fields with blocked-name values fully replaced
// and string values scrubbed via String. Non-string, non-map, non-slice
// values pass through unchanged.
func Fields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	result := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch {
		case isBlockedName(k):
			result[k] = redactionText
		case v == nil:
			result[k] = v
		default:
			result[k] = scrubValue(v)
		}
	}
	return result
}

func scrubValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return String(val)
	case map[string]interface{}:
		return Fields(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = scrubValue(item)
		}
		return out
	default:
		return v
	}
}

func isBlockedName(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, blocked := range blockedFieldNames {
		if strings.Contains(lower, blocked) {
			return true
		}
	}
	return false
}
