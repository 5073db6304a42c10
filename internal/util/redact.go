package util

import (
	"net/url"
	"strings"
)

const redactedValue = "[REDACTED]"

// MaskSensitiveQuery rewrites a raw query string so that credential-like
// parameters never reach the logs.
func MaskSensitiveQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return redactedValue
	}
	changed := false
	for key := range values {
		if isSensitiveKey(key) {
			values.Set(key, redactedValue)
			changed = true
		}
	}
	if !changed {
		return rawQuery
	}
	return values.Encode()
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.Contains(k, "authorization"),
		strings.Contains(k, "api_key"),
		strings.Contains(k, "apikey"),
		strings.Contains(k, "secret"),
		strings.Contains(k, "token"),
		strings.Contains(k, "password"):
		return true
	default:
		return false
	}
}
