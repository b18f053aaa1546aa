package sqlstore

import (
	"net/url"
	"strings"
)

const redactedValue = "[REDACTED]"

var sensitiveKeyTokens = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"api_key",
	"apikey",
	"access_key",
	"credential",
	"signature",
}

// RedactMetadata scrubs credential-looking values from job options before
// they land in the ledger. Input URLs stay readable for debugging, but any
// signed query parameters inside them are masked.
func RedactMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	return redactMap(metadata)
}

func redactMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if isSensitiveKey(key) {
			target[key] = redactedValue
			continue
		}
		target[key] = redactValue(value)
	}
	return target
}

func redactValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactValue(typed[i])
		}
		return out
	case string:
		return redactSignedURL(typed)
	default:
		return value
	}
}

// redactSignedURL masks signature and credential query parameters in URL
// strings. A presigned fetch URL in the ledger helps trace a job; the
// signature that grants access must not outlive the job there.
func redactSignedURL(value string) string {
	if !strings.Contains(value, "://") || !strings.Contains(value, "?") {
		return value
	}
	parsed, err := url.Parse(strings.TrimSpace(value))
	if err != nil || parsed.RawQuery == "" {
		return value
	}

	query := parsed.Query()
	changed := false
	for key := range query {
		if !isSensitiveKey(key) {
			continue
		}
		query.Set(key, redactedValue)
		changed = true
	}
	if !changed {
		return value
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}
