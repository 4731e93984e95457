package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in
// logs: API keys, bearer tokens, keystore passphrases.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"apikey":     {},
	"api_key":    {},
	"token":      {},
	"authtoken":  {},
	"passphrase": {},
	"secret":     {},
}

// IsSensitive reports whether the provided key should be masked before
// logging.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// MaskField returns a slog.Attr that redacts the supplied value when the key
// is sensitive. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
