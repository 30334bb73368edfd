package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// MaskEmail keeps only the domain of an address so operators can spot
// providers without logging member identities.
func MaskEmail(email string) string {
	trimmed := strings.TrimSpace(email)
	at := strings.LastIndex(trimmed, "@")
	if at <= 0 {
		return RedactedValue
	}
	return RedactedValue + "@" + trimmed[at+1:]
}

// MaskCode redacts gift codes entirely; a code in a log line is a spendable
// bearer credential.
func MaskCode(key string) slog.Attr {
	return slog.String(key, RedactedValue)
}
