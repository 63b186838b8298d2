package shared

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// A redactRule hides the secret part of a match. When keepPrefix is set the
// first capture group (the label, e.g. "Bearer ") survives.
type redactRule struct {
	re         *regexp.Regexp
	keepPrefix bool
}

var redactRules = []redactRule{
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}"?`), true},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), true},
	// Google AI Studio keys.
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), false},
	// Telegram bot tokens: numeric bot id, colon, secret. They also appear
	// inside Bot API URLs.
	{regexp.MustCompile(`\b(?:bot)?[0-9]{6,12}:[A-Za-z0-9_\-]{30,}\b`), false},
	{regexp.MustCompile(`\bkey-[0-9a-f]{32}\b`), false},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{20,}\b`), false},
}

// Redact replaces secrets in s with [REDACTED]. Provider errors pass
// through here before they reach a log line.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, rule := range redactRules {
		if !rule.keepPrefix {
			s = rule.re.ReplaceAllString(s, redacted)
			continue
		}
		s = rule.re.ReplaceAllString(s, "${1}"+redacted)
	}
	return s
}

var secretKeyWords = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"}

// SecretKey reports whether a log attribute or env var name looks like it
// holds a secret.
func SecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, w := range secretKeyWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// MaskEmail keeps the first character of the local part and the domain:
// "alice@example.com" becomes "a***@example.com".
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return email
	}
	return email[:1] + "***" + email[at:]
}

// MaskCode hides all but the last digit of a one-time code.
func MaskCode(code string) string {
	if len(code) <= 1 {
		return strings.Repeat("*", len(code))
	}
	return strings.Repeat("*", len(code)-1) + code[len(code)-1:]
}
