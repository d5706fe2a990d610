package logger

import "regexp"

// secretLike matches long opaque tokens such as API keys and JWT segments.
var secretLike = regexp.MustCompile(`[A-Za-z0-9_-]{16,}`)

// Redact masks token-like substrings of s.
func Redact(s string) string {
	return secretLike.ReplaceAllString(s, "[REDACTED]")
}
