package api

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Absolute unix paths with at least two segments. Collapsed to the base
	// name so user-facing errors do not leak filesystem layout.
	pathPattern = regexp.MustCompile(`(/[\w.\-]+){2,}`)

	// key=value or key: value pairs whose key suggests a credential.
	secretPattern = regexp.MustCompile(`(?i)(token|secret|password|authorization|api[_-]?key)(["']?\s*[:=]\s*)(\S+)`)
)

// Sanitize converts an error into its user-facing string form: absolute paths
// are collapsed to their base name and credential-shaped values are redacted.
// The full error is still written to the execution log by the caller.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error())
}

// SanitizeString applies the same scrubbing to an arbitrary message.
func SanitizeString(msg string) string {
	msg = secretPattern.ReplaceAllString(msg, "${1}${2}[redacted]")
	msg = pathPattern.ReplaceAllStringFunc(msg, func(p string) string {
		return filepath.Base(p)
	})
	// Multi-line content (stack traces, CLI output) is truncated to the first
	// line; the structured log keeps the rest.
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	return msg
}
