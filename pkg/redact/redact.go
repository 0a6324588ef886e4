package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe  = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe  = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	bearerRe = regexp.MustCompile(`(?i)\b(bearer|token|key)[=:\s]+[a-z0-9._\-]{12,}`)
)

// SetEnabled toggles PII redaction of transcripts and replies.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails and phone numbers when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Secret masks a credential, keeping the last four characters so an operator
// can tell two keys apart. Secrets are masked regardless of SetEnabled.
func Secret(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return ""
	}
	if len(in) <= 8 {
		return strings.Repeat("*", len(in))
	}
	return strings.Repeat("*", len(in)-4) + in[len(in)-4:]
}

// IsMasked reports whether v looks like the output of Secret. Masked values
// sent back by clients must not overwrite stored credentials.
func IsMasked(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && strings.HasPrefix(v, "****")
}

// Credentials strips bearer-style credentials from free text such as
// provider error bodies.
func Credentials(in string) string {
	if strings.TrimSpace(in) == "" {
		return in
	}
	return bearerRe.ReplaceAllString(in, "$1 [REDACTED]")
}
