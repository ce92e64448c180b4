package shared

import (
	"regexp"
	"strings"
)

// Redacted replaces every secret that Redact finds.
const Redacted = "[REDACTED]"

// redactRule keeps the non-secret capture groups named in repl and drops the
// secret one.
type redactRule struct {
	re   *regexp.Regexp
	repl string
}

var redactRules = []redactRule{
	// key=value and key: value forms for api keys, auth tokens, bearer.
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}"?`), "${1}" + Redacted},
	// Authorization: Bearer <token>
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), "${1}" + Redacted},
	// SendGrid keys, as used by the notify route.
	{regexp.MustCompile(`SG\.[A-Za-z0-9_\-]{16,}\.[A-Za-z0-9_\-]{16,}`), Redacted},
	// Provider-style secret keys.
	{regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), Redacted},
	// PEM private key blocks, whole.
	{regexp.MustCompile(`-----BEGIN[A-Z ]*PRIVATE KEY-----[\s\S]*?-----END[A-Z ]*PRIVATE KEY-----`), Redacted},
	// password=..., passwd: ..., pwd=...
	{regexp.MustCompile(`(?i)((?:password|passwd|pwd)\s*[:=]\s*"?)[^\s"]{8,}"?`), "${1}" + Redacted},
	// Inline passwords in Postgres DSNs.
	{regexp.MustCompile(`(postgres(?:ql)?://[^:/\s]+:)[^@\s]+@`), "${1}" + Redacted + "@"},
	// token=<uuid> and secret=<uuid>.
	{regexp.MustCompile(`(?i)((?:token|secret)\s*[:=]\s*"?)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"?`), "${1}" + Redacted},
}

// Redact masks secrets embedded in free text: log values, run errors, audit
// reasons, notify bodies.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, r := range redactRules {
		out = r.re.ReplaceAllString(out, r.repl)
	}
	return out
}

var sensitiveKeyParts = []string{
	"token", "secret", "password", "authorization", "api_key", "apikey",
	"bearer", "credential", "dsn", "database_url",
}

// SensitiveKey reports whether a log attribute, env var or config key names
// a secret.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
