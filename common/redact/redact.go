// Package redact strips secret values from data that leaves the process
// boundary: log lines, admin API payloads, lifecycle events.
//
// Redaction is best-effort string masking over known-sensitive values and
// key names. It does not replace keeping secrets out of log call-sites in
// the first place.
package redact

import "strings"

const placeholder = "[REDACTED]"

// String replaces every occurrence of each secret in s with a placeholder.
// Secrets shorter than 4 characters are ignored to avoid masking common
// substrings.
func String(s string, secrets ...string) string {
	for _, secret := range secrets {
		if len(secret) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, secret, placeholder)
	}
	return s
}

// Settings returns a copy of a settings snapshot with secret-bearing values
// masked. Keys count as secret-bearing when SensitiveKey says so.
func Settings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if SensitiveKey(k) && v != "" {
			out[k] = placeholder
			continue
		}
		out[k] = v
	}
	return out
}

// SensitiveKey reports whether a settings key name suggests it holds a
// secret.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
