// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

package logging

import "strings"

// sensitiveKeys are substrings that mark a map key as carrying a secret.
var sensitiveKeys = []string{"api_key", "apikey", "token", "password", "secret"}

// RedactToken masks a secret for log or diagnostics output, keeping the
// first four characters so operators can tell keys apart.
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****"
}

// IsSensitiveKey reports whether a map key names a secret-bearing field.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// RedactMap returns a copy of m with secret-bearing values masked.
// Nested maps are redacted recursively; all other values pass through.
func RedactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = RedactMap(val)
		case string:
			if IsSensitiveKey(k) {
				out[k] = RedactToken(val)
			} else {
				out[k] = val
			}
		default:
			if IsSensitiveKey(k) {
				out[k] = "****"
			} else {
				out[k] = val
			}
		}
	}
	return out
}
