package middleware

import "strings"

// MaskToken keeps the first 6 characters of a token for logs.
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 6 {
		return "****"
	}
	return s[:6] + "***"
}
