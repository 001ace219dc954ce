package util

import "strings"

// Mask hides a secret for logging, keeping at most the last 4 characters.
// Values of 8 characters or fewer are fully masked.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return "****" + secret[len(secret)-4:]
}

// MaskMap returns a copy of m with every value masked.
func MaskMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = Mask(v)
	}
	return out
}
