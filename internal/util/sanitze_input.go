package util

import (
	"strings"
	"unicode"
)

// CleanText trims surrounding space and drops control characters except
// newlines and tabs. Text is not HTML-escaped so chat messages stay readable.
func CleanText(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// ContainsSuspicious reports script-like payloads in a field.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<script", "javascript:", "onerror=", "onload="} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
