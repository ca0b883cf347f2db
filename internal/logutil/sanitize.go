// Package logutil holds helpers for putting untrusted text into log lines.
package logutil

import (
	"strings"
	"unicode"
)

// SanitizeForLog flattens whitespace control characters to spaces and drops
// every other control character, so remote output or user input cannot forge
// extra log lines.
func SanitizeForLog(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
}

// Snippet sanitizes s and cuts it to at most n bytes, marking the cut with
// "...". Terminal output is logged through it.
func Snippet(s string, n int) string {
	s = SanitizeForLog(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
