package utils

import (
	"strings"
	"unicode/utf8"
)

// Truncate cuts s to at most n bytes without splitting a multi-byte rune.
// Invalid UTF-8 in s is replaced with U+FFFD first, so the result is always
// safe to store in a TEXT column.
func Truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "�")
	if len(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
