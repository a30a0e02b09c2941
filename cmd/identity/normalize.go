package identity

import (
	"net/mail"
	"strings"
	"unicode/utf8"
)

const (
	maxEmailLen = 254
	maxNameLen  = 100
)

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidEmail reports whether s is a single bare address (no display name).
func ValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxEmailLen {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return addr.Address == s && addr.Name == ""
}

// NormalizeName trims a display name and caps it at maxNameLen runes.
func NormalizeName(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= maxNameLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxNameLen])
}
