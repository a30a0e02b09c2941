package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var trivial = map[string]struct{}{
	"password": {}, "password1": {}, "password123": {},
	"123456": {}, "123456789": {}, "qwerty": {}, "qwerty123": {},
	"111111": {}, "11111111": {}, "letmein": {}, "secret": {},
}

// Validate checks the password against the configured policy.
// Length is counted in runes.
func (c Config) Validate(password string) error {
	n := utf8.RuneCountInString(password)
	switch {
	case n < c.Policy.MinLength:
		return ErrPasswordTooShort
	case n > c.Policy.MaxLength:
		return ErrPasswordTooLong
	case c.Policy.RejectVeryWeak && veryWeak(password):
		return ErrWeakPassword
	}
	return nil
}

// veryWeak catches only the obvious cases: one repeated rune, short PINs, and a
// short list of common choices.
func veryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}
	if _, ok := trivial[strings.ToLower(s)]; ok {
		return true
	}
	if repeated(s) {
		return true
	}
	return utf8.RuneCountInString(s) < 12 && strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsDigit(r)
	}) < 0
}

func repeated(s string) bool {
	first, _ := utf8.DecodeRuneInString(s)
	for _, r := range s {
		if r != first {
			return false
		}
	}
	return true
}
