package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MinHMACKeyBytes is the smallest key accepted by NewDigester.
const MinHMACKeyBytes = 32

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Digester turns raw refresh tokens into storage keys.
type Digester struct {
	key []byte
}

// NewDigester returns a Digester. A blank key selects SHA-256 mode.
func NewDigester(key string) (*Digester, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return &Digester{}, nil
	}
	if len(key) < MinHMACKeyBytes {
		return nil, ErrHMACKeyTooShort
	}
	return &Digester{key: []byte(key)}, nil
}

// Keyed reports whether HMAC mode is active.
func (d *Digester) Keyed() bool { return len(d.key) > 0 }

// Sum returns the 64-char hex digest of raw.
func (d *Digester) Sum(raw string) string {
	if len(d.key) == 0 {
		return HashSHA256Hex(raw)
	}
	return HashHMACSHA256Hex(raw, d.key)
}

// Equal compares two hex digests in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
