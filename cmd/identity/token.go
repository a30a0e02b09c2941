package identity

import (
	"crypto/rand"
	"encoding/base64"
)

// NewOpaqueToken returns nBytes of crypto/rand entropy, base64url encoded without padding.
// It backs refresh-token ids and OAuth state values.
func NewOpaqueToken(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = 32
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
