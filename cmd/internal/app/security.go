package app

import (
	"errors"
	"strings"

	sectoken "warden/cmd/security/token"
)

// MinSecretBytes is the shortest signing secret accepted in production.
const MinSecretBytes = 32

// ValidateSecurityConfig enforces the production security policy at startup.
// Outside production it only rejects an HMAC key that is set but too short.
func ValidateSecurityConfig(cfg Config) error {
	key := strings.TrimSpace(cfg.TokenHMACKey)
	if key != "" && len(key) < sectoken.MinHMACKeyBytes {
		return errors.New("security policy: token_hmac_key is too short (min 32 bytes)")
	}
	if !cfg.Production() {
		return nil
	}

	// Lengths are in bytes because both keys are used as raw bytes.
	secret := cfg.JWT.Secret
	switch {
	case strings.TrimSpace(secret) == "" || secret == DefaultSecret:
		return errors.New("security policy: production requires JWT_SECRET to be set to a non-default value")
	case len(secret) < MinSecretBytes:
		return errors.New("security policy: JWT_SECRET is too short (min 32 bytes)")
	case key == "":
		return errors.New("security policy: production requires WARDEN_TOKEN_HMAC_KEY")
	}
	return nil
}
