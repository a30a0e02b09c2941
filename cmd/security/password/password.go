package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const phcVersion = argon2.Version // 0x13

var b64 = base64.RawStdEncoding

// phc is a decoded $argon2id$ hash string.
type phc struct {
	params Argon2idParams
	salt   []byte
	key    []byte
}

func (h phc) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		phcVersion,
		h.params.MemoryKiB,
		h.params.Iterations,
		h.params.Parallelism,
		b64.EncodeToString(h.salt),
		b64.EncodeToString(h.key),
	)
}

// Hash applies the policy and derives a new Argon2id hash synchronously.
// Request paths should go through Hasher instead.
func (c Config) Hash(password string) (string, error) {
	if err := c.Validate(password); err != nil {
		return "", err
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("password: salt: %w", err)
	}

	h := phc{
		params: c.Params,
		salt:   salt,
		key:    derive(password, salt, c.Params, c.Params.KeyLength),
	}
	return h.String(), nil
}

// Verify reports whether password matches encoded. A malformed or out-of-bounds
// hash yields (false, ErrInvalidHash); a mismatch yields (false, nil).
func (c Config) Verify(encoded, password string) (bool, error) {
	h, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	if !c.acceptable(h.params) {
		return false, ErrInvalidHash
	}

	got := derive(password, h.salt, h.params, uint32(len(h.key))) // #nosec G115 -- bounded by acceptable().
	return subtle.ConstantTimeCompare(got, h.key) == 1, nil
}

// NeedsRehash reports whether encoded was produced with parameters other than c.Params.
func (c Config) NeedsRehash(encoded string) bool {
	h, err := parsePHC(encoded)
	if err != nil {
		return true
	}
	p := h.params
	return p.MemoryKiB != c.Params.MemoryKiB ||
		p.Iterations != c.Params.Iterations ||
		p.Parallelism != c.Params.Parallelism ||
		p.KeyLength != c.Params.KeyLength
}

func derive(password string, salt []byte, p Argon2idParams, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, keyLen)
}

// acceptable rejects stored parameters far above the configured cost.
// Older, cheaper hashes still verify.
func (c Config) acceptable(got Argon2idParams) bool {
	lim := c.Params
	switch {
	case got.MemoryKiB > lim.MemoryKiB*2:
		return false
	case got.Iterations > lim.Iterations*2:
		return false
	case uint32(got.Parallelism) > uint32(lim.Parallelism)*2:
		return false
	case got.SaltLength < 8 || got.SaltLength > 64:
		return false
	case got.KeyLength < 16 || got.KeyLength > 128:
		return false
	}
	return true
}

// parsePHC decodes $argon2id$v=19$m=<kib>,t=<iter>,p=<par>$<salt>$<key>.
func parsePHC(encoded string) (phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return phc{}, ErrInvalidHash
	}
	if parts[2] != "v="+strconv.Itoa(phcVersion) {
		return phc{}, ErrInvalidHash
	}

	var mem, iter, par uint64
	for _, kv := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return phc{}, ErrInvalidHash
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return phc{}, ErrInvalidHash
		}
		switch k {
		case "m":
			mem = n
		case "t":
			iter = n
		case "p":
			par = n
		default:
			return phc{}, ErrInvalidHash
		}
	}
	if mem == 0 || iter == 0 || par == 0 || par > 255 {
		return phc{}, ErrInvalidHash
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return phc{}, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return phc{}, ErrInvalidHash
	}

	return phc{
		params: Argon2idParams{
			MemoryKiB:   uint32(mem),       // #nosec G115 -- parsed with bitSize 32.
			Iterations:  uint32(iter),      // #nosec G115 -- parsed with bitSize 32.
			Parallelism: uint8(par),        // #nosec G115 -- checked <= 255 above.
			SaltLength:  uint32(len(salt)), // #nosec G115
			KeyLength:   uint32(len(key)),  // #nosec G115
		},
		salt: salt,
		key:  key,
	}, nil
}
