// Package token issues and decodes the signed access and refresh tokens.
//
// Access tokens are stateless and carry the user id. Refresh tokens carry no user
// binding: their authority comes only from the matching session row, and the random
// jti keeps two tokens minted in the same second distinct.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"warden/cmd/identity"

	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the "type" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Config configures a Codec.
type Config struct {
	Secret     string        `mapstructure:"secret"`
	Algorithm  string        `mapstructure:"algorithm"`
	Issuer     string        `mapstructure:"issuer"`
	AccessTTL  time.Duration `mapstructure:"access_ttl"`
	RefreshTTL time.Duration `mapstructure:"refresh_ttl"`
	Leeway     time.Duration `mapstructure:"leeway"`
}

// Claims is the decoded payload. UserID is empty for refresh tokens.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Type   string `json:"type"`
	jwt.RegisteredClaims
}

// Codec signs and verifies tokens with a shared HMAC secret.
type Codec struct {
	cfg    Config
	method jwt.SigningMethod
	key    []byte
	parser *jwt.Parser
	now    func() time.Time
}

var methods = map[string]jwt.SigningMethod{
	"HS256": jwt.SigningMethodHS256,
	"HS384": jwt.SigningMethodHS384,
	"HS512": jwt.SigningMethodHS512,
}

// NewCodec validates cfg and returns a Codec.
func NewCodec(cfg Config) (*Codec, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("token: empty secret")
	}
	alg := strings.ToUpper(strings.TrimSpace(cfg.Algorithm))
	if alg == "" {
		alg = "HS256"
	}
	m, ok := methods[alg]
	if !ok {
		return nil, fmt.Errorf("token: unsupported algorithm %q", cfg.Algorithm)
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token: ttl must be > 0")
	}
	if cfg.Leeway < 0 {
		return nil, errors.New("token: negative leeway")
	}
	cfg.Algorithm = alg

	c := &Codec{cfg: cfg, method: m, key: []byte(cfg.Secret), now: time.Now}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	c.parser = jwt.NewParser(opts...)
	return c, nil
}

// AccessTTL returns the default access-token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.cfg.AccessTTL }

// RefreshTTL returns the default refresh-token lifetime.
func (c *Codec) RefreshTTL() time.Duration { return c.cfg.RefreshTTL }

// IssueAccess mints an access token for userID. A zero ttl uses the configured default.
func (c *Codec) IssueAccess(userID string, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, errors.New("token: empty user id")
	}
	if ttl <= 0 {
		ttl = c.cfg.AccessTTL
	}
	return c.sign(Claims{UserID: userID, Type: TypeAccess}, ttl)
}

// IssueRefresh mints an unbound refresh token. A zero ttl uses the configured default.
func (c *Codec) IssueRefresh(ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = c.cfg.RefreshTTL
	}
	jti, err := identity.NewOpaqueToken(16)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: jti: %w", err)
	}
	cl := Claims{Type: TypeRefresh}
	cl.ID = jti
	return c.sign(cl, ttl)
}

func (c *Codec) sign(cl Claims, ttl time.Duration) (string, time.Time, error) {
	now := c.now()
	exp := now.Add(ttl)

	cl.Issuer = c.cfg.Issuer
	cl.IssuedAt = jwt.NewNumericDate(now)
	cl.ExpiresAt = jwt.NewNumericDate(exp)

	s, err := jwt.NewWithClaims(c.method, cl).SignedString(c.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: sign: %w", err)
	}
	return s, exp, nil
}

// Decode verifies signature, algorithm and expiry. Any failure yields nil.
func (c *Codec) Decode(raw string) *Claims {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var cl Claims
	tok, err := c.parser.ParseWithClaims(raw, &cl, func(*jwt.Token) (any, error) {
		return c.key, nil
	})
	if err != nil || !tok.Valid {
		return nil
	}
	switch cl.Type {
	case TypeAccess:
		if cl.UserID == "" {
			return nil
		}
	case TypeRefresh:
	default:
		return nil
	}
	return &cl
}
