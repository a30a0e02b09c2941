package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Secret:     "test-secret-test-secret-test-secret",
		Algorithm:  "HS256",
		Issuer:     "warden",
		AccessTTL:  30 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}
}

func newCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testConfig())
	require.NoError(t, err)
	return c
}

func TestNewCodec_Rejects(t *testing.T) {
	cases := map[string]func(*Config){
		"empty secret": func(c *Config) { c.Secret = " " },
		"none alg":     func(c *Config) { c.Algorithm = "none" },
		"rsa alg":      func(c *Config) { c.Algorithm = "RS256" },
		"access ttl":   func(c *Config) { c.AccessTTL = 0 },
		"refresh ttl":  func(c *Config) { c.RefreshTTL = -time.Second },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mut(&cfg)
			_, err := NewCodec(cfg)
			require.Error(t, err)
		})
	}
}

func TestNewCodec_AlgorithmCaseInsensitive(t *testing.T) {
	cfg := testConfig()
	cfg.Algorithm = "hs512"
	c, err := NewCodec(cfg)
	require.NoError(t, err)

	tok, _, err := c.IssueAccess("u1", 0)
	require.NoError(t, err)
	require.NotNil(t, c.Decode(tok))
}

func TestIssueAccess_Decode(t *testing.T) {
	c := newCodec(t)

	tok, exp, err := c.IssueAccess("01HZX", 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), exp, 2*time.Second)

	cl := c.Decode(tok)
	require.NotNil(t, cl)
	assert.Equal(t, "01HZX", cl.UserID)
	assert.Equal(t, TypeAccess, cl.Type)
	assert.Equal(t, "warden", cl.Issuer)
	assert.Equal(t, exp.Unix(), cl.ExpiresAt.Unix())
}

func TestIssueRefresh_Unbound(t *testing.T) {
	c := newCodec(t)

	tok, exp, err := c.IssueRefresh(time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 2*time.Second)

	cl := c.Decode(tok)
	require.NotNil(t, cl)
	assert.Equal(t, TypeRefresh, cl.Type)
	assert.Empty(t, cl.UserID)
	assert.NotEmpty(t, cl.ID)
}

func TestIssueRefresh_SameSecondDistinct(t *testing.T) {
	c := newCodec(t)
	fixed := time.Now()
	c.now = func() time.Time { return fixed }

	a, _, err := c.IssueRefresh(0)
	require.NoError(t, err)
	b, _, err := c.IssueRefresh(0)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecode_Failures(t *testing.T) {
	c := newCodec(t)
	good, _, err := c.IssueAccess("u1", 0)
	require.NoError(t, err)

	other, err := NewCodec(func() Config { cfg := testConfig(); cfg.Secret = "another-secret"; return cfg }())
	require.NoError(t, err)
	foreign, _, err := other.IssueAccess("u1", 0)
	require.NoError(t, err)

	// Same secret, different algorithm.
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		UserID: "u1",
		Type:   TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "warden",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testConfig().Secret))
	require.NoError(t, err)

	// alg=none
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		UserID: "u1",
		Type:   TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	// No exp.
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:           "u1",
		Type:             TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "warden"},
	}).SignedString([]byte(testConfig().Secret))
	require.NoError(t, err)

	// Unknown type.
	weird, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "u1",
		Type:   "id",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "warden",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testConfig().Secret))
	require.NoError(t, err)

	for name, raw := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"tampered":     good[:len(good)-2] + "xx",
		"wrong secret": foreign,
		"wrong alg":    hs512,
		"alg none":     unsigned,
		"missing exp":  noExp,
		"unknown type": weird,
		"truncated":    strings.Join(strings.Split(good, ".")[:2], "."),
	} {
		assert.Nil(t, c.Decode(raw), name)
	}
}

func TestDecode_Expired(t *testing.T) {
	c := newCodec(t)
	past := time.Now().Add(-time.Hour)
	c.now = func() time.Time { return past }

	tok, _, err := c.IssueAccess("u1", time.Minute)
	require.NoError(t, err)

	c.now = time.Now
	assert.Nil(t, c.Decode(tok))
}

func TestDecode_Leeway(t *testing.T) {
	cfg := testConfig()
	cfg.Leeway = time.Minute
	c, err := NewCodec(cfg)
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(-90 * time.Second) }
	tok, _, err := c.IssueAccess("u1", time.Minute)
	require.NoError(t, err)

	c.now = time.Now
	assert.NotNil(t, c.Decode(tok), "30s past exp is inside a 60s leeway")
}
