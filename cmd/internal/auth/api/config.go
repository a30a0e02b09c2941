package authapi

import "time"

// Config controls the HTTP surface. Zero values fall back to DefaultConfig.
type Config struct {
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
	TrustProxy   bool  `mapstructure:"trust_proxy"`

	// AuthRateLimit requests per AuthRateWindow per client IP on login, register
	// and refresh.
	AuthRateLimit  int           `mapstructure:"auth_rate_limit"`
	AuthRateWindow time.Duration `mapstructure:"auth_rate_window"`

	StateCookieName string        `mapstructure:"state_cookie_name"`
	StateCookieTTL  time.Duration `mapstructure:"state_cookie_ttl"`
	CookieSecure    bool          `mapstructure:"cookie_secure"`
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:    1 << 20, // 1 MiB
		AuthRateLimit:   20,
		AuthRateWindow:  time.Minute,
		StateCookieName: "warden_oauth_state",
		StateCookieTTL:  10 * time.Minute,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.AuthRateLimit <= 0 {
		c.AuthRateLimit = d.AuthRateLimit
	}
	if c.AuthRateWindow <= 0 {
		c.AuthRateWindow = d.AuthRateWindow
	}
	if c.StateCookieName == "" {
		c.StateCookieName = d.StateCookieName
	}
	if c.StateCookieTTL <= 0 {
		c.StateCookieTTL = d.StateCookieTTL
	}
	return c
}
