package app

import (
	"fmt"
	"strings"
	"time"

	authapi "warden/cmd/internal/auth/api"
	"warden/cmd/internal/auth/events"
	"warden/cmd/internal/auth/oauth"
	"warden/cmd/internal/auth/repository"
	"warden/cmd/internal/auth/token"
	"warden/cmd/internal/retry"
	"warden/cmd/security/password"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// DefaultSecret signs tokens when nothing else is configured. Never use it outside development.
const DefaultSecret = "dev-insecure-change-me"

// EnvPrefix is prepended to every derived environment variable (WARDEN_HTTP_ADDR, ...).
const EnvPrefix = "WARDEN"

// Config is the full runtime configuration.
type Config struct {
	Env string `mapstructure:"env"`

	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	JWT JWTConfig `mapstructure:"jwt"`
	// TokenHMACKey keys refresh-token digests. Blank selects plain SHA-256.
	TokenHMACKey string `mapstructure:"token_hmac_key"`

	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Sessions SessionsConfig `mapstructure:"sessions"`

	Password password.Config   `mapstructure:"password"`
	API      authapi.Config    `mapstructure:"api"`
	GitHub   oauth.Config      `mapstructure:"github"`
	NATS     events.NATSConfig `mapstructure:"nats"`
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes"`

	CORSAllowedOrigins   []string `mapstructure:"cors_allowed_origins"`
	CORSAllowCredentials bool     `mapstructure:"cors_allow_credentials"`
	CORSMaxAge           int      `mapstructure:"cors_max_age"`

	// ReadinessRequireDB makes /readyz fail while running on memory stores.
	ReadinessRequireDB bool `mapstructure:"readiness_require_db"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

type TelemetryConfig struct {
	// Endpoint is the OTLP/HTTP collector host:port. Blank disables tracing.
	Endpoint       string  `mapstructure:"endpoint"`
	Insecure       bool    `mapstructure:"insecure"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SamplerRatio   float64 `mapstructure:"sampler_ratio"`
}

// JWTConfig keeps the operator-facing units (minutes, days) of the token settings.
type JWTConfig struct {
	Secret              string        `mapstructure:"secret"`
	Algorithm           string        `mapstructure:"algorithm"`
	Issuer              string        `mapstructure:"issuer"`
	AccessExpireMinutes int           `mapstructure:"access_expire_minutes"`
	RefreshExpireDays   int           `mapstructure:"refresh_expire_days"`
	Leeway              time.Duration `mapstructure:"leeway"`
}

// Token converts to the codec's config.
func (c JWTConfig) Token() token.Config {
	return token.Config{
		Secret:     c.Secret,
		Algorithm:  c.Algorithm,
		Issuer:     c.Issuer,
		AccessTTL:  time.Duration(c.AccessExpireMinutes) * time.Minute,
		RefreshTTL: time.Duration(c.RefreshExpireDays) * 24 * time.Hour,
		Leeway:     c.Leeway,
	}
}

type DatabaseConfig struct {
	// URL selects Postgres. Blank runs on in-memory stores.
	URL         string `mapstructure:"url"`
	Schema      string `mapstructure:"schema"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	// URL is a redis:// URL. Blank disables the cache.
	URL string `mapstructure:"url"`
}

type CacheConfig struct {
	SessionTTLSeconds int           `mapstructure:"session_ttl_seconds"`
	UserTTLSeconds    int           `mapstructure:"user_ttl_seconds"`
	StoreTimeout      time.Duration `mapstructure:"store_timeout"`
	CacheTimeout      time.Duration `mapstructure:"cache_timeout"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
	Retry             retry.Config  `mapstructure:"retry"`
}

// Repository converts to the repository's config.
func (c CacheConfig) Repository() repository.Config {
	return repository.Config{
		StoreTimeout:    c.StoreTimeout,
		CacheTimeout:    c.CacheTimeout,
		SessionCacheTTL: time.Duration(c.SessionTTLSeconds) * time.Second,
		UserCacheTTL:    time.Duration(c.UserTTLSeconds) * time.Second,
		KeyPrefix:       c.KeyPrefix,
		Retry:           c.Retry,
	}
}

type SessionsConfig struct {
	// ReapInterval is how often expired sessions are purged. Zero disables the reaper.
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// Production reports whether the strict security policy applies.
func (c Config) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "production")
}

// envAliases are the bare variable names accepted next to their WARDEN_-prefixed form.
var envAliases = map[string]string{
	"jwt.secret":                "JWT_SECRET",
	"jwt.algorithm":             "JWT_ALGORITHM",
	"jwt.access_expire_minutes": "ACCESS_TOKEN_EXPIRE_MINUTES",
	"jwt.refresh_expire_days":   "REFRESH_TOKEN_EXPIRE_DAYS",
	"cache.session_ttl_seconds": "SESSION_CACHE_TTL_SECONDS",
	"cache.user_ttl_seconds":    "USER_CACHE_TTL_SECONDS",
	"database.url":              "DATABASE_URL",
	"redis.url":                 "REDIS_URL",
	"nats.url":                  "NATS_URL",
	"github.client_id":          "GITHUB_CLIENT_ID",
	"github.client_secret":      "GITHUB_CLIENT_SECRET",
	"github.redirect_url":       "GITHUB_REDIRECT_URL",
}

// envVar derives the prefixed variable for a config key: jwt.secret -> WARDEN_JWT_SECRET.
func envVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("http.addr", "0.0.0.0:8080")
	v.SetDefault("http.read_header_timeout", "5s")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.max_header_bytes", 1<<20)
	v.SetDefault("http.cors_allowed_origins", []string{})
	v.SetDefault("http.cors_allow_credentials", false)
	v.SetDefault("http.cors_max_age", 600)
	v.SetDefault("http.readiness_require_db", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.dev_mode", false)

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", "warden")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.sampler_ratio", 1.0)

	v.SetDefault("jwt.secret", DefaultSecret)
	v.SetDefault("jwt.algorithm", "HS256")
	v.SetDefault("jwt.issuer", "")
	v.SetDefault("jwt.access_expire_minutes", 30)
	v.SetDefault("jwt.refresh_expire_days", 7)
	v.SetDefault("jwt.leeway", "0s")
	v.SetDefault("token_hmac_key", "")

	v.SetDefault("database.url", "")
	v.SetDefault("database.schema", "warden")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.url", "")

	v.SetDefault("cache.session_ttl_seconds", 604800)
	v.SetDefault("cache.user_ttl_seconds", 600)
	v.SetDefault("cache.store_timeout", "3s")
	v.SetDefault("cache.cache_timeout", "250ms")
	v.SetDefault("cache.key_prefix", "warden:")
	v.SetDefault("cache.retry.initial_interval", "50ms")
	v.SetDefault("cache.retry.max_interval", "500ms")
	v.SetDefault("cache.retry.max_elapsed_time", "2s")
	v.SetDefault("cache.retry.max_attempts", 3)

	v.SetDefault("sessions.reap_interval", "10m")

	pw := password.DefaultConfig()
	v.SetDefault("password.argon2.memory_kib", pw.Params.MemoryKiB)
	v.SetDefault("password.argon2.iterations", pw.Params.Iterations)
	v.SetDefault("password.argon2.parallelism", pw.Params.Parallelism)
	v.SetDefault("password.argon2.salt_length", pw.Params.SaltLength)
	v.SetDefault("password.argon2.key_length", pw.Params.KeyLength)
	v.SetDefault("password.policy.min_length", pw.Policy.MinLength)
	v.SetDefault("password.policy.max_length", pw.Policy.MaxLength)
	v.SetDefault("password.policy.reject_very_weak", pw.Policy.RejectVeryWeak)
	v.SetDefault("password.timeout", pw.Timeout.String())
	v.SetDefault("password.max_concurrent", pw.MaxConcurrent)

	api := authapi.DefaultConfig()
	v.SetDefault("api.max_body_bytes", api.MaxBodyBytes)
	v.SetDefault("api.trust_proxy", false)
	v.SetDefault("api.auth_rate_limit", api.AuthRateLimit)
	v.SetDefault("api.auth_rate_window", api.AuthRateWindow.String())
	v.SetDefault("api.state_cookie_name", api.StateCookieName)
	v.SetDefault("api.state_cookie_ttl", api.StateCookieTTL.String())
	v.SetDefault("api.cookie_secure", false)

	v.SetDefault("github.client_id", "")
	v.SetDefault("github.client_secret", "")
	v.SetDefault("github.redirect_url", "")
	v.SetDefault("github.auth_url", "")
	v.SetDefault("github.token_url", "")
	v.SetDefault("github.api_base_url", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "AUTH")
	v.SetDefault("nats.flush_timeout", "2s")
}

// LoadConfig layers defaults, the optional YAML file at path, and the environment.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		if err := v.BindEnv(key, envVar(key), alias); err != nil {
			return Config{}, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case strings.TrimSpace(c.HTTP.Addr) == "":
		return fmt.Errorf("config: http.addr is required")
	case c.JWT.AccessExpireMinutes <= 0:
		return fmt.Errorf("config: access token lifetime must be > 0 minutes")
	case c.JWT.RefreshExpireDays <= 0:
		return fmt.Errorf("config: refresh token lifetime must be > 0 days")
	case c.Cache.SessionTTLSeconds < 0 || c.Cache.UserTTLSeconds < 0:
		return fmt.Errorf("config: cache ttl must be >= 0")
	case c.Telemetry.SamplerRatio < 0 || c.Telemetry.SamplerRatio > 1:
		return fmt.Errorf("config: telemetry.sampler_ratio must be within [0, 1]")
	}
	if err := c.Password.Check(); err != nil {
		return fmt.Errorf("config: password: %w", err)
	}
	return nil
}
