// Package repository is the single entry point for user and session lookups.
//
// The stores are authoritative; the cache is written after every successful store
// write, read first on lookups, and cleared synchronously on revoke. Cache failures are
// logged and treated as misses. Store failures surface as identity.TransientError.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"warden/cmd/identity"
	"warden/cmd/internal/auth/cache"
	"warden/cmd/internal/auth/session"
	"warden/cmd/internal/retry"
	sectoken "warden/cmd/security/token"

	"go.uber.org/zap"
)

// Config bounds every backend call and sets cache lifetimes.
type Config struct {
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	CacheTimeout    time.Duration `mapstructure:"cache_timeout"`
	SessionCacheTTL time.Duration `mapstructure:"session_cache_ttl"`
	UserCacheTTL    time.Duration `mapstructure:"user_cache_ttl"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	Retry           retry.Config  `mapstructure:"retry"`
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		StoreTimeout:    3 * time.Second,
		CacheTimeout:    250 * time.Millisecond,
		SessionCacheTTL: 7 * 24 * time.Hour,
		UserCacheTTL:    10 * time.Minute,
	}
}

// Repository fronts the user and session stores with the cache.
type Repository struct {
	users    identity.UserStore
	sessions session.Store
	cache    cache.Cache
	digest   *sectoken.Digester
	keys     cache.Keys
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

// New wires a Repository. A nil cache selects cache.Disabled.
func New(users identity.UserStore, sessions session.Store, c cache.Cache, digest *sectoken.Digester, cfg Config, log *zap.Logger) (*Repository, error) {
	switch {
	case users == nil:
		return nil, errors.New("repository: nil user store")
	case sessions == nil:
		return nil, errors.New("repository: nil session store")
	case digest == nil:
		return nil, errors.New("repository: nil digester")
	case cfg.StoreTimeout <= 0 || cfg.CacheTimeout <= 0:
		return nil, errors.New("repository: timeouts must be > 0")
	}
	if c == nil {
		c = cache.Disabled{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{
		users:    users,
		sessions: sessions,
		cache:    c,
		digest:   digest,
		keys:     cache.Keys{Prefix: cfg.KeyPrefix},
		cfg:      cfg,
		log:      log.Named("repository"),
		now:      time.Now,
	}, nil
}

// Now returns the repository clock.
func (r *Repository) Now() time.Time { return r.now().UTC() }

// write runs one store mutation under StoreTimeout. Writes are never retried.
func (r *Repository) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	return classify(op, fn(ctx))
}

// read runs an idempotent store read, retrying transient failures.
func (r *Repository) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, r.cfg.Retry, r.log, op, retryable, func(ctx context.Context) error {
		return r.write(ctx, op, fn)
	})
}

func retryable(err error) bool {
	return identity.IsTransient(err) && !errors.Is(err, context.Canceled)
}

// classify maps store errors onto the identity taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrSessionNotFound):
		return identity.NotFoundError{Op: op, Resource: "session"}
	case errors.Is(err, session.ErrTokenCollision):
		return fmt.Errorf("%s: %w", op, err)
	}
	return identity.Transient(op, err)
}

// IsSessionNotFound reports whether err means no live session.
func IsSessionNotFound(err error) bool {
	var nf identity.NotFoundError
	return errors.As(err, &nf) && nf.Resource == "session"
}
