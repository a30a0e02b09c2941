// Package retry runs idempotent operations with exponential back-off.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var retriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "warden", Subsystem: "retry", Name: "attempts_total",
		Help: "Retried attempts by operation.",
	},
	[]string{"op"},
)

// Config holds back-off tunables. Zero values take defaults.
type Config struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
	// MaxAttempts counts the first call. 1 disables retrying.
	MaxAttempts uint64 `mapstructure:"max_attempts"`
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 50 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = time.Second
	}
	if c.MaxElapsedTime <= 0 {
		c.MaxElapsedTime = 5 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Do calls fn until it succeeds, retryable(err) is false, the attempts run out, or
// ctx ends. The last error from fn is returned unchanged.
func Do(ctx context.Context, cfg Config, log *zap.Logger, op string, retryable func(error) bool, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval
	bo.MaxElapsedTime = cfg.MaxElapsedTime

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, cfg.MaxAttempts-1), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err != nil && retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		retriesTotal.WithLabelValues(op).Inc()
		if log != nil {
			log.Warn("retry.backoff",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}
	}

	err := backoff.RetryNotify(operation, policy, notify)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
