package password

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Hasher runs Argon2id off the caller's goroutine with a wall-clock bound and a cap
// on concurrent derivations.
type Hasher struct {
	cfg Config
	sem *semaphore.Weighted
}

// NewHasher validates cfg and returns a Hasher.
func NewHasher(cfg Config) (*Hasher, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &Hasher{cfg: cfg, sem: semaphore.NewWeighted(cfg.MaxConcurrent)}, nil
}

// Config returns the configuration the Hasher was built with.
func (h *Hasher) Config() Config { return h.cfg }

// Hash validates policy and derives a new hash. Policy errors are returned as is.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if err := h.cfg.Validate(password); err != nil {
		return "", err
	}
	return run(ctx, h, func() (string, error) {
		return h.cfg.Hash(password)
	})
}

// Verify reports whether password matches encoded.
//
// A malformed hash is a mismatch: Verify returns (false, nil). The only errors are
// context cancellation and the configured timeout.
func (h *Hasher) Verify(ctx context.Context, password, encoded string) (bool, error) {
	return run(ctx, h, func() (bool, error) {
		ok, err := h.cfg.Verify(encoded, password)
		if errors.Is(err, ErrInvalidHash) {
			return false, nil
		}
		return ok, err
	})
}

type result[T any] struct {
	val T
	err error
}

// run executes fn on its own goroutine. The result travels only over the channel,
// so an abandoned derivation shares nothing with the caller.
func run[T any](ctx context.Context, h *Hasher, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, fmt.Errorf("password: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("password: waiting for hasher: %w", err)
	}

	done := make(chan result[T], 1)
	go func() {
		defer h.sem.Release(1)
		v, err := fn()
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return zero, r.err
		}
		return r.val, nil
	case <-ctx.Done():
		// The derivation keeps its slot until it finishes.
		return zero, fmt.Errorf("password: %w", ctx.Err())
	}
}
