package password

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(cheap())
	require.NoError(t, err)
	return h
}

func TestHasher_RoundTrip(t *testing.T) {
	h := newTestHasher(t)
	ctx := context.Background()

	enc, err := h.Hash(ctx, "secret1")
	require.NoError(t, err)

	ok, err := h.Verify(ctx, "secret1", enc)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.Verify(ctx, "secret2", enc)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHasher_VerifyMalformedIsMismatch(t *testing.T) {
	h := newTestHasher(t)

	for _, enc := range []string{"", "plaintext", "$argon2id$broken"} {
		ok, err := h.Verify(context.Background(), "secret1", enc)
		require.NoError(t, err, enc)
		require.False(t, ok, enc)
	}
}

func TestHasher_HashPolicy(t *testing.T) {
	h := newTestHasher(t)

	_, err := h.Hash(context.Background(), "abc")
	require.ErrorIs(t, err, ErrPasswordTooShort)
	require.True(t, IsPolicy(err))
}

func TestHasher_CanceledContext(t *testing.T) {
	h := newTestHasher(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Verify(ctx, "secret1", "$argon2id$v=19$m=8192,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5a2V5")
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestHasher_TimeoutWhileQueued(t *testing.T) {
	cfg := cheap()
	cfg.MaxConcurrent = 1
	cfg.Timeout = 20 * time.Millisecond
	h, err := NewHasher(cfg)
	require.NoError(t, err)

	// Hold the only slot.
	require.NoError(t, h.sem.Acquire(context.Background(), 1))
	defer h.sem.Release(1)

	_, err = h.Hash(context.Background(), "secret1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHasher_TimeoutDuringDerivation(t *testing.T) {
	cfg := cheap()
	cfg.Params.MemoryKiB = 64 * 1024
	cfg.Params.Iterations = 8
	cfg.MaxConcurrent = 1
	cfg.Timeout = 5 * time.Millisecond
	h, err := NewHasher(cfg)
	require.NoError(t, err)

	out, err := h.Hash(context.Background(), "secret1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, out)

	// Wait for the abandoned derivation to finish and hand back its slot.
	require.NoError(t, h.sem.Acquire(context.Background(), 1))
	h.sem.Release(1)

	slow, err := cfg.Hash("secret1")
	require.NoError(t, err)
	ok, err := h.Verify(context.Background(), "secret1", slow)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, ok)

	require.NoError(t, h.sem.Acquire(context.Background(), 1))
	h.sem.Release(1)
}

func TestHasher_Concurrent(t *testing.T) {
	h := newTestHasher(t)
	enc, err := h.Hash(context.Background(), "secret1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := h.Verify(context.Background(), "secret1", enc)
			if err != nil || !ok {
				t.Errorf("verify: ok=%v err=%v", ok, err)
			}
		}()
	}
	wg.Wait()
}
