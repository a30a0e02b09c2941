package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"warden/cmd/identity"
	sectoken "warden/cmd/security/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTTL = 7 * 24 * time.Hour

func testDigester(t *testing.T) *sectoken.Digester {
	t.Helper()
	d, err := sectoken.NewDigester("")
	require.NoError(t, err)
	return d
}

func ptr(s string) *string { return &s }

// exerciseStore runs the behaviour every Store must share. users must be backed by the
// same database as st.
func exerciseStore(t *testing.T, st Store, users identity.UserStore) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	now := time.Now().UTC().Truncate(time.Microsecond)

	alice, err := users.CreateUser(ctx, identity.CreateUserInput{Email: "alice@x.com", Name: "Alice", Now: now})
	require.NoError(t, err)
	bob, err := users.CreateUser(ctx, identity.CreateUserInput{Email: "bob@x.com", Name: "Bob", Now: now})
	require.NoError(t, err)

	t.Run("create and find", func(t *testing.T) {
		s, err := st.Create(ctx, alice.ID, "tok-a1", ptr("curl/8"), now)
		require.NoError(t, err)
		assert.Len(t, s.TokenHash, 64)
		assert.NotEqual(t, "tok-a1", s.TokenHash)
		assert.True(t, s.ExpiresAt.Equal(now.Add(testTTL)), "%v", s.ExpiresAt)
		require.NotNil(t, s.UserAgent)
		assert.Equal(t, "curl/8", *s.UserAgent)

		got, err := st.Find(ctx, "tok-a1", now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, s.ID, got.ID)
		assert.Equal(t, alice.ID, got.UserID)
	})

	t.Run("expiry is checked at read time", func(t *testing.T) {
		_, err := st.Find(ctx, "tok-a1", now.Add(testTTL))
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("collision is fatal", func(t *testing.T) {
		_, err := st.Create(ctx, bob.ID, "tok-a1", nil, now)
		assert.ErrorIs(t, err, ErrTokenCollision)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := st.Create(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV", "tok-ghost", nil, now)
		assert.True(t, identity.IsNotFound(err), "%v", err)
	})

	t.Run("list is ordered and live only", func(t *testing.T) {
		_, err := st.Create(ctx, alice.ID, "tok-a2", nil, now.Add(time.Second))
		require.NoError(t, err)

		list, err := st.ListForUser(ctx, alice.ID, now.Add(2*time.Second))
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.True(t, list[0].CreatedAt.Before(list[1].CreatedAt))

		list, err = st.ListForUser(ctx, alice.ID, now.Add(testTTL).Add(500*time.Millisecond))
		require.NoError(t, err)
		assert.Len(t, list, 1, "first session expired")

		list, err = st.ListForUser(ctx, bob.ID, now)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("rotate is single use", func(t *testing.T) {
		old, next, err := st.Rotate(ctx, "tok-a2", "tok-a3", ptr("ua-2"), now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, alice.ID, old.UserID)
		assert.Equal(t, alice.ID, next.UserID)
		assert.NotEqual(t, old.ID, next.ID)

		_, err = st.Find(ctx, "tok-a2", now.Add(time.Minute))
		assert.ErrorIs(t, err, ErrSessionNotFound)

		_, _, err = st.Rotate(ctx, "tok-a2", "tok-a4", nil, now.Add(2*time.Minute))
		assert.ErrorIs(t, err, ErrSessionNotFound)

		_, err = st.Find(ctx, "tok-a3", now.Add(2*time.Minute))
		require.NoError(t, err)
	})

	t.Run("rotate rejects expired", func(t *testing.T) {
		_, _, err := st.Rotate(ctx, "tok-a1", "tok-a5", nil, now.Add(testTTL))
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("concurrent rotate has one winner", func(t *testing.T) {
		_, err := st.Create(ctx, bob.ID, "tok-b1", nil, now)
		require.NoError(t, err)

		const n = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _, err := st.Rotate(ctx, "tok-b1", "tok-b1-next-"+string(rune('a'+i)), nil, now.Add(time.Second))
				switch {
				case err == nil:
					mu.Lock()
					wins++
					mu.Unlock()
				case errors.Is(err, ErrSessionNotFound):
				default:
					t.Errorf("rotate: %v", err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)

		list, err := st.ListForUser(ctx, bob.ID, now.Add(time.Second))
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s, ok, err := st.Delete(ctx, "tok-a3")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, alice.ID, s.UserID)

		_, ok, err = st.Delete(ctx, "tok-a3")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = st.Delete(ctx, "never-issued")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete all for user", func(t *testing.T) {
		for _, tok := range []string{"tok-a6", "tok-a7"} {
			_, err := st.Create(ctx, alice.ID, tok, nil, now)
			require.NoError(t, err)
		}
		removed, err := st.DeleteAllForUser(ctx, alice.ID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(removed), 2)

		list, err := st.ListForUser(ctx, alice.ID, now)
		require.NoError(t, err)
		assert.Empty(t, list)

		removed, err = st.DeleteAllForUser(ctx, alice.ID)
		require.NoError(t, err)
		assert.Empty(t, removed)
	})

	t.Run("reap", func(t *testing.T) {
		_, err := st.Create(ctx, alice.ID, "tok-a8", nil, now)
		require.NoError(t, err)

		n, err := st.Reap(ctx, now.Add(testTTL+time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		_, err = st.Find(ctx, "tok-a8", now)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("user delete cascades", func(t *testing.T) {
		_, err := st.Create(ctx, bob.ID, "tok-b9", nil, now)
		require.NoError(t, err)

		require.NoError(t, users.DeleteUser(ctx, bob.ID))

		_, err = st.Find(ctx, "tok-b9", now)
		assert.ErrorIs(t, err, ErrSessionNotFound)
		list, err := st.ListForUser(ctx, bob.ID, now)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func newMemoryPair(t *testing.T) (*MemoryStore, *identity.MemoryStore) {
	t.Helper()
	users := identity.NewMemoryStore()
	st, err := NewMemoryStore(Config{RefreshTTL: testTTL, Digester: testDigester(t)}, users)
	require.NoError(t, err)
	users.OnDelete(st.DropUser)
	return st, users
}

func TestMemoryStore(t *testing.T) {
	st, users := newMemoryPair(t)
	exerciseStore(t, st, users)
}

func TestMemoryStore_RejectsBadInput(t *testing.T) {
	st, users := newMemoryPair(t)
	ctx := context.Background()
	now := time.Now()

	u, err := users.CreateUser(ctx, identity.CreateUserInput{Email: "c@x.com", Now: now})
	require.NoError(t, err)

	_, err = st.Create(ctx, u.ID, "", nil, now)
	assert.True(t, identity.IsInvalidInput(err), "%v", err)

	_, err = st.Find(ctx, "", now)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, _, err = st.Rotate(ctx, "", "x", nil, now)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStore_RotateCollisionKeepsOld(t *testing.T) {
	st, users := newMemoryPair(t)
	ctx := context.Background()
	now := time.Now()

	u, err := users.CreateUser(ctx, identity.CreateUserInput{Email: "d@x.com", Now: now})
	require.NoError(t, err)
	_, err = st.Create(ctx, u.ID, "one", nil, now)
	require.NoError(t, err)
	_, err = st.Create(ctx, u.ID, "two", nil, now)
	require.NoError(t, err)

	_, _, err = st.Rotate(ctx, "one", "two", nil, now)
	assert.ErrorIs(t, err, ErrTokenCollision)

	_, err = st.Find(ctx, "one", now)
	assert.NoError(t, err, "failed rotation must leave the old session in place")
}

func TestMemoryStore_TrimsUserAgent(t *testing.T) {
	st, users := newMemoryPair(t)
	ctx := context.Background()
	now := time.Now()

	u, err := users.CreateUser(ctx, identity.CreateUserInput{Email: "e@x.com", Now: now})
	require.NoError(t, err)

	s, err := st.Create(ctx, u.ID, "ua", ptr("   "), now)
	require.NoError(t, err)
	assert.Nil(t, s.UserAgent)
}

func TestNewMemoryStore_Config(t *testing.T) {
	_, err := NewMemoryStore(Config{Digester: testDigester(t)}, nil)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = NewMemoryStore(Config{RefreshTTL: time.Hour}, nil)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = NewMemoryStore(Config{RefreshTTL: time.Hour, Digester: testDigester(t), Schema: "bad-name"}, nil)
	assert.ErrorIs(t, err, ErrConfig)
}
