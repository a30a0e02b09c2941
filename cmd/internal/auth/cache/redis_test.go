package cache

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb), mr
}

func TestRedis_GetSetDelete(t *testing.T) {
	c, mr := newRedis(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(2 * time.Minute)
	_, err = c.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, c.Delete(ctx, "a", "b", "missing"))
	assert.False(t, mr.Exists("a"))
	assert.False(t, mr.Exists("b"))
}

func TestRedis_SetWithoutTTLIsSkipped(t *testing.T) {
	c, mr := newRedis(t)

	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), 0))
	assert.False(t, mr.Exists("k"))
}

func TestRedis_FillAndBury(t *testing.T) {
	c, mr := newRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Fill(ctx, "k", []byte("v1"), time.Minute))
	require.NoError(t, c.Fill(ctx, "k", []byte("v2"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got), "fill never replaces a cached value")

	require.NoError(t, c.Set(ctx, "k", []byte("v3"), time.Minute))
	got, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v3", string(got))

	require.NoError(t, c.Bury(ctx, 5*time.Second, "k", "other"))
	assert.Equal(t, 5*time.Second, mr.TTL("k"))
	_, err = c.Get(ctx, "k")
	require.ErrorIs(t, err, ErrGone)
	_, err = c.Get(ctx, "other")
	require.ErrorIs(t, err, ErrGone)

	require.ErrorIs(t, c.Fill(ctx, "k", []byte("stale"), time.Minute), ErrGone)
	require.ErrorIs(t, c.Set(ctx, "k", []byte("stale"), time.Minute), ErrGone)
	raw, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, Tombstone, raw)

	mr.FastForward(6 * time.Second)
	require.NoError(t, c.Fill(ctx, "k", []byte("fresh"), time.Minute))
	got, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(got))

	require.NoError(t, c.Fill(ctx, "short", []byte("v"), time.Microsecond), "sub-millisecond ttl rounds up")
}

func TestRedis_Sets(t *testing.T) {
	c, mr := newRedis(t)
	ctx := context.Background()

	_, err := c.SMembers(ctx, "s")
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.SAdd(ctx, "s", time.Hour, "x", "y"))
	require.NoError(t, c.SAdd(ctx, "s", time.Hour, "z"))
	assert.Equal(t, time.Hour, mr.TTL("s"))

	got, err := c.SMembers(ctx, "s")
	require.NoError(t, err)
	sort.Strings(got)
	assert.Equal(t, []string{"x", "y", "z"}, got)

	require.NoError(t, c.SRem(ctx, "s", "x", "y", "z"))
	_, err = c.SMembers(ctx, "s")
	require.ErrorIs(t, err, ErrMiss)
}

func TestRedis_ErrorsWhenDown(t *testing.T) {
	c, mr := newRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	mr.Close()

	_, err := c.Get(ctx, "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMiss)
	require.Error(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	require.Error(t, c.Ping(ctx))
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := Dial(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer rdb.Close()
	require.NoError(t, NewRedis(rdb).Ping(context.Background()))

	_, err = Dial(context.Background(), "not a url")
	require.Error(t, err)
}

func TestDisabled(t *testing.T) {
	var c Cache = Disabled{}
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, c.Fill(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, c.Bury(ctx, time.Minute, "k"))
	_, err := c.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.SAdd(ctx, "s", time.Minute, "x"))
	_, err = c.SMembers(ctx, "s")
	require.ErrorIs(t, err, ErrMiss)
	require.NoError(t, c.Ping(ctx))
}

func TestKeys(t *testing.T) {
	k := Keys{Prefix: "w:"}
	assert.Equal(t, "w:session:abc", k.Session("abc"))
	assert.Equal(t, "w:user_sessions:u1", k.UserSessions("u1"))
	assert.Equal(t, "w:user:u1", k.User("u1"))
}
