package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("warden/auth/cache")

// ARGV: value, tombstone, ttl in ms. Returns -1 when the key is buried.
var (
	setScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[2] then return -1 end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)
	fillScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[2] then return -1 end
if cur then return 0 end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)
)

var opsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "warden", Subsystem: "cache", Name: "operations_total",
		Help: "Cache operations by command and result (hit, miss, gone, ok, error).",
	},
	[]string{"op", "result"},
)

// Redis implements Cache on go-redis.
type Redis struct {
	rdb redis.UniversalClient
}

// NewRedis wraps an existing client. The client is owned by the caller.
func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

// Dial parses a redis:// URL, connects and pings.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping failed: %w", err)
	}
	return rdb, nil
}

func (c *Redis) start(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Cache."+op, trace.WithAttributes(
		attribute.String("db.system", "redis"),
		attribute.Int("cache.key_len", len(key)),
	))
}

func (c *Redis) done(span trace.Span, op string, err error) error {
	defer span.End()
	switch {
	case err == nil:
		opsTotal.WithLabelValues(op, "ok").Inc()
	case errors.Is(err, ErrMiss):
		opsTotal.WithLabelValues(op, "miss").Inc()
	case errors.Is(err, ErrGone):
		opsTotal.WithLabelValues(op, "gone").Inc()
	default:
		opsTotal.WithLabelValues(op, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("cache %s: %w", op, err)
	}
	return err
}

func (c *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := c.start(ctx, "get", key)
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, c.done(span, "get", ErrMiss)
	}
	if err == nil && string(b) == Tombstone {
		return nil, c.done(span, "get", ErrGone)
	}
	if err == nil {
		opsTotal.WithLabelValues("get", "hit").Inc()
		span.End()
		return b, nil
	}
	return nil, c.done(span, "get", err)
}

// Set stores value for ttl unless key is buried. A non-positive ttl is a no-op:
// nothing is cached forever.
func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, span := c.start(ctx, "set", key)
	return c.done(span, "set", c.guarded(ctx, setScript, key, value, ttl))
}

// Fill stores value for ttl only if key holds nothing.
func (c *Redis) Fill(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, span := c.start(ctx, "fill", key)
	return c.done(span, "fill", c.guarded(ctx, fillScript, key, value, ttl))
}

func (c *Redis) guarded(ctx context.Context, script *redis.Script, key string, value []byte, ttl time.Duration) error {
	n, err := script.Run(ctx, c.rdb, []string{key}, value, Tombstone, millis(ttl)).Int()
	if err != nil {
		return err
	}
	if n < 0 {
		return ErrGone
	}
	return nil
}

// Bury overwrites keys with a Tombstone for ttl.
func (c *Redis) Bury(ctx context.Context, ttl time.Duration, keys ...string) error {
	if len(keys) == 0 || ttl <= 0 {
		return nil
	}
	ctx, span := c.start(ctx, "bury", keys[0])
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Set(ctx, k, Tombstone, ttl)
		}
		return nil
	})
	return c.done(span, "bury", err)
}

func millis(d time.Duration) int64 {
	if ms := d.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

func (c *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, span := c.start(ctx, "del", keys[0])
	return c.done(span, "del", c.rdb.Del(ctx, keys...).Err())
}

func (c *Redis) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 || ttl <= 0 {
		return nil
	}
	ctx, span := c.start(ctx, "sadd", key)

	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, key, args...)
		p.Expire(ctx, key, ttl)
		return nil
	})
	return c.done(span, "sadd", err)
}

func (c *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, span := c.start(ctx, "srem", key)

	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.done(span, "srem", c.rdb.SRem(ctx, key, args...).Err())
}

func (c *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, span := c.start(ctx, "smembers", key)
	out, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, c.done(span, "smembers", err)
	}
	// Redis does not keep empty sets.
	if len(out) == 0 {
		return nil, c.done(span, "smembers", ErrMiss)
	}
	opsTotal.WithLabelValues("smembers", "hit").Inc()
	span.End()
	return out, nil
}

func (c *Redis) Ping(ctx context.Context) error {
	ctx, span := c.start(ctx, "ping", "")
	return c.done(span, "ping", c.rdb.Ping(ctx).Err())
}
