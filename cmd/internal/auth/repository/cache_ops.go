package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"warden/cmd/internal/auth/cache"

	"go.uber.org/zap"
)

// cacheGet decodes key into dst. gone is set when the key was buried by a delete.
func (r *Repository) cacheGet(ctx context.Context, key string, dst any) (hit, gone bool) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CacheTimeout)
	defer cancel()

	b, err := r.cache.Get(ctx, key)
	switch {
	case errors.Is(err, cache.ErrGone):
		return false, true
	case errors.Is(err, cache.ErrMiss):
		return false, false
	case err != nil:
		r.log.Warn("cache.get.fail", zap.Error(err))
		return false, false
	}
	if err := json.Unmarshal(b, dst); err != nil {
		r.log.Warn("cache.decode.fail", zap.Error(err))
		r.cacheDel(ctx, key)
		return false, false
	}
	return true, false
}

// cacheSet writes v after a store write. It never resurrects a buried key.
func (r *Repository) cacheSet(ctx context.Context, key string, v any, ttl time.Duration) bool {
	return r.cachePut(ctx, "cache.set.fail", r.cache.Set, key, v, ttl)
}

// cacheFill writes v after a store read. It never replaces what is already cached.
func (r *Repository) cacheFill(ctx context.Context, key string, v any, ttl time.Duration) bool {
	return r.cachePut(ctx, "cache.fill.fail", r.cache.Fill, key, v, ttl)
}

func (r *Repository) cachePut(ctx context.Context, msg string, put func(context.Context, string, []byte, time.Duration) error, key string, v any, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	b, err := json.Marshal(v)
	if err != nil {
		r.log.Warn("cache.encode.fail", zap.Error(err))
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CacheTimeout)
	defer cancel()
	if err := put(ctx, key, b, ttl); err != nil {
		if !errors.Is(err, cache.ErrGone) {
			r.log.Warn(msg, zap.Error(err))
		}
		return false
	}
	return true
}

// tombstoneTTL outlives any read that started before the delete: one store
// attempt plus the cache write that follows it, doubled.
func (r *Repository) tombstoneTTL() time.Duration {
	return 2 * (r.cfg.StoreTimeout + r.cfg.CacheTimeout)
}

// cacheBury replaces keys with tombstones. If that fails they are deleted instead.
func (r *Repository) cacheBury(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CacheTimeout)
	defer cancel()
	if err := r.cache.Bury(ctx, r.tombstoneTTL(), keys...); err != nil {
		r.log.Warn("cache.bury.fail", zap.Int("keys", len(keys)), zap.Error(err))
		r.cacheDel(ctx, keys...)
	}
}

func (r *Repository) cacheDel(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CacheTimeout)
	defer cancel()
	if err := r.cache.Delete(ctx, keys...); err != nil {
		r.log.Warn("cache.delete.fail", zap.Int("keys", len(keys)), zap.Error(err))
	}
}

func (r *Repository) cacheSAdd(ctx context.Context, key string, members ...string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CacheTimeout)
	defer cancel()
	if err := r.cache.SAdd(ctx, key, r.cfg.SessionCacheTTL, members...); err != nil {
		r.log.Warn("cache.sadd.fail", zap.Error(err))
		return false
	}
	return true
}

func (r *Repository) cacheSRem(ctx context.Context, key string, members ...string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CacheTimeout)
	defer cancel()
	if err := r.cache.SRem(ctx, key, members...); err != nil {
		r.log.Warn("cache.srem.fail", zap.Error(err))
	}
}

func (r *Repository) cacheSMembers(ctx context.Context, key string) ([]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CacheTimeout)
	defer cancel()
	out, err := r.cache.SMembers(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			r.log.Warn("cache.smembers.fail", zap.Error(err))
		}
		return nil, false
	}
	return out, true
}
