// Package cache is the accelerator in front of the session and user stores.
//
// It is never authoritative. Callers treat every error from it as a miss.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss reports an absent key.
var ErrMiss = errors.New("cache: miss")

// ErrGone reports a key that was explicitly deleted and is held by a tombstone.
var ErrGone = errors.New("cache: gone")

// Tombstone is the value Bury stores. It is never valid JSON.
const Tombstone = "-"

// Cache is the small key/value and set surface the repository needs.
type Cache interface {
	// Get returns ErrGone for a buried key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value unless key is buried, in which case it returns ErrGone.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Fill stores value only if key is absent. A present value is left alone;
	// a buried key returns ErrGone.
	Fill(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Bury replaces keys with a Tombstone for ttl so that a slower read-through
	// cannot bring them back.
	Bury(ctx context.Context, ttl time.Duration, keys ...string) error

	// SAdd adds members to a set and (re)arms its TTL.
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers returns ErrMiss when the set does not exist.
	SMembers(ctx context.Context, key string) ([]string, error)

	Ping(ctx context.Context) error
}

// Keys builds the key layout shared by every deployment.
type Keys struct {
	Prefix string
}

// Session is the key of a session blob, addressed by token digest.
func (k Keys) Session(tokenHash string) string { return k.Prefix + "session:" + tokenHash }

// UserSessions is the key of the set of a user's session digests.
func (k Keys) UserSessions(userID string) string { return k.Prefix + "user_sessions:" + userID }

// User is the key of a profile snapshot.
func (k Keys) User(userID string) string { return k.Prefix + "user:" + userID }

// Disabled always misses and drops writes.
type Disabled struct{}

func (Disabled) Get(context.Context, string) ([]byte, error)                  { return nil, ErrMiss }
func (Disabled) Set(context.Context, string, []byte, time.Duration) error     { return nil }
func (Disabled) Fill(context.Context, string, []byte, time.Duration) error    { return nil }
func (Disabled) Delete(context.Context, ...string) error                      { return nil }
func (Disabled) Bury(context.Context, time.Duration, ...string) error         { return nil }
func (Disabled) SAdd(context.Context, string, time.Duration, ...string) error { return nil }
func (Disabled) SRem(context.Context, string, ...string) error                { return nil }
func (Disabled) SMembers(context.Context, string) ([]string, error)           { return nil, ErrMiss }
func (Disabled) Ping(context.Context) error                                   { return nil }
