package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"warden/cmd/identity"
	sectoken "warden/cmd/security/token"
)

// Session mirrors a refresh_sessions row. The raw refresh token is never kept.
type Session struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	TokenHash string    `db:"token_hash" json:"token_hash"`
	UserAgent *string   `db:"user_agent" json:"user_agent,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
}

// Live reports whether the session is usable at now.
func (s Session) Live(now time.Time) bool { return now.Before(s.ExpiresAt) }

// Store persists refresh sessions.
//
// Methods taking a token accept the raw refresh token and digest it internally.
type Store interface {
	// Create inserts a session expiring RefreshTTL after now. ErrTokenCollision on a
	// duplicate digest; identity.NotFoundError when the user does not exist.
	Create(ctx context.Context, userID, token string, userAgent *string, now time.Time) (Session, error)

	// Find returns the live session for token or ErrSessionNotFound.
	Find(ctx context.Context, token string, now time.Time) (Session, error)

	// Delete removes the session for token. Deleting nothing is not an error.
	Delete(ctx context.Context, token string) (Session, bool, error)

	// DeleteAllForUser removes every session of userID and returns the removed rows.
	DeleteAllForUser(ctx context.Context, userID string) ([]Session, error)

	// ListForUser returns userID's live sessions ordered by creation.
	ListForUser(ctx context.Context, userID string, now time.Time) ([]Session, error)

	// Rotate atomically replaces the live session for oldToken with one for newToken.
	// Of two concurrent rotations of the same token exactly one succeeds; the other
	// gets ErrSessionNotFound.
	Rotate(ctx context.Context, oldToken, newToken string, userAgent *string, now time.Time) (old, next Session, err error)

	// Reap deletes expired sessions and reports how many were removed.
	Reap(ctx context.Context, now time.Time) (int64, error)
}

// Config is shared by the store implementations.
type Config struct {
	RefreshTTL time.Duration
	Digester   *sectoken.Digester
	// Schema is the Postgres schema; ignored by MemoryStore.
	Schema string
}

func (c Config) check() (Config, error) {
	if c.RefreshTTL <= 0 {
		return Config{}, fmt.Errorf("%w: refresh ttl must be > 0", ErrConfig)
	}
	if c.Digester == nil {
		return Config{}, fmt.Errorf("%w: nil digester", ErrConfig)
	}
	c.Schema = strings.TrimSpace(c.Schema)
	if c.Schema == "" {
		c.Schema = identity.DefaultSchema
	}
	if !identity.PGIdentIsValid(c.Schema) {
		return Config{}, fmt.Errorf("%w: invalid schema identifier", ErrConfig)
	}
	return c, nil
}

// maxTokenLen bounds what we are willing to digest.
const maxTokenLen = 4096

func usableToken(tok string) bool {
	return tok != "" && len(tok) <= maxTokenLen
}

func trimAgent(ua *string) *string {
	if ua == nil {
		return nil
	}
	s := strings.TrimSpace(*ua)
	if s == "" {
		return nil
	}
	if len(s) > 512 {
		s = strings.ToValidUTF8(s[:512], "")
	}
	return &s
}
