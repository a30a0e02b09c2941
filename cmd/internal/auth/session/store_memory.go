package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"warden/cmd/identity"
	"warden/cmd/identity/ids"
)

// UserChecker reports whether a user exists. identity.MemoryStore satisfies it.
type UserChecker interface {
	Exists(ctx context.Context, userID string) bool
}

// MemoryStore is an in-process Store for development mode and tests.
type MemoryStore struct {
	cfg   Config
	users UserChecker

	mu     sync.Mutex
	byHash map[string]Session
	byUser map[string]map[string]struct{}
}

// NewMemoryStore returns an empty MemoryStore. users may be nil to skip the
// existence check.
func NewMemoryStore(cfg Config, users UserChecker) (*MemoryStore, error) {
	cfg, err := cfg.check()
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		cfg:    cfg,
		users:  users,
		byHash: make(map[string]Session),
		byUser: make(map[string]map[string]struct{}),
	}, nil
}

// DropUser removes all sessions of userID. Register it with
// identity.MemoryStore.OnDelete to get cascade semantics.
func (s *MemoryStore) DropUser(_ context.Context, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeUserLocked(userID)
}

func (s *MemoryStore) Create(ctx context.Context, userID, token string, userAgent *string, now time.Time) (Session, error) {
	const op = "session.Create"

	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" || !usableToken(token) {
		return Session{}, identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Msg: "user id and token are required"}
	}
	// Checked outside our lock: the user store's delete hook takes it.
	if s.users != nil && !s.users.Exists(ctx, userID) {
		return Session{}, identity.NotFoundError{Op: op, Resource: "user"}
	}

	s.mu.Lock()
	sess, err := s.insertLocked(userID, token, userAgent, now)
	s.mu.Unlock()
	if err != nil {
		return Session{}, err
	}

	// The user may have been deleted between the check and the insert.
	if s.users != nil && !s.users.Exists(ctx, userID) {
		s.mu.Lock()
		s.removeLocked(sess)
		s.mu.Unlock()
		return Session{}, identity.NotFoundError{Op: op, Resource: "user"}
	}
	return sess, nil
}

func (s *MemoryStore) insertLocked(userID, token string, userAgent *string, now time.Time) (Session, error) {
	hash := s.cfg.Digester.Sum(token)
	if _, dup := s.byHash[hash]; dup {
		return Session{}, ErrTokenCollision
	}
	id, err := ids.New(now)
	if err != nil {
		return Session{}, err
	}
	sess := Session{
		ID:        id,
		UserID:    userID,
		TokenHash: hash,
		UserAgent: trimAgent(userAgent),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
	}
	s.byHash[hash] = sess
	idx, ok := s.byUser[userID]
	if !ok {
		idx = make(map[string]struct{})
		s.byUser[userID] = idx
	}
	idx[hash] = struct{}{}
	return sess, nil
}

func (s *MemoryStore) removeLocked(sess Session) {
	delete(s.byHash, sess.TokenHash)
	if idx, ok := s.byUser[sess.UserID]; ok {
		delete(idx, sess.TokenHash)
		if len(idx) == 0 {
			delete(s.byUser, sess.UserID)
		}
	}
}

func (s *MemoryStore) removeUserLocked(userID string) []Session {
	idx := s.byUser[userID]
	out := make([]Session, 0, len(idx))
	for h := range idx {
		out = append(out, s.byHash[h])
		delete(s.byHash, h)
	}
	delete(s.byUser, userID)
	return out
}

func (s *MemoryStore) Find(ctx context.Context, token string, now time.Time) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if !usableToken(token) {
		return Session{}, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byHash[s.cfg.Digester.Sum(token)]
	if !ok || !sess.Live(now) {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *MemoryStore) Delete(ctx context.Context, token string) (Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, false, err
	}
	if !usableToken(token) {
		return Session{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byHash[s.cfg.Digester.Sum(token)]
	if !ok {
		return Session{}, false, nil
	}
	s.removeLocked(sess)
	return sess, true, nil
}

func (s *MemoryStore) DeleteAllForUser(ctx context.Context, userID string) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeUserLocked(strings.TrimSpace(userID)), nil
}

func (s *MemoryStore) ListForUser(ctx context.Context, userID string, now time.Time) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := []Session{}
	for h := range s.byUser[strings.TrimSpace(userID)] {
		if sess := s.byHash[h]; sess.Live(now) {
			out = append(out, sess)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Rotate(ctx context.Context, oldToken, newToken string, userAgent *string, now time.Time) (Session, Session, error) {
	const op = "session.Rotate"

	if err := ctx.Err(); err != nil {
		return Session{}, Session{}, err
	}
	if !usableToken(oldToken) {
		return Session{}, Session{}, ErrSessionNotFound
	}
	if !usableToken(newToken) {
		return Session{}, Session{}, identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Msg: "new token is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.byHash[s.cfg.Digester.Sum(oldToken)]
	if !ok || !old.Live(now) {
		return Session{}, Session{}, ErrSessionNotFound
	}
	if _, dup := s.byHash[s.cfg.Digester.Sum(newToken)]; dup {
		return Session{}, Session{}, ErrTokenCollision
	}
	s.removeLocked(old)
	next, err := s.insertLocked(old.UserID, newToken, userAgent, now)
	if err != nil {
		// Put the old row back; nothing else saw the gap under the lock.
		s.byHash[old.TokenHash] = old
		if s.byUser[old.UserID] == nil {
			s.byUser[old.UserID] = make(map[string]struct{})
		}
		s.byUser[old.UserID][old.TokenHash] = struct{}{}
		return Session{}, Session{}, err
	}
	return old, next, nil
}

func (s *MemoryStore) Reap(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, sess := range s.byHash {
		if !sess.Live(now) {
			s.removeLocked(sess)
			n++
		}
	}
	return n, nil
}
