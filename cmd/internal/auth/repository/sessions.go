package repository

import (
	"context"
	"sort"
	"time"

	"warden/cmd/internal/auth/session"
)

// completeMarker is a member of a user's session index set only when the set was
// rebuilt from the store and therefore names every live session.
const completeMarker = "~complete"

// CreateSession inserts the session, then mirrors it into the cache.
// The store insert is the only authoritative write.
func (r *Repository) CreateSession(ctx context.Context, userID, token string, userAgent *string) (session.Session, error) {
	var s session.Session
	err := r.write(ctx, "repository.CreateSession", func(ctx context.Context) error {
		var err error
		s, err = r.sessions.Create(ctx, userID, token, userAgent, r.Now())
		return err
	})
	if err != nil {
		return session.Session{}, err
	}
	r.cacheSession(ctx, s)
	return s, nil
}

// GetSession returns the live session for token, cache first. Expiry is re-checked on
// cached copies.
func (r *Repository) GetSession(ctx context.Context, token string) (session.Session, error) {
	const op = "repository.GetSession"

	now := r.Now()
	key := r.keys.Session(r.digest.Sum(token))

	var s session.Session
	hit, gone := r.cacheGet(ctx, key, &s)
	if gone {
		return session.Session{}, classify(op, session.ErrSessionNotFound)
	}
	if hit {
		if s.Live(now) {
			return s, nil
		}
		r.cacheDel(ctx, key)
		return session.Session{}, classify(op, session.ErrSessionNotFound)
	}

	err := r.read(ctx, op, func(ctx context.Context) error {
		var err error
		s, err = r.sessions.Find(ctx, token, now)
		return err
	})
	if err != nil {
		return session.Session{}, err
	}
	r.fillSession(ctx, s)
	return s, nil
}

// RotateSession replaces the session for oldToken with one for newToken.
func (r *Repository) RotateSession(ctx context.Context, oldToken, newToken string, userAgent *string) (session.Session, session.Session, error) {
	var old, next session.Session
	err := r.write(ctx, "repository.RotateSession", func(ctx context.Context) error {
		var err error
		old, next, err = r.sessions.Rotate(ctx, oldToken, newToken, userAgent, r.Now())
		return err
	})
	if err != nil {
		if IsSessionNotFound(err) {
			r.cacheBury(ctx, r.keys.Session(r.digest.Sum(oldToken)))
		}
		return session.Session{}, session.Session{}, err
	}

	r.cacheBury(ctx, r.keys.Session(old.TokenHash))
	r.cacheSRem(ctx, r.keys.UserSessions(old.UserID), old.TokenHash)
	r.cacheSession(ctx, next)
	return old, next, nil
}

// DeleteSession revokes the session for token. The cached blob is buried whether or
// not the store had a row.
func (r *Repository) DeleteSession(ctx context.Context, token string) (session.Session, bool, error) {
	var (
		s     session.Session
		found bool
	)
	err := r.write(ctx, "repository.DeleteSession", func(ctx context.Context) error {
		var err error
		s, found, err = r.sessions.Delete(ctx, token)
		return err
	})

	r.cacheBury(ctx, r.keys.Session(r.digest.Sum(token)))
	if err != nil {
		return session.Session{}, false, err
	}
	if found {
		r.cacheSRem(ctx, r.keys.UserSessions(s.UserID), s.TokenHash)
	}
	return s, found, nil
}

// DeleteAllSessions revokes every session of userID.
func (r *Repository) DeleteAllSessions(ctx context.Context, userID string) ([]session.Session, error) {
	var removed []session.Session
	err := r.write(ctx, "repository.DeleteAllSessions", func(ctx context.Context) error {
		var err error
		removed, err = r.sessions.DeleteAllForUser(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	hashes := make([]string, 0, len(removed))
	for _, s := range removed {
		hashes = append(hashes, s.TokenHash)
	}
	r.dropSessionCache(ctx, userID, hashes)
	return removed, nil
}

// ListSessions returns userID's live sessions ordered by creation. A complete cached
// index is served from cache; anything less is rebuilt from the store.
func (r *Repository) ListSessions(ctx context.Context, userID string) ([]session.Session, error) {
	now := r.Now()

	if out, ok := r.listCached(ctx, userID, now); ok {
		return out, nil
	}

	var out []session.Session
	err := r.read(ctx, "repository.ListSessions", func(ctx context.Context) error {
		var err error
		out, err = r.sessions.ListForUser(ctx, userID, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	members := make([]string, 0, len(out)+1)
	for _, s := range out {
		if !r.fillSession(ctx, s) {
			return out, nil
		}
		members = append(members, s.TokenHash)
	}
	r.cacheSAdd(ctx, r.keys.UserSessions(userID), append(members, completeMarker)...)
	return out, nil
}

func (r *Repository) listCached(ctx context.Context, userID string, now time.Time) ([]session.Session, bool) {
	members, ok := r.cacheSMembers(ctx, r.keys.UserSessions(userID))
	if !ok {
		return nil, false
	}

	complete := false
	var missing []string
	out := make([]session.Session, 0, len(members))
	for _, h := range members {
		if h == completeMarker {
			complete = true
			continue
		}
		var s session.Session
		if hit, _ := r.cacheGet(ctx, r.keys.Session(h), &s); !hit || s.UserID != userID {
			missing = append(missing, h)
			continue
		}
		if s.Live(now) {
			out = append(out, s)
		}
	}
	if len(missing) > 0 {
		// Drop dead members; the rebuild re-adds whichever are still live.
		r.cacheSRem(ctx, r.keys.UserSessions(userID), missing...)
		return nil, false
	}
	if !complete {
		return nil, false
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, true
}

// Reap deletes expired sessions from the store. Cached copies expire on their own.
func (r *Repository) Reap(ctx context.Context) (int64, error) {
	var n int64
	err := r.write(ctx, "repository.Reap", func(ctx context.Context) error {
		var err error
		n, err = r.sessions.Reap(ctx, r.Now())
		return err
	})
	return n, err
}

// cacheSession writes the blob after a store write and indexes it. If either step
// fails the index is dropped so it can never claim completeness while missing a member.
func (r *Repository) cacheSession(ctx context.Context, s session.Session) bool {
	return r.indexSession(ctx, s, r.cacheSet)
}

// fillSession is cacheSession for blobs loaded by a read. A revoke that landed
// after the load wins.
func (r *Repository) fillSession(ctx context.Context, s session.Session) bool {
	return r.indexSession(ctx, s, r.cacheFill)
}

func (r *Repository) indexSession(ctx context.Context, s session.Session, put func(context.Context, string, any, time.Duration) bool) bool {
	ttl := r.cfg.SessionCacheTTL
	if left := s.ExpiresAt.Sub(r.Now()); left < ttl {
		ttl = left
	}
	if !put(ctx, r.keys.Session(s.TokenHash), s, ttl) {
		r.cacheDel(ctx, r.keys.UserSessions(s.UserID))
		return false
	}
	if !r.cacheSAdd(ctx, r.keys.UserSessions(s.UserID), s.TokenHash) {
		r.cacheDel(ctx, r.keys.UserSessions(s.UserID))
		return false
	}
	return true
}

// dropSessionCache buries the blobs of hashes and of every cached index member, plus
// any extra keys, then drops the index.
func (r *Repository) dropSessionCache(ctx context.Context, userID string, hashes []string, extra ...string) {
	seen := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		seen[h] = struct{}{}
	}
	if cached, ok := r.cacheSMembers(ctx, r.keys.UserSessions(userID)); ok {
		for _, h := range cached {
			if h != completeMarker {
				seen[h] = struct{}{}
			}
		}
	}

	keys := make([]string, 0, len(seen)+len(extra))
	for h := range seen {
		keys = append(keys, r.keys.Session(h))
	}
	r.cacheBury(ctx, append(keys, extra...)...)
	r.cacheDel(ctx, r.keys.UserSessions(userID))
}
