package session

import (
	"context"
	"strings"
	"time"

	"warden/cmd/identity"
	"warden/cmd/identity/ids"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on the refresh_sessions table.
// The pool is owned by the caller.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  Config
}

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool, cfg Config) (*PostgresStore, error) {
	if pool == nil {
		return nil, ErrConfig
	}
	cfg, err := cfg.check()
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, cfg: cfg}, nil
}

const sessionColumns = `id, user_id, token_hash, user_agent, created_at, expires_at`

func (s *PostgresStore) table() string { return identity.PGIdent(s.cfg.Schema, "refresh_sessions") }

// Create inserts a new session row.
func (s *PostgresStore) Create(ctx context.Context, userID, token string, userAgent *string, now time.Time) (Session, error) {
	const op = "session.Create"

	userID = strings.TrimSpace(userID)
	if userID == "" || !usableToken(token) {
		return Session{}, identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Msg: "user id and token are required"}
	}
	return s.insert(ctx, s.pool, op, userID, token, userAgent, now)
}

func (s *PostgresStore) insert(ctx context.Context, q pgxscan.Querier, op, userID, token string, userAgent *string, now time.Time) (Session, error) {
	id, err := ids.New(now)
	if err != nil {
		return Session{}, err
	}

	var out Session
	err = pgxscan.Get(ctx, q, &out,
		`INSERT INTO `+s.table()+` (id, user_id, token_hash, user_agent, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+sessionColumns,
		id, userID, s.cfg.Digester.Sum(token), trimAgent(userAgent), now, now.Add(s.cfg.RefreshTTL),
	)
	if err != nil {
		if c, ok := identity.PGUniqueConstraint(err); ok && c == "uq_refresh_sessions_token_hash" {
			return Session{}, ErrTokenCollision
		}
		if identity.PGIsForeignKeyViolation(err) {
			return Session{}, identity.NotFoundError{Op: op, Resource: "user"}
		}
		return Session{}, err
	}
	return out, nil
}

// Find loads the session for token. Expired rows read as absent.
func (s *PostgresStore) Find(ctx context.Context, token string, now time.Time) (Session, error) {
	if !usableToken(token) {
		return Session{}, ErrSessionNotFound
	}

	var out Session
	err := pgxscan.Get(ctx, s.pool, &out,
		`SELECT `+sessionColumns+` FROM `+s.table()+` WHERE token_hash = $1`,
		s.cfg.Digester.Sum(token),
	)
	if err != nil {
		if pgxscan.NotFound(err) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	if !out.Live(now) {
		return Session{}, ErrSessionNotFound
	}
	return out, nil
}

// Delete removes the session for token, if any.
func (s *PostgresStore) Delete(ctx context.Context, token string) (Session, bool, error) {
	if !usableToken(token) {
		return Session{}, false, nil
	}

	var out Session
	err := pgxscan.Get(ctx, s.pool, &out,
		`DELETE FROM `+s.table()+` WHERE token_hash = $1 RETURNING `+sessionColumns,
		s.cfg.Digester.Sum(token),
	)
	if err != nil {
		if pgxscan.NotFound(err) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	return out, true, nil
}

// DeleteAllForUser removes every session of userID.
func (s *PostgresStore) DeleteAllForUser(ctx context.Context, userID string) ([]Session, error) {
	var out []Session
	err := pgxscan.Select(ctx, s.pool, &out,
		`DELETE FROM `+s.table()+` WHERE user_id = $1 RETURNING `+sessionColumns,
		strings.TrimSpace(userID),
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListForUser returns live sessions ordered by created_at.
func (s *PostgresStore) ListForUser(ctx context.Context, userID string, now time.Time) ([]Session, error) {
	out := []Session{}
	err := pgxscan.Select(ctx, s.pool, &out,
		`SELECT `+sessionColumns+` FROM `+s.table()+`
		  WHERE user_id = $1 AND expires_at > $2
		  ORDER BY created_at, id`,
		strings.TrimSpace(userID), now,
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Rotate locks the old row, deletes it and inserts the successor in one transaction.
// A concurrent rotation of the same token blocks on the row lock and then finds nothing.
func (s *PostgresStore) Rotate(ctx context.Context, oldToken, newToken string, userAgent *string, now time.Time) (Session, Session, error) {
	const op = "session.Rotate"

	if !usableToken(oldToken) {
		return Session{}, Session{}, ErrSessionNotFound
	}
	if !usableToken(newToken) {
		return Session{}, Session{}, identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Msg: "new token is required"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, Session{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var old Session
	err = pgxscan.Get(ctx, tx, &old,
		`SELECT `+sessionColumns+` FROM `+s.table()+` WHERE token_hash = $1 FOR UPDATE`,
		s.cfg.Digester.Sum(oldToken),
	)
	if err != nil {
		if pgxscan.NotFound(err) {
			return Session{}, Session{}, ErrSessionNotFound
		}
		return Session{}, Session{}, err
	}
	if !old.Live(now) {
		return Session{}, Session{}, ErrSessionNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM `+s.table()+` WHERE id = $1`, old.ID); err != nil {
		return Session{}, Session{}, err
	}

	next, err := s.insert(ctx, tx, op, old.UserID, newToken, userAgent, now)
	if err != nil {
		return Session{}, Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Session{}, Session{}, err
	}
	return old, next, nil
}

// Reap deletes expired rows.
func (s *PostgresStore) Reap(ctx context.Context, now time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
