package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"warden/cmd/identity/ids"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the Postgres schema that holds warden's tables.
const DefaultSchema = "warden"

// PostgresStore implements UserStore over PostgreSQL.
//
// The pgx pool is owned by the caller; this store must NOT close it.
// Schema identifiers are quoted through pgx.Identifier.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the store (default "warden").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !PGIdentIsValid(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: DefaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

const userColumns = `id, email, email_norm, name, password_hash, is_author, is_admin,
	avatar, external_id, registered_at, updated_at`

// CreateUser inserts a user. A duplicate email or external id yields ConflictError.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	email := strings.TrimSpace(in.Email)
	if email == "" {
		return User{}, pgInvalid(op, "email is required")
	}
	name := NormalizeName(in.Name)
	if name == "" {
		name = email
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.New(now)
	if err != nil {
		return User{}, err
	}

	var out User
	err = pgxscan.Get(ctx, s.pool, &out,
		`INSERT INTO `+s.users()+` (
		     id, email, email_norm, name, password_hash, external_id, registered_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 RETURNING `+userColumns,
		id, email, NormalizeEmail(email), name, pgTrimPtr(in.PasswordHash), pgTrimPtr(in.ExternalID), now,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, err
	}
	return out, nil
}

// GetUserByID loads a user by id.
func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.getOne(ctx, "identity.GetUserByID", `id = $1`, strings.TrimSpace(id))
}

// GetUserByEmail loads a user by normalized email.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getOne(ctx, "identity.GetUserByEmail", `email_norm = $1`, NormalizeEmail(email))
}

// GetUserByExternalID loads a user by external identity id.
func (s *PostgresStore) GetUserByExternalID(ctx context.Context, externalID string) (User, error) {
	return s.getOne(ctx, "identity.GetUserByExternalID", `external_id = $1`, strings.TrimSpace(externalID))
}

func (s *PostgresStore) getOne(ctx context.Context, op, where string, arg string) (User, error) {
	if arg == "" {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}

	var out User
	err := pgxscan.Get(ctx, s.pool, &out,
		`SELECT `+userColumns+` FROM `+s.users()+` WHERE `+where, arg)
	if err != nil {
		if pgxscan.NotFound(err) {
			return User{}, NotFoundError{Op: op, Resource: "user"}
		}
		return User{}, err
	}
	return out, nil
}

// ListUsers returns users ordered by registration time.
func (s *PostgresStore) ListUsers(ctx context.Context, limit, offset int) ([]User, error) {
	limit, offset = clampPage(limit, offset)

	var out []User
	err := pgxscan.Select(ctx, s.pool, &out,
		`SELECT `+userColumns+` FROM `+s.users()+`
		  ORDER BY registered_at, id
		  LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LinkExternalID binds an external identity to an existing user.
func (s *PostgresStore) LinkExternalID(ctx context.Context, userID, externalID string, now time.Time) (User, error) {
	const op = "identity.LinkExternalID"

	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return User{}, pgInvalid(op, "external_id is required")
	}
	return s.updateOne(ctx, op,
		`external_id = $2, updated_at = $3`,
		userID, externalID, nowOr(now),
	)
}

// UpdateProfile applies the allow-listed profile fields.
func (s *PostgresStore) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch, now time.Time) (User, error) {
	const op = "identity.UpdateProfile"

	patch, err := patch.Normalize()
	if err != nil {
		return User{}, err
	}

	// COALESCE keeps the column when the patch leaves it nil; NULLIF turns "" into a cleared avatar.
	return s.updateOne(ctx, op,
		`name = COALESCE($2, name),
		 avatar = CASE WHEN $3::text IS NULL THEN avatar ELSE NULLIF($3::text, '') END,
		 updated_at = $4`,
		userID, patch.Name, patch.Avatar, nowOr(now),
	)
}

// UpdatePasswordHash replaces the stored credential.
func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, userID, hash string, now time.Time) (User, error) {
	const op = "identity.UpdatePasswordHash"

	if strings.TrimSpace(hash) == "" {
		return User{}, pgInvalid(op, "hash is required")
	}
	return s.updateOne(ctx, op,
		`password_hash = $2, updated_at = $3`,
		userID, hash, nowOr(now),
	)
}

// UpdateRoles changes role flags.
func (s *PostgresStore) UpdateRoles(ctx context.Context, userID string, patch RolePatch, now time.Time) (User, error) {
	const op = "identity.UpdateRoles"

	return s.updateOne(ctx, op,
		`is_author = COALESCE($2, is_author),
		 is_admin = COALESCE($3, is_admin),
		 updated_at = $4`,
		userID, patch.IsAuthor, patch.IsAdmin, nowOr(now),
	)
}

func (s *PostgresStore) updateOne(ctx context.Context, op, set string, userID string, args ...any) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, pgInvalid(op, "missing user_id")
	}

	var out User
	err := pgxscan.Get(ctx, s.pool, &out,
		`UPDATE `+s.users()+` SET `+set+` WHERE id = $1 RETURNING `+userColumns,
		append([]any{userID}, args...)...,
	)
	if err != nil {
		if pgxscan.NotFound(err) {
			return User{}, NotFoundError{Op: op, Resource: "user"}
		}
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, err
	}
	return out, nil
}

// DeleteUser removes a user. Sessions go with it through ON DELETE CASCADE,
// inside the same statement.
func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	const op = "identity.DeleteUser"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return pgInvalid(op, "missing user_id")
	}

	ct, err := s.pool.Exec(ctx, `DELETE FROM `+s.users()+` WHERE id = $1`, userID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

func (s *PostgresStore) users() string { return PGIdent(s.schema, "users") }

// ---- helpers ----

func nowOr(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now().UTC()
	}
	return now
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// pgTrimPtr trims a string pointer, returning nil if result is empty.
func pgTrimPtr(p *string) *string {
	if p == nil {
		return nil
	}
	s := strings.TrimSpace(*p)
	if s == "" {
		return nil
	}
	return &s
}

// pgInvalid standardizes invalid input errors.
func pgInvalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

// PGIdentIsValid checks if a string is a safe Postgres identifier.
func PGIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// PGIdent safely quotes a schema-qualified identifier: "schema"."name".
func PGIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

// PGIsForeignKeyViolation reports a 23503 error.
func PGIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503" // foreign_key_violation
}

// PGUniqueConstraint returns the violated constraint name for a 23505 error.
func PGUniqueConstraint(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}
	return strings.ToLower(strings.TrimSpace(pgErr.ConstraintName)), true
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	c, ok := PGUniqueConstraint(err)
	if !ok {
		return "", false
	}

	switch c {
	case "uq_users_email_norm":
		return "email", true
	case "uq_users_external_id":
		return "external_id", true
	default:
		switch {
		case strings.Contains(c, "email"):
			return "email", true
		case strings.Contains(c, "external"):
			return "external_id", true
		default:
			return "unique", true
		}
	}
}
