package identity

import (
	"context"
	"strings"
	"time"
)

// User is warden's canonical security principal.
// PasswordHash is nil for accounts created through an external identity provider.
type User struct {
	ID           string    `db:"id"`
	Email        string    `db:"email"`
	EmailNorm    string    `db:"email_norm"`
	Name         string    `db:"name"`
	PasswordHash *string   `db:"password_hash"`
	IsAuthor     bool      `db:"is_author"`
	IsAdmin      bool      `db:"is_admin"`
	Avatar       *string   `db:"avatar"`
	ExternalID   *string   `db:"external_id"`
	RegisteredAt time.Time `db:"registered_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// HasPassword reports whether the user can log in with a password.
func (u User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// Profile returns the cacheable snapshot of u.
func (u User) Profile() Profile {
	return Profile{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		IsAuthor:     u.IsAuthor,
		IsAdmin:      u.IsAdmin,
		Avatar:       u.Avatar,
		ExternalID:   u.ExternalID,
		RegisteredAt: u.RegisteredAt,
	}
}

// Profile is the denormalized user snapshot served from cache and returned by the API.
// It must never grow a credential field.
type Profile struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	IsAuthor     bool      `json:"is_author"`
	IsAdmin      bool      `json:"is_admin"`
	Avatar       *string   `json:"avatar,omitempty"`
	ExternalID   *string   `json:"github_id,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// CreateUserInput describes a new user. Exactly one of PasswordHash or ExternalID is
// normally set, but both are allowed.
type CreateUserInput struct {
	Email        string
	Name         string
	PasswordHash *string
	ExternalID   *string
	Now          time.Time
}

// ProfilePatch lists the fields a user may change about themselves.
// A nil field is left untouched; an empty Avatar clears it.
type ProfilePatch struct {
	Name   *string `json:"name"`
	Avatar *string `json:"avatar"`
}

// Empty reports whether the patch changes nothing.
func (p ProfilePatch) Empty() bool { return p.Name == nil && p.Avatar == nil }

// Normalize validates the patch and returns a trimmed copy.
func (p ProfilePatch) Normalize() (ProfilePatch, error) {
	const op = "identity.ProfilePatch"

	var out ProfilePatch
	if p.Name != nil {
		n := NormalizeName(*p.Name)
		if n == "" {
			return ProfilePatch{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "name must not be empty"}
		}
		out.Name = &n
	}
	if p.Avatar != nil {
		a := strings.TrimSpace(*p.Avatar)
		if len(a) > 2048 {
			return ProfilePatch{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "avatar is too long"}
		}
		out.Avatar = &a
	}
	return out, nil
}

// RolePatch changes role flags. It is only reachable through admin operations.
type RolePatch struct {
	IsAuthor *bool `json:"is_author"`
	IsAdmin  *bool `json:"is_admin"`
}

// Empty reports whether the patch changes nothing.
func (p RolePatch) Empty() bool { return p.IsAuthor == nil && p.IsAdmin == nil }

// UserStore is the user persistence boundary.
// Deleting a user must remove that user's sessions in the same transaction.
type UserStore interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]User, error)

	LinkExternalID(ctx context.Context, userID, externalID string, now time.Time) (User, error)
	UpdateProfile(ctx context.Context, userID string, patch ProfilePatch, now time.Time) (User, error)
	UpdatePasswordHash(ctx context.Context, userID, hash string, now time.Time) (User, error)
	UpdateRoles(ctx context.Context, userID string, patch RolePatch, now time.Time) (User, error)
	DeleteUser(ctx context.Context, userID string) error
}
