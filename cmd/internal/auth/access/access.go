// Package access resolves the caller behind a bearer token and answers role and
// ownership questions about them.
//
// Access tokens are stateless, so a token outlives its user; Authenticate catches
// that by resolving the user on every request.
package access

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"warden/cmd/identity"
	"warden/cmd/internal/auth/token"

	"go.uber.org/zap"
)

// Users resolves a profile by id. The repository satisfies it.
type Users interface {
	GetUser(ctx context.Context, id string) (identity.Profile, error)
}

// Identity is the authenticated caller.
type Identity struct {
	UserID   string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	IsAuthor bool   `json:"is_author"`
	IsAdmin  bool   `json:"is_admin"`
}

// Authenticator turns an Authorization header into an Identity.
type Authenticator struct {
	codec *token.Codec
	users Users
	log   *zap.Logger
}

// New returns an Authenticator.
func New(codec *token.Codec, users Users, log *zap.Logger) (*Authenticator, error) {
	if codec == nil || users == nil {
		return nil, errors.New("access: nil codec or user resolver")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Authenticator{codec: codec, users: users, log: log.Named("access")}, nil
}

// Authenticate validates header and loads the caller. Token problems and a vanished
// user are AuthError; store failures pass through.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (Identity, error) {
	const op = "access.Authenticate"

	raw, ok := bearer(header)
	if !ok {
		return Identity{}, identity.AuthError{Op: op}
	}
	claims := a.codec.Decode(raw)
	if claims == nil || claims.Type != token.TypeAccess {
		return Identity{}, identity.AuthError{Op: op}
	}

	p, err := a.users.GetUser(ctx, claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			return Identity{}, identity.AuthError{Op: op}
		}
		return Identity{}, err
	}
	return Identity{
		UserID:   p.ID,
		Email:    p.Email,
		Name:     p.Name,
		IsAuthor: p.IsAuthor,
		IsAdmin:  p.IsAdmin,
	}, nil
}

func bearer(header string) (string, bool) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	if rest == "" || strings.ContainsAny(rest, " \t") {
		return "", false
	}
	return rest, true
}

// Middleware authenticates every request and stores the Identity in its context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			var ae identity.AuthError
			switch {
			case errors.As(err, &ae):
				unauthorized(w, ae.Message())
			case identity.IsTransient(err):
				a.log.Warn("access.resolve.fail", zap.Error(err))
				deny(w, http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable")
			default:
				a.log.Error("access.resolve.fail", zap.Error(err))
				deny(w, http.StatusInternalServerError, "server_error", "internal error")
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the Identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// RequireAdmin fails unless id is an admin.
func RequireAdmin(id Identity) error {
	if id.IsAdmin {
		return nil
	}
	return identity.PermissionError{Op: "access.RequireAdmin"}
}

// RequireAuthorOrAdmin fails unless id is an author or an admin.
func RequireAuthorOrAdmin(id Identity) error {
	if id.IsAuthor || id.IsAdmin {
		return nil
	}
	return identity.PermissionError{Op: "access.RequireAuthorOrAdmin"}
}

// RequireOwnerOrAdmin fails unless id owns the resource or is an admin.
func RequireOwnerOrAdmin(id Identity, ownerID string) error {
	if id.IsAdmin || (ownerID != "" && id.UserID == ownerID) {
		return nil
	}
	return identity.PermissionError{Op: "access.RequireOwnerOrAdmin"}
}

// AdminOnly admits admins. It must run after Middleware.
func AdminOnly(next http.Handler) http.Handler {
	return guard(RequireAdmin, next)
}

// AuthorOrAdmin admits authors and admins. It must run after Middleware.
func AuthorOrAdmin(next http.Handler) http.Handler {
	return guard(RequireAuthorOrAdmin, next)
}

func guard(check func(Identity) error, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			unauthorized(w, identity.AuthError{}.Message())
			return
		}
		if err := check(id); err != nil {
			var pe identity.PermissionError
			errors.As(err, &pe)
			deny(w, http.StatusForbidden, "forbidden", pe.Message())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	deny(w, http.StatusUnauthorized, "unauthenticated", msg)
}

func deny(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": msg},
	})
}
