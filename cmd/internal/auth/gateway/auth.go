package gateway

import (
	"context"
	"strings"

	"warden/cmd/identity"
	"warden/cmd/internal/auth/events"
	"warden/cmd/internal/auth/repository"
	"warden/cmd/internal/auth/token"

	"go.uber.org/zap"
)

// RegisterInput is a password sign-up.
type RegisterInput struct {
	Email     string
	Password  string
	Name      string
	UserAgent string
}

// LoginInput is a password sign-in.
type LoginInput struct {
	Email     string
	Password  string
	UserAgent string
}

// OAuthInput is an identity already verified by an external provider.
type OAuthInput struct {
	ExternalID  string
	Email       string
	DisplayName string
	AvatarURL   string
	UserAgent   string
}

// Register creates a password user and signs them in.
func (s *Service) Register(ctx context.Context, in RegisterInput) (pair TokenPair, err error) {
	const op = "gateway.Register"
	ctx, done := s.begin(ctx, "register")
	defer func() { done(err) }()

	email := strings.TrimSpace(in.Email)
	if !identity.ValidEmail(email) {
		return TokenPair{}, invalid(op, "invalid email")
	}

	// Cheap pre-check before paying for argon2; the unique index still decides.
	if _, err := s.repo.GetUserByEmail(ctx, email); err == nil {
		return TokenPair{}, identity.ConflictError{Op: op, Field: "email"}
	} else if !identity.IsNotFound(err) {
		return TokenPair{}, err
	}

	hash, err := s.hashPassword(ctx, op, in.Password)
	if err != nil {
		return TokenPair{}, err
	}

	name := in.Name
	if strings.TrimSpace(name) == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	u, err := s.repo.CreateUser(ctx, identity.CreateUserInput{
		Email:        email,
		Name:         name,
		PasswordHash: &hash,
	})
	if err != nil {
		return TokenPair{}, err
	}
	s.emit(ctx, events.UserRegistered, u.ID, map[string]any{"method": "password"})

	return s.issue(ctx, op, u.ID, agent(in.UserAgent))
}

// Login checks a password and signs the user in. Every credential failure returns the
// same AuthError.
func (s *Service) Login(ctx context.Context, in LoginInput) (pair TokenPair, err error) {
	const op = "gateway.Login"
	ctx, done := s.begin(ctx, "login")
	defer func() { done(err) }()

	u, err := s.repo.GetUserByEmail(ctx, in.Email)
	switch {
	case identity.IsNotFound(err):
		s.burn(ctx, in.Password)
		return TokenPair{}, identity.BadCredentials(op)
	case err != nil:
		return TokenPair{}, err
	case !u.HasPassword():
		s.burn(ctx, in.Password)
		return TokenPair{}, identity.BadCredentials(op)
	}

	ok, err := s.hasher.Verify(ctx, in.Password, *u.PasswordHash)
	if err != nil {
		return TokenPair{}, identity.Transient(op, err)
	}
	if !ok {
		s.log.Info("auth.login.fail", zap.String("user_id", u.ID))
		return TokenPair{}, identity.BadCredentials(op)
	}
	s.rehash(ctx, u, in.Password)

	return s.issue(ctx, op, u.ID, agent(in.UserAgent))
}

// burn spends the same argon2 work as a real verify.
func (s *Service) burn(ctx context.Context, pw string) {
	_, _ = s.hasher.Verify(ctx, pw, s.dummyHash)
}

// rehash upgrades a hash made with weaker parameters. Failure leaves the old hash.
func (s *Service) rehash(ctx context.Context, u identity.User, pw string) {
	if !s.hasher.Config().NeedsRehash(*u.PasswordHash) {
		return
	}
	h, err := s.hasher.Hash(ctx, pw)
	if err == nil {
		_, err = s.repo.UpdatePasswordHash(ctx, u.ID, h)
	}
	if err != nil {
		s.log.Warn("auth.login.rehash.fail", zap.String("user_id", u.ID), zap.Error(err))
	}
}

// Refresh rotates a refresh token: the presented token stops working and a new pair
// is returned. A token that was already rotated, revoked or never issued is an
// AuthError.
func (s *Service) Refresh(ctx context.Context, refresh, userAgent string) (pair TokenPair, err error) {
	const op = "gateway.Refresh"
	ctx, done := s.begin(ctx, "refresh")
	defer func() { done(err) }()

	claims := s.codec.Decode(refresh)
	if claims == nil || claims.Type != token.TypeRefresh {
		return TokenPair{}, identity.AuthError{Op: op}
	}

	if _, err := s.repo.GetSession(ctx, refresh); err != nil {
		if repository.IsSessionNotFound(err) {
			return TokenPair{}, identity.AuthError{Op: op}
		}
		return TokenPair{}, err
	}

	next, _, err := s.codec.IssueRefresh(0)
	if err != nil {
		return TokenPair{}, err
	}
	old, sess, err := s.repo.RotateSession(ctx, refresh, next, agent(userAgent))
	if err != nil {
		if repository.IsSessionNotFound(err) {
			return TokenPair{}, identity.AuthError{Op: op}
		}
		return TokenPair{}, err
	}

	access, _, err := s.codec.IssueAccess(sess.UserID, 0)
	if err != nil {
		s.compensate(ctx, op, next)
		return TokenPair{}, err
	}

	s.emit(ctx, events.SessionCreated, sess.UserID, map[string]any{
		"session_id":   sess.ID,
		"rotated_from": old.ID,
	})
	return TokenPair{AccessToken: access, RefreshToken: next, TokenType: "bearer"}, nil
}

// Logout revokes the session behind refresh if there is one. It never fails: unknown,
// forged and already-revoked tokens succeed, and store errors are only logged.
func (s *Service) Logout(ctx context.Context, refresh string) {
	var err error
	ctx, done := s.begin(ctx, "logout")
	defer func() { done(err) }()

	if strings.TrimSpace(refresh) == "" {
		return
	}
	sess, found, derr := s.repo.DeleteSession(ctx, refresh)
	if derr != nil {
		s.log.Warn("auth.logout.fail", zap.Error(derr))
		return
	}
	if found {
		s.emit(ctx, events.SessionRevoked, sess.UserID, map[string]any{"session_id": sess.ID})
	}
}

// LogoutAll revokes every session of userID.
func (s *Service) LogoutAll(ctx context.Context, userID string) (err error) {
	ctx, done := s.begin(ctx, "logout_all")
	defer func() { done(err) }()

	return s.revokeAll(ctx, userID, "logout_all")
}

func (s *Service) revokeAll(ctx context.Context, userID, reason string) error {
	removed, err := s.repo.DeleteAllSessions(ctx, userID)
	if err != nil {
		return err
	}
	s.emit(ctx, events.SessionsRevokedAll, userID, map[string]any{
		"count":  len(removed),
		"reason": reason,
	})
	return nil
}

// OAuthLogin signs in a provider-verified identity. An unknown external id is linked
// to the password account with the same email, or becomes a new user without a
// password.
func (s *Service) OAuthLogin(ctx context.Context, in OAuthInput) (pair TokenPair, err error) {
	const op = "gateway.OAuthLogin"
	ctx, done := s.begin(ctx, "oauth_login")
	defer func() { done(err) }()

	extID := strings.TrimSpace(in.ExternalID)
	if extID == "" {
		return TokenPair{}, identity.AuthError{Op: op}
	}

	u, err := s.resolveExternal(ctx, op, extID, in)
	if err != nil {
		return TokenPair{}, err
	}
	return s.issue(ctx, op, u.ID, agent(in.UserAgent))
}

func (s *Service) resolveExternal(ctx context.Context, op, extID string, in OAuthInput) (identity.User, error) {
	u, err := s.repo.GetUserByExternalID(ctx, extID)
	if err == nil || !identity.IsNotFound(err) {
		return u, err
	}

	email := strings.TrimSpace(in.Email)
	if !identity.ValidEmail(email) {
		return identity.User{}, identity.AuthError{Op: op}
	}

	existing, err := s.repo.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if existing.ExternalID != nil && *existing.ExternalID != extID {
			return identity.User{}, identity.ConflictError{Op: op, Field: "email"}
		}
		return s.repo.LinkExternalID(ctx, existing.ID, extID)
	case !identity.IsNotFound(err):
		return identity.User{}, err
	}

	name := strings.TrimSpace(in.DisplayName)
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	var avatar *string
	if a := strings.TrimSpace(in.AvatarURL); a != "" {
		avatar = &a
	}
	u, err = s.repo.CreateUser(ctx, identity.CreateUserInput{
		Email:      email,
		Name:       name,
		ExternalID: &extID,
	})
	if identity.IsConflict(err) {
		// A concurrent callback for the same account won the insert.
		return s.repo.GetUserByExternalID(ctx, extID)
	}
	if err != nil {
		return identity.User{}, err
	}
	if avatar != nil {
		if withAvatar, aerr := s.repo.UpdateProfile(ctx, u.ID, identity.ProfilePatch{Avatar: avatar}); aerr == nil {
			u = withAvatar
		} else {
			s.log.Warn("auth.oauth.avatar.fail", zap.String("user_id", u.ID), zap.Error(aerr))
		}
	}
	s.emit(ctx, events.UserRegistered, u.ID, map[string]any{"method": "github"})
	return u, nil
}
