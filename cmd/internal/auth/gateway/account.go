package gateway

import (
	"context"
	"time"

	"warden/cmd/identity"
	"warden/cmd/internal/auth/events"
)

// SessionInfo describes one signed-in device.
type SessionInfo struct {
	ID        string    `json:"id"`
	UserAgent *string   `json:"user_agent"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ListSessions returns userID's live sessions, oldest first.
func (s *Service) ListSessions(ctx context.Context, userID string) (out []SessionInfo, err error) {
	ctx, done := s.begin(ctx, "list_sessions")
	defer func() { done(err) }()

	list, err := s.repo.ListSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out = make([]SessionInfo, 0, len(list))
	for _, ss := range list {
		out = append(out, SessionInfo{
			ID:        ss.ID,
			UserAgent: ss.UserAgent,
			CreatedAt: ss.CreatedAt,
			ExpiresAt: ss.ExpiresAt,
		})
	}
	return out, nil
}

// Profile returns the public snapshot of userID.
func (s *Service) Profile(ctx context.Context, userID string) (p identity.Profile, err error) {
	ctx, done := s.begin(ctx, "profile")
	defer func() { done(err) }()

	return s.repo.GetUser(ctx, userID)
}

// ListUsers pages through user profiles.
func (s *Service) ListUsers(ctx context.Context, limit, offset int) (out []identity.Profile, err error) {
	ctx, done := s.begin(ctx, "list_users")
	defer func() { done(err) }()

	users, err := s.repo.ListUsers(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	out = make([]identity.Profile, 0, len(users))
	for _, u := range users {
		out = append(out, u.Profile())
	}
	return out, nil
}

// UpdateProfile applies the allow-listed self-service fields.
func (s *Service) UpdateProfile(ctx context.Context, userID string, patch identity.ProfilePatch) (p identity.Profile, err error) {
	const op = "gateway.UpdateProfile"
	ctx, done := s.begin(ctx, "update_profile")
	defer func() { done(err) }()

	if patch.Empty() {
		return identity.Profile{}, invalid(op, "nothing to update")
	}
	u, err := s.repo.UpdateProfile(ctx, userID, patch)
	if err != nil {
		return identity.Profile{}, err
	}
	return u.Profile(), nil
}

// ChangePassword replaces the password after checking the current one, then signs
// out every session of the user.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) (err error) {
	const op = "gateway.ChangePassword"
	ctx, done := s.begin(ctx, "change_password")
	defer func() { done(err) }()

	u, err := s.repo.GetUserRecord(ctx, userID)
	if err != nil {
		return err
	}
	if !u.HasPassword() {
		s.burn(ctx, current)
		return identity.AuthError{Op: op, Msg: "incorrect password"}
	}
	ok, err := s.hasher.Verify(ctx, current, *u.PasswordHash)
	if err != nil {
		return identity.Transient(op, err)
	}
	if !ok {
		return identity.AuthError{Op: op, Msg: "incorrect password"}
	}

	hash, err := s.hashPassword(ctx, op, next)
	if err != nil {
		return err
	}
	if _, err := s.repo.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return err
	}
	return s.revokeAll(ctx, userID, "password_changed")
}

// SetRoles changes role flags. Callers must have checked that the actor is an admin.
func (s *Service) SetRoles(ctx context.Context, userID string, patch identity.RolePatch) (p identity.Profile, err error) {
	const op = "gateway.SetRoles"
	ctx, done := s.begin(ctx, "set_roles")
	defer func() { done(err) }()

	if patch.Empty() {
		return identity.Profile{}, invalid(op, "nothing to update")
	}
	u, err := s.repo.UpdateRoles(ctx, userID, patch)
	if err != nil {
		return identity.Profile{}, err
	}
	return u.Profile(), nil
}

// DeleteUser removes the user and, with it, every session.
func (s *Service) DeleteUser(ctx context.Context, userID string) (err error) {
	ctx, done := s.begin(ctx, "delete_user")
	defer func() { done(err) }()

	if err := s.repo.DeleteUser(ctx, userID); err != nil {
		return err
	}
	s.emit(ctx, events.UserDeleted, userID, nil)
	return nil
}
