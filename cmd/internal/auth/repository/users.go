package repository

import (
	"context"

	"warden/cmd/identity"

	"go.uber.org/zap"
)

// GetUser returns the profile snapshot for id, cache first.
func (r *Repository) GetUser(ctx context.Context, id string) (identity.Profile, error) {
	const op = "repository.GetUser"

	var p identity.Profile
	hit, gone := r.cacheGet(ctx, r.keys.User(id), &p)
	if gone {
		return identity.Profile{}, identity.NotFoundError{Op: op, Resource: "user"}
	}
	if hit && p.ID == id {
		return p, nil
	}

	var u identity.User
	err := r.read(ctx, op, func(ctx context.Context) error {
		var err error
		u, err = r.users.GetUserByID(ctx, id)
		return err
	})
	if err != nil {
		return identity.Profile{}, err
	}
	r.cacheFill(ctx, r.keys.User(u.ID), u.Profile(), r.cfg.UserCacheTTL)
	return u.Profile(), nil
}

// GetUserRecord loads the full user, credential included, from the store.
func (r *Repository) GetUserRecord(ctx context.Context, id string) (identity.User, error) {
	return r.readUser(ctx, "repository.GetUserRecord", func(ctx context.Context) (identity.User, error) {
		return r.users.GetUserByID(ctx, id)
	})
}

// GetUserByEmail loads the full user by email from the store.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (identity.User, error) {
	return r.readUser(ctx, "repository.GetUserByEmail", func(ctx context.Context) (identity.User, error) {
		return r.users.GetUserByEmail(ctx, email)
	})
}

// GetUserByExternalID loads the full user by external identity from the store.
func (r *Repository) GetUserByExternalID(ctx context.Context, externalID string) (identity.User, error) {
	return r.readUser(ctx, "repository.GetUserByExternalID", func(ctx context.Context) (identity.User, error) {
		return r.users.GetUserByExternalID(ctx, externalID)
	})
}

func (r *Repository) readUser(ctx context.Context, op string, fn func(ctx context.Context) (identity.User, error)) (identity.User, error) {
	var u identity.User
	err := r.read(ctx, op, func(ctx context.Context) error {
		var err error
		u, err = fn(ctx)
		return err
	})
	return u, err
}

// ListUsers pages through users from the store.
func (r *Repository) ListUsers(ctx context.Context, limit, offset int) ([]identity.User, error) {
	var out []identity.User
	err := r.read(ctx, "repository.ListUsers", func(ctx context.Context) error {
		var err error
		out, err = r.users.ListUsers(ctx, limit, offset)
		return err
	})
	return out, err
}

// CreateUser inserts a user and caches its profile.
func (r *Repository) CreateUser(ctx context.Context, in identity.CreateUserInput) (identity.User, error) {
	return r.writeUser(ctx, "repository.CreateUser", func(ctx context.Context) (identity.User, error) {
		return r.users.CreateUser(ctx, in)
	})
}

// LinkExternalID binds an external identity to userID.
func (r *Repository) LinkExternalID(ctx context.Context, userID, externalID string) (identity.User, error) {
	return r.writeUser(ctx, "repository.LinkExternalID", func(ctx context.Context) (identity.User, error) {
		return r.users.LinkExternalID(ctx, userID, externalID, r.Now())
	})
}

// UpdateProfile applies an allow-listed patch.
func (r *Repository) UpdateProfile(ctx context.Context, userID string, patch identity.ProfilePatch) (identity.User, error) {
	return r.writeUser(ctx, "repository.UpdateProfile", func(ctx context.Context) (identity.User, error) {
		return r.users.UpdateProfile(ctx, userID, patch, r.Now())
	})
}

// UpdatePasswordHash replaces the stored credential.
func (r *Repository) UpdatePasswordHash(ctx context.Context, userID, hash string) (identity.User, error) {
	return r.writeUser(ctx, "repository.UpdatePasswordHash", func(ctx context.Context) (identity.User, error) {
		return r.users.UpdatePasswordHash(ctx, userID, hash, r.Now())
	})
}

// UpdateRoles changes role flags.
func (r *Repository) UpdateRoles(ctx context.Context, userID string, patch identity.RolePatch) (identity.User, error) {
	return r.writeUser(ctx, "repository.UpdateRoles", func(ctx context.Context) (identity.User, error) {
		return r.users.UpdateRoles(ctx, userID, patch, r.Now())
	})
}

func (r *Repository) writeUser(ctx context.Context, op string, fn func(ctx context.Context) (identity.User, error)) (identity.User, error) {
	var u identity.User
	err := r.write(ctx, op, func(ctx context.Context) error {
		var err error
		u, err = fn(ctx)
		return err
	})
	if err != nil {
		return identity.User{}, err
	}
	r.cacheUser(ctx, u)
	return u, nil
}

// DeleteUser removes the user. The store cascades to sessions; the cached profile
// and session blobs are buried and the session index is dropped.
func (r *Repository) DeleteUser(ctx context.Context, userID string) error {
	const op = "repository.DeleteUser"

	// Collected first: after the delete the store can no longer name them.
	var live []string
	if err := r.read(ctx, op, func(ctx context.Context) error {
		list, err := r.sessions.ListForUser(ctx, userID, r.Now())
		for _, s := range list {
			live = append(live, s.TokenHash)
		}
		return err
	}); err != nil {
		// Blobs missing from the cached index then linger until their TTL.
		r.log.Warn("sessions.list.fail", zap.String("op", op), zap.Error(err))
	}

	if err := r.write(ctx, op, func(ctx context.Context) error {
		return r.users.DeleteUser(ctx, userID)
	}); err != nil {
		return err
	}

	r.dropSessionCache(ctx, userID, live, r.keys.User(userID))
	return nil
}

func (r *Repository) cacheUser(ctx context.Context, u identity.User) {
	r.cacheSet(ctx, r.keys.User(u.ID), u.Profile(), r.cfg.UserCacheTTL)
}
