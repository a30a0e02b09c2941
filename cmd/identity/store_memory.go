package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"warden/cmd/identity/ids"
)

// MemoryStore is an in-process UserStore for development mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]User
	byEmail map[string]string
	byExt   map[string]string

	onDelete []func(ctx context.Context, userID string)
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]User),
		byEmail: make(map[string]string),
		byExt:   make(map[string]string),
	}
}

// OnDelete registers a hook run while the user row is being removed.
// The session store uses it to mirror ON DELETE CASCADE.
func (s *MemoryStore) OnDelete(fn func(ctx context.Context, userID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDelete = append(s.onDelete, fn)
}

// Exists reports whether a user id is present.
func (s *MemoryStore) Exists(_ context.Context, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[userID]
	return ok
}

func (s *MemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	email := strings.TrimSpace(in.Email)
	if email == "" {
		return User{}, pgInvalid(op, "email is required")
	}
	name := NormalizeName(in.Name)
	if name == "" {
		name = email
	}
	now := nowOr(in.Now)

	id, err := ids.New(now)
	if err != nil {
		return User{}, err
	}

	norm := NormalizeEmail(email)
	ext := pgTrimPtr(in.ExternalID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byEmail[norm]; dup {
		return User{}, ConflictError{Op: op, Field: "email"}
	}
	if ext != nil {
		if _, dup := s.byExt[*ext]; dup {
			return User{}, ConflictError{Op: op, Field: "external_id"}
		}
	}

	u := User{
		ID:           id,
		Email:        email,
		EmailNorm:    norm,
		Name:         name,
		PasswordHash: pgTrimPtr(in.PasswordHash),
		ExternalID:   ext,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	s.byID[id] = u
	s.byEmail[norm] = id
	if ext != nil {
		s.byExt[*ext] = id
	}
	return u, nil
}

func (s *MemoryStore) GetUserByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetUserByID", Resource: "user"}
	}
	return u, nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.lookup(ctx, "identity.GetUserByEmail", s.byEmail, NormalizeEmail(email))
}

func (s *MemoryStore) GetUserByExternalID(ctx context.Context, externalID string) (User, error) {
	return s.lookup(ctx, "identity.GetUserByExternalID", s.byExt, strings.TrimSpace(externalID))
}

func (s *MemoryStore) lookup(ctx context.Context, op string, index map[string]string, key string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := index[key]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	return s.byID[id], nil
}

func (s *MemoryStore) ListUsers(ctx context.Context, limit, offset int) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)

	s.mu.RLock()
	all := make([]User, 0, len(s.byID))
	for _, u := range s.byID {
		all = append(all, u)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].RegisteredAt.Equal(all[j].RegisteredAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].RegisteredAt.Before(all[j].RegisteredAt)
	})

	if offset >= len(all) {
		return []User{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *MemoryStore) LinkExternalID(ctx context.Context, userID, externalID string, now time.Time) (User, error) {
	const op = "identity.LinkExternalID"

	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return User{}, pgInvalid(op, "external_id is required")
	}
	return s.mutate(ctx, op, userID, func(u *User) error {
		if owner, taken := s.byExt[externalID]; taken && owner != u.ID {
			return ConflictError{Op: op, Field: "external_id"}
		}
		if u.ExternalID != nil {
			delete(s.byExt, *u.ExternalID)
		}
		u.ExternalID = &externalID
		s.byExt[externalID] = u.ID
		u.UpdatedAt = nowOr(now)
		return nil
	})
}

func (s *MemoryStore) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch, now time.Time) (User, error) {
	patch, err := patch.Normalize()
	if err != nil {
		return User{}, err
	}
	return s.mutate(ctx, "identity.UpdateProfile", userID, func(u *User) error {
		if patch.Name != nil {
			u.Name = *patch.Name
		}
		if patch.Avatar != nil {
			u.Avatar = pgTrimPtr(patch.Avatar)
		}
		u.UpdatedAt = nowOr(now)
		return nil
	})
}

func (s *MemoryStore) UpdatePasswordHash(ctx context.Context, userID, hash string, now time.Time) (User, error) {
	const op = "identity.UpdatePasswordHash"

	if strings.TrimSpace(hash) == "" {
		return User{}, pgInvalid(op, "hash is required")
	}
	return s.mutate(ctx, op, userID, func(u *User) error {
		u.PasswordHash = &hash
		u.UpdatedAt = nowOr(now)
		return nil
	})
}

func (s *MemoryStore) UpdateRoles(ctx context.Context, userID string, patch RolePatch, now time.Time) (User, error) {
	return s.mutate(ctx, "identity.UpdateRoles", userID, func(u *User) error {
		if patch.IsAuthor != nil {
			u.IsAuthor = *patch.IsAuthor
		}
		if patch.IsAdmin != nil {
			u.IsAdmin = *patch.IsAdmin
		}
		u.UpdatedAt = nowOr(now)
		return nil
	})
}

func (s *MemoryStore) mutate(ctx context.Context, op, userID string, fn func(u *User) error) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[strings.TrimSpace(userID)]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	if err := fn(&u); err != nil {
		return User{}, err
	}
	s.byID[u.ID] = u
	return u, nil
}

func (s *MemoryStore) DeleteUser(ctx context.Context, userID string) error {
	const op = "identity.DeleteUser"

	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[strings.TrimSpace(userID)]
	if !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}
	delete(s.byID, u.ID)
	delete(s.byEmail, u.EmailNorm)
	if u.ExternalID != nil {
		delete(s.byExt, *u.ExternalID)
	}
	for _, fn := range s.onDelete {
		fn(ctx, u.ID)
	}
	return nil
}
