package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/biomex/biomex/internal/domain"
)

// UsersRepo keeps accounts in a map keyed by ID with username and email
// uniqueness enforced case-insensitively, like the postgres unique
// indexes on LOWER(username) and LOWER(email).
type UsersRepo struct {
	mu      sync.RWMutex
	byID    map[string]domain.User
	byName  map[string]string
	byEmail map[string]string
}

func NewUsersRepo() *UsersRepo {
	return &UsersRepo{
		byID:    make(map[string]domain.User),
		byName:  make(map[string]string),
		byEmail: make(map[string]string),
	}
}

func (r *UsersRepo) Create(_ context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, email := strings.ToLower(u.Username), strings.ToLower(u.Email)
	if _, ok := r.byID[u.ID]; ok {
		return fmt.Errorf("user %s already exists: %w", u.ID, domain.ErrConflict)
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("username %s already taken: %w", u.Username, domain.ErrConflict)
	}
	if _, ok := r.byEmail[email]; ok {
		return fmt.Errorf("email %s already registered: %w", u.Email, domain.ErrConflict)
	}
	r.byID[u.ID] = *u
	r.byName[name] = u.ID
	r.byEmail[email] = u.ID
	return nil
}

func (r *UsersRepo) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return &u, nil
}

func (r *UsersRepo) GetByUsername(_ context.Context, username string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[strings.ToLower(username)]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", username, domain.ErrNotFound)
	}
	u := r.byID[id]
	return &u, nil
}

func (r *UsersRepo) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", email, domain.ErrNotFound)
	}
	u := r.byID[id]
	return &u, nil
}

func (r *UsersRepo) Update(_ context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[u.ID]
	if !ok {
		return fmt.Errorf("user %s: %w", u.ID, domain.ErrNotFound)
	}
	if !strings.EqualFold(cur.Username, u.Username) {
		return fmt.Errorf("username is immutable: %w", domain.ErrValidation)
	}
	delete(r.byEmail, strings.ToLower(cur.Email))
	r.byEmail[strings.ToLower(u.Email)] = u.ID
	r.byID[u.ID] = *u
	return nil
}

func (r *UsersRepo) RecordLoginFailure(_ context.Context, id string, failed int, lockedUntil *time.Time) error {
	return r.patch(id, func(u *domain.User) {
		u.FailedLogins = failed
		u.LockedUntil = lockedUntil
	})
}

func (r *UsersRepo) ResetLoginFailures(_ context.Context, id string) error {
	return r.patch(id, func(u *domain.User) {
		u.FailedLogins = 0
		u.LockedUntil = nil
	})
}

func (r *UsersRepo) SetSuspended(_ context.Context, id string, suspended bool) error {
	return r.patch(id, func(u *domain.User) { u.Suspended = suspended })
}

func (r *UsersRepo) SetMarginState(_ context.Context, id string, state domain.MarginState) error {
	return r.patch(id, func(u *domain.User) { u.MarginState = state })
}

func (r *UsersRepo) patch(id string, fn func(*domain.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	fn(&u)
	u.UpdatedAt = time.Now().UTC()
	r.byID[id] = u
	return nil
}

func (r *UsersRepo) List(_ context.Context, limit, offset int) ([]domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]domain.User, 0, len(r.byID))
	for _, u := range r.byID {
		all = append(all, u)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return window(all, limit, offset), nil
}

func (r *UsersRepo) Count(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.byID)), nil
}

// window applies limit/offset to a sorted slice, copying so callers
// cannot alias repo state.
func window[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	out := make([]T, len(all))
	copy(out, all)
	return out
}
