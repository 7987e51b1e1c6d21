package memory

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-edu-identity/internal/repository"
)

// Users is the user table view of a Store
type Users struct{ s *Store }

func (r *Users) Create(_ context.Context, user *repository.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	user.Email = normalizeEmail(user.Email)
	if _, taken := r.s.emails[user.Email]; taken {
		return repository.ErrConflict
	}
	if user.ID == "" {
		user.ID = newID()
	}
	if _, taken := r.s.users[user.ID]; taken {
		return repository.ErrConflict
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	r.s.users[user.ID] = copyUser(user)
	r.s.emails[user.Email] = user.ID
	return nil
}

func (r *Users) GetByID(_ context.Context, id string) (*repository.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyUser(u), nil
}

func (r *Users) GetByEmail(_ context.Context, email string) (*repository.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	id, ok := r.s.emails[normalizeEmail(email)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyUser(r.s.users[id]), nil
}

func (r *Users) Rehash(_ context.Context, id, oldHash, newHash string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[id]
	if !ok || u.PasswordHash != oldHash {
		return false, nil
	}
	u.PasswordHash = newHash
	return true, nil
}

func (r *Users) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(u *repository.User) {
		u.LastLoginAt = &at
	})
}

func (r *Users) SetTwoFactor(_ context.Context, id, channel string, secret *string) error {
	return r.update(id, func(u *repository.User) {
		u.TwoFactorChannel = channel
		u.TwoFactorSecret = secret
	})
}

func (r *Users) SetStatus(_ context.Context, id, status, updatedBy string) error {
	return r.update(id, func(u *repository.User) {
		u.Status = status
		if updatedBy != "" {
			u.UpdatedBy = &updatedBy
		}
	})
}

func (r *Users) List(_ context.Context, entityID string, limit, offset int) ([]*repository.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var users []*repository.User
	for _, u := range r.s.users {
		if u.EntityID == entityID {
			users = append(users, copyUser(u))
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Email < users[j].Email })

	if offset >= len(users) {
		return nil, nil
	}
	users = users[offset:]
	if limit > 0 && limit < len(users) {
		users = users[:limit]
	}
	return users, nil
}

func (r *Users) update(id string, fn func(*repository.User)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now()
	return nil
}
