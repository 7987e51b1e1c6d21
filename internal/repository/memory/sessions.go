package memory

import (
	"context"
	"time"

	"github.com/pesio-ai/be-edu-identity/internal/repository"
)

// Sessions is the session table view of a Store
type Sessions struct{ s *Store }

// insert enforces the same uniqueness as the SQL schema: one active session
// per token hash, one session per refresh hash
func (r *Sessions) insert(sess *repository.Session) error {
	for _, other := range r.s.sessions {
		if other.IsActive && sess.IsActive && other.TokenHash == sess.TokenHash {
			return repository.ErrConflict
		}
		if sess.RefreshTokenHash != nil && other.RefreshTokenHash != nil && *other.RefreshTokenHash == *sess.RefreshTokenHash {
			return repository.ErrConflict
		}
	}
	if sess.ID == "" {
		sess.ID = newID()
	}
	r.s.sessions[sess.ID] = copySession(sess)
	return nil
}

func (r *Sessions) Create(_ context.Context, sess *repository.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.insert(sess)
}

func (r *Sessions) GetByID(_ context.Context, id string) (*repository.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	sess, ok := r.s.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copySession(sess), nil
}

func (r *Sessions) GetByRefreshHash(_ context.Context, refreshHash string) (*repository.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if sess := r.byRefreshHash(refreshHash); sess != nil {
		return copySession(sess), nil
	}
	return nil, repository.ErrNotFound
}

func (r *Sessions) byRefreshHash(refreshHash string) *repository.Session {
	for _, sess := range r.s.sessions {
		if sess.RefreshTokenHash != nil && *sess.RefreshTokenHash == refreshHash {
			return sess
		}
	}
	return nil
}

func (r *Sessions) Rotate(_ context.Context, oldRefreshHash string, next *repository.Session, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	old := r.byRefreshHash(oldRefreshHash)
	if old == nil || old.RefreshUsedAt != nil || !old.IsActive ||
		old.RefreshTokenExpiresAt == nil || !old.RefreshTokenExpiresAt.After(now) {
		return repository.ErrNotFound
	}

	prev := *old
	old.RefreshUsedAt = &now
	old.IsActive = false
	old.LastActivityAt = now

	oldID := old.ID
	next.RotatedFrom = &oldID
	if err := r.insert(next); err != nil {
		*old = prev
		return err
	}
	return nil
}

func (r *Sessions) UpdateLastActivity(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if sess, ok := r.s.sessions[id]; ok {
		sess.LastActivityAt = at
	}
	return nil
}

func (r *Sessions) Revoke(_ context.Context, userID, tokenHash string, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for _, sess := range r.s.sessions {
		if sess.UserID == userID && sess.TokenHash == tokenHash && sess.IsActive {
			sess.IsActive = false
			sess.LogoutAt = &at
			n++
		}
	}
	return n, nil
}

func (r *Sessions) RevokeAll(_ context.Context, userID string, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for _, sess := range r.s.sessions {
		if sess.UserID == userID && sess.IsActive {
			sess.IsActive = false
			sess.LogoutAt = &at
			n++
		}
	}
	return n, nil
}

func (r *Sessions) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for id, sess := range r.s.sessions {
		if !sess.ExpiresAt.Before(before) {
			continue
		}
		if sess.RefreshTokenExpiresAt != nil && !sess.RefreshTokenExpiresAt.Before(before) {
			continue
		}
		delete(r.s.sessions, id)
		n++
	}
	for _, sess := range r.s.sessions {
		if sess.RotatedFrom != nil {
			if _, ok := r.s.sessions[*sess.RotatedFrom]; !ok {
				sess.RotatedFrom = nil
			}
		}
	}
	return n, nil
}
