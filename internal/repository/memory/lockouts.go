package memory

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-edu-identity/internal/repository"
)

// Lockouts is the lockout view of a Store
type Lockouts struct{ s *Store }

func (r *Lockouts) active(userID string) *repository.LockoutEpisode {
	for _, ep := range r.s.episodes {
		if ep.UserID == userID && ep.IsActive {
			return ep
		}
	}
	return nil
}

func (r *Lockouts) ActiveEpisode(_ context.Context, userID string) (*repository.LockoutEpisode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if ep := r.active(userID); ep != nil {
		return copyEpisode(ep), nil
	}
	return nil, repository.ErrNotFound
}

func (r *Lockouts) CloseEpisode(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if ep, ok := r.s.episodes[id]; ok && ep.IsActive && ep.EndsAt != nil && !ep.EndsAt.After(at) {
		ep.IsActive = false
	}
	return nil
}

// upsert mirrors the ON CONFLICT path: an elapsed episode is retired first,
// then the active one is extended or a new one opened
func (r *Lockouts) upsert(ep *repository.LockoutEpisode) {
	if cur := r.active(ep.UserID); cur != nil {
		if cur.EndsAt != nil && !cur.EndsAt.After(ep.StartedAt) {
			cur.IsActive = false
		} else {
			cur.EndsAt = ep.EndsAt
			cur.Reason = ep.Reason
			if ep.FailedAttempts > cur.FailedAttempts {
				cur.FailedAttempts = ep.FailedAttempts
			}
			ep.ID = cur.ID
			ep.StartedAt = cur.StartedAt
			ep.IsActive = true
			return
		}
	}

	if ep.ID == "" {
		ep.ID = newID()
	}
	ep.IsActive = true
	r.s.episodes[ep.ID] = copyEpisode(ep)
}

func (r *Lockouts) Lock(_ context.Context, ep *repository.LockoutEpisode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.upsert(ep)
	return nil
}

func (r *Lockouts) RecordFailure(
	_ context.Context,
	userID string,
	threshold int,
	lockUntil time.Time,
	address string,
	now time.Time,
) (int, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	f, ok := r.s.failures[userID]
	if !ok {
		f = &failureCounter{}
		r.s.failures[userID] = f
	}
	f.attempts++
	f.lastFailedAt = now
	f.lastAddress = address
	count := f.attempts

	if threshold <= 0 || count < threshold {
		return count, false, nil
	}

	ep := &repository.LockoutEpisode{
		UserID:         userID,
		StartedAt:      now,
		EndsAt:         &lockUntil,
		Reason:         repository.LockReasonFailedAttempts,
		FailedAttempts: count,
	}
	if address != "" {
		ep.IPAddress = &address
	}
	r.upsert(ep)
	f.attempts = 0
	return count, true, nil
}

func (r *Lockouts) FailedAttempts(_ context.Context, userID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if f, ok := r.s.failures[userID]; ok {
		return f.attempts, nil
	}
	return 0, nil
}

func (r *Lockouts) ResetFailures(_ context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if f, ok := r.s.failures[userID]; ok {
		f.attempts = 0
	}
	return nil
}

func (r *Lockouts) Unlock(_ context.Context, userID, unlockedBy string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	closed := false
	if ep := r.active(userID); ep != nil {
		ep.IsActive = false
		ep.UnlockedAt = &at
		if unlockedBy != "" {
			ep.UnlockedBy = &unlockedBy
		}
		closed = true
	}
	if f, ok := r.s.failures[userID]; ok {
		f.attempts = 0
	}
	return closed, nil
}

func (r *Lockouts) History(_ context.Context, userID string, limit int) ([]*repository.LockoutEpisode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var episodes []*repository.LockoutEpisode
	for _, ep := range r.s.episodes {
		if ep.UserID == userID {
			episodes = append(episodes, copyEpisode(ep))
		}
	}
	sort.Slice(episodes, func(i, j int) bool { return episodes[i].StartedAt.After(episodes[j].StartedAt) })
	if limit > 0 && len(episodes) > limit {
		episodes = episodes[:limit]
	}
	return episodes, nil
}
