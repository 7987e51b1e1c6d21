package memory

import (
	"context"
	"time"

	"github.com/pesio-ai/be-edu-identity/internal/repository"
)

// Challenges is the two-factor challenge view of a Store
type Challenges struct{ s *Store }

func (r *Challenges) Create(_ context.Context, ch *repository.TwoFactorChallenge) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if ch.LoginToken != nil {
		for _, other := range r.s.challenges {
			if other.LoginToken != nil && *other.LoginToken == *ch.LoginToken {
				return repository.ErrConflict
			}
		}
	}

	for _, other := range r.s.challenges {
		if other.UserID == ch.UserID && other.Channel == ch.Channel && !other.Used {
			other.Used = true
		}
	}

	if ch.ID == "" {
		ch.ID = newID()
	}
	ch.Used = false
	ch.Attempts = 0
	r.s.challenges[ch.ID] = copyChallenge(ch)
	return nil
}

func (r *Challenges) Latest(_ context.Context, userID, channel string, now time.Time) (*repository.TwoFactorChallenge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var latest *repository.TwoFactorChallenge
	for _, ch := range r.s.challenges {
		if ch.UserID != userID || ch.Channel != channel || ch.Used || !ch.ExpiresAt.After(now) {
			continue
		}
		if latest == nil || ch.CreatedAt.After(latest.CreatedAt) {
			latest = ch
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return copyChallenge(latest), nil
}

func (r *Challenges) GetByLoginToken(_ context.Context, token string) (*repository.TwoFactorChallenge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, ch := range r.s.challenges {
		if ch.LoginToken != nil && *ch.LoginToken == token {
			return copyChallenge(ch), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *Challenges) RegisterAttempt(_ context.Context, id string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ch, ok := r.s.challenges[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	ch.Attempts++
	return ch.Attempts, nil
}

func (r *Challenges) MarkUsed(_ context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ch, ok := r.s.challenges[id]
	if !ok || ch.Used {
		return false, nil
	}
	ch.Used = true
	return true, nil
}
