package memory

import (
	"context"

	"github.com/pesio-ai/be-edu-identity/internal/repository"
)

// History is the password history view of a Store
type History struct{ s *Store }

// Append keeps entries newest first and trims to keep
func (r *History) Append(_ context.Context, entry *repository.PasswordHistoryEntry, keep int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[entry.UserID]
	if !ok {
		return repository.ErrNotFound
	}
	r.append(u, entry, keep)
	return nil
}

// ReplacePassword swaps the credential and appends it under one lock
func (r *History) ReplacePassword(_ context.Context, entry *repository.PasswordHistoryEntry, mustChange bool, keep int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[entry.UserID]
	if !ok {
		return repository.ErrNotFound
	}
	u.PasswordHash = entry.PasswordHash
	u.MustChangePassword = mustChange
	u.IsFirstLogin = false
	u.UpdatedAt = entry.CreatedAt
	r.append(u, entry, keep)
	return nil
}

func (r *History) append(u *repository.User, entry *repository.PasswordHistoryEntry, keep int) {
	if entry.ID == "" {
		entry.ID = newID()
	}

	c := *entry
	entries := append([]*repository.PasswordHistoryEntry{&c}, r.s.history[entry.UserID]...)
	if keep > 0 && len(entries) > keep {
		entries = entries[:keep]
	}
	r.s.history[entry.UserID] = entries

	changed := entry.CreatedAt
	u.PasswordChangedAt = &changed
}

func (r *History) Recent(_ context.Context, userID string, limit int) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	entries := r.s.history[userID]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		hashes = append(hashes, e.PasswordHash)
	}
	return hashes, nil
}

// Count reports how many entries are retained for userID
func (r *History) Count(userID string) int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.history[userID])
}
