package memory

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-edu-identity/internal/repository"
)

// Audit is the audit log view of a Store
type Audit struct{ s *Store }

func (r *Audit) LogAuthEvent(_ context.Context, event *repository.AuthEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if event.ID == "" {
		event.ID = newID()
	}
	c := *event
	r.s.events = append(r.s.events, &c)
	return nil
}

// ListForUser returns a user's events, newest first
func (r *Audit) ListForUser(_ context.Context, userID string, limit int) ([]*repository.AuthEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var events []*repository.AuthEvent
	for i := len(r.s.events) - 1; i >= 0; i-- {
		e := r.s.events[i]
		if e.UserID != nil && *e.UserID == userID {
			c := *e
			events = append(events, &c)
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt.After(events[j].CreatedAt) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Events returns every recorded event of the given type
func (r *Audit) Events(eventType string) []*repository.AuthEvent {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*repository.AuthEvent
	for _, e := range r.s.events {
		if e.EventType == eventType {
			c := *e
			out = append(out, &c)
		}
	}
	return out
}
