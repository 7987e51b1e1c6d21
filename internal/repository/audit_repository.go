package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

// AuditRepository appends rows to auth_audit_log
type AuditRepository struct {
	db  DB
	log *logger.Logger
}

func NewAuditRepository(db DB, log *logger.Logger) *AuditRepository {
	return &AuditRepository{
		db:  db,
		log: log,
	}
}

// LogAuthEvent logs an authentication event
func (r *AuditRepository) LogAuthEvent(ctx context.Context, event *AuthEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	details, err := json.Marshal(event.Details)
	if err != nil {
		return wrap("encode auth event details", err)
	}

	query := `
		INSERT INTO auth_audit_log (id, user_id, event_type, success, ip_address, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = r.db.Exec(ctx, query,
		event.ID, event.UserID, event.EventType, event.Success, event.IPAddress, details, event.CreatedAt,
	)
	if err != nil {
		return wrap("log auth event", err)
	}

	return nil
}

// ListForUser returns a user's most recent audit events
func (r *AuditRepository) ListForUser(ctx context.Context, userID string, limit int) ([]*AuthEvent, error) {
	query := `
		SELECT id, user_id, event_type, success, ip_address, details, created_at
		FROM auth_audit_log
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, wrap("list auth events", err)
	}
	defer rows.Close()

	var events []*AuthEvent
	for rows.Next() {
		e := &AuthEvent{}
		var details []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventType, &e.Success, &e.IPAddress, &details, &e.CreatedAt); err != nil {
			return nil, wrap("scan auth event", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, wrap("decode auth event details", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
