package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

type SessionRepository struct {
	db  DB
	log *logger.Logger
}

func NewSessionRepository(db DB, log *logger.Logger) *SessionRepository {
	return &SessionRepository{
		db:  db,
		log: log,
	}
}

const sessionColumns = `
	id, user_id, entity_id, token_hash, refresh_token_hash, refresh_token_expires_at,
	refresh_used_at, rotated_from, ip_address, user_agent,
	created_at, expires_at, last_activity_at, is_active, logout_at
`

func scanSession(row rowScanner) (*Session, error) {
	session := &Session{}
	err := row.Scan(
		&session.ID, &session.UserID, &session.EntityID, &session.TokenHash,
		&session.RefreshTokenHash, &session.RefreshTokenExpiresAt,
		&session.RefreshUsedAt, &session.RotatedFrom, &session.IPAddress, &session.UserAgent,
		&session.CreatedAt, &session.ExpiresAt, &session.LastActivityAt, &session.IsActive, &session.LogoutAt,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

const insertSession = `
	INSERT INTO sessions (
		id, user_id, entity_id, token_hash, refresh_token_hash, refresh_token_expires_at,
		rotated_from, ip_address, user_agent, created_at, expires_at, last_activity_at, is_active
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
	)
`

func sessionArgs(s *Session) []any {
	return []any{
		s.ID, s.UserID, s.EntityID, s.TokenHash, s.RefreshTokenHash, s.RefreshTokenExpiresAt,
		s.RotatedFrom, s.IPAddress, s.UserAgent, s.CreatedAt, s.ExpiresAt, s.LastActivityAt, s.IsActive,
	}
}

// Create creates a new session
func (r *SessionRepository) Create(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}

	if _, err := r.db.Exec(ctx, insertSession, sessionArgs(session)...); err != nil {
		return wrap("create session", err)
	}
	return nil
}

// GetByID retrieves a session by ID
func (r *SessionRepository) GetByID(ctx context.Context, sessionID string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	session, err := scanSession(r.db.QueryRow(ctx, query, sessionID))
	if err != nil {
		return nil, wrap("get session", err)
	}
	return session, nil
}

// GetByRefreshHash retrieves the session that owns a refresh token hash
func (r *SessionRepository) GetByRefreshHash(ctx context.Context, refreshHash string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE refresh_token_hash = $1`

	session, err := scanSession(r.db.QueryRow(ctx, query, refreshHash))
	if err != nil {
		return nil, wrap("get session by refresh token", err)
	}
	return session, nil
}

// Rotate consumes the refresh token identified by oldRefreshHash and inserts
// the successor session in one transaction. The consume is a conditional
// update, so of two concurrent callers exactly one sees a row; the other gets
// ErrNotFound.
func (r *SessionRepository) Rotate(ctx context.Context, oldRefreshHash string, next *Session, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrap("begin rotate", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	consume := `
		UPDATE sessions
		SET refresh_used_at = $2, is_active = false, last_activity_at = $2
		WHERE refresh_token_hash = $1
		  AND refresh_used_at IS NULL
		  AND is_active = true
		  AND refresh_token_expires_at > $2
		RETURNING id
	`

	var oldID string
	if err := tx.QueryRow(ctx, consume, oldRefreshHash, now).Scan(&oldID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return wrap("consume refresh token", err)
	}

	if next.ID == "" {
		next.ID = uuid.New().String()
	}
	next.RotatedFrom = &oldID

	if _, err := tx.Exec(ctx, insertSession, sessionArgs(next)...); err != nil {
		return wrap("insert rotated session", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wrap("commit rotate", err)
	}

	r.log.Debug().Str("session_id", next.ID).Str("rotated_from", oldID).Msg("Refresh token rotated")
	return nil
}

// UpdateLastActivity updates the last activity timestamp
func (r *SessionRepository) UpdateLastActivity(ctx context.Context, sessionID string, at time.Time) error {
	query := `
		UPDATE sessions
		SET last_activity_at = $1
		WHERE id = $2
	`

	if _, err := r.db.Exec(ctx, query, at, sessionID); err != nil {
		return wrap("update last activity", err)
	}
	return nil
}

// Revoke deactivates the active session holding a session token hash
func (r *SessionRepository) Revoke(ctx context.Context, userID, tokenHash string, at time.Time) (int64, error) {
	query := `
		UPDATE sessions
		SET is_active = false, logout_at = $3
		WHERE user_id = $1 AND token_hash = $2 AND is_active = true
	`

	tag, err := r.db.Exec(ctx, query, userID, tokenHash, at)
	if err != nil {
		return 0, wrap("revoke session", err)
	}
	return tag.RowsAffected(), nil
}

// RevokeAll deactivates every active session for a user
func (r *SessionRepository) RevokeAll(ctx context.Context, userID string, at time.Time) (int64, error) {
	query := `
		UPDATE sessions
		SET is_active = false, logout_at = $2
		WHERE user_id = $1 AND is_active = true
	`

	tag, err := r.db.Exec(ctx, query, userID, at)
	if err != nil {
		return 0, wrap("revoke user sessions", err)
	}

	r.log.Info().Str("user_id", userID).Int64("sessions", tag.RowsAffected()).Msg("Sessions revoked")
	return tag.RowsAffected(), nil
}

// DeleteExpired removes sessions whose session and refresh lifetimes both
// ended before the cutoff. Revoked sessions still inside their lifetime stay
// so reuse of their refresh tokens is still recognised.
func (r *SessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM sessions
		WHERE expires_at < $1
		  AND (refresh_token_expires_at IS NULL OR refresh_token_expires_at < $1)
	`

	tag, err := r.db.Exec(ctx, query, before)
	if err != nil {
		return 0, wrap("delete expired sessions", err)
	}

	r.log.Info().Int64("sessions", tag.RowsAffected()).Time("before", before).Msg("Expired sessions deleted")
	return tag.RowsAffected(), nil
}
