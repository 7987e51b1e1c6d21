package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

// LockoutRepository owns lockout episodes and the per-user failed-attempt counter
type LockoutRepository struct {
	db  DB
	log *logger.Logger
}

func NewLockoutRepository(db DB, log *logger.Logger) *LockoutRepository {
	return &LockoutRepository{
		db:  db,
		log: log,
	}
}

const episodeColumns = `
	id, user_id, started_at, ends_at, reason, failed_attempts,
	ip_address, is_active, unlocked_by, unlocked_at
`

func scanEpisode(row rowScanner) (*LockoutEpisode, error) {
	ep := &LockoutEpisode{}
	err := row.Scan(
		&ep.ID, &ep.UserID, &ep.StartedAt, &ep.EndsAt, &ep.Reason, &ep.FailedAttempts,
		&ep.IPAddress, &ep.IsActive, &ep.UnlockedBy, &ep.UnlockedAt,
	)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// ActiveEpisode returns the user's active episode, expired or not
func (r *LockoutRepository) ActiveEpisode(ctx context.Context, userID string) (*LockoutEpisode, error) {
	query := `SELECT ` + episodeColumns + ` FROM lockout_episodes WHERE user_id = $1 AND is_active = true`

	ep, err := scanEpisode(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, wrap("get active lockout", err)
	}
	return ep, nil
}

// CloseEpisode marks an episode inactive once its end has passed
func (r *LockoutRepository) CloseEpisode(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE lockout_episodes
		SET is_active = false
		WHERE id = $1 AND is_active = true AND ends_at IS NOT NULL AND ends_at <= $2
	`

	if _, err := r.db.Exec(ctx, query, id, at); err != nil {
		return wrap("close lockout", err)
	}
	return nil
}

// closeExpired retires an elapsed episode so a fresh lock starts a new one
func closeExpired(ctx context.Context, tx pgx.Tx, userID string, now time.Time) error {
	query := `
		UPDATE lockout_episodes
		SET is_active = false
		WHERE user_id = $1 AND is_active = true AND ends_at IS NOT NULL AND ends_at <= $2
	`
	_, err := tx.Exec(ctx, query, userID, now)
	return err
}

// upsertEpisode opens an episode or overwrites the end of the active one.
// The partial unique index on (user_id) WHERE is_active is the conflict target.
func upsertEpisode(ctx context.Context, tx pgx.Tx, ep *LockoutEpisode) error {
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}

	query := `
		INSERT INTO lockout_episodes (
			id, user_id, started_at, ends_at, reason, failed_attempts, ip_address, is_active
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, true
		)
		ON CONFLICT (user_id) WHERE is_active DO UPDATE
		SET ends_at = EXCLUDED.ends_at,
		    reason = EXCLUDED.reason,
		    failed_attempts = GREATEST(lockout_episodes.failed_attempts, EXCLUDED.failed_attempts)
		RETURNING id, started_at
	`

	return tx.QueryRow(ctx, query,
		ep.ID, ep.UserID, ep.StartedAt, ep.EndsAt, ep.Reason, ep.FailedAttempts, ep.IPAddress,
	).Scan(&ep.ID, &ep.StartedAt)
}

// Lock opens a new episode or extends the active one
func (r *LockoutRepository) Lock(ctx context.Context, ep *LockoutEpisode) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrap("begin lock", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := closeExpired(ctx, tx, ep.UserID, ep.StartedAt); err != nil {
		return wrap("close expired lockout", err)
	}
	if err := upsertEpisode(ctx, tx, ep); err != nil {
		return wrap("lock account", err)
	}
	ep.IsActive = true

	if err := tx.Commit(ctx); err != nil {
		return wrap("commit lock", err)
	}
	return nil
}

// RecordFailure increments the failed-attempt counter under a row lock. When
// the counter reaches threshold it opens (or extends) an episode ending at
// lockUntil and resets the counter, all in the same transaction.
func (r *LockoutRepository) RecordFailure(
	ctx context.Context,
	userID string,
	threshold int,
	lockUntil time.Time,
	address string,
	now time.Time,
) (int, bool, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, false, wrap("begin record failure", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	upsert := `
		INSERT INTO login_failures (user_id, failed_attempts, last_failed_at, last_ip_address)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET failed_attempts = login_failures.failed_attempts + 1,
		    last_failed_at = EXCLUDED.last_failed_at,
		    last_ip_address = EXCLUDED.last_ip_address
		RETURNING failed_attempts
	`

	var count int
	if err := tx.QueryRow(ctx, upsert, userID, now, nullable(address)).Scan(&count); err != nil {
		return 0, false, wrap("increment failed attempts", err)
	}

	locked := false
	if threshold > 0 && count >= threshold {
		if err := closeExpired(ctx, tx, userID, now); err != nil {
			return 0, false, wrap("close expired lockout", err)
		}
		ep := &LockoutEpisode{
			UserID:         userID,
			StartedAt:      now,
			EndsAt:         &lockUntil,
			Reason:         LockReasonFailedAttempts,
			FailedAttempts: count,
			IPAddress:      nullable(address),
		}
		if err := upsertEpisode(ctx, tx, ep); err != nil {
			return 0, false, wrap("lock account", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE login_failures SET failed_attempts = 0 WHERE user_id = $1`, userID); err != nil {
			return 0, false, wrap("reset failed attempts", err)
		}
		locked = true
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, wrap("commit record failure", err)
	}
	return count, locked, nil
}

// FailedAttempts returns the current counter value
func (r *LockoutRepository) FailedAttempts(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT failed_attempts FROM login_failures WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		if mapError(err) == ErrNotFound {
			return 0, nil
		}
		return 0, wrap("get failed attempts", err)
	}
	return count, nil
}

// ResetFailures clears the failed-attempt counter
func (r *LockoutRepository) ResetFailures(ctx context.Context, userID string) error {
	if _, err := r.db.Exec(ctx, `UPDATE login_failures SET failed_attempts = 0 WHERE user_id = $1`, userID); err != nil {
		return wrap("reset failed attempts", err)
	}
	return nil
}

// Unlock closes the active episode and clears the counter. It reports
// whether an episode was closed.
func (r *LockoutRepository) Unlock(ctx context.Context, userID, unlockedBy string, at time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, wrap("begin unlock", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		UPDATE lockout_episodes
		SET is_active = false, unlocked_by = $2, unlocked_at = $3
		WHERE user_id = $1 AND is_active = true
	`

	tag, err := tx.Exec(ctx, query, userID, nullable(unlockedBy), at)
	if err != nil {
		return false, wrap("unlock account", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE login_failures SET failed_attempts = 0 WHERE user_id = $1`, userID); err != nil {
		return false, wrap("reset failed attempts", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, wrap("commit unlock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// History lists a user's episodes, newest first
func (r *LockoutRepository) History(ctx context.Context, userID string, limit int) ([]*LockoutEpisode, error) {
	query := `SELECT ` + episodeColumns + `
		FROM lockout_episodes
		WHERE user_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, wrap("list lockouts", err)
	}
	defer rows.Close()

	var episodes []*LockoutEpisode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, wrap("scan lockout", err)
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}
