package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

type ChallengeRepository struct {
	db  DB
	log *logger.Logger
}

func NewChallengeRepository(db DB, log *logger.Logger) *ChallengeRepository {
	return &ChallengeRepository{
		db:  db,
		log: log,
	}
}

const challengeColumns = `
	id, user_id, code_hash, channel, login_token, created_at, expires_at, used, attempts, ip_address
`

func scanChallenge(row rowScanner) (*TwoFactorChallenge, error) {
	ch := &TwoFactorChallenge{}
	err := row.Scan(
		&ch.ID, &ch.UserID, &ch.CodeHash, &ch.Channel, &ch.LoginToken,
		&ch.CreatedAt, &ch.ExpiresAt, &ch.Used, &ch.Attempts, &ch.IPAddress,
	)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Create stores a challenge and retires earlier open challenges for the same
// user and channel
func (r *ChallengeRepository) Create(ctx context.Context, ch *TwoFactorChallenge) error {
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrap("begin create challenge", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	supersede := `
		UPDATE two_factor_challenges
		SET used = true
		WHERE user_id = $1 AND channel = $2 AND used = false
	`
	if _, err := tx.Exec(ctx, supersede, ch.UserID, ch.Channel); err != nil {
		return wrap("supersede challenges", err)
	}

	query := `
		INSERT INTO two_factor_challenges (
			id, user_id, code_hash, channel, login_token, created_at, expires_at, used, attempts, ip_address
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, false, 0, $8
		)
	`
	_, err = tx.Exec(ctx, query,
		ch.ID, ch.UserID, ch.CodeHash, ch.Channel, ch.LoginToken, ch.CreatedAt, ch.ExpiresAt, ch.IPAddress,
	)
	if err != nil {
		return wrap("create challenge", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wrap("commit challenge", err)
	}
	return nil
}

// Latest returns the newest unused, unexpired challenge for a user and channel
func (r *ChallengeRepository) Latest(ctx context.Context, userID, channel string, now time.Time) (*TwoFactorChallenge, error) {
	query := `SELECT ` + challengeColumns + `
		FROM two_factor_challenges
		WHERE user_id = $1 AND channel = $2 AND used = false AND expires_at > $3
		ORDER BY created_at DESC
		LIMIT 1
	`

	ch, err := scanChallenge(r.db.QueryRow(ctx, query, userID, channel, now))
	if err != nil {
		return nil, wrap("get latest challenge", err)
	}
	return ch, nil
}

// GetByLoginToken resolves the challenge bound to a pending login
func (r *ChallengeRepository) GetByLoginToken(ctx context.Context, token string) (*TwoFactorChallenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM two_factor_challenges WHERE login_token = $1`

	ch, err := scanChallenge(r.db.QueryRow(ctx, query, token))
	if err != nil {
		return nil, wrap("get challenge by login token", err)
	}
	return ch, nil
}

// RegisterAttempt increments the attempt counter and returns the new value
func (r *ChallengeRepository) RegisterAttempt(ctx context.Context, id string) (int, error) {
	query := `
		UPDATE two_factor_challenges
		SET attempts = attempts + 1
		WHERE id = $1
		RETURNING attempts
	`

	var attempts int
	if err := r.db.QueryRow(ctx, query, id).Scan(&attempts); err != nil {
		return 0, wrap("register challenge attempt", err)
	}
	return attempts, nil
}

// MarkUsed flips used from false to true and reports whether this call did it
func (r *ChallengeRepository) MarkUsed(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `UPDATE two_factor_challenges SET used = true WHERE id = $1 AND used = false`, id)
	if err != nil {
		return false, wrap("mark challenge used", err)
	}
	return tag.RowsAffected() == 1, nil
}
