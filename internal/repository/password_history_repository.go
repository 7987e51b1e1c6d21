package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

type PasswordHistoryRepository struct {
	db  DB
	log *logger.Logger
}

func NewPasswordHistoryRepository(db DB, log *logger.Logger) *PasswordHistoryRepository {
	return &PasswordHistoryRepository{
		db:  db,
		log: log,
	}
}

// Append records the password a user already holds: it inserts the entry,
// prunes the user's history to the newest keep entries and stamps
// users.password_changed_at, in one transaction.
func (r *PasswordHistoryRepository) Append(ctx context.Context, entry *PasswordHistoryEntry, keep int) error {
	stamp := `UPDATE users SET password_changed_at = $2 WHERE id = $1`
	return r.inTx(ctx, "append password history", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, stamp, entry.UserID, entry.CreatedAt)
		if err != nil {
			return wrap("stamp password change", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return r.appendTx(ctx, tx, entry, keep)
	})
}

// ReplacePassword installs entry.PasswordHash as the user's credential and
// records it in the history in one transaction, so the hash, the change
// stamp and the history never disagree.
func (r *PasswordHistoryRepository) ReplacePassword(ctx context.Context, entry *PasswordHistoryEntry, mustChange bool, keep int) error {
	update := `
		UPDATE users
		SET password_hash = $2, must_change_password = $3, is_first_login = false,
		    password_changed_at = $4, updated_at = $4
		WHERE id = $1
	`
	return r.inTx(ctx, "replace password", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, update, entry.UserID, entry.PasswordHash, mustChange, entry.CreatedAt)
		if err != nil {
			return wrap("update password", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return r.appendTx(ctx, tx, entry, keep)
	})
}

func (r *PasswordHistoryRepository) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrap("begin "+op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap("commit "+op, err)
	}
	return nil
}

func (r *PasswordHistoryRepository) appendTx(ctx context.Context, tx pgx.Tx, entry *PasswordHistoryEntry, keep int) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	insert := `
		INSERT INTO password_history (id, user_id, password_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(ctx, insert, entry.ID, entry.UserID, entry.PasswordHash, entry.CreatedAt); err != nil {
		return wrap("insert password history", err)
	}

	if keep > 0 {
		prune := `
			DELETE FROM password_history
			WHERE user_id = $1
			  AND id NOT IN (
				SELECT id FROM password_history
				WHERE user_id = $1
				ORDER BY created_at DESC, id DESC
				LIMIT $2
			  )
		`
		if _, err := tx.Exec(ctx, prune, entry.UserID, keep); err != nil {
			return wrap("prune password history", err)
		}
	}
	return nil
}

// Recent returns up to limit hashes, newest first
func (r *PasswordHistoryRepository) Recent(ctx context.Context, userID string, limit int) ([]string, error) {
	query := `
		SELECT password_hash
		FROM password_history
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, wrap("list password history", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, wrap("scan password history", err)
		}
		hashes = append(hashes, hash)
	}
	return hashes, rows.Err()
}
