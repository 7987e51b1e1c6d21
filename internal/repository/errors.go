package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

const pgUniqueViolation = "23505"

// mapError translates driver errors into repository sentinels
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrConflict
	}
	return err
}

// wrap returns repository sentinels bare and wraps everything else
func wrap(msg string, err error) error {
	mapped := mapError(err)
	if mapped == ErrNotFound || mapped == ErrConflict {
		return mapped
	}
	return fmt.Errorf("failed to %s: %w", msg, mapped)
}
