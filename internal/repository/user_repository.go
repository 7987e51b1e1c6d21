package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

type UserRepository struct {
	db  DB
	log *logger.Logger
}

func NewUserRepository(db DB, log *logger.Logger) *UserRepository {
	return &UserRepository{
		db:  db,
		log: log,
	}
}

const userColumns = `
	id, entity_id, email, password_hash, first_name, last_name, phone,
	status, user_type, is_first_login, must_change_password,
	password_changed_at, last_login_at, two_factor_channel, two_factor_secret,
	created_at, updated_at, created_by, updated_by
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID, &user.EntityID, &user.Email, &user.PasswordHash,
		&user.FirstName, &user.LastName, &user.Phone,
		&user.Status, &user.UserType, &user.IsFirstLogin, &user.MustChangePassword,
		&user.PasswordChangedAt, &user.LastLoginAt, &user.TwoFactorChannel, &user.TwoFactorSecret,
		&user.CreatedAt, &user.UpdatedAt, &user.CreatedBy, &user.UpdatedBy,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Create creates a new user
func (r *UserRepository) Create(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))

	query := `
		INSERT INTO users (
			id, entity_id, email, password_hash, first_name, last_name, phone,
			status, user_type, is_first_login, must_change_password,
			password_changed_at, two_factor_channel, two_factor_secret,
			created_at, updated_at, created_by
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
	`

	_, err := r.db.Exec(ctx, query,
		user.ID, user.EntityID, user.Email, user.PasswordHash, user.FirstName, user.LastName, user.Phone,
		user.Status, user.UserType, user.IsFirstLogin, user.MustChangePassword,
		user.PasswordChangedAt, user.TwoFactorChannel, user.TwoFactorSecret,
		user.CreatedAt, user.UpdatedAt, user.CreatedBy,
	)
	if err != nil {
		return wrap("create user", err)
	}

	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, wrap("get user", err)
	}
	return user, nil
}

// GetByEmail retrieves a user by email, case-insensitively
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	user, err := scanUser(r.db.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(email))))
	if err != nil {
		return nil, wrap("get user by email", err)
	}
	return user, nil
}

// Rehash replaces a hash with an equivalent one under new parameters. It only
// applies while the stored hash is still oldHash, so it never overwrites a
// concurrent password change.
func (r *UserRepository) Rehash(ctx context.Context, id, oldHash, newHash string) (bool, error) {
	query := `
		UPDATE users
		SET password_hash = $3
		WHERE id = $1 AND password_hash = $2
	`

	tag, err := r.db.Exec(ctx, query, id, oldHash, newHash)
	if err != nil {
		return false, wrap("rehash password", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateLastLogin updates the last login timestamp
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE users SET last_login_at = $2 WHERE id = $1`

	if _, err := r.db.Exec(ctx, query, id, at); err != nil {
		return wrap("update last login", err)
	}
	return nil
}

// SetTwoFactor sets the two-factor channel and, for authenticator apps, the shared secret
func (r *UserRepository) SetTwoFactor(ctx context.Context, id, channel string, secret *string) error {
	query := `
		UPDATE users
		SET two_factor_channel = $2, two_factor_secret = $3, updated_at = $4
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id, channel, secret, time.Now())
	if err != nil {
		return wrap("set two-factor", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus activates or deactivates a user
func (r *UserRepository) SetStatus(ctx context.Context, id, status, updatedBy string) error {
	query := `UPDATE users SET status = $2, updated_by = $3, updated_at = $4 WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, status, nullable(updatedBy), time.Now())
	if err != nil {
		return wrap("set user status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List retrieves users of an entity with pagination
func (r *UserRepository) List(ctx context.Context, entityID string, limit, offset int) ([]*User, error) {
	query := `SELECT ` + userColumns + `
		FROM users
		WHERE entity_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, entityID, limit, offset)
	if err != nil {
		return nil, wrap("list users", err)
	}
	defer rows.Close()

	users := make([]*User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, wrap("scan user", err)
		}
		users = append(users, user)
	}

	return users, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
