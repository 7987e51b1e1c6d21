package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-edu-identity/internal/repository"
)

// UserStore is the Credential Store: identity rows and their login bookkeeping
type UserStore interface {
	Create(ctx context.Context, user *repository.User) error
	GetByID(ctx context.Context, id string) (*repository.User, error)
	GetByEmail(ctx context.Context, email string) (*repository.User, error)
	Rehash(ctx context.Context, id, oldHash, newHash string) (bool, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	SetTwoFactor(ctx context.Context, id, channel string, secret *string) error
	SetStatus(ctx context.Context, id, status, updatedBy string) error
	List(ctx context.Context, entityID string, limit, offset int) ([]*repository.User, error)
}

// SessionStore persists sessions. Rotate must consume the old refresh record
// and insert the successor atomically, returning repository.ErrNotFound when
// the old record is no longer active, unused and unexpired.
type SessionStore interface {
	Create(ctx context.Context, session *repository.Session) error
	GetByID(ctx context.Context, id string) (*repository.Session, error)
	GetByRefreshHash(ctx context.Context, refreshHash string) (*repository.Session, error)
	Rotate(ctx context.Context, oldRefreshHash string, next *repository.Session, now time.Time) error
	UpdateLastActivity(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, userID, tokenHash string, at time.Time) (int64, error)
	RevokeAll(ctx context.Context, userID string, at time.Time) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// LockoutStore owns lockout episodes and the failed-attempt counter.
// RecordFailure must increment and apply the threshold in one step.
type LockoutStore interface {
	ActiveEpisode(ctx context.Context, userID string) (*repository.LockoutEpisode, error)
	CloseEpisode(ctx context.Context, id string, at time.Time) error
	Lock(ctx context.Context, ep *repository.LockoutEpisode) error
	RecordFailure(ctx context.Context, userID string, threshold int, lockUntil time.Time, address string, now time.Time) (int, bool, error)
	FailedAttempts(ctx context.Context, userID string) (int, error)
	ResetFailures(ctx context.Context, userID string) error
	Unlock(ctx context.Context, userID, unlockedBy string, at time.Time) (bool, error)
	History(ctx context.Context, userID string, limit int) ([]*repository.LockoutEpisode, error)
}

type ChallengeStore interface {
	Create(ctx context.Context, ch *repository.TwoFactorChallenge) error
	Latest(ctx context.Context, userID, channel string, now time.Time) (*repository.TwoFactorChallenge, error)
	GetByLoginToken(ctx context.Context, token string) (*repository.TwoFactorChallenge, error)
	RegisterAttempt(ctx context.Context, id string) (int, error)
	MarkUsed(ctx context.Context, id string) (bool, error)
}

type PasswordHistoryStore interface {
	Append(ctx context.Context, entry *repository.PasswordHistoryEntry, keep int) error
	// ReplacePassword sets the user's hash and flags and appends the history
	// entry atomically
	ReplacePassword(ctx context.Context, entry *repository.PasswordHistoryEntry, mustChange bool, keep int) error
	Recent(ctx context.Context, userID string, limit int) ([]string, error)
}

// PermissionStore is the read side used for token claims and resolution
type PermissionStore interface {
	RoleNames(ctx context.Context, userID string) ([]string, error)
	RolePermissions(ctx context.Context, userID string) ([]string, error)
	Overrides(ctx context.Context, userID string) ([]*repository.PermissionOverride, error)
}

// RoleStore adds role administration to PermissionStore
type RoleStore interface {
	PermissionStore
	Create(ctx context.Context, role *repository.Role) error
	GetByID(ctx context.Context, id string) (*repository.Role, error)
	List(ctx context.Context, entityID *string, activeOnly bool) ([]*repository.Role, error)
	SetActive(ctx context.Context, id string, active bool, updatedBy string) error
	GrantPermission(ctx context.Context, roleID, permission, grantedBy string) error
	RevokePermission(ctx context.Context, roleID, permission string) error
	PermissionsOfRole(ctx context.Context, roleID string) ([]string, error)
	AssignToUser(ctx context.Context, userID, roleID, assignedBy string) error
	UnassignFromUser(ctx context.Context, userID, roleID string) error
	UpsertOverride(ctx context.Context, o *repository.PermissionOverride) error
	DeleteOverride(ctx context.Context, userID, permission string) error
	ReferencedPermissions(ctx context.Context) ([]string, error)
}

type AuditStore interface {
	LogAuthEvent(ctx context.Context, event *repository.AuthEvent) error
}

// PermissionCache is an optional read-through cache for resolved sets.
// Get returns a stamp taken before the store is read; Set stores under that
// stamp so an invalidation in between wins. maxAge caps the entry lifetime;
// zero means the cache default.
type PermissionCache interface {
	Get(ctx context.Context, userID string) (perms []string, stamp string, ok bool, err error)
	Set(ctx context.Context, userID, stamp string, perms []string, maxAge time.Duration) error
	Invalidate(ctx context.Context, userID string) error
	InvalidateAll(ctx context.Context) error
}

// Notifier delivers one-time codes over SMS or email
type Notifier interface {
	Deliver(ctx context.Context, user *repository.User, channel, code string) error
}

var (
	_ UserStore            = (*repository.UserRepository)(nil)
	_ SessionStore         = (*repository.SessionRepository)(nil)
	_ LockoutStore         = (*repository.LockoutRepository)(nil)
	_ ChallengeStore       = (*repository.ChallengeRepository)(nil)
	_ PasswordHistoryStore = (*repository.PasswordHistoryRepository)(nil)
	_ RoleStore            = (*repository.RoleRepository)(nil)
	_ AuditStore           = (*repository.AuditRepository)(nil)
)
