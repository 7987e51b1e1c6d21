package repository

import "time"

// User status values
const (
	UserStatusActive   = "active"
	UserStatusInactive = "inactive"
)

// Two-factor delivery channels
const (
	ChannelNone          = ""
	ChannelSMS           = "sms"
	ChannelEmail         = "email"
	ChannelAuthenticator = "authenticator"
)

// Lockout reasons
const (
	LockReasonFailedAttempts = "failed_attempts"
	LockReasonAdministrative = "administrative"
)

// User is an identity row: credentials and login bookkeeping
type User struct {
	ID                 string
	EntityID           string
	Email              string
	PasswordHash       string
	FirstName          string
	LastName           string
	Phone              *string
	Status             string
	UserType           string
	IsFirstLogin       bool
	MustChangePassword bool
	PasswordChangedAt  *time.Time
	LastLoginAt        *time.Time
	TwoFactorChannel   string
	TwoFactorSecret    *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CreatedBy          *string
	UpdatedBy          *string
}

// IsActive reports whether the account may authenticate
func (u *User) IsActive() bool {
	return u.Status == UserStatusActive
}

// FullName is the display name carried in access tokens
func (u *User) FullName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// Session is a server-tracked login instance. The session token and the
// refresh token are only ever stored as hashes.
type Session struct {
	ID                    string
	UserID                string
	EntityID              string
	TokenHash             string
	RefreshTokenHash      *string
	RefreshTokenExpiresAt *time.Time
	RefreshUsedAt         *time.Time
	RotatedFrom           *string
	IPAddress             *string
	UserAgent             *string
	CreatedAt             time.Time
	ExpiresAt             time.Time
	LastActivityAt        time.Time
	IsActive              bool
	LogoutAt              *time.Time
}

// TwoFactorChallenge is a one-time code issued over a secondary channel
type TwoFactorChallenge struct {
	ID         string
	UserID     string
	CodeHash   string
	Channel    string
	LoginToken *string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Used       bool
	Attempts   int
	IPAddress  *string
}

// LockoutEpisode is a bounded interval during which a user cannot log in.
// A nil EndsAt means the lock has no scheduled end.
type LockoutEpisode struct {
	ID             string
	UserID         string
	StartedAt      time.Time
	EndsAt         *time.Time
	Reason         string
	FailedAttempts int
	IPAddress      *string
	IsActive       bool
	UnlockedBy     *string
	UnlockedAt     *time.Time
}

// LockedAt reports whether the episode blocks authentication at t
func (e *LockoutEpisode) LockedAt(t time.Time) bool {
	if !e.IsActive {
		return false
	}
	return e.EndsAt == nil || t.Before(*e.EndsAt)
}

// PasswordHistoryEntry is one retained previous credential hash
type PasswordHistoryEntry struct {
	ID           string
	UserID       string
	PasswordHash string
	CreatedAt    time.Time
}

// Role represents a role that can be assigned to users
type Role struct {
	ID          string
	EntityID    *string // NULL for system-wide roles
	Name        string
	DisplayName string
	Description *string
	RoleType    string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CreatedBy   *string
	UpdatedBy   *string
}

// RoleAssignment links a user to a role
type RoleAssignment struct {
	UserID     string
	RoleID     string
	IsActive   bool
	AssignedAt time.Time
	AssignedBy *string
}

// RolePermission grants a catalogued permission to a role
type RolePermission struct {
	RoleID     string
	Permission string
	GrantedAt  time.Time
	GrantedBy  *string
}

// PermissionOverride is a per-user grant or deny with optional expiry
type PermissionOverride struct {
	ID         string
	UserID     string
	Permission string
	Grant      bool
	ExpiresAt  *time.Time
	Reason     *string
	CreatedAt  time.Time
	CreatedBy  *string
}

// ActiveAt reports whether the override still applies at t
func (o *PermissionOverride) ActiveAt(t time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(t)
}

// AuthEvent is an audit row for authentication activity
type AuthEvent struct {
	ID        string
	UserID    *string
	EventType string
	Success   bool
	IPAddress *string
	Details   map[string]string
	CreatedAt time.Time
}
