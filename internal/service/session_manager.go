package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-edu-identity/internal/metrics"
	"github.com/pesio-ai/be-edu-identity/internal/repository"
	jwtpkg "github.com/pesio-ai/be-edu-identity/pkg/jwt"
	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

const (
	DefaultRefreshTTL       = 7 * 24 * time.Hour
	DefaultSessionRetention = 30 * 24 * time.Hour

	// 32 bytes = 256 bits of entropy per opaque token
	opaqueTokenBytes = 32
)

type SessionConfig struct {
	RefreshTTL time.Duration
	// RevokeAllOnReuse ends every session of an identity whose consumed
	// refresh token is presented again
	RevokeAllOnReuse bool
	// Retention is how long an ended session is kept before PurgeExpired
	// may delete it
	Retention time.Duration
}

// TokenPair is what a client receives on login or refresh. SessionToken is
// only set when a session is first issued; rotation keeps it.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	SessionToken     string
	SessionID        string
	TokenID          string
	ExpiresAt        time.Time
	ExpiresIn        int64
	RefreshExpiresAt time.Time
}

// SessionManager issues and rotates tokens and tracks sessions. It is the
// only caller of SessionStore.Rotate.
type SessionManager struct {
	sessions  SessionStore
	users     UserStore
	perms     PermissionStore
	jwt       *jwtpkg.Manager
	anomalies AnomalyReporter
	cfg       SessionConfig
	log       *logger.Logger
	opts      options
}

func NewSessionManager(
	sessions SessionStore,
	users UserStore,
	perms PermissionStore,
	jwtManager *jwtpkg.Manager,
	anomalies AnomalyReporter,
	cfg SessionConfig,
	log *logger.Logger,
	opts ...Option,
) *SessionManager {
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultSessionRetention
	}
	return &SessionManager{
		sessions:  sessions,
		users:     users,
		perms:     perms,
		jwt:       jwtManager,
		anomalies: anomalies,
		cfg:       cfg,
		log:       log,
		opts:      buildOptions(opts),
	}
}

// IssueTokens creates a session for user. The session row is persisted
// before anything is returned, and nothing is persisted if signing fails.
func (m *SessionManager) IssueTokens(ctx context.Context, user *repository.User, address, userAgent string) (*TokenPair, error) {
	sessionToken, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}
	refreshToken, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}

	now := m.opts.now()
	refreshHash := hashToken(refreshToken)
	refreshExpiresAt := now.Add(m.cfg.RefreshTTL)

	session := &repository.Session{
		ID:                    uuid.New().String(),
		UserID:                user.ID,
		EntityID:              user.EntityID,
		TokenHash:             hashToken(sessionToken),
		RefreshTokenHash:      &refreshHash,
		RefreshTokenExpiresAt: &refreshExpiresAt,
		IPAddress:             optional(address),
		UserAgent:             optional(userAgent),
		CreatedAt:             now,
		ExpiresAt:             refreshExpiresAt,
		LastActivityAt:        now,
		IsActive:              true,
	}

	access, err := m.accessToken(ctx, user, session.ID)
	if err != nil {
		return nil, err
	}

	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, storeErr("create session", err)
	}

	m.log.Debug().Str("user_id", user.ID).Str("session_id", session.ID).Msg("Session issued")

	pair := m.pair(access, refreshToken, session)
	pair.SessionToken = sessionToken
	return pair, nil
}

// Refresh exchanges a refresh token for a new pair. The old token is consumed
// in the same store transaction that persists its successor, so of two
// concurrent calls with one token at most one succeeds.
func (m *SessionManager) Refresh(ctx context.Context, refreshToken, address string) (*TokenPair, error) {
	if refreshToken == "" {
		m.opts.metrics.Refresh(metrics.OutcomeRejected)
		return nil, ErrInvalidToken
	}

	refreshHash := hashToken(refreshToken)
	old, err := m.sessions.GetByRefreshHash(ctx, refreshHash)
	if err != nil {
		if isNotFound(err) {
			m.opts.metrics.Refresh(metrics.OutcomeRejected)
			return nil, ErrInvalidToken
		}
		m.opts.metrics.Refresh(metrics.OutcomeError)
		return nil, storeErr("get session by refresh token", err)
	}

	now := m.opts.now()
	if old.RefreshUsedAt != nil {
		m.reuseDetected(ctx, old, address)
		return nil, ErrInvalidToken
	}
	if !old.IsActive || old.RefreshTokenExpiresAt == nil || !now.Before(*old.RefreshTokenExpiresAt) {
		m.opts.metrics.Refresh(metrics.OutcomeRejected)
		return nil, ErrInvalidToken
	}

	user, err := m.users.GetByID(ctx, old.UserID)
	if err != nil {
		if isNotFound(err) {
			m.opts.metrics.Refresh(metrics.OutcomeRejected)
			return nil, ErrInvalidToken
		}
		m.opts.metrics.Refresh(metrics.OutcomeError)
		return nil, storeErr("get user", err)
	}
	if !user.IsActive() {
		m.opts.metrics.Refresh(metrics.OutcomeRejected)
		return nil, ErrInvalidToken
	}

	nextRefresh, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}
	nextHash := hashToken(nextRefresh)
	refreshExpiresAt := now.Add(m.cfg.RefreshTTL)

	next := &repository.Session{
		ID:                    uuid.New().String(),
		UserID:                old.UserID,
		EntityID:              old.EntityID,
		TokenHash:             old.TokenHash,
		RefreshTokenHash:      &nextHash,
		RefreshTokenExpiresAt: &refreshExpiresAt,
		IPAddress:             optional(address),
		UserAgent:             old.UserAgent,
		CreatedAt:             now,
		ExpiresAt:             refreshExpiresAt,
		LastActivityAt:        now,
		IsActive:              true,
	}
	if next.IPAddress == nil {
		next.IPAddress = old.IPAddress
	}

	access, err := m.accessToken(ctx, user, next.ID)
	if err != nil {
		m.opts.metrics.Refresh(metrics.OutcomeError)
		return nil, err
	}

	if err := m.sessions.Rotate(ctx, refreshHash, next, now); err != nil {
		if !isNotFound(err) {
			m.opts.metrics.Refresh(metrics.OutcomeError)
			return nil, storeErr("rotate refresh token", err)
		}
		// lost the race or the session was revoked in between
		if cur, lookupErr := m.sessions.GetByRefreshHash(ctx, refreshHash); lookupErr == nil && cur.RefreshUsedAt != nil {
			m.reuseDetected(ctx, cur, address)
		} else {
			m.opts.metrics.Refresh(metrics.OutcomeRejected)
		}
		return nil, ErrInvalidToken
	}

	m.opts.metrics.Refresh(metrics.OutcomeSuccess)
	m.log.Debug().
		Str("user_id", user.ID).
		Str("session_id", next.ID).
		Str("rotated_from", old.ID).
		Msg("Refresh token rotated")

	return m.pair(access, nextRefresh, next), nil
}

func (m *SessionManager) reuseDetected(ctx context.Context, s *repository.Session, address string) {
	m.opts.metrics.Refresh(metrics.OutcomeRejected)
	if m.anomalies != nil {
		m.anomalies.ReportRefreshReuse(ctx, s.UserID, s.ID, address)
	}
	if m.cfg.RevokeAllOnReuse {
		if _, err := m.sessions.RevokeAll(ctx, s.UserID, m.opts.now()); err != nil {
			m.log.Error().Err(err).Str("user_id", s.UserID).Msg("Failed to revoke sessions after refresh reuse")
		}
	}
}

// Logout revokes the session holding sessionToken, or every session of the
// identity when no token is given. It reports whether anything was revoked.
func (m *SessionManager) Logout(ctx context.Context, userID, sessionToken string) (bool, error) {
	if sessionToken == "" {
		n, err := m.LogoutAll(ctx, userID)
		return n > 0, err
	}

	n, err := m.sessions.Revoke(ctx, userID, hashToken(sessionToken), m.opts.now())
	if err != nil {
		return false, storeErr("revoke session", err)
	}
	return n > 0, nil
}

// LogoutAll revokes every active session of the identity; rows are kept
func (m *SessionManager) LogoutAll(ctx context.Context, userID string) (int64, error) {
	n, err := m.sessions.RevokeAll(ctx, userID, m.opts.now())
	if err != nil {
		return 0, storeErr("revoke sessions", err)
	}
	return n, nil
}

// ValidateAccessToken checks the signature and that the session behind the
// token is still active
func (m *SessionManager) ValidateAccessToken(ctx context.Context, token string) (*jwtpkg.Claims, error) {
	claims, err := m.jwt.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	session, err := m.sessions.GetByID(ctx, claims.SessionID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrInvalidToken
		}
		return nil, storeErr("get session", err)
	}

	now := m.opts.now()
	if !session.IsActive || !now.Before(session.ExpiresAt) {
		return nil, ErrInvalidToken
	}

	if err := m.sessions.UpdateLastActivity(ctx, session.ID, now); err != nil {
		m.log.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to update session activity")
	}
	return claims, nil
}

func (m *SessionManager) accessToken(ctx context.Context, user *repository.User, sessionID string) (*jwtpkg.AccessToken, error) {
	roles, err := m.perms.RoleNames(ctx, user.ID)
	if err != nil {
		return nil, storeErr("load roles", err)
	}

	access, err := m.jwt.GenerateAccessToken(jwtpkg.Subject{
		UserID:    user.ID,
		EntityID:  user.EntityID,
		SessionID: sessionID,
		Name:      user.FullName(),
		Email:     user.Email,
		Roles:     roles,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: sign access token: %w", ErrInternal, err)
	}
	return access, nil
}

func (m *SessionManager) pair(access *jwtpkg.AccessToken, refreshToken string, s *repository.Session) *TokenPair {
	return &TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     refreshToken,
		SessionID:        s.ID,
		TokenID:          access.ID,
		ExpiresAt:        access.ExpiresAt,
		ExpiresIn:        int64(m.jwt.AccessDuration().Seconds()),
		RefreshExpiresAt: *s.RefreshTokenExpiresAt,
	}
}

// newOpaqueToken returns a URL-safe random token
func newOpaqueToken() (string, error) {
	b := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%w: read random: %w", ErrInternal, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// hashToken is the lookup key stored in place of an opaque token
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// PurgeExpired deletes sessions whose lifetime ended more than the retention
// window ago
func (m *SessionManager) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := m.sessions.DeleteExpired(ctx, m.opts.now().Add(-m.cfg.Retention))
	if err != nil {
		return 0, storeErr("delete expired sessions", err)
	}
	return n, nil
}

// RunCleanup calls PurgeExpired every interval until ctx is cancelled
func (m *SessionManager) RunCleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.PurgeExpired(ctx)
			if err != nil {
				m.log.Error().Err(err).Msg("Session cleanup failed")
				continue
			}
			if n > 0 {
				m.log.Info().Int64("sessions", n).Msg("Expired sessions purged")
			}
		}
	}
}
