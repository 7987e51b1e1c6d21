package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pesio-ai/be-edu-identity/internal/metrics"
	"github.com/pesio-ai/be-edu-identity/internal/repository"
	jwtpkg "github.com/pesio-ai/be-edu-identity/pkg/jwt"
	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

const DefaultMaxFailedAttempts = 5

type AuthConfig struct {
	// MaxFailedAttempts is the failed-login threshold that locks an account
	MaxFailedAttempts int
}

// AuthService sequences lockout, password, expiry, two-factor and session
// handling into the login, refresh and logout protocols
type AuthService struct {
	users       UserStore
	passwords   *PasswordPolicyService
	lockout     *LockoutTracker
	sessions    *SessionManager
	twoFactor   *TwoFactorManager
	permissions *PermissionResolver
	audit       *auditor
	cfg         AuthConfig
	log         *logger.Logger
	opts        options

	dummyOnce sync.Once
	dummyHash string
}

func NewAuthService(
	users UserStore,
	passwords *PasswordPolicyService,
	lockout *LockoutTracker,
	sessions *SessionManager,
	twoFactor *TwoFactorManager,
	permissions *PermissionResolver,
	audit AuditStore,
	cfg AuthConfig,
	log *logger.Logger,
	opts ...Option,
) *AuthService {
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	o := buildOptions(opts)
	return &AuthService{
		users:       users,
		passwords:   passwords,
		lockout:     lockout,
		sessions:    sessions,
		twoFactor:   twoFactor,
		permissions: permissions,
		audit:       newAuditor(audit, log, o),
		cfg:         cfg,
		log:         log,
		opts:        o,
	}
}

type LoginRequest struct {
	Email     string
	Password  string
	IPAddress string
	UserAgent string
}

// LoginResponse carries either tokens or a pending two-factor step
type LoginResponse struct {
	Tokens                 *TokenPair
	User                   *repository.User
	RequiresPasswordChange bool
	TwoFactorRequired      bool
	TwoFactorToken         string
	TwoFactorChannel       string
}

// AuthResult is the boundary shape of a login: no partial data on failure
type AuthResult struct {
	Success                bool
	Message                string
	Errors                 []string
	AccessToken            string
	RefreshToken           string
	SessionToken           string
	ExpiresAt              time.Time
	User                   *repository.User
	RequiresPasswordChange bool
	TwoFactorRequired      bool
	TwoFactorToken         string
}

// Login authenticates a user and creates a session
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	user, err := s.checkCredentials(ctx, req)
	if err != nil {
		return nil, err
	}

	if s.passwords.expired(user) {
		return nil, s.loginFailed(ctx, req, user.ID, "password_expired", ErrPasswordExpired)
	}

	s.passwords.rehashIfStale(ctx, user, req.Password)

	if user.TwoFactorChannel != repository.ChannelNone {
		ch, err := s.twoFactor.issueForLogin(ctx, user, req.IPAddress)
		if err != nil {
			return nil, s.loginError(ctx, req, user.ID, err)
		}
		s.opts.metrics.LoginAttempt(metrics.OutcomeTwoFactorRequired)
		s.audit.record(ctx, EventTwoFactorIssued, user.ID, true, req.IPAddress, map[string]string{"channel": ch.Channel})
		s.log.Info().Str("user_id", user.ID).Str("channel", ch.Channel).Msg("Login awaiting two-factor verification")
		return &LoginResponse{
			User:              user,
			TwoFactorRequired: true,
			TwoFactorToken:    ch.LoginToken,
			TwoFactorChannel:  ch.Channel,
		}, nil
	}

	return s.complete(ctx, user, req.IPAddress, req.UserAgent)
}

// checkCredentials looks the user up, refuses locked or inactive accounts
// and verifies the password, counting failures toward the lockout threshold
func (s *AuthService) checkCredentials(ctx context.Context, req *LoginRequest) (*repository.User, error) {
	user, err := s.users.GetByEmail(ctx, req.Email)
	if err != nil {
		if !isNotFound(err) {
			return nil, s.loginError(ctx, req, "", storeErr("get user", err))
		}
		s.burnHash(req.Password)
		return nil, s.loginFailed(ctx, req, "", "unknown_email", ErrInvalidCredentials)
	}

	if !user.IsActive() {
		s.burnHash(req.Password)
		return nil, s.loginFailed(ctx, req, user.ID, "inactive", ErrInvalidCredentials)
	}

	locked, err := s.lockout.IsLocked(ctx, user.ID)
	if err != nil {
		return nil, s.loginError(ctx, req, user.ID, err)
	}
	if locked {
		return nil, s.loginFailed(ctx, req, user.ID, "locked", ErrAccountLocked)
	}

	valid, err := s.passwords.Verify(req.Password, user.PasswordHash)
	if err != nil {
		return nil, s.loginError(ctx, req, user.ID, fmt.Errorf("%w: verify password: %w", ErrInternal, err))
	}
	if !valid {
		count, nowLocked, err := s.lockout.RecordFailedAttempt(ctx, user.ID, s.cfg.MaxFailedAttempts, req.IPAddress)
		if err != nil {
			// the credential is still wrong; the counter state is unknown
			s.log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to record failed login")
		}
		if nowLocked {
			s.audit.record(ctx, EventAccountLocked, user.ID, true, req.IPAddress, map[string]string{
				"reason":          repository.LockReasonFailedAttempts,
				"failed_attempts": fmt.Sprint(count),
			})
		}
		return nil, s.loginFailed(ctx, req, user.ID, "bad_password", ErrInvalidCredentials)
	}
	return user, nil
}

type ExpiredPasswordChangeRequest struct {
	Email           string
	CurrentPassword string
	NewPassword     string
	IPAddress       string
	UserAgent       string
}

// ChangeExpiredPassword replaces an expired password for a user who cannot
// log in to change it. The current password is checked under the same
// lockout rules as Login. No session is issued; every existing one ends.
func (s *AuthService) ChangeExpiredPassword(ctx context.Context, req *ExpiredPasswordChangeRequest) error {
	user, err := s.checkCredentials(ctx, &LoginRequest{
		Email:     req.Email,
		Password:  req.CurrentPassword,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		return err
	}

	if !s.passwords.expired(user) {
		return fmt.Errorf("%w: password has not expired", ErrInvalidArgument)
	}
	if err := s.passwords.checkCandidate(ctx, user.ID, req.NewPassword); err != nil {
		return err
	}
	if err := s.passwords.ReplacePassword(ctx, user.ID, req.NewPassword, false); err != nil {
		return err
	}

	if err := s.lockout.ResetFailures(ctx, user.ID); err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to reset failed attempts")
	}
	if _, err := s.sessions.LogoutAll(ctx, user.ID); err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to revoke sessions after password change")
	}

	s.audit.record(ctx, EventPasswordChanged, user.ID, true, req.IPAddress, map[string]string{"reason": "expired"})
	s.log.Info().Str("user_id", user.ID).Msg("Expired password replaced")
	return nil
}

// CompleteTwoFactor finishes a login paused for two-factor verification.
// Wrong codes count toward the challenge cap, not the login lockout.
func (s *AuthService) CompleteTwoFactor(ctx context.Context, transportToken, code, address, userAgent string) (*LoginResponse, error) {
	user, err := s.twoFactor.validateLogin(ctx, transportToken, code)
	if err != nil {
		userID := ""
		if user != nil {
			userID = user.ID
		}
		if errors.Is(err, ErrTwoFactorInvalid) || errors.Is(err, ErrTwoFactorAttempts) {
			s.audit.record(ctx, EventTwoFactorFailure, userID, false, address, nil)
			s.log.Warn().Err(err).Str("user_id", userID).Str("ip_address", address).Msg("Two-factor verification failed")
			return nil, err
		}
		s.log.Error().Err(err).Str("user_id", userID).Msg("Two-factor verification error")
		return nil, err
	}

	// the account may have changed while the code was in flight
	if !user.IsActive() {
		return nil, ErrInvalidCredentials
	}
	locked, err := s.lockout.IsLocked(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, ErrAccountLocked
	}

	return s.complete(ctx, user, address, userAgent)
}

func (s *AuthService) complete(ctx context.Context, user *repository.User, address, userAgent string) (*LoginResponse, error) {
	tokens, err := s.sessions.IssueTokens(ctx, user, address, userAgent)
	if err != nil {
		s.opts.metrics.LoginAttempt(metrics.OutcomeError)
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to issue tokens")
		return nil, err
	}

	if err := s.lockout.ResetFailures(ctx, user.ID); err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to reset failed attempts")
	}
	now := s.opts.now()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to update last login")
	} else {
		user.LastLoginAt = &now
	}

	s.opts.metrics.LoginAttempt(metrics.OutcomeSuccess)
	s.audit.record(ctx, EventLoginSuccess, user.ID, true, address, map[string]string{"session_id": tokens.SessionID})
	s.log.Info().
		Str("user_id", user.ID).
		Str("session_id", tokens.SessionID).
		Str("ip_address", address).
		Msg("Login successful")

	return &LoginResponse{
		Tokens:                 tokens,
		User:                   user,
		RequiresPasswordChange: user.MustChangePassword || user.IsFirstLogin,
	}, nil
}

// Authenticate runs Login and folds the outcome into an AuthResult
func (s *AuthService) Authenticate(ctx context.Context, req *LoginRequest) *AuthResult {
	resp, err := s.Login(ctx, req)
	if err != nil {
		return failedResult(err)
	}
	return successResult(resp)
}

// CompleteTwoFactorResult is CompleteTwoFactor shaped as an AuthResult
func (s *AuthService) CompleteTwoFactorResult(ctx context.Context, transportToken, code, address, userAgent string) *AuthResult {
	resp, err := s.CompleteTwoFactor(ctx, transportToken, code, address, userAgent)
	if err != nil {
		return failedResult(err)
	}
	return successResult(resp)
}

func successResult(resp *LoginResponse) *AuthResult {
	if resp.TwoFactorRequired {
		return &AuthResult{
			Success:           false,
			Message:           "Two-factor verification required",
			Errors:            []string{"two_factor_required"},
			TwoFactorRequired: true,
			TwoFactorToken:    resp.TwoFactorToken,
		}
	}
	return &AuthResult{
		Success:                true,
		Message:                "Login successful",
		AccessToken:            resp.Tokens.AccessToken,
		RefreshToken:           resp.Tokens.RefreshToken,
		SessionToken:           resp.Tokens.SessionToken,
		ExpiresAt:              resp.Tokens.ExpiresAt,
		User:                   resp.User,
		RequiresPasswordChange: resp.RequiresPasswordChange,
	}
}

// failedResult maps an error to a user-facing message. Only the locked and
// expired-password cases are specific.
func failedResult(err error) *AuthResult {
	res := &AuthResult{Success: false}
	switch {
	case errors.Is(err, ErrAccountLocked):
		res.Message = "Account is locked. Try again later or contact an administrator"
		res.Errors = []string{"account_locked"}
	case errors.Is(err, ErrPasswordExpired):
		res.Message = "Password has expired and must be changed"
		res.Errors = []string{"password_expired"}
	case errors.Is(err, ErrTwoFactorAttempts):
		res.Message = "Too many verification attempts. Sign in again"
		res.Errors = []string{"two_factor_attempts_exceeded"}
	case errors.Is(err, ErrTwoFactorInvalid):
		res.Message = "Invalid verification code"
		res.Errors = []string{"two_factor_invalid"}
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrNotFound):
		res.Message = "Invalid email or password"
		res.Errors = []string{"invalid_credentials"}
	default:
		res.Message = "An internal error occurred"
		res.Errors = []string{"internal_error"}
	}
	return res
}

func (s *AuthService) loginFailed(ctx context.Context, req *LoginRequest, userID, reason string, err error) error {
	outcome := metrics.OutcomeInvalid
	switch err {
	case ErrAccountLocked:
		outcome = metrics.OutcomeLocked
	case ErrPasswordExpired:
		outcome = metrics.OutcomeExpired
	}
	s.opts.metrics.LoginAttempt(outcome)
	s.audit.record(ctx, EventLoginFailure, userID, false, req.IPAddress, map[string]string{"reason": reason})
	s.log.Warn().
		Str("email", req.Email).
		Str("user_id", userID).
		Str("ip_address", req.IPAddress).
		Str("reason", reason).
		Msg("Login failed")
	return err
}

func (s *AuthService) loginError(ctx context.Context, req *LoginRequest, userID string, err error) error {
	s.opts.metrics.LoginAttempt(metrics.OutcomeError)
	s.log.Error().
		Err(err).
		Str("email", req.Email).
		Str("user_id", userID).
		Str("ip_address", req.IPAddress).
		Msg("Login error")
	if !errors.Is(err, ErrInternal) {
		err = fmt.Errorf("%w: %w", ErrInternal, err)
	}
	return err
}

// burnHash spends one verification on a fixed hash so unknown and inactive
// identities take as long to reject as a wrong password
func (s *AuthService) burnHash(pw string) {
	s.dummyOnce.Do(func() {
		h, err := s.passwords.Hash("not-a-real-password")
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to prepare dummy hash")
			return
		}
		s.dummyHash = h
	})
	if s.dummyHash != "" {
		_, _ = s.passwords.Verify(pw, s.dummyHash)
	}
}

// RefreshToken rotates a refresh token
func (s *AuthService) RefreshToken(ctx context.Context, refreshToken, address string) (*TokenPair, error) {
	tokens, err := s.sessions.Refresh(ctx, refreshToken, address)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			s.log.Warn().Str("ip_address", address).Msg("Refresh rejected")
		} else {
			s.log.Error().Err(err).Msg("Refresh failed")
		}
		return nil, err
	}
	s.audit.record(ctx, EventTokenRefreshed, "", true, address, map[string]string{"session_id": tokens.SessionID})
	return tokens, nil
}

// Logout revokes one session, or all of them without a session token
func (s *AuthService) Logout(ctx context.Context, userID, sessionToken, address string) (bool, error) {
	revoked, err := s.sessions.Logout(ctx, userID, sessionToken)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to logout")
		return false, err
	}
	s.audit.record(ctx, EventLogout, userID, revoked, address, nil)
	s.log.Info().Str("user_id", userID).Bool("revoked", revoked).Msg("Logout")
	return revoked, nil
}

// LogoutAll revokes every session of the identity
func (s *AuthService) LogoutAll(ctx context.Context, userID, address string) (bool, error) {
	n, err := s.sessions.LogoutAll(ctx, userID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to logout all sessions")
		return false, err
	}
	s.audit.record(ctx, EventLogout, userID, true, address, map[string]string{"sessions": fmt.Sprint(n)})
	s.log.Info().Str("user_id", userID).Int64("sessions", n).Msg("All sessions revoked")
	return true, nil
}

// ValidateAccessToken checks a bearer token and its session
func (s *AuthService) ValidateAccessToken(ctx context.Context, token string) (*jwtpkg.Claims, error) {
	return s.sessions.ValidateAccessToken(ctx, token)
}

// IssueTwoFactor creates a challenge outside the login flow
func (s *AuthService) IssueTwoFactor(ctx context.Context, userID, channel, address string) (*Challenge, error) {
	ch, err := s.twoFactor.Issue(ctx, userID, channel, address)
	if err != nil {
		return nil, err
	}
	s.audit.record(ctx, EventTwoFactorIssued, userID, true, address, map[string]string{"channel": channel})
	return ch, nil
}

// ValidateTwoFactor checks a code against the latest challenge on channel
func (s *AuthService) ValidateTwoFactor(ctx context.Context, userID, code, channel string) (bool, error) {
	ok, err := s.twoFactor.Validate(ctx, userID, code, channel)
	if err != nil || !ok {
		s.audit.record(ctx, EventTwoFactorFailure, userID, false, "", map[string]string{"channel": channel})
	}
	return ok, err
}

// LockAccount locks an identity administratively and ends its sessions
func (s *AuthService) LockAccount(ctx context.Context, userID, reason string, until *time.Time, lockedBy string) (bool, error) {
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return false, storeErr("get user", err)
	}

	ep, err := s.lockout.Lock(ctx, userID, reason, until, "")
	if err != nil {
		return false, err
	}
	if _, err := s.sessions.LogoutAll(ctx, userID); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to revoke sessions of locked account")
	}

	s.audit.record(ctx, EventAccountLocked, userID, true, "", map[string]string{
		"reason":    ep.Reason,
		"locked_by": lockedBy,
		"ends_at":   ep.EndsAt.Format(time.RFC3339),
	})
	return true, nil
}

// UnlockAccount closes the active episode; unlocking an unlocked account succeeds
func (s *AuthService) UnlockAccount(ctx context.Context, userID, unlockedBy string) (bool, error) {
	closed, err := s.lockout.Unlock(ctx, userID, unlockedBy)
	if err != nil {
		return false, err
	}
	if closed {
		s.audit.record(ctx, EventAccountUnlocked, userID, true, "", map[string]string{"unlocked_by": unlockedBy})
	}
	return true, nil
}

func (s *AuthService) IsLocked(ctx context.Context, userID string) (bool, error) {
	return s.lockout.IsLocked(ctx, userID)
}

// LockStatus reports lock state and the failed-attempt counter
func (s *AuthService) LockStatus(ctx context.Context, userID string) (*LockStatus, error) {
	return s.lockout.Status(ctx, userID)
}

// LockoutHistory lists an account's lockout episodes, newest first
func (s *AuthService) LockoutHistory(ctx context.Context, userID string, limit int) ([]*repository.LockoutEpisode, error) {
	return s.lockout.History(ctx, userID, limit)
}

func (s *AuthService) ValidatePasswordPolicy(candidate string) bool {
	return s.passwords.ValidatePolicy(candidate)
}

func (s *AuthService) GenerateRandomPassword(length int) (string, error) {
	return s.passwords.GenerateRandomPassword(length)
}

func (s *AuthService) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	return s.permissions.EffectivePermissions(ctx, userID)
}

func (s *AuthService) HasPermission(ctx context.Context, userID, name string) (bool, error) {
	return s.permissions.HasPermission(ctx, userID, name)
}
