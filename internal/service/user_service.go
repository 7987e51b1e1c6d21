package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-edu-identity/internal/repository"
	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

type UserService struct {
	users     UserStore
	passwords *PasswordPolicyService
	sessions  *SessionManager
	twoFactor *TwoFactorManager
	audit     *auditor
	log       *logger.Logger
}

func NewUserService(
	users UserStore,
	passwords *PasswordPolicyService,
	sessions *SessionManager,
	twoFactor *TwoFactorManager,
	audit AuditStore,
	log *logger.Logger,
	opts ...Option,
) *UserService {
	return &UserService{
		users:     users,
		passwords: passwords,
		sessions:  sessions,
		twoFactor: twoFactor,
		audit:     newAuditor(audit, log, buildOptions(opts)),
		log:       log,
	}
}

type CreateUserRequest struct {
	EntityID  string
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     *string
	UserType  string
	CreatedBy string
}

// CreateUser creates a new user
func (s *UserService) CreateUser(ctx context.Context, req *CreateUserRequest) (*repository.User, error) {
	s.log.Info().
		Str("email", req.Email).
		Str("entity_id", req.EntityID).
		Msg("Creating user")

	if strings.TrimSpace(req.Email) == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidArgument)
	}
	if err := s.passwords.checkCandidate(ctx, "", req.Password); err != nil {
		return nil, err
	}

	passwordHash, err := s.passwords.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	user := &repository.User{
		EntityID:     req.EntityID,
		Email:        req.Email,
		PasswordHash: passwordHash,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Phone:        req.Phone,
		Status:       repository.UserStatusActive,
		UserType:     req.UserType,
		IsFirstLogin: true,
		CreatedBy:    optional(req.CreatedBy),
	}

	if err := s.users.Create(ctx, user); err != nil {
		s.log.Error().Err(err).Msg("Failed to create user")
		return nil, storeErr("create user", err)
	}

	if err := s.passwords.RecordPasswordChange(ctx, user.ID, passwordHash); err != nil {
		return nil, err
	}

	created, err := s.users.GetByID(ctx, user.ID)
	if err != nil {
		return nil, storeErr("get user", err)
	}

	s.log.Info().Str("user_id", user.ID).Msg("User created successfully")
	return created, nil
}

// GetUser retrieves a user by ID
func (s *UserService) GetUser(ctx context.Context, userID string) (*repository.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, storeErr("get user", err)
	}
	return user, nil
}

// ListUsers pages through the users of one school
func (s *UserService) ListUsers(ctx context.Context, entityID string, limit, offset int) ([]*repository.User, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	users, err := s.users.List(ctx, entityID, limit, offset)
	if err != nil {
		return nil, storeErr("list users", err)
	}
	return users, nil
}

// ChangePassword replaces the credential after checking the current one,
// the policy and the reuse history, then ends every session
func (s *UserService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return storeErr("get user", err)
	}

	valid, err := s.passwords.Verify(currentPassword, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("%w: verify password: %w", ErrInternal, err)
	}
	if !valid {
		return ErrInvalidCredentials
	}

	if err := s.passwords.checkCandidate(ctx, userID, newPassword); err != nil {
		return err
	}

	if err := s.setPassword(ctx, userID, newPassword, false); err != nil {
		return err
	}

	s.audit.record(ctx, EventPasswordChanged, userID, true, "", nil)
	s.log.Info().Str("user_id", userID).Msg("Password changed successfully")
	return nil
}

// ResetPassword assigns a generated password that must be changed at next
// login and returns it
func (s *UserService) ResetPassword(ctx context.Context, userID, resetBy string) (string, error) {
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return "", storeErr("get user", err)
	}

	pw, err := s.passwords.GenerateRandomPassword(0)
	if err != nil {
		return "", err
	}

	if err := s.setPassword(ctx, userID, pw, true); err != nil {
		return "", err
	}

	s.audit.record(ctx, EventPasswordReset, userID, true, "", map[string]string{"reset_by": resetBy})
	s.log.Info().Str("user_id", userID).Str("reset_by", resetBy).Msg("Password reset")
	return pw, nil
}

func (s *UserService) setPassword(ctx context.Context, userID, pw string, mustChange bool) error {
	if err := s.passwords.ReplacePassword(ctx, userID, pw, mustChange); err != nil {
		return err
	}
	if _, err := s.sessions.LogoutAll(ctx, userID); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to revoke sessions after password change")
	}
	return nil
}

// EnrollAuthenticator stores a new authenticator secret, switches the user to
// the authenticator channel and returns the provisioning URL
func (s *UserService) EnrollAuthenticator(ctx context.Context, userID string) (string, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return "", storeErr("get user", err)
	}

	key, err := s.twoFactor.Enroll(user)
	if err != nil {
		return "", err
	}

	secret := key.Secret()
	if err := s.users.SetTwoFactor(ctx, userID, repository.ChannelAuthenticator, &secret); err != nil {
		return "", storeErr("enable authenticator", err)
	}

	s.log.Info().Str("user_id", userID).Msg("Authenticator enrolled")
	return key.URL(), nil
}

// SetTwoFactor selects the SMS or email channel, or disables two-factor with
// ChannelNone. Switching away from the authenticator drops its secret.
func (s *UserService) SetTwoFactor(ctx context.Context, userID, channel string) error {
	switch channel {
	case repository.ChannelNone, repository.ChannelSMS, repository.ChannelEmail:
	case repository.ChannelAuthenticator:
		return fmt.Errorf("%w: enrol an authenticator instead", ErrInvalidArgument)
	default:
		return fmt.Errorf("%w: unsupported two-factor channel %q", ErrInvalidArgument, channel)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return storeErr("get user", err)
	}
	if channel == repository.ChannelSMS && (user.Phone == nil || *user.Phone == "") {
		return fmt.Errorf("%w: no phone number on file", ErrInvalidArgument)
	}

	if err := s.users.SetTwoFactor(ctx, userID, channel, nil); err != nil {
		return storeErr("set two-factor channel", err)
	}

	s.log.Info().Str("user_id", userID).Str("channel", channel).Msg("Two-factor channel updated")
	return nil
}

// DeactivateUser deactivates a user account and ends its sessions
func (s *UserService) DeactivateUser(ctx context.Context, userID, deactivatedBy string) error {
	s.log.Info().
		Str("user_id", userID).
		Str("deactivated_by", deactivatedBy).
		Msg("Deactivating user")

	if err := s.users.SetStatus(ctx, userID, repository.UserStatusInactive, deactivatedBy); err != nil {
		s.log.Error().Err(err).Msg("Failed to deactivate user")
		return storeErr("deactivate user", err)
	}
	if _, err := s.sessions.LogoutAll(ctx, userID); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to revoke sessions of deactivated user")
	}

	s.log.Info().Str("user_id", userID).Msg("User deactivated successfully")
	return nil
}
