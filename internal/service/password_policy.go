package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pesio-ai/be-edu-identity/internal/repository"
	"github.com/pesio-ai/be-edu-identity/pkg/logger"
	"github.com/pesio-ai/be-edu-identity/pkg/password"
)

const DefaultHistorySize = 5

type PolicyConfig struct {
	// HistorySize is how many previous hashes are retained and checked for reuse
	HistorySize int
	// ExpirationWindow of zero or less disables expiry
	ExpirationWindow time.Duration
}

// PasswordPolicyService validates candidates, tracks history and expiry
type PasswordPolicyService struct {
	policy  *password.Policy
	hasher  *password.Hasher
	users   UserStore
	history PasswordHistoryStore
	cfg     PolicyConfig
	log     *logger.Logger
	opts    options
}

func NewPasswordPolicyService(
	policy *password.Policy,
	hasher *password.Hasher,
	users UserStore,
	history PasswordHistoryStore,
	cfg PolicyConfig,
	log *logger.Logger,
	opts ...Option,
) *PasswordPolicyService {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	return &PasswordPolicyService{
		policy:  policy,
		hasher:  hasher,
		users:   users,
		history: history,
		cfg:     cfg,
		log:     log,
		opts:    buildOptions(opts),
	}
}

// ValidatePolicy runs every policy check; any failure yields false
func (s *PasswordPolicyService) ValidatePolicy(candidate string) bool {
	return s.policy.Validate(candidate)
}

// IsReused verifies candidate against the most recent history hashes and
// stops at the first match
func (s *PasswordPolicyService) IsReused(ctx context.Context, userID, candidate string) (bool, error) {
	hashes, err := s.history.Recent(ctx, userID, s.cfg.HistorySize)
	if err != nil {
		return false, storeErr("load password history", err)
	}

	for _, h := range hashes {
		match, err := s.Verify(candidate, h)
		if err != nil {
			// a malformed entry cannot match; keep checking the rest
			s.log.Warn().Err(err).Str("user_id", userID).Msg("Unreadable password history entry")
			continue
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// RecordPasswordChange appends newHash to the history, prunes it to the
// configured size and stamps the change time
func (s *PasswordPolicyService) RecordPasswordChange(ctx context.Context, userID, newHash string) error {
	entry := &repository.PasswordHistoryEntry{
		UserID:       userID,
		PasswordHash: newHash,
		CreatedAt:    s.opts.now(),
	}
	if err := s.history.Append(ctx, entry, s.cfg.HistorySize); err != nil {
		return storeErr("record password change", err)
	}
	return nil
}

// ReplacePassword hashes pw and installs it as userID's credential together
// with its history entry
func (s *PasswordPolicyService) ReplacePassword(ctx context.Context, userID, pw string, mustChange bool) error {
	hash, err := s.Hash(pw)
	if err != nil {
		return err
	}
	entry := &repository.PasswordHistoryEntry{
		UserID:       userID,
		PasswordHash: hash,
		CreatedAt:    s.opts.now(),
	}
	if err := s.history.ReplacePassword(ctx, entry, mustChange, s.cfg.HistorySize); err != nil {
		return storeErr("replace password", err)
	}
	return nil
}

// rehashIfStale upgrades a verified password's hash to the current
// parameters. Failures are logged; the login already succeeded.
func (s *PasswordPolicyService) rehashIfStale(ctx context.Context, user *repository.User, pw string) {
	if !s.hasher.NeedsRehash(user.PasswordHash) {
		return
	}
	hash, err := s.Hash(pw)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to rehash password")
		return
	}
	ok, err := s.users.Rehash(ctx, user.ID, user.PasswordHash, hash)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to store rehashed password")
		return
	}
	if ok {
		user.PasswordHash = hash
		s.log.Info().Str("user_id", user.ID).Msg("Password rehashed with current parameters")
	}
}

// IsExpired loads the identity and applies the expiration window
func (s *PasswordPolicyService) IsExpired(ctx context.Context, userID string) (bool, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return false, storeErr("get user", err)
	}
	return s.expired(user), nil
}

func (s *PasswordPolicyService) expired(user *repository.User) bool {
	if s.cfg.ExpirationWindow <= 0 {
		return false
	}
	if user.PasswordChangedAt == nil {
		return true
	}
	return s.opts.now().After(user.PasswordChangedAt.Add(s.cfg.ExpirationWindow))
}

// GenerateRandomPassword returns a password that satisfies the policy.
// A zero length means the default of 12.
func (s *PasswordPolicyService) GenerateRandomPassword(length int) (string, error) {
	pw, err := s.policy.Generate(length)
	if err != nil {
		if errors.Is(err, password.ErrLengthTooShort) {
			return "", fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		return "", err
	}
	return pw, nil
}

// Hash hashes a password with the configured parameters
func (s *PasswordPolicyService) Hash(pw string) (string, error) {
	defer s.opts.metrics.ObserveHash(time.Now())
	h, err := s.hasher.Hash(pw)
	if err != nil {
		return "", fmt.Errorf("%w: hash password: %w", ErrInternal, err)
	}
	return h, nil
}

// Verify compares a password against an encoded hash in constant time
func (s *PasswordPolicyService) Verify(pw, encoded string) (bool, error) {
	defer s.opts.metrics.ObserveHash(time.Now())
	return s.hasher.Verify(pw, encoded)
}

// checkCandidate is the gate every new credential passes: policy, then reuse
func (s *PasswordPolicyService) checkCandidate(ctx context.Context, userID, candidate string) error {
	if !s.ValidatePolicy(candidate) {
		return ErrPolicyViolation
	}
	if userID == "" {
		return nil
	}
	reused, err := s.IsReused(ctx, userID, candidate)
	if err != nil {
		return err
	}
	if reused {
		return ErrPasswordReused
	}
	return nil
}
