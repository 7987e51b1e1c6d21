package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/pesio-ai/be-edu-identity/internal/metrics"
	"github.com/pesio-ai/be-edu-identity/internal/repository"
	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

const (
	DefaultCodeLength       = 6
	DefaultChallengeTTL     = 5 * time.Minute
	DefaultMaxCodeAttempts  = 5
	DefaultTwoFactorIssuer  = "School Records"
	authenticatorPeriodSecs = 30
)

type TwoFactorConfig struct {
	CodeLength  int
	TTL         time.Duration
	MaxAttempts int
	// Issuer labels authenticator enrolments
	Issuer string
}

// Challenge is an issued one-time challenge. Code is empty for the
// authenticator channel, where the code comes from the user's device.
type Challenge struct {
	ID         string
	Channel    string
	Code       string
	LoginToken string
	ExpiresAt  time.Time
}

// TwoFactorManager issues and validates one-time challenges. The attempt cap
// is checked before any code comparison.
type TwoFactorManager struct {
	challenges ChallengeStore
	users      UserStore
	notifier   Notifier
	cfg        TwoFactorConfig
	log        *logger.Logger
	opts       options
}

func NewTwoFactorManager(
	challenges ChallengeStore,
	users UserStore,
	notifier Notifier,
	cfg TwoFactorConfig,
	log *logger.Logger,
	opts ...Option,
) *TwoFactorManager {
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = DefaultCodeLength
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultChallengeTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxCodeAttempts
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultTwoFactorIssuer
	}
	return &TwoFactorManager{
		challenges: challenges,
		users:      users,
		notifier:   notifier,
		cfg:        cfg,
		log:        log,
		opts:       buildOptions(opts),
	}
}

// Issue creates a challenge for userID on channel and hands SMS and email
// codes to the notifier. Earlier open challenges on the channel are retired.
func (m *TwoFactorManager) Issue(ctx context.Context, userID, channel, address string) (*Challenge, error) {
	user, err := m.users.GetByID(ctx, userID)
	if err != nil {
		return nil, storeErr("get user", err)
	}
	return m.issue(ctx, user, channel, address, false)
}

// issueForLogin binds the challenge to a transport token for CompleteTwoFactor
func (m *TwoFactorManager) issueForLogin(ctx context.Context, user *repository.User, address string) (*Challenge, error) {
	return m.issue(ctx, user, user.TwoFactorChannel, address, true)
}

func (m *TwoFactorManager) issue(ctx context.Context, user *repository.User, channel, address string, login bool) (*Challenge, error) {
	if !validChannel(channel) {
		return nil, fmt.Errorf("%w: unsupported two-factor channel %q", ErrInvalidArgument, channel)
	}
	if channel == repository.ChannelAuthenticator && user.TwoFactorSecret == nil {
		return nil, fmt.Errorf("%w: no authenticator enrolled", ErrInvalidArgument)
	}

	now := m.opts.now()
	ch := &repository.TwoFactorChallenge{
		UserID:    user.ID,
		Channel:   channel,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
		IPAddress: optional(address),
	}

	var code string
	if channel != repository.ChannelAuthenticator {
		var err error
		if code, err = randomDigits(m.cfg.CodeLength); err != nil {
			return nil, err
		}
		ch.CodeHash = hashCode(code)
	}

	var loginToken string
	if login {
		id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("%w: login token: %w", ErrInternal, err)
		}
		loginToken = id.String()
		ch.LoginToken = &loginToken
	}

	if err := m.challenges.Create(ctx, ch); err != nil {
		return nil, storeErr("create challenge", err)
	}

	if code != "" && m.notifier != nil {
		if err := m.notifier.Deliver(ctx, user, channel, code); err != nil {
			m.log.Error().Err(err).Str("user_id", user.ID).Str("channel", channel).Msg("Failed to deliver verification code")
			return nil, fmt.Errorf("%w: deliver code: %w", ErrInternal, err)
		}
	}

	m.log.Info().Str("user_id", user.ID).Str("channel", channel).Msg("Two-factor challenge issued")

	return &Challenge{
		ID:         ch.ID,
		Channel:    channel,
		Code:       code,
		LoginToken: loginToken,
		ExpiresAt:  ch.ExpiresAt,
	}, nil
}

// Validate checks code against the latest open challenge for userID on
// channel. Every call counts as an attempt; once the cap is exceeded the
// challenge is rejected with ErrTwoFactorAttempts even for a correct code.
func (m *TwoFactorManager) Validate(ctx context.Context, userID, code, channel string) (bool, error) {
	ch, err := m.challenges.Latest(ctx, userID, channel, m.opts.now())
	if err != nil {
		if isNotFound(err) {
			m.opts.metrics.TwoFactor(channel, metrics.OutcomeRejected)
			return false, nil
		}
		return false, storeErr("get challenge", err)
	}

	user, err := m.users.GetByID(ctx, userID)
	if err != nil {
		return false, storeErr("get user", err)
	}

	switch err := m.check(ctx, user, ch, code); {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrTwoFactorInvalid):
		return false, nil
	default:
		return false, err
	}
}

// validateLogin resolves a pending login by its transport token
func (m *TwoFactorManager) validateLogin(ctx context.Context, loginToken, code string) (*repository.User, error) {
	ch, err := m.challenges.GetByLoginToken(ctx, loginToken)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrTwoFactorInvalid
		}
		return nil, storeErr("get challenge", err)
	}

	user, err := m.users.GetByID(ctx, ch.UserID)
	if err != nil {
		return nil, storeErr("get user", err)
	}

	if err := m.check(ctx, user, ch, code); err != nil {
		return user, err
	}
	return user, nil
}

func (m *TwoFactorManager) check(ctx context.Context, user *repository.User, ch *repository.TwoFactorChallenge, code string) error {
	attempts, err := m.challenges.RegisterAttempt(ctx, ch.ID)
	if err != nil {
		return storeErr("register attempt", err)
	}
	if attempts > m.cfg.MaxAttempts {
		m.opts.metrics.TwoFactor(ch.Channel, metrics.OutcomeCapExceeded)
		m.log.Warn().Str("user_id", user.ID).Int("attempts", attempts).Msg("Two-factor attempt cap exceeded")
		return ErrTwoFactorAttempts
	}

	now := m.opts.now()
	if ch.Used || !now.Before(ch.ExpiresAt) {
		m.opts.metrics.TwoFactor(ch.Channel, metrics.OutcomeRejected)
		return ErrTwoFactorInvalid
	}

	if !m.matches(user, ch, code, now) {
		m.opts.metrics.TwoFactor(ch.Channel, metrics.OutcomeInvalid)
		return ErrTwoFactorInvalid
	}

	consumed, err := m.challenges.MarkUsed(ctx, ch.ID)
	if err != nil {
		return storeErr("consume challenge", err)
	}
	if !consumed {
		m.opts.metrics.TwoFactor(ch.Channel, metrics.OutcomeRejected)
		return ErrTwoFactorInvalid
	}

	m.opts.metrics.TwoFactor(ch.Channel, metrics.OutcomeSuccess)
	return nil
}

func (m *TwoFactorManager) matches(user *repository.User, ch *repository.TwoFactorChallenge, code string, now time.Time) bool {
	if code == "" {
		return false
	}
	if ch.Channel == repository.ChannelAuthenticator {
		if user.TwoFactorSecret == nil {
			return false
		}
		ok, err := totp.ValidateCustom(code, *user.TwoFactorSecret, now, totp.ValidateOpts{
			Period:    authenticatorPeriodSecs,
			Skew:      1,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		return err == nil && ok
	}
	return subtle.ConstantTimeCompare([]byte(hashCode(code)), []byte(ch.CodeHash)) == 1
}

// Enroll generates an authenticator secret for user
func (m *TwoFactorManager) Enroll(user *repository.User) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.cfg.Issuer,
		AccountName: user.Email,
		Period:      authenticatorPeriodSecs,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: generate authenticator secret: %w", ErrInternal, err)
	}
	return key, nil
}

func validChannel(channel string) bool {
	switch channel {
	case repository.ChannelSMS, repository.ChannelEmail, repository.ChannelAuthenticator:
		return true
	}
	return false
}

func randomDigits(n int) (string, error) {
	b := make([]byte, n)
	ten := big.NewInt(10)
	for i := range b {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("%w: read random: %w", ErrInternal, err)
		}
		b[i] = byte('0' + d.Int64())
	}
	return string(b), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// logNotifier stands in for SMS and email gateways. It never logs the code.
type logNotifier struct {
	log *logger.Logger
}

// NewLogNotifier returns a Notifier that only records that a code was sent
func NewLogNotifier(log *logger.Logger) Notifier {
	return &logNotifier{log: log}
}

func (n *logNotifier) Deliver(_ context.Context, user *repository.User, channel, _ string) error {
	n.log.Info().Str("user_id", user.ID).Str("channel", channel).Msg("Verification code dispatched")
	return nil
}
