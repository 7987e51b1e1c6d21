package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-edu-identity/internal/repository"
	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

const DefaultLockDuration = 24 * time.Hour

type LockoutConfig struct {
	// Duration applies when a lock is requested without an explicit end
	Duration time.Duration
}

// LockStatus is the current lock state of one identity
type LockStatus struct {
	Locked         bool
	Episode        *repository.LockoutEpisode
	FailedAttempts int
}

// LockoutTracker is the only writer of lockout episodes and failed-attempt
// counters. Lock expiry is evaluated lazily when the state is read.
type LockoutTracker struct {
	store LockoutStore
	cfg   LockoutConfig
	log   *logger.Logger
	opts  options
}

func NewLockoutTracker(store LockoutStore, cfg LockoutConfig, log *logger.Logger, opts ...Option) *LockoutTracker {
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultLockDuration
	}
	return &LockoutTracker{
		store: store,
		cfg:   cfg,
		log:   log,
		opts:  buildOptions(opts),
	}
}

// IsLocked reports whether an active episode blocks authentication now
func (t *LockoutTracker) IsLocked(ctx context.Context, userID string) (bool, error) {
	ep, err := t.activeEpisode(ctx, userID)
	if err != nil {
		return false, err
	}
	return ep != nil, nil
}

// activeEpisode returns the blocking episode or nil, retiring an elapsed one
func (t *LockoutTracker) activeEpisode(ctx context.Context, userID string) (*repository.LockoutEpisode, error) {
	ep, err := t.store.ActiveEpisode(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, storeErr("get lockout state", err)
	}

	now := t.opts.now()
	if ep.LockedAt(now) {
		return ep, nil
	}

	if err := t.store.CloseEpisode(ctx, ep.ID, now); err != nil {
		// the episode has elapsed either way
		t.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to close expired lockout")
	}
	return nil, nil
}

// Lock opens an episode or overwrites the end of the active one. A nil
// until means now plus the configured duration.
func (t *LockoutTracker) Lock(ctx context.Context, userID, reason string, until *time.Time, address string) (*repository.LockoutEpisode, error) {
	now := t.opts.now()

	end := now.Add(t.cfg.Duration)
	if until != nil {
		if !until.After(now) {
			return nil, fmt.Errorf("%w: lock end %s is not in the future", ErrInvalidArgument, until.Format(time.RFC3339))
		}
		end = *until
	}
	if reason == "" {
		reason = repository.LockReasonAdministrative
	}

	ep := &repository.LockoutEpisode{
		UserID:    userID,
		StartedAt: now,
		EndsAt:    &end,
		Reason:    reason,
	}
	if address != "" {
		ep.IPAddress = &address
	}

	if err := t.store.Lock(ctx, ep); err != nil {
		return nil, storeErr("lock account", err)
	}

	t.opts.metrics.Lockout(reason)
	t.log.Warn().
		Str("user_id", userID).
		Str("reason", reason).
		Time("ends_at", end).
		Msg("Account locked")

	return ep, nil
}

// Unlock closes the active episode and clears the counter. Unlocking an
// unlocked identity succeeds and reports false.
func (t *LockoutTracker) Unlock(ctx context.Context, userID, unlockedBy string) (bool, error) {
	closed, err := t.store.Unlock(ctx, userID, unlockedBy, t.opts.now())
	if err != nil {
		return false, storeErr("unlock account", err)
	}
	if closed {
		t.log.Info().Str("user_id", userID).Str("unlocked_by", unlockedBy).Msg("Account unlocked")
	}
	return closed, nil
}

// RecordFailedAttempt counts a failed login. When the count reaches threshold
// the identity is locked for the configured duration in the same store call.
func (t *LockoutTracker) RecordFailedAttempt(ctx context.Context, userID string, threshold int, address string) (int, bool, error) {
	now := t.opts.now()

	count, locked, err := t.store.RecordFailure(ctx, userID, threshold, now.Add(t.cfg.Duration), address, now)
	if err != nil {
		return 0, false, storeErr("record failed attempt", err)
	}

	if locked {
		t.opts.metrics.Lockout(repository.LockReasonFailedAttempts)
		t.log.Warn().
			Str("user_id", userID).
			Str("ip_address", address).
			Int("failed_attempts", count).
			Msg("Account locked after repeated failed logins")
	}
	return count, locked, nil
}

// ResetFailures clears the failed-attempt counter after a successful login
func (t *LockoutTracker) ResetFailures(ctx context.Context, userID string) error {
	if err := t.store.ResetFailures(ctx, userID); err != nil {
		return storeErr("reset failed attempts", err)
	}
	return nil
}

// Status returns lock state together with the current counter
func (t *LockoutTracker) Status(ctx context.Context, userID string) (*LockStatus, error) {
	ep, err := t.activeEpisode(ctx, userID)
	if err != nil {
		return nil, err
	}

	count, err := t.store.FailedAttempts(ctx, userID)
	if err != nil {
		return nil, storeErr("get failed attempts", err)
	}

	return &LockStatus{
		Locked:         ep != nil,
		Episode:        ep,
		FailedAttempts: count,
	}, nil
}

// History lists past and current episodes, newest first
func (t *LockoutTracker) History(ctx context.Context, userID string, limit int) ([]*repository.LockoutEpisode, error) {
	if limit <= 0 {
		limit = 20
	}
	episodes, err := t.store.History(ctx, userID, limit)
	if err != nil {
		return nil, storeErr("list lockouts", err)
	}
	return episodes, nil
}
