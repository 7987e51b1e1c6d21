package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-edu-identity/internal/repository"
)

func TestLockoutTracker_LockAndUnlock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user := env.createUser(t, "lock@school.test")

	locked, err := env.lockout.IsLocked(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, locked)

	ep, err := env.lockout.Lock(ctx, user.ID, "", nil, "10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, repository.LockReasonAdministrative, ep.Reason)
	require.NotNil(t, ep.EndsAt)
	assert.Equal(t, env.clock.Now().Add(DefaultLockDuration), *ep.EndsAt)

	locked, err = env.lockout.IsLocked(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, locked)

	closed, err := env.lockout.Unlock(ctx, user.ID, "admin-1")
	require.NoError(t, err)
	assert.True(t, closed)

	locked, err = env.lockout.IsLocked(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, locked)

	// unlocking again is not an error
	closed, err = env.lockout.Unlock(ctx, user.ID, "admin-1")
	require.NoError(t, err)
	assert.False(t, closed)

	history, err := env.lockout.History(ctx, user.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].IsActive)
	require.NotNil(t, history[0].UnlockedBy)
	assert.Equal(t, "admin-1", *history[0].UnlockedBy)
}

func TestLockoutTracker_ExpiresLazily(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user := env.createUser(t, "expiry@school.test")

	until := env.clock.Now().Add(time.Hour)
	_, err := env.lockout.Lock(ctx, user.ID, "", &until, "")
	require.NoError(t, err)

	env.clock.Advance(59 * time.Minute)
	locked, err := env.lockout.IsLocked(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, locked)

	env.clock.Advance(time.Minute)
	locked, err = env.lockout.IsLocked(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, locked)

	status, err := env.lockout.Status(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, status.Locked)
	assert.Nil(t, status.Episode)
}

func TestLockoutTracker_LockRejectsPastEnd(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "past@school.test")

	past := env.clock.Now().Add(-time.Minute)
	_, err := env.lockout.Lock(context.Background(), user.ID, "", &past, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	now := env.clock.Now()
	_, err = env.lockout.Lock(context.Background(), user.ID, "", &now, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestLockoutTracker_LockExtendsActiveEpisode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user := env.createUser(t, "extend@school.test")

	first := env.clock.Now().Add(time.Hour)
	_, err := env.lockout.Lock(ctx, user.ID, "", &first, "")
	require.NoError(t, err)

	second := env.clock.Now().Add(3 * time.Hour)
	_, err = env.lockout.Lock(ctx, user.ID, "", &second, "")
	require.NoError(t, err)

	history, err := env.lockout.History(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, second, *history[0].EndsAt)
}

func TestLockoutTracker_RecordFailedAttempt(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user := env.createUser(t, "counter@school.test")

	for i := 1; i < 3; i++ {
		count, locked, err := env.lockout.RecordFailedAttempt(ctx, user.ID, 3, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, i, count)
		assert.False(t, locked)
	}

	count, locked, err := env.lockout.RecordFailedAttempt(ctx, user.ID, 3, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.True(t, locked)

	status, err := env.lockout.Status(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, status.Locked)
	assert.Equal(t, repository.LockReasonFailedAttempts, status.Episode.Reason)

	_, err = env.lockout.Unlock(ctx, user.ID, "admin-1")
	require.NoError(t, err)

	status, err = env.lockout.Status(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, status.FailedAttempts)
}

func TestLockoutTracker_ResetFailures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user := env.createUser(t, "reset@school.test")

	_, _, err := env.lockout.RecordFailedAttempt(ctx, user.ID, 5, "")
	require.NoError(t, err)
	require.NoError(t, env.lockout.ResetFailures(ctx, user.ID))

	status, err := env.lockout.Status(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, status.FailedAttempts)
}
