package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-edu-identity/internal/repository"
)

func TestUserService_CreateUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	user := env.createUser(t, "Maths.Teacher@School.test")
	assert.Equal(t, "maths.teacher@school.test", user.Email)
	assert.True(t, user.IsFirstLogin)
	assert.True(t, user.IsActive())
	require.NotNil(t, user.PasswordChangedAt)
	assert.NotEqual(t, goodPassword, user.PasswordHash)
	assert.Equal(t, 1, env.store.History().Count(user.ID))

	_, err := env.users.CreateUser(ctx, &CreateUserRequest{EntityID: "school-1", Email: "maths.teacher@school.test", Password: otherPassword})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = env.users.CreateUser(ctx, &CreateUserRequest{EntityID: "school-1", Email: "weak@school.test", Password: "password"})
	assert.ErrorIs(t, err, ErrPolicyViolation)

	_, err = env.users.CreateUser(ctx, &CreateUserRequest{EntityID: "school-1", Password: goodPassword})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = env.users.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserService_ChangePassword(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user := env.createUser(t, "changer@school.test")

	resp, err := env.login(t, "changer@school.test", goodPassword)
	require.NoError(t, err)

	err = env.users.ChangePassword(ctx, user.ID, wrongPassword, otherPassword)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = env.users.ChangePassword(ctx, user.ID, goodPassword, "short1!")
	assert.ErrorIs(t, err, ErrPolicyViolation)

	err = env.users.ChangePassword(ctx, user.ID, goodPassword, goodPassword)
	assert.ErrorIs(t, err, ErrPasswordReused)

	require.NoError(t, env.users.ChangePassword(ctx, user.ID, goodPassword, otherPassword))

	// every session ends with the old credential
	_, err = env.auth.RefreshToken(ctx, resp.Tokens.RefreshToken, "")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = env.login(t, "changer@school.test", goodPassword)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	again, err := env.login(t, "changer@school.test", otherPassword)
	require.NoError(t, err)
	assert.False(t, again.RequiresPasswordChange)

	assert.Len(t, env.store.Audit().Events(EventPasswordChanged), 1)
}

func TestUserService_ChangePasswordUnreadableHash(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user := env.createUser(t, "corrupt@school.test")

	ok, err := env.store.Users().Rehash(ctx, user.ID, user.PasswordHash, "not-a-phc-string")
	require.NoError(t, err)
	require.True(t, ok)

	err = env.users.ChangePassword(ctx, user.ID, goodPassword, otherPassword)
	assert.ErrorIs(t, err, ErrInternal)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestUserService_ResetPasswordUpdatesHashAndHistoryTogether(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user := env.createUser(t, "reset-atomic@school.test")
	env.clock.Advance(time.Hour)

	temp, err := env.users.ResetPassword(ctx, user.ID, "admin-1")
	require.NoError(t, err)

	got, err := env.store.Users().GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.MustChangePassword)
	require.NotNil(t, got.PasswordChangedAt)
	assert.Equal(t, env.clock.Now(), *got.PasswordChangedAt)
	assert.Equal(t, 2, env.store.History().Count(user.ID))

	reused, err := env.passwords.IsReused(ctx, user.ID, temp)
	require.NoError(t, err)
	assert.True(t, reused)

	_, err = env.users.ResetPassword(ctx, "missing-user", "admin-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserService_ResetPassword(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user := env.createUser(t, "forgetful@school.test")

	generated, err := env.users.ResetPassword(ctx, user.ID, "admin-1")
	require.NoError(t, err)
	assert.True(t, env.passwords.ValidatePolicy(generated))

	resp, err := env.login(t, "forgetful@school.test", generated)
	require.NoError(t, err)
	assert.True(t, resp.RequiresPasswordChange)

	stored, err := env.users.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, stored.MustChangePassword)

	_, err = env.users.ResetPassword(ctx, "missing", "admin-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserService_SetTwoFactor(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user := env.createUser(t, "no-phone@school.test")

	assert.ErrorIs(t, env.users.SetTwoFactor(ctx, user.ID, repository.ChannelSMS), ErrInvalidArgument)
	assert.ErrorIs(t, env.users.SetTwoFactor(ctx, user.ID, repository.ChannelAuthenticator), ErrInvalidArgument)
	assert.ErrorIs(t, env.users.SetTwoFactor(ctx, user.ID, "fax"), ErrInvalidArgument)

	require.NoError(t, env.users.SetTwoFactor(ctx, user.ID, repository.ChannelEmail))
	resp, err := env.login(t, "no-phone@school.test", goodPassword)
	require.NoError(t, err)
	assert.True(t, resp.TwoFactorRequired)
	assert.Equal(t, repository.ChannelEmail, resp.TwoFactorChannel)

	require.NoError(t, env.users.SetTwoFactor(ctx, user.ID, repository.ChannelNone))
	resp, err = env.login(t, "no-phone@school.test", goodPassword)
	require.NoError(t, err)
	assert.False(t, resp.TwoFactorRequired)
}

func TestUserService_ListUsers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		env.createUser(t, fmt.Sprintf("user%d@school.test", i))
	}
	_, err := env.users.CreateUser(ctx, &CreateUserRequest{EntityID: "school-2", Email: "elsewhere@school.test", Password: goodPassword})
	require.NoError(t, err)

	users, err := env.users.ListUsers(ctx, "school-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, "user0@school.test", users[0].Email)

	users, err = env.users.ListUsers(ctx, "school-1", 2, 2)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestUserService_DeactivateUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user := env.createUser(t, "leaver@school.test")

	resp, err := env.login(t, "leaver@school.test", goodPassword)
	require.NoError(t, err)

	require.NoError(t, env.users.DeactivateUser(ctx, user.ID, "admin-1"))

	_, err = env.auth.ValidateAccessToken(ctx, resp.Tokens.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = env.auth.RefreshToken(ctx, resp.Tokens.RefreshToken, "")
	assert.ErrorIs(t, err, ErrInvalidToken)

	assert.ErrorIs(t, env.users.DeactivateUser(ctx, "missing", "admin-1"), ErrNotFound)
}
