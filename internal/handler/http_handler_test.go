package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-edu-identity/internal/metrics"
	"github.com/pesio-ai/be-edu-identity/internal/permission"
	"github.com/pesio-ai/be-edu-identity/internal/repository"
	"github.com/pesio-ai/be-edu-identity/internal/repository/memory"
	"github.com/pesio-ai/be-edu-identity/internal/service"
	jwtpkg "github.com/pesio-ai/be-edu-identity/pkg/jwt"
	"github.com/pesio-ai/be-edu-identity/pkg/logger"
	"github.com/pesio-ai/be-edu-identity/pkg/password"
)

const (
	adminPassword = "Adm1n#Harbour9"
	staffPassword = "Tr0ub4dor&Zeb"
)

var (
	keyOnce           sync.Once
	testPriv, testPub string
)

type testServer struct {
	*httptest.Server
	auth  *service.AuthService
	users *service.UserService
	roles *service.RoleService
	store *memory.Store
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()

	keyOnce.Do(func() {
		var err error
		testPriv, testPub, err = jwtpkg.GenerateKeyPair()
		if err != nil {
			panic(err)
		}
	})
	jwtManager, err := jwtpkg.NewManager(testPriv, testPub, 15*time.Minute)
	require.NoError(t, err)

	store := memory.New()
	log := logger.Nop()
	m := metrics.New(prometheus.NewRegistry())
	svcOpts := []service.Option{service.WithMetrics(m)}

	passwords := service.NewPasswordPolicyService(password.DefaultPolicy(), password.NewHasher(password.TestParams()),
		store.Users(), store.History(), service.PolicyConfig{ExpirationWindow: 90 * 24 * time.Hour}, log, svcOpts...)
	lockout := service.NewLockoutTracker(store.Lockouts(), service.LockoutConfig{}, log, svcOpts...)
	anomalies := service.NewAnomalyReporter(store.Audit(), log, svcOpts...)
	sessions := service.NewSessionManager(store.Sessions(), store.Users(), store.Roles(), jwtManager, anomalies,
		service.SessionConfig{}, log, svcOpts...)
	twoFactor := service.NewTwoFactorManager(store.Challenges(), store.Users(), service.NewLogNotifier(log),
		service.TwoFactorConfig{}, log, svcOpts...)
	perms := service.NewPermissionResolver(store.Roles(), nil, log, svcOpts...)

	ts := &testServer{store: store}
	ts.auth = service.NewAuthService(store.Users(), passwords, lockout, sessions, twoFactor, perms, store.Audit(),
		service.AuthConfig{}, log, svcOpts...)
	ts.users = service.NewUserService(store.Users(), passwords, sessions, twoFactor, store.Audit(), log, svcOpts...)
	ts.roles = service.NewRoleService(store.Roles(), permission.Default(), perms, log, svcOpts...)

	opts = append([]Option{WithMetrics(m.Handler())}, opts...)
	h := NewHTTPHandler(ts.auth, ts.users, ts.roles, log, opts...)
	ts.Server = httptest.NewServer(h.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) user(t *testing.T, email, pw string, perms ...string) *repository.User {
	t.Helper()
	ctx := context.Background()

	u, err := ts.users.CreateUser(ctx, &service.CreateUserRequest{
		EntityID:  "school-1",
		Email:     email,
		Password:  pw,
		FirstName: "Test",
		LastName:  "User",
		UserType:  "staff",
	})
	require.NoError(t, err)

	if len(perms) > 0 {
		role, err := ts.roles.CreateRole(ctx, &service.CreateRoleRequest{Name: "role-" + u.ID, Permissions: perms})
		require.NoError(t, err)
		require.NoError(t, ts.roles.AssignRole(ctx, u.ID, role.ID, ""))
	}
	return u
}

func (ts *testServer) token(t *testing.T, email, pw string) string {
	t.Helper()
	var body authResponse
	resp := ts.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: email, Password: pw}, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body.AccessToken)
	return body.AccessToken
}

func (ts *testServer) do(t *testing.T, method, path, token string, in, out any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if in != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(in))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set(authHeader, bearer+token)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestLoginAndMe(t *testing.T) {
	ts := newTestServer(t)
	u := ts.user(t, "Teacher@School.test", staffPassword)

	var login authResponse
	resp := ts.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "teacher@school.test", Password: staffPassword}, &login)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, login.Success)
	assert.NotEmpty(t, login.RefreshToken)
	assert.NotEmpty(t, login.SessionToken)
	require.NotNil(t, login.User)
	assert.Equal(t, u.ID, login.User.ID)

	var me userResponse
	resp = ts.do(t, http.MethodGet, "/v1/me", login.AccessToken, nil, &me)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "teacher@school.test", me.Email)
}

func TestLoginFailures(t *testing.T) {
	ts := newTestServer(t)
	ts.user(t, "staff@school.test", staffPassword)

	var body authResponse
	resp := ts.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "staff@school.test", Password: "Wrong#Guess42x"}, &body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, body.Success)
	assert.Equal(t, []string{"invalid_credentials"}, body.Errors)

	// unknown users get the same answer
	var unknown authResponse
	resp = ts.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "nobody@school.test", Password: staffPassword}, &unknown)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, body.Message, unknown.Message)

	resp = ts.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{"user": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLockedLogin(t *testing.T) {
	ts := newTestServer(t)
	u := ts.user(t, "staff@school.test", staffPassword)

	_, err := ts.auth.LockAccount(context.Background(), u.ID, "investigation", nil, "")
	require.NoError(t, err)

	var body authResponse
	resp := ts.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "staff@school.test", Password: staffPassword}, &body)
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	assert.Equal(t, []string{"account_locked"}, body.Errors)
}

func TestRequireAuth(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/me", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set(authHeader, tt.header)
			}
			resp, err := ts.Client().Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestRefreshAndLogout(t *testing.T) {
	ts := newTestServer(t)
	ts.user(t, "staff@school.test", staffPassword)

	var login authResponse
	ts.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "staff@school.test", Password: staffPassword}, &login)

	var pair tokenResponse
	resp := ts.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: login.RefreshToken}, &pair)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.NotEqual(t, login.RefreshToken, pair.RefreshToken)

	// the consumed token is dead
	resp = ts.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: login.RefreshToken}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var out map[string]bool
	resp = ts.do(t, http.MethodPost, "/v1/auth/logout-all", pair.AccessToken, nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out["revoked"])

	// access tokens of revoked sessions are rejected
	resp = ts.do(t, http.MethodGet, "/v1/me", pair.AccessToken, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPermissionRequired(t *testing.T) {
	ts := newTestServer(t)
	staff := ts.user(t, "staff@school.test", staffPassword)
	ts.user(t, "admin@school.test", adminPassword, permission.AccountsLock, permission.AccountsView)

	staffToken := ts.token(t, "staff@school.test", staffPassword)
	resp := ts.do(t, http.MethodPost, "/v1/accounts/"+staff.ID+"/lock", staffToken, lockRequest{Reason: "x"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	adminToken := ts.token(t, "admin@school.test", adminPassword)

	var locked map[string]bool
	resp = ts.do(t, http.MethodPost, "/v1/accounts/"+staff.ID+"/lock", adminToken, lockRequest{Reason: "investigation"}, &locked)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, locked["locked"])

	var status lockStatusResponse
	resp = ts.do(t, http.MethodGet, "/v1/accounts/"+staff.ID+"/lock", adminToken, nil, &status)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, status.Locked)
	require.NotNil(t, status.Lockout)
	assert.Equal(t, "investigation", status.Lockout.Reason)

	// the lock revoked the staff sessions
	resp = ts.do(t, http.MethodGet, "/v1/me", staffToken, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/v1/accounts/"+staff.ID+"/unlock", adminToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ts.token(t, "staff@school.test", staffPassword)

	var history struct {
		Lockouts []lockoutResponse `json:"lockouts"`
	}
	resp = ts.do(t, http.MethodGet, "/v1/accounts/"+staff.ID+"/lockouts", adminToken, nil, &history)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, history.Lockouts, 1)
	assert.False(t, history.Lockouts[0].Active)
	require.NotNil(t, history.Lockouts[0].UnlockedBy)
	assert.NotNil(t, history.Lockouts[0].UnlockedAt)

	resp = ts.do(t, http.MethodGet, "/v1/accounts/"+staff.ID+"/lockouts?limit=0", adminToken, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// a lock in the past is rejected
	past := time.Now().Add(-time.Hour)
	resp = ts.do(t, http.MethodPost, "/v1/accounts/"+staff.ID+"/lock", adminToken, lockRequest{Until: &past}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChangeExpiredPassword(t *testing.T) {
	ts := newTestServer(t)
	u := ts.user(t, "expired@school.test", staffPassword)
	require.NoError(t, ts.store.History().Append(context.Background(), &repository.PasswordHistoryEntry{
		UserID: u.ID, PasswordHash: u.PasswordHash, CreatedAt: time.Now().Add(-100 * 24 * time.Hour),
	}, 5))

	resp := ts.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: u.Email, Password: staffPassword}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	change := func(current, next string) int {
		req := expiredPasswordRequest{Email: u.Email, CurrentPassword: current, NewPassword: next}
		return ts.do(t, http.MethodPost, "/v1/auth/password/expired", "", req, nil).StatusCode
	}
	assert.Equal(t, http.StatusUnauthorized, change("Wrong#Guess42x", adminPassword))
	assert.Equal(t, http.StatusBadRequest, change(staffPassword, staffPassword))
	assert.Equal(t, http.StatusNoContent, change(staffPassword, adminPassword))

	ts.token(t, u.Email, adminPassword)

	// a current password cannot be replaced without a session
	assert.Equal(t, http.StatusBadRequest, change(adminPassword, "Gl4cier#Maple7"))

	resp = ts.do(t, http.MethodPost, "/v1/auth/password/expired", "", map[string]string{"email": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUserAdministration(t *testing.T) {
	ts := newTestServer(t)
	ts.user(t, "admin@school.test", adminPassword, permission.AccountsManage, permission.AccountsView)
	token := ts.token(t, "admin@school.test", adminPassword)

	var created userResponse
	resp := ts.do(t, http.MethodPost, "/v1/users", token, createUserRequest{
		Email:     "Bursar@School.test",
		Password:  staffPassword,
		FirstName: "Grace",
		LastName:  "Eze",
		UserType:  "staff",
	}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "bursar@school.test", created.Email)
	assert.Equal(t, "school-1", created.EntityID)

	resp = ts.do(t, http.MethodPost, "/v1/users", token, createUserRequest{Email: "bursar@school.test", Password: staffPassword}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/v1/users", token, createUserRequest{Email: "weak@school.test", Password: "password"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var list struct {
		Users []userResponse `json:"users"`
	}
	resp = ts.do(t, http.MethodGet, "/v1/users?limit=10", token, nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list.Users, 2)

	resp = ts.do(t, http.MethodGet, "/v1/users?limit=ten", token, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/users/missing", token, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var reset struct {
		TemporaryPassword string `json:"temporary_password"`
	}
	resp = ts.do(t, http.MethodPost, "/v1/users/"+created.ID+"/password/reset", token, nil, &reset)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, reset.TemporaryPassword)

	var login authResponse
	resp = ts.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "bursar@school.test", Password: reset.TemporaryPassword}, &login)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, login.RequiresPasswordChange)

	var generated map[string]string
	resp = ts.do(t, http.MethodGet, "/v1/passwords/generate?length=16", token, nil, &generated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, generated["password"], 16)

	resp = ts.do(t, http.MethodPost, "/v1/users/"+created.ID+"/deactivate", token, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "bursar@school.test", Password: reset.TemporaryPassword}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRolesAndOverrides(t *testing.T) {
	ts := newTestServer(t)
	ts.user(t, "admin@school.test", adminPassword, permission.RolesManage)
	staff := ts.user(t, "staff@school.test", staffPassword)
	admin := ts.token(t, "admin@school.test", adminPassword)

	var role roleResponse
	resp := ts.do(t, http.MethodPost, "/v1/roles", admin, createRoleRequest{
		Name:        "registrar",
		Permissions: []string{permission.AccountsView},
	}, &role)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/v1/roles", admin, createRoleRequest{Name: "bad", Permissions: []string{"Accounts.Everything"}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/v1/users/"+staff.ID+"/roles", admin, assignRoleRequest{RoleID: role.ID}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	staffToken := ts.token(t, "staff@school.test", staffPassword)

	var granted map[string]bool
	resp = ts.do(t, http.MethodGet, "/v1/me/permissions/"+permission.AccountsView, staffToken, nil, &granted)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, granted["granted"])

	// a deny override beats the role grant
	resp = ts.do(t, http.MethodPut, "/v1/users/"+staff.ID+"/overrides/"+permission.AccountsView, admin, overrideRequest{Grant: false, Reason: "audit"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/me/permissions/"+permission.AccountsView, staffToken, nil, &granted)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, granted["granted"])

	resp = ts.do(t, http.MethodDelete, "/v1/users/"+staff.ID+"/overrides/"+permission.AccountsView, admin, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var mine struct {
		Permissions []string `json:"permissions"`
	}
	resp = ts.do(t, http.MethodGet, "/v1/me/permissions", staffToken, nil, &mine)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{permission.AccountsView}, mine.Permissions)

	var got struct {
		Role        roleResponse `json:"role"`
		Permissions []string     `json:"permissions"`
	}
	resp = ts.do(t, http.MethodGet, "/v1/roles/"+role.ID, admin, nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "registrar", got.Role.Name)
	assert.Equal(t, []string{permission.AccountsView}, got.Permissions)

	resp = ts.do(t, http.MethodDelete, "/v1/roles/"+role.ID+"/permissions/"+permission.AccountsView, admin, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/me/permissions/"+permission.AccountsView, staffToken, nil, &granted)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, granted["granted"])
}

func TestChangePassword(t *testing.T) {
	ts := newTestServer(t)
	ts.user(t, "staff@school.test", staffPassword)
	token := ts.token(t, "staff@school.test", staffPassword)

	resp := ts.do(t, http.MethodPost, "/v1/me/password", token, changePasswordRequest{
		CurrentPassword: "Wrong#Guess42x",
		NewPassword:     "Gl4cier#Maple7",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/v1/me/password", token, changePasswordRequest{
		CurrentPassword: staffPassword,
		NewPassword:     "Gl4cier#Maple7",
	}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	ts.token(t, "staff@school.test", "Gl4cier#Maple7")
}

func TestValidatePassword(t *testing.T) {
	ts := newTestServer(t)

	var out map[string]bool
	ts.do(t, http.MethodPost, "/v1/passwords/validate", "", passwordRequest{Password: staffPassword}, &out)
	assert.True(t, out["valid"])

	ts.do(t, http.MethodPost, "/v1/passwords/validate", "", passwordRequest{Password: "short"}, &out)
	assert.False(t, out["valid"])
}

func TestTwoFactorEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.user(t, "staff@school.test", staffPassword)
	token := ts.token(t, "staff@school.test", staffPassword)

	var issued map[string]any
	resp := ts.do(t, http.MethodPost, "/v1/auth/two-factor/issue", token, issueTwoFactorRequest{Channel: "email"}, &issued)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, issued["challenge_id"])
	assert.NotContains(t, issued, "code")

	var out map[string]bool
	resp = ts.do(t, http.MethodPost, "/v1/auth/two-factor/validate", token, validateTwoFactorRequest{Code: "abcdef", Channel: "email"}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, out["valid"])

	resp = ts.do(t, http.MethodPost, "/v1/auth/two-factor/issue", token, issueTwoFactorRequest{Channel: "pigeon"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestThrottle(t *testing.T) {
	ts := newTestServer(t, WithRateLimit(0.001, 2))

	for i := 0; i < 2; i++ {
		resp := ts.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "a@b.c", Password: "x"}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	resp := ts.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "a@b.c", Password: "x"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// unthrottled routes are unaffected
	resp = ts.do(t, http.MethodPost, "/v1/passwords/validate", "", passwordRequest{Password: "x"}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIPLimiter(t *testing.T) {
	now := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	l := newIPLimiter(1, 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))

	now = now.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.1"))

	// idle buckets are swept
	now = now.Add(10 * time.Minute)
	l.Allow("10.0.0.3")
	assert.Len(t, l.buckets, 1)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:4711"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "192.0.2.1", (&HTTPHandler{}).clientIP(r))
	assert.Equal(t, "203.0.113.9", (&HTTPHandler{trustProxy: true}).clientIP(r))
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/readyz", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/metrics", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := newTestServer(t, WithReadiness(func(context.Context) error { return errors.New("db down") }))
	resp = down.do(t, http.MethodGet, "/readyz", "", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestExtractBearerToken(t *testing.T) {
	tok, err := extractBearerToken("bearer abc.def")
	require.NoError(t, err)
	assert.Equal(t, "abc.def", tok)

	for _, h := range []string{"", "Bearer ", "Token abc"} {
		_, err := extractBearerToken(h)
		assert.Error(t, err, h)
	}
}
