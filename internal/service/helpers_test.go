package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-edu-identity/internal/metrics"
	"github.com/pesio-ai/be-edu-identity/internal/permission"
	"github.com/pesio-ai/be-edu-identity/internal/repository"
	"github.com/pesio-ai/be-edu-identity/internal/repository/memory"
	jwtpkg "github.com/pesio-ai/be-edu-identity/pkg/jwt"
	"github.com/pesio-ai/be-edu-identity/pkg/logger"
	"github.com/pesio-ai/be-edu-identity/pkg/password"
)

const (
	goodPassword  = "Tr0ub4dor&Zeb"
	otherPassword = "Gl4cier#Maple7"
	wrongPassword = "Wrong#Guess42x"
)

var (
	keyOnce          sync.Once
	testPriv, testPub string
)

func testKeys(t *testing.T) (string, string) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		testPriv, testPub, err = jwtpkg.GenerateKeyPair()
		if err != nil {
			panic(err)
		}
	})
	return testPriv, testPub
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// captureNotifier records delivered codes so tests can complete challenges
type captureNotifier struct {
	mu    sync.Mutex
	codes map[string]string
}

func (n *captureNotifier) Deliver(_ context.Context, user *repository.User, channel, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.codes == nil {
		n.codes = make(map[string]string)
	}
	n.codes[user.ID+"/"+channel] = code
	return nil
}

func (n *captureNotifier) last(userID, channel string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codes[userID+"/"+channel]
}

type testConfig struct {
	policy    PolicyConfig
	lockout   LockoutConfig
	session   SessionConfig
	twoFactor TwoFactorConfig
	auth      AuthConfig
	cache     PermissionCache
}

type testEnv struct {
	store     *memory.Store
	clock     *fakeClock
	metrics   *metrics.Metrics
	notifier  *captureNotifier
	jwt       *jwtpkg.Manager
	passwords *PasswordPolicyService
	lockout   *LockoutTracker
	sessions  *SessionManager
	twoFactor *TwoFactorManager
	perms     *PermissionResolver
	auth      *AuthService
	users     *UserService
	roles     *RoleService
}

func newTestEnv(t *testing.T, mods ...func(*testConfig)) *testEnv {
	t.Helper()

	cfg := testConfig{
		policy:  PolicyConfig{HistorySize: 3, ExpirationWindow: 90 * 24 * time.Hour},
		session: SessionConfig{RefreshTTL: 7 * 24 * time.Hour},
		auth:    AuthConfig{MaxFailedAttempts: 5},
	}
	for _, m := range mods {
		m(&cfg)
	}

	priv, pub := testKeys(t)
	clock := newFakeClock()
	jwtManager, err := jwtpkg.NewManager(priv, pub, 15*time.Minute, jwtpkg.WithClock(clock.Now))
	require.NoError(t, err)

	store := memory.New()
	log := logger.Nop()
	m := metrics.New(prometheus.NewRegistry())
	opts := []Option{WithClock(clock.Now), WithMetrics(m)}
	notifier := &captureNotifier{}

	env := &testEnv{store: store, clock: clock, metrics: m, notifier: notifier, jwt: jwtManager}
	env.passwords = NewPasswordPolicyService(password.DefaultPolicy(), password.NewHasher(password.TestParams()),
		store.Users(), store.History(), cfg.policy, log, opts...)
	env.lockout = NewLockoutTracker(store.Lockouts(), cfg.lockout, log, opts...)
	anomalies := NewAnomalyReporter(store.Audit(), log, opts...)
	env.sessions = NewSessionManager(store.Sessions(), store.Users(), store.Roles(), jwtManager, anomalies, cfg.session, log, opts...)
	env.twoFactor = NewTwoFactorManager(store.Challenges(), store.Users(), notifier, cfg.twoFactor, log, opts...)
	env.perms = NewPermissionResolver(store.Roles(), cfg.cache, log, opts...)
	env.auth = NewAuthService(store.Users(), env.passwords, env.lockout, env.sessions, env.twoFactor, env.perms,
		store.Audit(), cfg.auth, log, opts...)
	env.users = NewUserService(store.Users(), env.passwords, env.sessions, env.twoFactor, store.Audit(), log, opts...)
	env.roles = NewRoleService(store.Roles(), permission.Default(), env.perms, log, opts...)
	return env
}

func (e *testEnv) createUser(t *testing.T, email string) *repository.User {
	t.Helper()
	u, err := e.users.CreateUser(context.Background(), &CreateUserRequest{
		EntityID:  "school-1",
		Email:     email,
		Password:  goodPassword,
		FirstName: "Ada",
		LastName:  "Obi",
		UserType:  "staff",
	})
	require.NoError(t, err)
	return u
}

func (e *testEnv) login(t *testing.T, email, pw string) (*LoginResponse, error) {
	t.Helper()
	return e.auth.Login(context.Background(), &LoginRequest{Email: email, Password: pw, IPAddress: "10.1.1.1", UserAgent: "test"})
}
