// Package memory is an in-process implementation of every identity store.
// One mutex guards all state, so the operations that must be atomic in
// PostgreSQL (refresh rotation, failure counting, history pruning) are
// atomic here as well.
package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-edu-identity/internal/repository"
)

type userRole struct {
	userID string
	roleID string
}

type overrideKey struct {
	userID     string
	permission string
}

type failureCounter struct {
	attempts     int
	lastFailedAt time.Time
	lastAddress  string
}

// Store holds all state. Use the accessor methods to get the per-table views.
type Store struct {
	mu sync.Mutex

	users       map[string]*repository.User
	emails      map[string]string
	sessions    map[string]*repository.Session
	challenges  map[string]*repository.TwoFactorChallenge
	failures    map[string]*failureCounter
	episodes    map[string]*repository.LockoutEpisode
	history     map[string][]*repository.PasswordHistoryEntry
	roles       map[string]*repository.Role
	rolePerms   map[string]map[string]*repository.RolePermission
	assignments map[userRole]*repository.RoleAssignment
	overrides   map[overrideKey]*repository.PermissionOverride
	events      []*repository.AuthEvent
}

func New() *Store {
	return &Store{
		users:       make(map[string]*repository.User),
		emails:      make(map[string]string),
		sessions:    make(map[string]*repository.Session),
		challenges:  make(map[string]*repository.TwoFactorChallenge),
		failures:    make(map[string]*failureCounter),
		episodes:    make(map[string]*repository.LockoutEpisode),
		history:     make(map[string][]*repository.PasswordHistoryEntry),
		roles:       make(map[string]*repository.Role),
		rolePerms:   make(map[string]map[string]*repository.RolePermission),
		assignments: make(map[userRole]*repository.RoleAssignment),
		overrides:   make(map[overrideKey]*repository.PermissionOverride),
	}
}

func (s *Store) Users() *Users           { return &Users{s} }
func (s *Store) Sessions() *Sessions     { return &Sessions{s} }
func (s *Store) Lockouts() *Lockouts     { return &Lockouts{s} }
func (s *Store) Challenges() *Challenges { return &Challenges{s} }
func (s *Store) History() *History       { return &History{s} }
func (s *Store) Roles() *Roles           { return &Roles{s} }
func (s *Store) Audit() *Audit           { return &Audit{s} }

func newID() string {
	return uuid.New().String()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func copyUser(u *repository.User) *repository.User {
	c := *u
	return &c
}

func copySession(sess *repository.Session) *repository.Session {
	c := *sess
	return &c
}

func copyEpisode(ep *repository.LockoutEpisode) *repository.LockoutEpisode {
	c := *ep
	return &c
}

func copyChallenge(ch *repository.TwoFactorChallenge) *repository.TwoFactorChallenge {
	c := *ch
	return &c
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
