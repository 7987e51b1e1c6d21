package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/pesio-ai/be-edu-identity/internal/permission"
	"github.com/pesio-ai/be-edu-identity/internal/repository"
	"github.com/pesio-ai/be-edu-identity/internal/service"
	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

// HTTPHandler exposes the identity services as JSON over HTTP
type HTTPHandler struct {
	auth       *service.AuthService
	users      *service.UserService
	roles      *service.RoleService
	log        *logger.Logger
	limiter    *ipLimiter
	trustProxy bool
	metrics    http.Handler
	ready      func(context.Context) error
}

// Option configures an HTTPHandler
type Option func(*HTTPHandler)

// WithRateLimit throttles login, refresh and two-factor calls per client
// address. A non-positive rate disables throttling.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(h *HTTPHandler) {
		if perSecond > 0 && burst > 0 {
			h.limiter = newIPLimiter(perSecond, burst)
		}
	}
}

// WithTrustProxy takes the client address from X-Forwarded-For
func WithTrustProxy(trust bool) Option {
	return func(h *HTTPHandler) { h.trustProxy = trust }
}

// WithMetrics mounts a Prometheus handler at /metrics
func WithMetrics(m http.Handler) Option {
	return func(h *HTTPHandler) { h.metrics = m }
}

// WithReadiness sets the check behind /readyz
func WithReadiness(check func(context.Context) error) Option {
	return func(h *HTTPHandler) { h.ready = check }
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	auth *service.AuthService,
	users *service.UserService,
	roles *service.RoleService,
	log *logger.Logger,
	opts ...Option,
) *HTTPHandler {
	h := &HTTPHandler{
		auth:  auth,
		users: users,
		roles: roles,
		log:   log,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the routed handler with logging and body limits applied
func (h *HTTPHandler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	// public, throttled
	mux.HandleFunc("POST /v1/auth/login", h.throttle(h.Login))
	mux.HandleFunc("POST /v1/auth/two-factor/complete", h.throttle(h.CompleteTwoFactor))
	mux.HandleFunc("POST /v1/auth/refresh", h.throttle(h.RefreshToken))
	mux.HandleFunc("POST /v1/auth/password/expired", h.throttle(h.ChangeExpiredPassword))
	mux.HandleFunc("POST /v1/passwords/validate", h.ValidatePassword)

	// the caller's own identity
	mux.HandleFunc("POST /v1/auth/logout", h.requireAuth(h.Logout))
	mux.HandleFunc("POST /v1/auth/logout-all", h.requireAuth(h.LogoutAll))
	mux.HandleFunc("POST /v1/auth/two-factor/issue", h.throttle(h.requireAuth(h.IssueTwoFactor)))
	mux.HandleFunc("POST /v1/auth/two-factor/validate", h.throttle(h.requireAuth(h.ValidateTwoFactor)))
	mux.HandleFunc("GET /v1/me", h.requireAuth(h.Me))
	mux.HandleFunc("GET /v1/me/permissions", h.requireAuth(h.MyPermissions))
	mux.HandleFunc("GET /v1/me/permissions/{name}", h.requireAuth(h.MyPermission))
	mux.HandleFunc("POST /v1/me/password", h.requireAuth(h.ChangePassword))
	mux.HandleFunc("PUT /v1/me/two-factor", h.requireAuth(h.SetTwoFactor))
	mux.HandleFunc("POST /v1/me/two-factor/authenticator", h.requireAuth(h.EnrollAuthenticator))

	// administration
	mux.HandleFunc("POST /v1/accounts/{id}/lock", h.requirePermission(permission.AccountsLock, h.LockAccount))
	mux.HandleFunc("POST /v1/accounts/{id}/unlock", h.requirePermission(permission.AccountsLock, h.UnlockAccount))
	mux.HandleFunc("GET /v1/accounts/{id}/lock", h.requirePermission(permission.AccountsView, h.IsLocked))
	mux.HandleFunc("GET /v1/accounts/{id}/lockouts", h.requirePermission(permission.AccountsView, h.LockoutHistory))
	mux.HandleFunc("GET /v1/accounts/{id}/permissions", h.requirePermission(permission.AccountsView, h.AccountPermissions))

	mux.HandleFunc("POST /v1/users", h.requirePermission(permission.AccountsManage, h.CreateUser))
	mux.HandleFunc("GET /v1/users", h.requirePermission(permission.AccountsView, h.ListUsers))
	mux.HandleFunc("GET /v1/users/{id}", h.requirePermission(permission.AccountsView, h.GetUser))
	mux.HandleFunc("POST /v1/users/{id}/password/reset", h.requirePermission(permission.AccountsManage, h.ResetPassword))
	mux.HandleFunc("POST /v1/users/{id}/deactivate", h.requirePermission(permission.AccountsManage, h.DeactivateUser))
	mux.HandleFunc("GET /v1/passwords/generate", h.requirePermission(permission.AccountsManage, h.GeneratePassword))

	mux.HandleFunc("POST /v1/roles", h.requirePermission(permission.RolesManage, h.CreateRole))
	mux.HandleFunc("GET /v1/roles", h.requirePermission(permission.RolesManage, h.ListRoles))
	mux.HandleFunc("GET /v1/roles/{id}", h.requirePermission(permission.RolesManage, h.GetRole))
	mux.HandleFunc("PUT /v1/roles/{id}/active", h.requirePermission(permission.RolesManage, h.SetRoleActive))
	mux.HandleFunc("POST /v1/roles/{id}/permissions", h.requirePermission(permission.RolesManage, h.GrantPermission))
	mux.HandleFunc("DELETE /v1/roles/{id}/permissions/{name}", h.requirePermission(permission.RolesManage, h.RevokePermission))
	mux.HandleFunc("POST /v1/users/{id}/roles", h.requirePermission(permission.RolesManage, h.AssignRole))
	mux.HandleFunc("DELETE /v1/users/{id}/roles/{roleID}", h.requirePermission(permission.RolesManage, h.UnassignRole))
	mux.HandleFunc("PUT /v1/users/{id}/overrides/{name}", h.requirePermission(permission.RolesManage, h.SetOverride))
	mux.HandleFunc("DELETE /v1/users/{id}/overrides/{name}", h.requirePermission(permission.RolesManage, h.RemoveOverride))

	return logging(h.log, maxBody(mux))
}

// Healthz reports liveness
func (h *HTTPHandler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports whether the store answers
func (h *HTTPHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("Readiness check failed")
			respondError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// fail maps a service error to a status code. Internal failures are logged
// here and never described to the client.
func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := http.StatusInternalServerError, "an internal error occurred"
	switch {
	case errors.Is(err, service.ErrInternal):
	case errors.Is(err, service.ErrInvalidArgument),
		errors.Is(err, service.ErrPolicyViolation),
		errors.Is(err, service.ErrPasswordReused),
		errors.Is(err, service.ErrUnknownPermission):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrInvalidCredentials):
		status, msg = http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, service.ErrInvalidToken):
		status, msg = http.StatusUnauthorized, "invalid or expired token"
	case errors.Is(err, service.ErrTwoFactorInvalid), errors.Is(err, service.ErrTwoFactorAttempts):
		status, msg = http.StatusUnauthorized, "two-factor verification failed"
	case errors.Is(err, service.ErrAccountLocked):
		status, msg = http.StatusLocked, "account is locked"
	case errors.Is(err, service.ErrPasswordExpired):
		status, msg = http.StatusForbidden, "password has expired"
	case errors.Is(err, service.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, service.ErrConflict):
		status, msg = http.StatusConflict, "already exists"
	}

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
	}
	respondError(w, status, msg)
}

type userResponse struct {
	ID                 string     `json:"id"`
	EntityID           string     `json:"entity_id"`
	Email              string     `json:"email"`
	FirstName          string     `json:"first_name"`
	LastName           string     `json:"last_name"`
	Phone              *string    `json:"phone,omitempty"`
	Status             string     `json:"status"`
	UserType           string     `json:"user_type"`
	IsFirstLogin       bool       `json:"is_first_login"`
	MustChangePassword bool       `json:"must_change_password"`
	TwoFactorChannel   string     `json:"two_factor_channel,omitempty"`
	PasswordChangedAt  *time.Time `json:"password_changed_at,omitempty"`
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

func toUserResponse(u *repository.User) *userResponse {
	if u == nil {
		return nil
	}
	return &userResponse{
		ID:                 u.ID,
		EntityID:           u.EntityID,
		Email:              u.Email,
		FirstName:          u.FirstName,
		LastName:           u.LastName,
		Phone:              u.Phone,
		Status:             u.Status,
		UserType:           u.UserType,
		IsFirstLogin:       u.IsFirstLogin,
		MustChangePassword: u.MustChangePassword,
		TwoFactorChannel:   u.TwoFactorChannel,
		PasswordChangedAt:  u.PasswordChangedAt,
		LastLoginAt:        u.LastLoginAt,
		CreatedAt:          u.CreatedAt,
	}
}

type roleResponse struct {
	ID          string    `json:"id"`
	EntityID    *string   `json:"entity_id,omitempty"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description *string   `json:"description,omitempty"`
	RoleType    string    `json:"role_type"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

func toRoleResponse(r *repository.Role) *roleResponse {
	return &roleResponse{
		ID:          r.ID,
		EntityID:    r.EntityID,
		Name:        r.Name,
		DisplayName: r.DisplayName,
		Description: r.Description,
		RoleType:    r.RoleType,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
	}
}
