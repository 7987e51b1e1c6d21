package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/pesio-ai/be-edu-identity/internal/repository"
	"github.com/pesio-ai/be-edu-identity/internal/service"
)

type lockRequest struct {
	Reason string     `json:"reason"`
	Until  *time.Time `json:"until,omitempty"`
}

// LockAccount locks an account until the given time, or for the configured
// duration when until is omitted
func (h *HTTPHandler) LockAccount(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	var req lockRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ok, err := h.auth.LockAccount(r.Context(), r.PathValue("id"), req.Reason, req.Until, claims.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"locked": ok})
}

func (h *HTTPHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	ok, err := h.auth.UnlockAccount(r.Context(), r.PathValue("id"), claims.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unlocked": ok})
}

type lockoutResponse struct {
	ID             string     `json:"id"`
	Reason         string     `json:"reason"`
	StartedAt      time.Time  `json:"started_at"`
	EndsAt         *time.Time `json:"ends_at,omitempty"`
	FailedAttempts int        `json:"failed_attempts"`
	IPAddress      *string    `json:"ip_address,omitempty"`
	Active         bool       `json:"active"`
	UnlockedBy     *string    `json:"unlocked_by,omitempty"`
	UnlockedAt     *time.Time `json:"unlocked_at,omitempty"`
}

func toLockoutResponse(ep *repository.LockoutEpisode) *lockoutResponse {
	return &lockoutResponse{
		ID:             ep.ID,
		Reason:         ep.Reason,
		StartedAt:      ep.StartedAt,
		EndsAt:         ep.EndsAt,
		FailedAttempts: ep.FailedAttempts,
		IPAddress:      ep.IPAddress,
		Active:         ep.IsActive,
		UnlockedBy:     ep.UnlockedBy,
		UnlockedAt:     ep.UnlockedAt,
	}
}

type lockStatusResponse struct {
	Locked         bool             `json:"locked"`
	FailedAttempts int              `json:"failed_attempts"`
	Lockout        *lockoutResponse `json:"lockout,omitempty"`
}

// IsLocked reports the lock state, the running failed-attempt count and the
// active episode, if any
func (h *HTTPHandler) IsLocked(w http.ResponseWriter, r *http.Request) {
	status, err := h.auth.LockStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := lockStatusResponse{Locked: status.Locked, FailedAttempts: status.FailedAttempts}
	if status.Episode != nil {
		resp.Lockout = toLockoutResponse(status.Episode)
	}
	writeJSON(w, http.StatusOK, resp)
}

// LockoutHistory lists past and current episodes, including who lifted them
func (h *HTTPHandler) LockoutHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query().Get("limit"), 20)
	if err != nil || limit < 1 || limit > 100 {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	episodes, err := h.auth.LockoutHistory(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]*lockoutResponse, 0, len(episodes))
	for _, ep := range episodes {
		out = append(out, toLockoutResponse(ep))
	}
	writeJSON(w, http.StatusOK, map[string]any{"lockouts": out})
}

func (h *HTTPHandler) AccountPermissions(w http.ResponseWriter, r *http.Request) {
	h.writePermissions(w, r, r.PathValue("id"))
}

type createUserRequest struct {
	EntityID  string  `json:"entity_id"`
	Email     string  `json:"email"`
	Password  string  `json:"password"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	Phone     *string `json:"phone,omitempty"`
	UserType  string  `json:"user_type"`
}

// CreateUser handles user creation HTTP requests
func (h *HTTPHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	var req createUserRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EntityID == "" {
		req.EntityID = claims.EntityID
	}

	user, err := h.users.CreateUser(r.Context(), &service.CreateUserRequest{
		EntityID:  req.EntityID,
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		UserType:  req.UserType,
		CreatedBy: claims.UserID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

// ListUsers pages through the users of an entity, the caller's own by default
func (h *HTTPHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	q := r.URL.Query()
	entityID := q.Get("entity_id")
	if entityID == "" {
		entityID = claims.EntityID
	}
	limit, err := queryInt(q.Get("limit"), 50)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	users, err := h.users.ListUsers(r.Context(), entityID, limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]*userResponse, len(users))
	for i, u := range users {
		out[i] = toUserResponse(u)
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out, "limit": limit, "offset": offset})
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (h *HTTPHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// ResetPassword sets a generated temporary password. It is returned once,
// for the administrator to hand over.
func (h *HTTPHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	temp, err := h.users.ResetPassword(r.Context(), r.PathValue("id"), claims.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"temporary_password":   temp,
		"must_change_password": true,
	})
}

func (h *HTTPHandler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	if err := h.users.DeactivateUser(r.Context(), r.PathValue("id"), claims.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GeneratePassword returns a random password that satisfies the policy
func (h *HTTPHandler) GeneratePassword(w http.ResponseWriter, r *http.Request) {
	length, err := queryInt(r.URL.Query().Get("length"), 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid length")
		return
	}

	pw, err := h.auth.GenerateRandomPassword(length)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"password": pw})
}

type createRoleRequest struct {
	EntityID    *string  `json:"entity_id,omitempty"`
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Description *string  `json:"description,omitempty"`
	RoleType    string   `json:"role_type"`
	Permissions []string `json:"permissions"`
}

func (h *HTTPHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	var req createRoleRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	role, err := h.roles.CreateRole(r.Context(), &service.CreateRoleRequest{
		EntityID:    req.EntityID,
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		RoleType:    req.RoleType,
		Permissions: req.Permissions,
		CreatedBy:   claims.UserID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRoleResponse(role))
}

// ListRoles lists roles, optionally for one entity and active ones only
func (h *HTTPHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var entityID *string
	if v := q.Get("entity_id"); v != "" {
		entityID = &v
	}
	activeOnly := q.Get("active") == "true"

	roles, err := h.roles.ListRoles(r.Context(), entityID, activeOnly)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]*roleResponse, len(roles))
	for i, role := range roles {
		out[i] = toRoleResponse(role)
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": out})
}

// GetRole returns a role with its granted permissions
func (h *HTTPHandler) GetRole(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	role, err := h.roles.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	perms, err := h.roles.RolePermissions(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": toRoleResponse(role), "permissions": perms})
}

type roleActiveRequest struct {
	Active bool `json:"active"`
}

func (h *HTTPHandler) SetRoleActive(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	var req roleActiveRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.roles.SetRoleActive(r.Context(), r.PathValue("id"), req.Active, claims.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type grantRequest struct {
	Permission string `json:"permission"`
}

func (h *HTTPHandler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	var req grantRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.roles.GrantPermission(r.Context(), r.PathValue("id"), req.Permission, claims.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) RevokePermission(w http.ResponseWriter, r *http.Request) {
	if err := h.roles.RevokePermission(r.Context(), r.PathValue("id"), r.PathValue("name")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

func (h *HTTPHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	var req assignRoleRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.roles.AssignRole(r.Context(), r.PathValue("id"), req.RoleID, claims.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) UnassignRole(w http.ResponseWriter, r *http.Request) {
	if err := h.roles.UnassignRole(r.Context(), r.PathValue("id"), r.PathValue("roleID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type overrideRequest struct {
	Grant     bool       `json:"grant"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason"`
}

type overrideResponse struct {
	UserID     string     `json:"user_id"`
	Permission string     `json:"permission"`
	Grant      bool       `json:"grant"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// SetOverride grants or denies one permission to one user
func (h *HTTPHandler) SetOverride(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	var req overrideRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	o, err := h.roles.SetOverride(r.Context(), &service.OverrideRequest{
		UserID:     r.PathValue("id"),
		Permission: r.PathValue("name"),
		Grant:      req.Grant,
		ExpiresAt:  req.ExpiresAt,
		Reason:     req.Reason,
		CreatedBy:  claims.UserID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overrideResponse{
		UserID:     o.UserID,
		Permission: o.Permission,
		Grant:      o.Grant,
		ExpiresAt:  o.ExpiresAt,
	})
}

func (h *HTTPHandler) RemoveOverride(w http.ResponseWriter, r *http.Request) {
	if err := h.roles.RemoveOverride(r.Context(), r.PathValue("id"), r.PathValue("name")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
