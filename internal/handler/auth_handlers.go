package handler

import (
	"net/http"
	"time"

	"github.com/pesio-ai/be-edu-identity/internal/service"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Success                bool          `json:"success"`
	Message                string        `json:"message"`
	Errors                 []string      `json:"errors,omitempty"`
	AccessToken            string        `json:"access_token,omitempty"`
	RefreshToken           string        `json:"refresh_token,omitempty"`
	SessionToken           string        `json:"session_token,omitempty"`
	ExpiresAt              *time.Time    `json:"expires_at,omitempty"`
	User                   *userResponse `json:"user,omitempty"`
	RequiresPasswordChange bool          `json:"requires_password_change,omitempty"`
	TwoFactorRequired      bool          `json:"two_factor_required,omitempty"`
	TwoFactorToken         string        `json:"two_factor_token,omitempty"`
}

func toAuthResponse(res *service.AuthResult) *authResponse {
	out := &authResponse{
		Success:                res.Success,
		Message:                res.Message,
		Errors:                 res.Errors,
		AccessToken:            res.AccessToken,
		RefreshToken:           res.RefreshToken,
		SessionToken:           res.SessionToken,
		User:                   toUserResponse(res.User),
		RequiresPasswordChange: res.RequiresPasswordChange,
		TwoFactorRequired:      res.TwoFactorRequired,
		TwoFactorToken:         res.TwoFactorToken,
	}
	if !res.ExpiresAt.IsZero() {
		expiresAt := res.ExpiresAt
		out.ExpiresAt = &expiresAt
	}
	return out
}

// authStatus picks the status for an AuthResult: a pending second factor is
// accepted, and every failure is a 4xx except internal errors
func authStatus(res *service.AuthResult) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.TwoFactorRequired:
		return http.StatusAccepted
	}
	for _, e := range res.Errors {
		switch e {
		case "internal_error":
			return http.StatusInternalServerError
		case "account_locked":
			return http.StatusLocked
		case "password_expired":
			return http.StatusForbidden
		}
	}
	return http.StatusUnauthorized
}

// Login handles login HTTP requests
func (h *HTTPHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res := h.auth.Authenticate(r.Context(), &service.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		IPAddress: h.clientIP(r),
		UserAgent: r.UserAgent(),
	})
	writeJSON(w, authStatus(res), toAuthResponse(res))
}

type completeTwoFactorRequest struct {
	TwoFactorToken string `json:"two_factor_token"`
	Code           string `json:"code"`
}

// CompleteTwoFactor finishes a login paused for a second factor
func (h *HTTPHandler) CompleteTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req completeTwoFactorRequest
	if err := decode(r, &req); err != nil || req.TwoFactorToken == "" {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res := h.auth.CompleteTwoFactorResult(r.Context(), req.TwoFactorToken, req.Code, h.clientIP(r), r.UserAgent())
	writeJSON(w, authStatus(res), toAuthResponse(res))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// RefreshToken handles refresh token HTTP requests
func (h *HTTPHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pair, err := h.auth.RefreshToken(r.Context(), req.RefreshToken, h.clientIP(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "Bearer",
		ExpiresAt:        pair.ExpiresAt,
		ExpiresIn:        pair.ExpiresIn,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	})
}

type logoutRequest struct {
	SessionToken string `json:"session_token"`
}

// Logout ends the session named by session_token, or every session of the
// caller when it is omitted
func (h *HTTPHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	var req logoutRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	revoked, err := h.auth.Logout(r.Context(), claims.UserID, req.SessionToken, h.clientIP(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": revoked})
}

// LogoutAll ends every session of the caller
func (h *HTTPHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	ok, err := h.auth.LogoutAll(r.Context(), claims.UserID, h.clientIP(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": ok})
}

type issueTwoFactorRequest struct {
	Channel string `json:"channel"`
}

// IssueTwoFactor sends a fresh code to the caller. The code itself only
// travels over the delivery channel.
func (h *HTTPHandler) IssueTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	var req issueTwoFactorRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ch, err := h.auth.IssueTwoFactor(r.Context(), claims.UserID, req.Channel, h.clientIP(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"challenge_id": ch.ID,
		"channel":      ch.Channel,
		"expires_at":   ch.ExpiresAt,
	})
}

type validateTwoFactorRequest struct {
	Code    string `json:"code"`
	Channel string `json:"channel"`
}

// ValidateTwoFactor checks a code against the caller's latest challenge
func (h *HTTPHandler) ValidateTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	var req validateTwoFactorRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ok, err := h.auth.ValidateTwoFactor(r.Context(), claims.UserID, req.Code, req.Channel)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

type passwordRequest struct {
	Password string `json:"password"`
}

// ValidatePassword reports whether a candidate satisfies the policy
func (h *HTTPHandler) ValidatePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": h.auth.ValidatePasswordPolicy(req.Password)})
}

// Me returns the caller's identity
func (h *HTTPHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	user, err := h.users.GetUser(r.Context(), claims.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// MyPermissions lists the caller's effective permissions
func (h *HTTPHandler) MyPermissions(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	h.writePermissions(w, r, claims.UserID)
}

// MyPermission tests one permission for the caller
func (h *HTTPHandler) MyPermission(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	ok, err := h.auth.HasPermission(r.Context(), claims.UserID, r.PathValue("name"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"granted": ok})
}

func (h *HTTPHandler) writePermissions(w http.ResponseWriter, r *http.Request, userID string) {
	perms, err := h.auth.EffectivePermissions(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "permissions": perms})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword replaces the caller's password and ends all sessions
func (h *HTTPHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	var req changePasswordRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.users.ChangePassword(r.Context(), claims.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type expiredPasswordRequest struct {
	Email           string `json:"email"`
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangeExpiredPassword replaces an expired password without a session;
// the caller logs in again afterwards
func (h *HTTPHandler) ChangeExpiredPassword(w http.ResponseWriter, r *http.Request) {
	var req expiredPasswordRequest
	if err := decode(r, &req); err != nil || req.Email == "" {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.auth.ChangeExpiredPassword(r.Context(), &service.ExpiredPasswordChangeRequest{
		Email:           req.Email,
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
		IPAddress:       h.clientIP(r),
		UserAgent:       r.UserAgent(),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setTwoFactorRequest struct {
	Channel string `json:"channel"`
}

// SetTwoFactor selects the caller's SMS or email channel, or turns it off
func (h *HTTPHandler) SetTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	var req setTwoFactorRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.users.SetTwoFactor(r.Context(), claims.UserID, req.Channel); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnrollAuthenticator returns a provisioning URL for an authenticator app
func (h *HTTPHandler) EnrollAuthenticator(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	url, err := h.users.EnrollAuthenticator(r.Context(), claims.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"provisioning_url": url})
}
