package service

import (
	"context"

	"github.com/pesio-ai/be-edu-identity/internal/repository"
	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

// Audit event types
const (
	EventLoginSuccess     = "login_success"
	EventLoginFailure     = "login_failure"
	EventTwoFactorIssued  = "two_factor_issued"
	EventTwoFactorFailure = "two_factor_failure"
	EventAccountLocked    = "account_locked"
	EventAccountUnlocked  = "account_unlocked"
	EventTokenRefreshed   = "token_refreshed"
	EventRefreshReuse     = "refresh_token_reuse"
	EventLogout           = "logout"
	EventPasswordChanged  = "password_changed"
	EventPasswordReset    = "password_reset"
)

// auditor writes audit rows. A write failure is logged and swallowed.
type auditor struct {
	store AuditStore
	log   *logger.Logger
	opts  options
}

func newAuditor(store AuditStore, log *logger.Logger, opts options) *auditor {
	return &auditor{store: store, log: log, opts: opts}
}

func (a *auditor) record(ctx context.Context, eventType, userID string, success bool, address string, details map[string]string) {
	if a == nil || a.store == nil {
		return
	}

	event := &repository.AuthEvent{
		EventType: eventType,
		Success:   success,
		Details:   details,
		CreatedAt: a.opts.now(),
	}
	if userID != "" {
		event.UserID = &userID
	}
	if address != "" {
		event.IPAddress = &address
	}

	// audit rows must survive a cancelled request
	if err := a.store.LogAuthEvent(context.WithoutCancel(ctx), event); err != nil {
		a.log.Error().Err(err).Str("event", eventType).Str("user_id", userID).Msg("Failed to write audit event")
	}
}

// AnomalyReporter receives security signals that do not block the caller
type AnomalyReporter interface {
	ReportRefreshReuse(ctx context.Context, userID, sessionID, address string)
}

type anomalyReporter struct {
	log   *logger.Logger
	audit *auditor
	opts  options
}

// NewAnomalyReporter logs, counts and audits anomalies
func NewAnomalyReporter(audit AuditStore, log *logger.Logger, opts ...Option) AnomalyReporter {
	o := buildOptions(opts)
	return &anomalyReporter{
		log:   log,
		audit: newAuditor(audit, log, o),
		opts:  o,
	}
}

func (r *anomalyReporter) ReportRefreshReuse(ctx context.Context, userID, sessionID, address string) {
	r.opts.metrics.RefreshReuse()
	r.log.Warn().
		Str("user_id", userID).
		Str("session_id", sessionID).
		Str("ip_address", address).
		Msg("Consumed refresh token presented again")
	r.audit.record(ctx, EventRefreshReuse, userID, false, address, map[string]string{"session_id": sessionID})
}
