package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels
const (
	OutcomeSuccess           = "success"
	OutcomeInvalid           = "invalid_credentials"
	OutcomeLocked            = "locked"
	OutcomeExpired           = "password_expired"
	OutcomeTwoFactorRequired = "two_factor_required"
	OutcomeError             = "error"
	OutcomeRejected          = "rejected"
	OutcomeCapExceeded       = "attempts_exceeded"
)

// Metrics groups the identity service collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	loginAttempts       *prometheus.CounterVec
	refreshes           *prometheus.CounterVec
	refreshReuse        prometheus.Counter
	lockouts            *prometheus.CounterVec
	twoFactor           *prometheus.CounterVec
	passwordHashSeconds prometheus.Histogram
	registry            prometheus.Gatherer
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loginAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_login_attempts_total",
				Help: "Login attempts by outcome.",
			},
			[]string{"outcome"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_refresh_total",
				Help: "Refresh token exchanges by outcome.",
			},
			[]string{"outcome"},
		),
		refreshReuse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "identity_refresh_reuse_total",
			Help: "Presentations of an already consumed refresh token.",
		}),
		lockouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_lockouts_total",
				Help: "Account lock transitions by reason.",
			},
			[]string{"reason"},
		),
		twoFactor: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_two_factor_validations_total",
				Help: "Two-factor validations by channel and outcome.",
			},
			[]string{"channel", "outcome"},
		),
		passwordHashSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "identity_password_hash_seconds",
			Help:    "Time spent hashing or verifying passwords.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}

	reg.MustRegister(m.loginAttempts, m.refreshes, m.refreshReuse, m.lockouts, m.twoFactor, m.passwordHashSeconds)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.registry = g
	}
	return m
}

// Handler exposes the registry this Metrics was registered with
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) LoginAttempt(outcome string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RefreshReuse() {
	if m == nil {
		return
	}
	m.refreshReuse.Inc()
}

func (m *Metrics) Lockout(reason string) {
	if m == nil {
		return
	}
	m.lockouts.WithLabelValues(reason).Inc()
}

func (m *Metrics) TwoFactor(channel, outcome string) {
	if m == nil {
		return
	}
	m.twoFactor.WithLabelValues(channel, outcome).Inc()
}

// ObserveHash records the duration since start
func (m *Metrics) ObserveHash(start time.Time) {
	if m == nil {
		return
	}
	m.passwordHashSeconds.Observe(time.Since(start).Seconds())
}
