package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.LoginAttempt(OutcomeSuccess)
	m.LoginAttempt(OutcomeInvalid)
	m.LoginAttempt(OutcomeInvalid)
	m.Refresh(OutcomeRejected)
	m.RefreshReuse()
	m.Lockout("failed_attempts")
	m.TwoFactor("sms", OutcomeCapExceeded)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.loginAttempts.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.loginAttempts.WithLabelValues(OutcomeInvalid)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshes.WithLabelValues(OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshReuse))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockouts.WithLabelValues("failed_attempts")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.twoFactor.WithLabelValues("sms", OutcomeCapExceeded)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LoginAttempt(OutcomeSuccess)
		m.Refresh(OutcomeSuccess)
		m.RefreshReuse()
		m.Lockout("x")
		m.TwoFactor("sms", OutcomeSuccess)
		m.ObserveHash(time.Now())
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RefreshReuse()
	m.ObserveHash(time.Now())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "identity_refresh_reuse_total 1"))
	assert.Contains(t, body, "identity_password_hash_seconds_count 1")
}
