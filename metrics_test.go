package auth

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.observeLogin(loginOutcomeSuccess)
	m.observeLogin(loginOutcomeFailure)
	m.observeLogin(loginOutcomeFailure)
	m.observeRotation(rotationOutcomeRotated)
	m.observeRotation(rotationOutcome(ErrReuseDetected))
	m.observeImpersonation(impersonationEventStart)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.logins.WithLabelValues(loginOutcomeSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.logins.WithLabelValues(loginOutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rotations.WithLabelValues(rotationOutcomeReuse)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reuse))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.impersonations.WithLabelValues(impersonationEventStart)))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "auth_logins_total")
	assert.Contains(t, names, "auth_refresh_reuse_detected_total")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeLogin(loginOutcomeSuccess)
		m.observeRotation(rotationOutcomeRotated)
		m.observeImpersonation(impersonationEventStop)
	})
}

func TestRotationOutcome(t *testing.T) {
	assert.Equal(t, rotationOutcomeReuse, rotationOutcome(ErrReuseDetected))
	assert.Equal(t, rotationOutcomeExpired, rotationOutcome(ErrRefreshTokenExpired))
	assert.Equal(t, rotationOutcomeRevoked, rotationOutcome(ErrFamilyRevoked))
	assert.Equal(t, rotationOutcomeRevoked, rotationOutcome(ErrRefreshTokenRevoked))
	assert.Equal(t, rotationOutcomeUnknown, rotationOutcome(ErrRefreshTokenNotFound))
	assert.Equal(t, rotationOutcomeError, rotationOutcome(ErrImpersonationEnded))
}
