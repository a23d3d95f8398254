package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	rotationOutcomeRotated = "rotated"
	rotationOutcomeReuse   = "reuse_detected"
	rotationOutcomeExpired = "expired"
	rotationOutcomeRevoked = "revoked"
	rotationOutcomeUnknown = "not_found"
	rotationOutcomeError   = "error"
)

// Metrics holds the auth counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	logins         *prometheus.CounterVec
	rotations      *prometheus.CounterVec
	reuse          prometheus.Counter
	impersonations *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg. A nil reg
// skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "auth",
				Name:      "logins_total",
				Help:      "Login attempts by outcome.",
			},
			[]string{"outcome"},
		),
		rotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "auth",
				Name:      "refresh_rotations_total",
				Help:      "Refresh token rotations by outcome.",
			},
			[]string{"outcome"},
		),
		reuse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "refresh_reuse_detected_total",
			Help:      "Replayed refresh secrets that revoked a family.",
		}),
		impersonations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "auth",
				Name:      "impersonations_total",
				Help:      "Impersonation session transitions.",
			},
			[]string{"event"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.logins, m.rotations, m.reuse, m.impersonations)
	}
	return m
}

func (m *Metrics) observeLogin(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeRotation(outcome string) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(outcome).Inc()
	if outcome == rotationOutcomeReuse {
		m.reuse.Inc()
	}
}

func (m *Metrics) observeImpersonation(event string) {
	if m == nil {
		return
	}
	m.impersonations.WithLabelValues(event).Inc()
}

func rotationOutcome(err error) string {
	switch textCode(err) {
	case TextCodeReuseDetected:
		return rotationOutcomeReuse
	case TextCodeRefreshTokenExpired:
		return rotationOutcomeExpired
	case TextCodeRefreshTokenRevoked, TextCodeRefreshFamilyRevoked:
		return rotationOutcomeRevoked
	case TextCodeRefreshTokenNotFound:
		return rotationOutcomeUnknown
	default:
		return rotationOutcomeError
	}
}
