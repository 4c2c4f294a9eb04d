package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/chatguard/internal/domain"
)

// TokenMetrics tracks the per-identity token loops.
type TokenMetrics struct {
	Refreshes            *prometheus.CounterVec
	Validations          *prometheus.CounterVec
	DegradedBroadcasters prometheus.Gauge
}

func NewTokenMetrics(reg prometheus.Registerer) *TokenMetrics {
	m := &TokenMetrics{
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "refreshes_total",
			Help:      "Total number of token refresh attempts, by role and outcome.",
		}, []string{"role", "outcome"}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "validations_total",
			Help:      "Total number of token validations, by role and outcome.",
		}, []string{"role", "outcome"}),
		DegradedBroadcasters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "degraded_broadcasters",
			Help:      "Number of broadcasters no longer monitored after a token failure.",
		}),
	}

	reg.MustRegister(m.Refreshes, m.Validations, m.DegradedBroadcasters)
	return m
}

func (m *TokenMetrics) TokenRefreshed(role domain.Role, outcome string) {
	m.Refreshes.WithLabelValues(string(role), outcome).Inc()
}

func (m *TokenMetrics) TokenValidated(role domain.Role, outcome string) {
	m.Validations.WithLabelValues(string(role), outcome).Inc()
}

func (m *TokenMetrics) BroadcasterDegraded() {
	m.DegradedBroadcasters.Inc()
}
