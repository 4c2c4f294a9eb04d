package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/chatguard/internal/domain"
)

// EventSubMetrics covers the session, reconciliation and dispatch pipeline.
type EventSubMetrics struct {
	FramesReceived      *prometheus.CounterVec
	Reconnects          *prometheus.CounterVec
	Subscriptions       *prometheus.CounterVec
	EventsDispatched    *prometheus.CounterVec
	EventsDropped       *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	CircuitState        *prometheus.GaugeVec
	CircuitStateChanges *prometheus.CounterVec
}

func NewEventSubMetrics(reg prometheus.Registerer) *EventSubMetrics {
	m := &EventSubMetrics{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub",
			Name:      "frames_received_total",
			Help:      "Total number of EventSub frames received, by message type.",
		}, []string{"message_type"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub",
			Name:      "reconnects_total",
			Help:      "Total number of EventSub reconnects, by reason.",
		}, []string{"reason"}),
		Subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub",
			Name:      "subscriptions_reconciled_total",
			Help:      "Total number of reconciled subscription intents, by type and outcome.",
		}, []string{"type", "outcome"}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dispatched_total",
			Help:      "Total number of events put on the outbound queue, by kind.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total number of notifications not enqueued, by reason.",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "queue_depth",
			Help:      "Number of events waiting in the outbound queue.",
		}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"component"}),
		CircuitStateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker transitions, by target state.",
		}, []string{"component", "state"}),
	}

	reg.MustRegister(
		m.FramesReceived,
		m.Reconnects,
		m.Subscriptions,
		m.EventsDispatched,
		m.EventsDropped,
		m.QueueDepth,
		m.CircuitState,
		m.CircuitStateChanges,
	)
	return m
}

func (m *EventSubMetrics) FrameReceived(messageType string) {
	m.FramesReceived.WithLabelValues(messageType).Inc()
}

func (m *EventSubMetrics) SessionReconnected(reason string) {
	m.Reconnects.WithLabelValues(reason).Inc()
}

func (m *EventSubMetrics) SubscriptionReconciled(subscriptionType, outcome string) {
	m.Subscriptions.WithLabelValues(subscriptionType, outcome).Inc()
}

func (m *EventSubMetrics) EventDispatched(kind domain.EventKind) {
	m.EventsDispatched.WithLabelValues(string(kind)).Inc()
}

func (m *EventSubMetrics) EventDropped(reason string) {
	m.EventsDropped.WithLabelValues(reason).Inc()
}

func (m *EventSubMetrics) QueueDepthChanged(n int) {
	m.QueueDepth.Set(float64(n))
}

func (m *EventSubMetrics) CircuitStateChanged(component, state string) {
	m.CircuitStateChanges.WithLabelValues(component, state).Inc()
	m.CircuitState.WithLabelValues(component).Set(circuitStateValue(state))
}

func circuitStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
