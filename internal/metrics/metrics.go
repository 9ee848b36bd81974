package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionTransitions *prometheus.CounterVec
	Messages           *prometheus.CounterVec
	SendFailures       *prometheus.CounterVec
	RelayEvents        *prometheus.CounterVec
	RelayClients       prometheus.Gauge
	TrackedAdapters    prometheus.Gauge
}

// New builds the collectors with an optional namespace and registers them
// with reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session status transitions written to the store.",
		}, []string{"status"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages stored, by direction.",
		}, []string{"direction"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Failed send attempts, by reason.",
		}, []string{"reason"}),
		RelayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Events broadcast to dashboard clients, by event name.",
		}, []string{"event"}),
		RelayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_clients",
			Help:      "Connected dashboard clients.",
		}),
		TrackedAdapters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_adapters",
			Help:      "Automation clients currently tracked.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionTransitions,
			m.Messages,
			m.SendFailures,
			m.RelayEvents,
			m.RelayClients,
			m.TrackedAdapters,
		)
	}
	return m
}

// SessionStatus counts a status write
func (m *Metrics) SessionStatus(status string) {
	if m != nil {
		m.SessionTransitions.WithLabelValues(status).Inc()
	}
}

// Message counts a stored message
func (m *Metrics) Message(outgoing bool) {
	if m == nil {
		return
	}
	direction := "inbound"
	if outgoing {
		direction = "outbound"
	}
	m.Messages.WithLabelValues(direction).Inc()
}

// SendFailure counts a failed send
func (m *Metrics) SendFailure(reason string) {
	if m != nil {
		m.SendFailures.WithLabelValues(reason).Inc()
	}
}

// RelayEvent counts a broadcast
func (m *Metrics) RelayEvent(event string) {
	if m != nil {
		m.RelayEvents.WithLabelValues(event).Inc()
	}
}

// SetRelayClients records the number of connected dashboard clients
func (m *Metrics) SetRelayClients(n int) {
	if m != nil {
		m.RelayClients.Set(float64(n))
	}
}

// SetTrackedAdapters records the number of tracked automation clients
func (m *Metrics) SetTrackedAdapters(n int) {
	if m != nil {
		m.TrackedAdapters.Set(float64(n))
	}
}
