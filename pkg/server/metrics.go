package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks server activity. Each server owns its registry so
// multiple instances (tests) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions    prometheus.Gauge
	rooms             prometheus.Gauge
	sessionsCreated   prometheus.Counter
	messagesRouted    *prometheus.CounterVec
	handshakeFailures prometheus.Counter
	forwardFailures   prometheus.Counter
	logonsRejected    *prometheus.CounterVec
}

// NewMetrics creates and registers all server metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mychat_active_sessions",
			Help: "Number of currently logged-on sessions.",
		}),
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mychat_rooms",
			Help: "Number of rooms created since startup (rooms are never deleted).",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "mychat_sessions_created_total",
			Help: "Total connections accepted.",
		}),
		messagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mychat_messages_routed_total",
			Help: "Chat messages routed, by kind.",
		}, []string{"kind"}),
		handshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mychat_handshake_failures_total",
			Help: "Connections dropped during the handshake.",
		}),
		forwardFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mychat_forward_failures_total",
			Help: "Message forwards that failed due to an unreachable peer.",
		}),
		logonsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mychat_logons_rejected_total",
			Help: "Rejected logon attempts, by reason.",
		}, []string{"reason"}),
	}
}

// Registry exposes the underlying registry for the metrics HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordMessageRouted(kind string) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordHandshakeFailure() {
	if m == nil {
		return
	}
	m.handshakeFailures.Inc()
}

func (m *Metrics) RecordForwardFailure() {
	if m == nil {
		return
	}
	m.forwardFailures.Inc()
}

func (m *Metrics) RecordLogonRejected(reason string) {
	if m == nil {
		return
	}
	m.logonsRejected.WithLabelValues(reason).Inc()
}
