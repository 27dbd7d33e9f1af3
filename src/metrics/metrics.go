// Package metrics exposes Prometheus collectors for the realtime server.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the realtime server.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive  prometheus.Gauge
	ClientsRegistered  prometheus.Gauge
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram

	MessagesTotal   *prometheus.CounterVec
	MessageDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec

	SessionInitAttempts *prometheus.CounterVec
	CacheLookups        *prometheus.CounterVec
	RateLimitHits       *prometheus.CounterVec
	TokensTotal         prometheus.Counter
}

// New creates a Metrics instance with all collectors registered on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "realtime"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open realtime connections",
		}),
		ClientsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_clients",
			Help:      "Connections registered in the hub",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total realtime connections by outcome",
		}, []string{"outcome"}),
		ConnectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Realtime connection lifetime in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound events by type and status",
		}, []string{"type", "status"}),
		MessageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_duration_seconds",
			Help:      "Time spent routing and handling an inbound event",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"type"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Error frames sent by code",
		}, []string{"code"}),
		SessionInitAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_init_attempts_total",
			Help:      "Session bootstrap attempts by result",
		}, []string{"result"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_cache_lookups_total",
			Help:      "Session cache lookups by result",
		}, []string{"result"}),
		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Messages rejected by the rate limiter",
		}, []string{"limit"}),
		TokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed by generated responses",
		}),
	}

	registry.MustRegister(
		m.ConnectionsActive,
		m.ClientsRegistered,
		m.ConnectionsTotal,
		m.ConnectionDuration,
		m.MessagesTotal,
		m.MessageDuration,
		m.ErrorsTotal,
		m.SessionInitAttempts,
		m.CacheLookups,
		m.RateLimitHits,
		m.TokensTotal,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ConnectionOpened records a new connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

// ConnectionClosed records a finished connection.
func (m *Metrics) ConnectionClosed(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
	m.ConnectionsTotal.WithLabelValues(outcome).Inc()
	m.ConnectionDuration.Observe(d.Seconds())
}

// ClientRegistered records a connection joining the hub.
func (m *Metrics) ClientRegistered() {
	if m == nil {
		return
	}
	m.ClientsRegistered.Inc()
}

// ClientUnregistered records a connection leaving the hub.
func (m *Metrics) ClientUnregistered() {
	if m == nil {
		return
	}
	m.ClientsRegistered.Dec()
}

// ConnectionRejected records an upgrade refused before a connection existed.
func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(reason).Inc()
}

// Message records a routed inbound event.
func (m *Metrics) Message(msgType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(msgType, status).Inc()
	m.MessageDuration.WithLabelValues(msgType).Observe(d.Seconds())
}

// Error records an error frame sent with code.
func (m *Metrics) Error(code string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(code).Inc()
}

// SessionInit records one bootstrap attempt.
func (m *Metrics) SessionInit(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.SessionInitAttempts.WithLabelValues(result).Inc()
}

// CacheLookup records a session cache hit, miss or error.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RateLimitHit records a rejected message.
func (m *Metrics) RateLimitHit(limit string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limit).Inc()
}

// Tokens records consumed tokens.
func (m *Metrics) Tokens(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensTotal.Add(float64(n))
}
