// Package metrics exposes Prometheus collectors for the messaging service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "messaging"

type Metrics struct {
	gatherer prometheus.Gatherer

	activeConnections  prometheus.Gauge
	onlineUsers        prometheus.Gauge
	messagesSent       *prometheus.CounterVec
	broadcastDelivered prometheus.Counter
	liveEvents         *prometheus.CounterVec
	sendFailures       *prometheus.CounterVec
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in tests
// to avoid clashing with the default registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Live channel connections currently registered.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with at least one live connection.",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages persisted, by media kind.",
		}, []string{"media_type"}),
		broadcastDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Payloads enqueued to live connections.",
		}),
		liveEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_events_total",
			Help:      "Inbound live channel events, by type and outcome.",
		}, []string{"type", "outcome"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Rejected or failed sends, by error kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.activeConnections,
		m.onlineUsers,
		m.messagesSent,
		m.broadcastDelivered,
		m.liveEvents,
		m.sendFailures,
	)
	return m
}

func (m *Metrics) ConnectionOpened(firstForUser bool) {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	if firstForUser {
		m.onlineUsers.Inc()
	}
}

func (m *Metrics) ConnectionClosed(lastForUser bool) {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
	if lastForUser {
		m.onlineUsers.Dec()
	}
}

func (m *Metrics) MessageSent(mediaType string) {
	if m == nil {
		return
	}
	if mediaType == "" {
		mediaType = "text"
	}
	m.messagesSent.WithLabelValues(mediaType).Inc()
}

func (m *Metrics) SendFailed(kind string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Delivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.broadcastDelivered.Add(float64(n))
}

func (m *Metrics) LiveEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.liveEvents.WithLabelValues(eventType, outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
