package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values for the message and delivery counters.
const (
	MessagePersisted = "persisted"
	MessageFailed    = "failed"
	MessageInvalid   = "invalid"

	DeliveryDelivered = "delivered"
	DeliveryOffline   = "offline"
	DeliveryFailed    = "failed"
)

// Metrics holds the collectors of one server instance. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	onlineUsers prometheus.Gauge
	connections prometheus.Gauge
	messages    *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
}

// New registers the soundwave collectors plus the Go runtime collectors on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "soundwave",
			Name:      "online_users",
			Help:      "Users with a registered realtime connection.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "soundwave",
			Name:      "ws_connections",
			Help:      "Open websocket connections that completed the handshake.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "soundwave",
			Name:      "messages_total",
			Help:      "Chat messages by persistence result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "soundwave",
			Name:      "deliveries_total",
			Help:      "Live delivery attempts by result.",
		}, []string{"result"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.onlineUsers,
		m.connections,
		m.messages,
		m.deliveries,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) MessageResult(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

func (m *Metrics) DeliveryResult(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}
