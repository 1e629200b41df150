package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors. Gauges are
// sampled from the registry and session table on scrape.
type Metrics struct {
	MessagesTotal *prometheus.CounterVec
	SessionErrors prometheus.Counter

	openConnections prometheus.GaugeFunc
	activeSessions  prometheus.GaugeFunc
}

// New registers the relay collectors with reg. The connections and
// sessions callbacks are evaluated on scrape.
func New(reg prometheus.Registerer, connections, sessions func() int) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Inbound control messages by type.",
		}, []string{"type"}),
		SessionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_session_errors_total",
			Help: "session-error notices sent to clients.",
		}),
		openConnections: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_open_connections",
			Help: "Currently open websocket connections.",
		}, func() float64 { return float64(connections()) }),
		activeSessions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Currently registered sessions.",
		}, func() float64 { return float64(sessions()) }),
	}
	reg.MustRegister(m.MessagesTotal, m.SessionErrors, m.openConnections, m.activeSessions)
	return m
}
