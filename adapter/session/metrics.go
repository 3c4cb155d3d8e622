package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors a Manager reports to.
type Metrics struct {
	state      prometheus.Gauge
	requests   *prometheus.CounterVec
	renewals   *prometheus.CounterVec
	heartbeats *prometheus.CounterVec
	pending    prometheus.Gauge
}

// NewMetrics creates the session collectors and registers them on registry.
// A nil registry keeps them private, which is what tests and one-off tools want.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradovate",
			Subsystem: "session",
			Name:      "state",
			Help:      "Current session state (0 unauthenticated, 1 authenticating, 2 authenticated, 3 renewing, 4 closed)",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradovate",
			Subsystem: "session",
			Name:      "requests_total",
			Help:      "Socket requests by result (ok, rejected, timeout, error)",
		}, []string{"result"}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradovate",
			Subsystem: "session",
			Name:      "renewals_total",
			Help:      "Token renewals by result (ok, error)",
		}, []string{"result"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradovate",
			Subsystem: "session",
			Name:      "heartbeats_total",
			Help:      "Keep-alive frames by result (ok, error)",
		}, []string{"result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradovate",
			Subsystem: "session",
			Name:      "pending_requests",
			Help:      "Socket requests awaiting a response",
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.state,
			m.requests,
			m.renewals,
			m.heartbeats,
			m.pending,
		)
	}
	return m
}

func (m *Metrics) setState(s State) {
	m.state.Set(float64(s))
}

func (m *Metrics) observeRequest(result string) {
	m.requests.WithLabelValues(result).Inc()
}

func (m *Metrics) observeRenewal(err error) {
	m.renewals.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) observeHeartbeat(err error) {
	m.heartbeats.WithLabelValues(resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
