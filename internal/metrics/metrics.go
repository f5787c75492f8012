// Package metrics exposes the reactor and protocol counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	accepted  prometheus.Counter
	rejected  prometheus.Counter
	expired   prometheus.Counter
	active    prometheus.Gauge
	dropped   prometheus.Counter
	responses *prometheus.CounterVec
	sent      prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Passing a fresh registry keeps
// tests independent of the global default.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		accepted: f.NewCounter(prometheus.CounterOpts{
			Name: "tinyweb_connections_accepted_total",
			Help: "Connections accepted by the reactor",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "tinyweb_connections_rejected_total",
			Help: "Connections refused at the connection ceiling",
		}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Name: "tinyweb_connections_expired_total",
			Help: "Idle connections closed by the timer sweep",
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Name: "tinyweb_connections_active",
			Help: "Currently open client connections",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "tinyweb_tasks_rejected_total",
			Help: "Tasks refused because the worker queue was full",
		}),
		responses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tinyweb_responses_total",
			Help: "Responses prepared, by status code",
		}, []string{"status"}),
		sent: f.NewCounter(prometheus.CounterOpts{
			Name: "tinyweb_sent_bytes_total",
			Help: "Bytes written to client sockets",
		}),
		gatherer: reg,
	}
}

func (m *Metrics) ConnAccepted() {
	if m != nil {
		m.accepted.Inc()
		m.active.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.active.Dec()
	}
}

func (m *Metrics) ConnRejected() {
	if m != nil {
		m.rejected.Inc()
	}
}

func (m *Metrics) ConnExpired() {
	if m != nil {
		m.expired.Inc()
	}
}

func (m *Metrics) TaskDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) Response(status int) {
	if m != nil {
		m.responses.WithLabelValues(strconv.Itoa(status)).Inc()
	}
}

func (m *Metrics) BytesSent(n int) {
	if m != nil && n > 0 {
		m.sent.Add(float64(n))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
