// Package metrics exposes the core's counters on a private Prometheus registry.
// All methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh outcomes.
const (
	RefreshSuccess   = "success"
	RefreshFailure   = "failure"
	RefreshShared    = "shared"
	RefreshCooldown  = "cooldown"
	RefreshExhausted = "exhausted"
)

// Metrics groups the collectors registered by the core.
type Metrics struct {
	Registry *prometheus.Registry

	refreshes      *prometheus.CounterVec
	requests       *prometheus.CounterVec
	realtimeEvents *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	connected      prometheus.Gauge
}

// New builds a registry with the core collectors plus Go runtime metrics.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_refresh_total",
			Help: "Refresh requests by outcome; only success and failure reached the server",
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "REST calls by method and outcome",
		}, []string{"method", "outcome"}),
		realtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_realtime_events_total",
			Help: "Realtime events by direction and name",
		}, []string{"direction", "event"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_rate_limited_total",
			Help: "Calls refused by a client-side limit",
		}, []string{"op"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_realtime_connected",
			Help: "1 while the realtime channel is connected",
		}),
	}
	m.Registry.MustRegister(
		m.refreshes, m.requests, m.realtimeEvents, m.rateLimited, m.connected,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Request(method, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) RealtimeEvent(direction, event string) {
	if m == nil {
		return
	}
	m.realtimeEvents.WithLabelValues(direction, event).Inc()
}

func (m *Metrics) RateLimited(op string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(op).Inc()
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
