// Package observability exposes Prometheus metrics for upstream health and
// tool-call outcomes.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the hub's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	upstreamUp   *prometheus.GaugeVec
	toolCalls    *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	sessions     prometheus.Gauge
}

// NewMetrics creates and registers the hub collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		upstreamUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcphub",
			Name:      "upstream_up",
			Help:      "Whether the upstream server connection is established (1) or not (0).",
		}, []string{"server"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcphub",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by server, tool and outcome.",
		}, []string{"server", "tool", "status"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcphub",
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation latency by server.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"server"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcphub",
			Name:      "downstream_sessions",
			Help:      "Number of live downstream sessions.",
		}),
	}
	registry.MustRegister(m.upstreamUp, m.toolCalls, m.callDuration, m.sessions)
	return m
}

// SetUpstreamUp records connection state for a server.
func (m *Metrics) SetUpstreamUp(server string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	m.upstreamUp.WithLabelValues(server).Set(v)
}

// RemoveUpstream drops all series for a removed server.
func (m *Metrics) RemoveUpstream(server string) {
	m.upstreamUp.DeleteLabelValues(server)
	m.callDuration.DeleteLabelValues(server)
	m.toolCalls.DeletePartialMatch(prometheus.Labels{"server": server})
}

// ObserveToolCall records one invocation outcome and its latency in seconds.
func (m *Metrics) ObserveToolCall(server, tool, status string, seconds float64) {
	m.toolCalls.WithLabelValues(server, tool, status).Inc()
	m.callDuration.WithLabelValues(server).Observe(seconds)
}

// SessionOpened and SessionClosed track downstream session count.
func (m *Metrics) SessionOpened() { m.sessions.Inc() }
func (m *Metrics) SessionClosed() { m.sessions.Dec() }

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
