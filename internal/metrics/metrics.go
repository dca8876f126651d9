// Package metrics defines the Prometheus instruments the daemon exposes on
// /metrics. All instruments live in a private registry so tests can build
// isolated instances without colliding on the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Launch outcomes recorded on the launches counter.
const (
	OutcomeLaunched = "launched"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Metrics aggregates the daemon's Prometheus instruments. The recorder
// methods are nil-receiver safe, so components can run without a metrics
// sink in tests.
type Metrics struct {
	registry *prometheus.Registry

	// Launches counts launch attempts by provider type and outcome.
	// Labels: type (claude|gemini|synthetic), outcome (launched|rejected|failed)
	Launches *prometheus.CounterVec

	// LaunchDuration measures the time from dequeue to a started runner.
	// Labels: type
	LaunchDuration *prometheus.HistogramVec

	// ActiveAgents tracks agents with a live runner.
	ActiveAgents prometheus.Gauge

	// MessagesPersisted counts timeline messages written to the store.
	// Labels: kind
	MessagesPersisted *prometheus.CounterVec

	// WSConnections tracks connected websocket clients.
	WSConnections prometheus.Gauge

	// HTTPRequests counts REST requests. Labels: method, path, status
	HTTPRequests *prometheus.CounterVec

	// HTTPRequestDuration measures REST request latency in seconds.
	// Labels: method, path
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the instrument set on a fresh registry, including the standard
// Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		Launches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_launches_total",
				Help: "Launch attempts by provider type and outcome",
			},
			[]string{"type", "outcome"},
		),

		LaunchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentd_launch_duration_seconds",
				Help:    "Time from dequeue to a started runner in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"type"},
		),

		ActiveAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentd_active_agents",
				Help: "Agents with a live runner",
			},
		),

		MessagesPersisted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_messages_persisted_total",
				Help: "Timeline messages written to the store by kind",
			},
			[]string{"kind"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentd_ws_connections",
				Help: "Connected websocket clients",
			},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_http_requests_total",
				Help: "REST requests by method, path, and status code",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentd_http_request_duration_seconds",
				Help:    "REST request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterQueueDepth exposes the launch queue depth as a gauge sampled on
// scrape.
func (m *Metrics) RegisterQueueDepth(depth func() float64) {
	if m == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentd_queue_depth",
		Help: "Launches waiting in the queue",
	}, depth)
}

// RecordLaunch counts one launch attempt.
func (m *Metrics) RecordLaunch(agentType, outcome string) {
	if m == nil {
		return
	}
	m.Launches.WithLabelValues(agentType, outcome).Inc()
}

// RecordLaunchDuration records how long a dequeued launch took to start.
func (m *Metrics) RecordLaunchDuration(agentType string, seconds float64) {
	if m == nil {
		return
	}
	m.LaunchDuration.WithLabelValues(agentType).Observe(seconds)
}

// AgentStarted increments the live-runner gauge.
func (m *Metrics) AgentStarted() {
	if m == nil {
		return
	}
	m.ActiveAgents.Inc()
}

// AgentFinished decrements the live-runner gauge.
func (m *Metrics) AgentFinished() {
	if m == nil {
		return
	}
	m.ActiveAgents.Dec()
}

// RecordMessagePersisted counts one stored timeline message.
func (m *Metrics) RecordMessagePersisted(kind string) {
	if m == nil {
		return
	}
	m.MessagesPersisted.WithLabelValues(kind).Inc()
}

// ClientConnected increments the websocket connection gauge.
func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// ClientDisconnected decrements the websocket connection gauge.
func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// RecordHTTPRequest counts one REST request and its latency.
func (m *Metrics) RecordHTTPRequest(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}
