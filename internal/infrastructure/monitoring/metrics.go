package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics on a private registry
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive     prometheus.Gauge
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	EscalatedKills     prometheus.Counter
	BranchProbesTotal  *prometheus.CounterVec
	SuggestionRequests prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time
}

// NewMetrics creates a metrics collector with its own registry, so several
// instances can coexist in one process (tests, embedded use)
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := func(c prometheus.Collector) prometheus.Collector {
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),
	}

	m.RequestsTotal = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelld_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)).(*prometheus.CounterVec)
	m.RequestDuration = factory(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shelld_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "route"},
	)).(*prometheus.HistogramVec)

	m.SessionsActive = factory(prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shelld_sessions_active",
		Help: "Number of open sessions",
	})).(prometheus.Gauge)
	m.ExecutionsTotal = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelld_executions_total",
			Help: "Executions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)).(*prometheus.CounterVec)
	m.ExecutionDuration = factory(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shelld_execution_duration_seconds",
			Help:    "Wall time from acceptance to end event",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"kind"},
	)).(*prometheus.HistogramVec)
	m.EscalatedKills = factory(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shelld_terminations_escalated_total",
		Help: "Cancellations that needed SIGKILL after the grace window",
	})).(prometheus.Counter)
	m.BranchProbesTotal = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelld_branch_probes_total",
			Help: "Version-control branch lookups by result",
		},
		[]string{"result"},
	)).(*prometheus.CounterVec)
	m.SuggestionRequests = factory(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shelld_suggestion_requests_total",
		Help: "Completion requests served",
	})).(prometheus.Counter)

	m.WSConnections = factory(prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shelld_ws_connections",
		Help: "Number of active WebSocket connections",
	})).(prometheus.Gauge)
	m.WSMessages = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelld_ws_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction", "type"},
	)).(*prometheus.CounterVec)

	factory(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "shelld_uptime_seconds",
		Help: "Server uptime in seconds",
	}, func() float64 { return time.Since(m.startTime).Seconds() }))
	factory(collectors.NewGoCollector())
	factory(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetSessionsActive sets the number of open sessions
func (m *Metrics) SetSessionsActive(count int) {
	m.SessionsActive.Set(float64(count))
}

// RecordExecution records a finished execution
func (m *Metrics) RecordExecution(kind, outcome string, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(kind, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordEscalation counts a SIGKILL escalation
func (m *Metrics) RecordEscalation() {
	m.EscalatedKills.Inc()
}

// RecordBranchProbe counts a branch lookup
func (m *Metrics) RecordBranchProbe(result string) {
	m.BranchProbesTotal.WithLabelValues(result).Inc()
}

// RecordSuggestion counts a completion request
func (m *Metrics) RecordSuggestion() {
	m.SuggestionRequests.Inc()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}
