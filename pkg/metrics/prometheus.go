package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge
	httpTimeoutsTotal    *prometheus.CounterVec
	rateLimitedTotal     *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Call Metrics
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsDuration    *prometheus.HistogramVec
	callsFailedTotal *prometheus.CounterVec

	// Signaling Metrics
	signalsRelayedTotal *prometheus.CounterVec
	presenceOnline      prometheus.Gauge
	eventsPublished     *prometheus.CounterVec

	// Database Pool Metrics
	dbConnectionsInUse prometheus.Gauge
	dbConnectionsIdle  prometheus.Gauge
	dbPoolRejected     prometheus.Counter
}

// NewMetrics creates the metrics on a dedicated registry
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),
		httpTimeoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_request_timeouts_total",
				Help:        "HTTP requests that exceeded their deadline",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint"},
		),
		rateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_rate_limited_total",
				Help:        "Requests refused by the rate limiter",
				ConstLabels: labels,
			},
			[]string{"endpoint", "backend"},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active signaling WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of signaling WebSocket messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of signaling WebSocket errors",
				ConstLabels: labels,
			},
			[]string{"error"},
		),

		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Call lifecycle transitions by kind and resulting status",
				ConstLabels: labels,
			},
			[]string{"type", "status"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of calls created by this instance that are not yet terminal",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Connected call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"type"},
		),
		callsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Calls that never connected, by reason",
				ConstLabels: labels,
			},
			[]string{"type", "reason"},
		),

		signalsRelayedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signals_relayed_total",
				Help:        "Signaling messages handled by the relay",
				ConstLabels: labels,
			},
			[]string{"type", "outcome"},
		),
		presenceOnline: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "presence_online_users",
				Help:        "Users with a registered signaling connection on this instance",
				ConstLabels: labels,
			},
		),
		eventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_events_published_total",
				Help:        "Call lifecycle events handed to publishers",
				ConstLabels: labels,
			},
			[]string{"type", "result"},
		),

		dbConnectionsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "db_connections_in_use",
				Help:        "Database connections currently acquired",
				ConstLabels: labels,
			},
		),
		dbConnectionsIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "db_connections_idle",
				Help:        "Idle database connections in the pool",
				ConstLabels: labels,
			},
		),
		dbPoolRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "db_pool_rejected_requests_total",
				Help:        "Requests refused because the database pool was near exhaustion",
				ConstLabels: labels,
			},
		),
	}
}

// GetRegistry returns the registry backing the /metrics endpoint
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// RecordHTTPTimeout records a request that ran past its deadline
func (m *Metrics) RecordHTTPTimeout(method, endpoint string) {
	if m == nil {
		return
	}
	m.httpTimeoutsTotal.WithLabelValues(method, endpoint).Inc()
}

// RecordRateLimited records a refused request; backend is redis or memory
func (m *Metrics) RecordRateLimited(endpoint, backend string) {
	if m == nil {
		return
	}
	m.rateLimitedTotal.WithLabelValues(endpoint, backend).Inc()
}

// WebSocket Metrics Methods

// SetWebSocketConnections sets the number of active WebSocket connections
func (m *Metrics) SetWebSocketConnections(count int) {
	if m == nil {
		return
	}
	m.websocketConnections.Set(float64(count))
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// RecordWebSocketError records a WebSocket error
func (m *Metrics) RecordWebSocketError(err string) {
	if m == nil {
		return
	}
	m.websocketErrorsTotal.WithLabelValues(err).Inc()
}

// Call Metrics Methods

// RecordCall records a call reaching status
func (m *Metrics) RecordCall(callType, status string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(callType, status).Inc()
}

// IncActiveCalls marks one more call as holding its chat's slot
func (m *Metrics) IncActiveCalls() {
	if m == nil {
		return
	}
	m.callsActive.Inc()
}

// DecActiveCalls releases one active call
func (m *Metrics) DecActiveCalls() {
	if m == nil {
		return
	}
	m.callsActive.Dec()
}

// RecordCallDuration records the duration of a call
func (m *Metrics) RecordCallDuration(callType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

// RecordCallFailure records a call that ended without connecting
func (m *Metrics) RecordCallFailure(callType, reason string) {
	if m == nil {
		return
	}
	m.callsFailedTotal.WithLabelValues(callType, reason).Inc()
}

// Signaling Metrics Methods

// RecordSignal records one relay decision
func (m *Metrics) RecordSignal(msgType, outcome string) {
	if m == nil {
		return
	}
	m.signalsRelayedTotal.WithLabelValues(msgType, outcome).Inc()
}

// SetPresenceOnline sets the number of locally registered users
func (m *Metrics) SetPresenceOnline(count int) {
	if m == nil {
		return
	}
	m.presenceOnline.Set(float64(count))
}

// RecordEventPublished records a call event handed to a publisher
func (m *Metrics) RecordEventPublished(eventType string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.eventsPublished.WithLabelValues(eventType, result).Inc()
}

// Database Pool Metrics Methods

// RecordDBConnections sets the in-use and idle connection gauges
func (m *Metrics) RecordDBConnections(inUse, idle int) {
	if m == nil {
		return
	}
	m.dbConnectionsInUse.Set(float64(inUse))
	m.dbConnectionsIdle.Set(float64(idle))
}

// RecordDBPoolRejected records a request refused by the pool guard
func (m *Metrics) RecordDBPoolRejected() {
	if m == nil {
		return
	}
	m.dbPoolRejected.Inc()
}
