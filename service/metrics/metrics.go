package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application. It is passed
// explicitly to every component that records metrics.
type Metrics struct {
	// Escrow engine
	escrowOperationsTotal   *prometheus.CounterVec
	escrowOperationDuration *prometheus.HistogramVec
	escrowHeld              prometheus.Gauge

	// Custody audit
	auditRunsTotal    *prometheus.CounterVec
	auditDuration     *prometheus.HistogramVec
	auditCustodyDrift prometheus.Gauge
	auditActivityTime *prometheus.HistogramVec

	// Database
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		escrowOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_operations_total",
				Help: "Total number of escrow engine operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		escrowOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_operation_duration_seconds",
				Help:    "Duration of escrow engine operations in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		escrowHeld: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "escrow_held_amount",
				Help: "Funds currently held in escrow for funded transactions",
			},
		),

		auditRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_audit_runs_total",
				Help: "Total number of custody audit workflow runs",
			},
			[]string{"status"},
		),
		auditDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "custody_audit_duration_seconds",
				Help:    "Duration of custody audit workflow runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"status"},
		),
		auditCustodyDrift: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "custody_audit_drift",
				Help: "Custody balance minus held and retained funds at the last audit",
			},
		),
		auditActivityTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "custody_audit_activity_duration_seconds",
				Help:    "Duration of custody audit activities in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"activity"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"filter"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"filter", "event_type"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Escrow metric helpers

// RecordEscrowOperation records one engine operation. outcome is "success"
// or the error class that rejected it.
func (m *Metrics) RecordEscrowOperation(operation, outcome string, duration float64) {
	m.escrowOperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.escrowOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordEscrowHeld sets the held-funds gauge.
func (m *Metrics) RecordEscrowHeld(amount float64) {
	m.escrowHeld.Set(amount)
}

// Audit metric helpers

// RecordAuditRun records a completed audit workflow run.
func (m *Metrics) RecordAuditRun(status string, duration float64) {
	m.auditRunsTotal.WithLabelValues(status).Inc()
	m.auditDuration.WithLabelValues(status).Observe(duration)
}

// RecordCustodyDrift sets the drift observed by the last audit.
func (m *Metrics) RecordCustodyDrift(drift float64) {
	m.auditCustodyDrift.Set(drift)
}

// RecordActivityDuration records audit activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	m.auditActivityTime.WithLabelValues(activity).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(filter string, delta float64) {
	m.sseActiveConnections.WithLabelValues(filter).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(filter, eventType string) {
	m.sseEventsSent.WithLabelValues(filter, eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
