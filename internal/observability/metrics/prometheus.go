// Package metrics provides Prometheus metrics for the dispensary services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-dispensary/internal/domain/inventory"
	"github.com/drfirst/go-dispensary/internal/notification"
)

// Metrics holds all application metrics
type Metrics struct {
	StockIntakes          *prometheus.CounterVec
	UnitsReceived         prometheus.Counter
	Dispenses             *prometheus.CounterVec
	UnitsDispensed        *prometheus.CounterVec
	DispensesRejected     *prometheus.CounterVec
	ReportsGenerated      *prometheus.CounterVec
	ReportDuration        *prometheus.HistogramVec
	NotificationsCreated  *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPublishedTotal  *prometheus.CounterVec
	OutboxFailuresTotal   *prometheus.CounterVec
	OutboxDeadLetters     prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
	HTTPRequests          *prometheus.CounterVec
	HTTPDuration          *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and prometheus.NewRegistry() in
// tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StockIntakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_stock_intakes_total",
			Help: "Stock intakes, by whether they merged into an existing lot",
		}, []string{"merged"}),
		UnitsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inventory_units_received_total",
			Help: "Total units received",
		}),
		Dispenses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_dispenses_total",
			Help: "Dispense records written, by source",
		}, []string{"source"}),
		UnitsDispensed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_units_dispensed_total",
			Help: "Units dispensed, by source",
		}, []string{"source"}),
		DispensesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_dispenses_rejected_total",
			Help: "Rejected dispense attempts, by reason",
		}, []string{"reason"}),
		ReportsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reports_generated_total",
			Help: "Dispense history reports generated, by format",
		}, []string{"format"}),
		ReportDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "report_generation_duration_seconds",
			Help:    "Report generation duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"format"}),
		NotificationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Stock alerts recorded, by type",
		}, []string{"type"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox entries published, by event type",
		}, []string{"event_type"}),
		OutboxFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Failed outbox publish attempts, by event type",
		}, []string{"event_type"}),
		OutboxDeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_dead_lettered_total",
			Help: "Outbox entries moved to the dead letter topic",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests, by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.StockIntakes,
		m.UnitsReceived,
		m.Dispenses,
		m.UnitsDispensed,
		m.DispensesRejected,
		m.ReportsGenerated,
		m.ReportDuration,
		m.NotificationsCreated,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPublishedTotal,
		m.OutboxFailuresTotal,
		m.OutboxDeadLetters,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.HTTPRequests,
		m.HTTPDuration,
	)

	return m
}

// StockReceived implements inventory.Recorder.
func (m *Metrics) StockReceived(merged bool, quantity int) {
	m.StockIntakes.WithLabelValues(strconv.FormatBool(merged)).Inc()
	m.UnitsReceived.Add(float64(quantity))
}

// Dispensed implements inventory.Recorder.
func (m *Metrics) Dispensed(source inventory.Source, quantity int) {
	m.Dispenses.WithLabelValues(string(source)).Inc()
	m.UnitsDispensed.WithLabelValues(string(source)).Add(float64(quantity))
}

// DispenseRejected implements inventory.Recorder.
func (m *Metrics) DispenseRejected(reason string) {
	m.DispensesRejected.WithLabelValues(reason).Inc()
}

// ReportGenerated records one rendered report.
func (m *Metrics) ReportGenerated(format string, elapsed time.Duration) {
	m.ReportsGenerated.WithLabelValues(format).Inc()
	m.ReportDuration.WithLabelValues(format).Observe(elapsed.Seconds())
}

// NotificationCreated implements notification.Recorder.
func (m *Metrics) NotificationCreated(t notification.Type) {
	m.NotificationsCreated.WithLabelValues(string(t)).Inc()
}

// OutboxPublished implements postgres.OutboxRecorder.
func (m *Metrics) OutboxPublished(eventType string) {
	m.OutboxPublishedTotal.WithLabelValues(eventType).Inc()
}

// OutboxFailed implements postgres.OutboxRecorder.
func (m *Metrics) OutboxFailed(eventType string) {
	m.OutboxFailuresTotal.WithLabelValues(eventType).Inc()
}

// OutboxDeadLettered implements postgres.OutboxRecorder.
func (m *Metrics) OutboxDeadLettered(count int) {
	m.OutboxDeadLetters.Add(float64(count))
}

// BreakerStateChanged records a circuit breaker transition.
func (m *Metrics) BreakerStateChanged(name string, state int) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler returns the Prometheus HTTP handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves metrics from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
