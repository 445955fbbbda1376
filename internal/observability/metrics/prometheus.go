// Package metrics provides Prometheus metrics for the dispensing service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	PrescriptionsUploaded prometheus.Counter
	Validations           *prometheus.CounterVec
	Dispenses             *prometheus.CounterVec
	OperationDuration     *prometheus.HistogramVec
	AuditEntries          prometheus.Counter
	StockAvailable        *prometheus.GaugeVec
	LowStockItems         prometheus.Gauge
	HTTPRequests          *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	SnapshotsSaved        *prometheus.CounterVec
	CircuitBreakerState   *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. Passing
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PrescriptionsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_uploaded_total",
			Help: "Total prescriptions uploaded",
		}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_validations_total",
			Help: "Validation decisions by outcome",
		}, []string{"outcome"}),
		Dispenses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispenses_total",
			Help: "Line dispense attempts by outcome",
		}, []string{"outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifecycle_operation_duration_seconds",
			Help:    "Lifecycle operation duration",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		AuditEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Audit entries appended",
		}),
		StockAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stock_available_units",
			Help: "Available units per medicine",
		}, []string{"medicine"}),
		LowStockItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stock_low_items",
			Help: "Medicines at or below the low stock threshold",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		SnapshotsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "state_snapshots_total",
			Help: "State checkpoints by result",
		}, []string{"result"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.PrescriptionsUploaded,
		m.Validations,
		m.Dispenses,
		m.OperationDuration,
		m.AuditEntries,
		m.StockAvailable,
		m.LowStockItems,
		m.HTTPRequests,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.SnapshotsSaved,
		m.CircuitBreakerState,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// ObserveOperation records the duration of one lifecycle operation.
func (m *Metrics) ObserveOperation(op string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Uploaded counts a stored prescription.
func (m *Metrics) Uploaded() {
	if m == nil {
		return
	}
	m.PrescriptionsUploaded.Inc()
	m.AuditEntries.Inc()
}

// Validated counts a validation attempt; outcome is the new status or the error kind.
func (m *Metrics) Validated(outcome string) {
	if m == nil {
		return
	}
	m.Validations.WithLabelValues(outcome).Inc()
	if outcome == "approved" || outcome == "rejected" {
		m.AuditEntries.Inc()
	}
}

// Dispensed counts a dispense attempt; outcome is "ok" or the error kind.
func (m *Metrics) Dispensed(outcome string) {
	if m == nil {
		return
	}
	m.Dispenses.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.AuditEntries.Inc()
	}
}

// SetStock publishes the current balance of one medicine.
func (m *Metrics) SetStock(medicine string, available int) {
	if m == nil {
		return
	}
	m.StockAvailable.WithLabelValues(medicine).Set(float64(available))
}

// SetLowStock publishes the number of low stock medicines.
func (m *Metrics) SetLowStock(n int) {
	if m == nil {
		return
	}
	m.LowStockItems.Set(float64(n))
}

// Request counts one served HTTP request.
func (m *Metrics) Request(method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusClass(status)).Inc()
}

// Produced counts a published Kafka record.
func (m *Metrics) Produced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

// Consumed counts a processed Kafka record.
func (m *Metrics) Consumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// SetOutboxPending publishes the number of unpublished outbox rows.
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// Snapshot counts a checkpoint attempt.
func (m *Metrics) Snapshot(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SnapshotsSaved.WithLabelValues(result).Inc()
}

// SetBreakerState publishes a breaker state.
func (m *Metrics) SetBreakerState(name, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler for the registry the metrics
// were registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
