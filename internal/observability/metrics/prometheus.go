// Package metrics provides Prometheus metrics for the safety engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	MedicationsRegistered   prometheus.Counter
	InteractionsRegistered  prometheus.Counter
	SafetyChecks            *prometheus.CounterVec
	SafetyWarnings          *prometheus.CounterVec
	OverridesRecorded       prometheus.Counter
	PrescriptionTransitions *prometheus.CounterVec
	OperationDuration       *prometheus.HistogramVec
	EventsDropped           prometheus.Counter
	CircuitBreakerState     *prometheus.GaugeVec
	HTTPRequests            *prometheus.CounterVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		MedicationsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medsafe_medications_registered_total",
			Help: "Total medications added to the catalog",
		}),
		InteractionsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medsafe_interactions_registered_total",
			Help: "Total drug interactions registered",
		}),
		SafetyChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsafe_safety_checks_total",
			Help: "Safety checks performed, by check kind",
		}, []string{"check"}),
		SafetyWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsafe_safety_warnings_total",
			Help: "Warnings produced by safety checks",
		}, []string{"source", "severity"}),
		OverridesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medsafe_overrides_recorded_total",
			Help: "Total interaction overrides recorded",
		}),
		PrescriptionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsafe_prescription_transitions_total",
			Help: "Prescription lifecycle transitions, by resulting status",
		}, []string{"status"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medsafe_operation_duration_seconds",
			Help:    "Engine operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medsafe_events_dropped_total",
			Help: "Events that could not be published",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "medsafe_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsafe_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "status"}),
	}

	reg.MustRegister(
		m.MedicationsRegistered,
		m.InteractionsRegistered,
		m.SafetyChecks,
		m.SafetyWarnings,
		m.OverridesRecorded,
		m.PrescriptionTransitions,
		m.OperationDuration,
		m.EventsDropped,
		m.CircuitBreakerState,
		m.HTTPRequests,
	)

	return m
}

// ObserveOperation records the time elapsed since start for op.
func (m *Metrics) ObserveOperation(op string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// MedicationRegistered counts a catalog registration.
func (m *Metrics) MedicationRegistered() {
	if m == nil {
		return
	}
	m.MedicationsRegistered.Inc()
}

// InteractionRegistered counts a registry insertion.
func (m *Metrics) InteractionRegistered() {
	if m == nil {
		return
	}
	m.InteractionsRegistered.Inc()
}

// Check counts one safety check of the given kind.
func (m *Metrics) Check(check string) {
	if m == nil {
		return
	}
	m.SafetyChecks.WithLabelValues(check).Inc()
}

// Warning counts one produced warning.
func (m *Metrics) Warning(source, severity string) {
	if m == nil {
		return
	}
	m.SafetyWarnings.WithLabelValues(source, severity).Inc()
}

// OverrideRecorded counts a stored override.
func (m *Metrics) OverrideRecorded() {
	if m == nil {
		return
	}
	m.OverridesRecorded.Inc()
}

// Transition counts a prescription reaching status.
func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.PrescriptionTransitions.WithLabelValues(status).Inc()
}

// EventDropped counts an unpublished event.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// BreakerState records the state ("closed", "half-open" or "open") of a
// named breaker.
func (m *Metrics) BreakerState(name, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Request counts a served HTTP request.
func (m *Metrics) Request(method string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// Handler returns the Prometheus HTTP handler for g. A nil g serves the
// default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
