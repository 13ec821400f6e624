// Package metrics provides Prometheus metrics for proactive evaluation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the application metrics
type Metrics struct {
	Evaluations         *prometheus.CounterVec
	EvaluationErrors    *prometheus.CounterVec
	EvaluationDuration  prometheus.Histogram
	SweepDuration       prometheus.Histogram
	SweepPatients       *prometheus.CounterVec
	StatusChanges       prometheus.Counter
	CacheHits           prometheus.Counter
	MessagesConsumed    *prometheus.CounterVec
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
	HTTPRequests        *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the metrics and registers them with reg. A nil reg uses
// a fresh registry, which keeps tests independent of each other.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proactive_evaluations_total",
			Help: "Proactive evaluations by outcome status and rule",
		}, []string{"status", "rule"}),
		EvaluationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proactive_evaluation_errors_total",
			Help: "Evaluations that failed, by kind (validation, configuration, fetch)",
		}, []string{"kind"}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proactive_evaluation_duration_seconds",
			Help:    "Time to fetch and evaluate one patient",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proactive_sweep_duration_seconds",
			Help:    "Duration of a full chronic-patient sweep",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		SweepPatients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proactive_sweep_patients_total",
			Help: "Patients handled by sweeps, by result",
		}, []string{"result"}),
		StatusChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proactive_status_changes_total",
			Help: "Outcomes that differed from the stored snapshot",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proactive_cache_hits_total",
			Help: "Evaluations served from the per-day cache",
		}),
		MessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Kafka messages handled, by topic and result",
		}, []string{"topic", "result"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status code",
		}, []string{"method", "route", "code"}),
	}

	reg.MustRegister(
		m.Evaluations,
		m.EvaluationErrors,
		m.EvaluationDuration,
		m.SweepDuration,
		m.SweepPatients,
		m.StatusChanges,
		m.CacheHits,
		m.MessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.HTTPRequests,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}

	return m
}

// ObserveEvaluation counts one successful evaluation
func (m *Metrics) ObserveEvaluation(status string, rule int, took time.Duration) {
	m.Evaluations.WithLabelValues(status, strconv.Itoa(rule)).Inc()
	m.EvaluationDuration.Observe(took.Seconds())
}

// SetBreakerState records a breaker transition
func (m *Metrics) SetBreakerState(name, state string) {
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler serves the metrics registered through New
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
