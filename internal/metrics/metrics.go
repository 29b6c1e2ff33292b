// Package metrics exposes Prometheus collectors for the scoring pipeline.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

// Metrics holds every collector Kestrel publishes.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Analysis
	TransactionsScored *prometheus.CounterVec
	TransactionsFailed prometheus.Counter
	Executions         *prometheus.CounterVec
	AnalysisDuration   prometheus.Histogram
	FraudRiskScores    prometheus.Histogram
	AlertsTriggered    *prometheus.CounterVec
	SignalUnavailable  *prometheus.CounterVec

	// Rule catalog
	RuleReloads    *prometheus.CounterVec
	CatalogVersion prometheus.Gauge
	CatalogRules   prometheus.Gauge

	// Feedback
	FeedbackSubmitted *prometheus.CounterVec

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates a Metrics with its own registry, so tests and multiple
// servers in one process never collide on registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TransactionsScored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "analysis",
				Name:      "transactions_scored_total",
				Help:      "Transactions scored, by risk category",
			},
			[]string{"category"},
		),
		TransactionsFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "analysis",
				Name:      "transactions_failed_total",
				Help:      "Transactions rejected by validation",
			},
		),
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "analysis",
				Name:      "executions_total",
				Help:      "Batch executions, by outcome and method",
			},
			[]string{"outcome", "method"},
		),
		AnalysisDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "analysis",
				Name:      "duration_seconds",
				Help:      "Wall time of one batch analysis",
				Buckets:   prometheus.DefBuckets,
			},
		),
		FraudRiskScores: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "analysis",
				Name:      "fraud_risk_score",
				Help:      "Distribution of fused fraud risk scores",
				Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
		),
		AlertsTriggered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rules",
				Name:      "alerts_triggered_total",
				Help:      "Alerts raised, by rule and severity",
			},
			[]string{"rule", "severity"},
		),
		SignalUnavailable: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "inference",
				Name:      "signal_unavailable_total",
				Help:      "Model signals treated as absent after a provider failure",
			},
			[]string{"model"},
		),
		RuleReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rules",
				Name:      "reloads_total",
				Help:      "Catalog reload attempts, by result",
			},
			[]string{"result"},
		),
		CatalogVersion: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "rules",
				Name:      "catalog_version",
				Help:      "Version of the active rule catalog snapshot",
			},
		),
		CatalogRules: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "rules",
				Name:      "catalog_rules",
				Help:      "Number of rules in the active catalog snapshot",
			},
		),
		FeedbackSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "feedback",
				Name:      "submitted_total",
				Help:      "Analyst feedback entries, by decision",
			},
			[]string{"decision"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests, by route pattern, method and status code",
			},
			[]string{"route", "method", "code"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency, by route pattern",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"route"},
		),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveScored records one scored transaction and its alerts.
func (m *Metrics) ObserveScored(category string, score float64, alerts map[string]string) {
	if m == nil {
		return
	}
	m.TransactionsScored.WithLabelValues(category).Inc()
	m.FraudRiskScores.Observe(score)
	for rule, severity := range alerts {
		m.AlertsTriggered.WithLabelValues(rule, severity).Inc()
	}
}

// ObserveFailed records n transactions rejected by validation.
func (m *Metrics) ObserveFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TransactionsFailed.Add(float64(n))
}

// ObserveExecution records the outcome and wall time of one batch.
func (m *Metrics) ObserveExecution(outcome, method string, seconds float64) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(outcome, method).Inc()
	m.AnalysisDuration.Observe(seconds)
}

// ObserveSignalUnavailable records a model signal dropped after a failure.
func (m *Metrics) ObserveSignalUnavailable(model string) {
	if m == nil {
		return
	}
	m.SignalUnavailable.WithLabelValues(model).Inc()
}

// ObserveReload records a catalog reload attempt.
func (m *Metrics) ObserveReload(ok bool, version uint64, rules int) {
	if m == nil {
		return
	}
	if !ok {
		m.RuleReloads.WithLabelValues("failure").Inc()
		return
	}
	m.RuleReloads.WithLabelValues("success").Inc()
	m.CatalogVersion.Set(float64(version))
	m.CatalogRules.Set(float64(rules))
}

// ObserveFeedback records a stored feedback entry.
func (m *Metrics) ObserveFeedback(decision string) {
	if m == nil {
		return
	}
	m.FeedbackSubmitted.WithLabelValues(decision).Inc()
}

// ObserveHTTP records one served request. route is the matched pattern,
// never the raw path, so ids do not explode the label set.
func (m *Metrics) ObserveHTTP(route, method string, code int, seconds float64) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(seconds)
}
