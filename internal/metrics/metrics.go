// Package metrics provides Prometheus metrics for the orchestration engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the schedulers.
type Metrics struct {
	TicksTotal        *prometheus.CounterVec
	TickDuration      *prometheus.HistogramVec
	SelectorDecisions *prometheus.CounterVec
	ReviewDecisions   *prometheus.CounterVec
	AdvisorCalls      *prometheus.CounterVec
	MergesTotal       *prometheus.CounterVec
	TimeoutsTotal     prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autodev_scheduler_ticks_total",
				Help: "Total scheduler ticks by scheduler.",
			},
			[]string{"scheduler"},
		),
		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autodev_scheduler_tick_duration_seconds",
				Help:    "Tick processing duration by scheduler.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"scheduler"},
		),
		SelectorDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autodev_selector_decisions_total",
				Help: "Task selector decisions by action.",
			},
			[]string{"action"},
		),
		ReviewDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autodev_review_decisions_total",
				Help: "Review automation decisions by action.",
			},
			[]string{"action"},
		),
		AdvisorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autodev_advisor_calls_total",
				Help: "Advisor questions by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		MergesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autodev_merges_total",
				Help: "Merge attempts by result.",
			},
			[]string{"result"},
		),
		TimeoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "autodev_task_timeouts_total",
				Help: "Tasks cancelled for exceeding a stage timeout.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autodev_errors_total",
				Help: "Errors by scheduler and type.",
			},
			[]string{"scheduler", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.TicksTotal)
	reg.MustRegister(m.TickDuration)
	reg.MustRegister(m.SelectorDecisions)
	reg.MustRegister(m.ReviewDecisions)
	reg.MustRegister(m.AdvisorCalls)
	reg.MustRegister(m.MergesTotal)
	reg.MustRegister(m.TimeoutsTotal)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTick records one completed scheduler tick.
func (m *Metrics) ObserveTick(scheduler string, elapsed time.Duration) {
	m.TicksTotal.WithLabelValues(scheduler).Inc()
	m.TickDuration.WithLabelValues(scheduler).Observe(elapsed.Seconds())
}

// RecordSelectorDecision increments the selector decision counter.
func (m *Metrics) RecordSelectorDecision(action string) {
	m.SelectorDecisions.WithLabelValues(action).Inc()
}

// RecordReviewDecision increments the review decision counter.
func (m *Metrics) RecordReviewDecision(action string) {
	m.ReviewDecisions.WithLabelValues(action).Inc()
}

// RecordAdvisorCall increments the advisor counter.
func (m *Metrics) RecordAdvisorCall(kind, outcome string) {
	m.AdvisorCalls.WithLabelValues(kind, outcome).Inc()
}

// RecordMerge increments the merge counter.
func (m *Metrics) RecordMerge(result string) {
	m.MergesTotal.WithLabelValues(result).Inc()
}

// RecordTimeout increments the stage timeout counter.
func (m *Metrics) RecordTimeout() {
	m.TimeoutsTotal.Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(scheduler, errType string) {
	m.ErrorsTotal.WithLabelValues(scheduler, errType).Inc()
}
