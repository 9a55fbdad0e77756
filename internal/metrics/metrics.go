// Package metrics exposes Prometheus collectors for health-check passes,
// alert dispatch, rate limiting and retry processing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hookwatch"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	passes             prometheus.Counter
	passDuration       prometheus.Histogram
	configOutcomes     *prometheus.CounterVec
	alertsDispatched   *prometheus.CounterVec
	dispatchFailures   *prometheus.CounterVec
	rateLimitDecisions *prometheus.CounterVec
	retryTransitions   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_check_passes_total",
			Help:      "Number of health-check passes run.",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_check_pass_duration_seconds",
			Help:      "Wall time of a health-check pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		configOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_evaluations_total",
			Help:      "Alert config evaluations by outcome.",
		}, []string{"outcome"}),
		alertsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_conditions_dispatched_total",
			Help:      "Alert conditions delivered to recipients, by type.",
		}, []string{"alert_type"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_dispatch_failures_total",
			Help:      "Alert batches that could not be delivered, by reason.",
		}, []string{"reason"}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter decisions by service type and result.",
		}, []string{"service_type", "decision"}),
		retryTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_transitions_total",
			Help:      "Retry queue entry transitions by resulting status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.passes,
		m.passDuration,
		m.configOutcomes,
		m.alertsDispatched,
		m.dispatchFailures,
		m.rateLimitDecisions,
		m.retryTransitions,
	)
	return m
}

// ObservePass records a completed health-check pass
func (m *Metrics) ObservePass(d time.Duration) {
	if m == nil {
		return
	}
	m.passes.Inc()
	m.passDuration.Observe(d.Seconds())
}

// ConfigOutcome counts one config evaluation outcome (skipped, failed, dispatched, ...)
func (m *Metrics) ConfigOutcome(outcome string) {
	if m == nil {
		return
	}
	m.configOutcomes.WithLabelValues(outcome).Inc()
}

// AlertDispatched counts one delivered alert condition
func (m *Metrics) AlertDispatched(alertType string) {
	if m == nil {
		return
	}
	m.alertsDispatched.WithLabelValues(alertType).Inc()
}

// DispatchFailed counts one batch that was not delivered
func (m *Metrics) DispatchFailed(reason string) {
	if m == nil {
		return
	}
	m.dispatchFailures.WithLabelValues(reason).Inc()
}

// RateLimitDecision counts one limiter decision
func (m *Metrics) RateLimitDecision(serviceType string, allowed bool) {
	if m == nil {
		return
	}
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	m.rateLimitDecisions.WithLabelValues(serviceType, decision).Inc()
}

// RetryTransition counts one retry entry moving to status
func (m *Metrics) RetryTransition(status string) {
	if m == nil {
		return
	}
	m.retryTransitions.WithLabelValues(status).Inc()
}
