package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dispatch"

// Metrics groups the collectors recorded by the dispatch service.
type Metrics struct {
	gatherer prometheus.Gatherer

	transitions          *prometheus.CounterVec
	notificationAttempts *prometheus.CounterVec
	breakerState         *prometheus.GaugeVec
	sweepDuration        prometheus.Histogram
	sweepActions         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
}

// New registers dispatch collectors on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(registry, registry)
}

// NewWithRegistry registers dispatch collectors on registerer and serves them
// from gatherer.
func NewWithRegistry(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: gatherer,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_transitions_total",
			Help:      "Request status transitions by source, target and rule.",
		}, []string{"from", "to", "rule"}),
		notificationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_attempts_total",
			Help:      "Notification delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_breaker_state",
			Help:      "Circuit breaker state per channel (0 closed, 1 half-open, 2 open).",
		}, []string{"channel"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sla_sweep_duration_seconds",
			Help:      "Duration of SLA sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		sweepActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sla_actions_total",
			Help:      "SLA actions taken by kind.",
		}, []string{"action"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route, method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
	registerer.MustRegister(
		m.transitions,
		m.notificationAttempts,
		m.breakerState,
		m.sweepDuration,
		m.sweepActions,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Transition records one request status change.
func (m *Metrics) Transition(from, to, rule string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, rule).Inc()
}

// NotificationAttempt records one delivery attempt outcome.
func (m *Metrics) NotificationAttempt(channel, outcome string) {
	if m == nil {
		return
	}
	m.notificationAttempts.WithLabelValues(channel, outcome).Inc()
}

// BreakerState records the current breaker state for channel.
func (m *Metrics) BreakerState(channel string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(channel).Set(float64(state))
}

// SweepObserved records one SLA sweep.
func (m *Metrics) SweepObserved(elapsed time.Duration, reminders, expiries int) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(elapsed.Seconds())
	m.sweepActions.WithLabelValues("reminder").Add(float64(reminders))
	m.sweepActions.WithLabelValues("expiry").Add(float64(expiries))
}

// HTTPRequest records one served HTTP request.
func (m *Metrics) HTTPRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
