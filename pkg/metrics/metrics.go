// Package metrics exposes Prometheus instruments for the orchestration engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskflow"

// Metrics groups the engine instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
	dispatchErrors  prometheus.Counter
	ruleRuns        *prometheus.CounterVec
	actionRuns      *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	conflictRetries prometheus.Counter
	inFlight        prometheus.Gauge
}

// New registers the instruments on a fresh registry together with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "task_transitions_total", Help: "Applied task status transitions."},
		[]string{"from", "to"},
	)
	m.rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "task_transitions_rejected_total", Help: "Rejected task status transitions."},
		[]string{"from", "to"},
	)
	m.dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "task_dispatches_total", Help: "Tasks handed to the execution engine by trigger cause."},
		[]string{"cause"},
	)
	m.dispatchErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "task_dispatch_errors_total", Help: "Dispatch attempts refused by the execution engine."},
	)
	m.ruleRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "automation_rule_runs_total", Help: "Automation rules whose conditions matched."},
		[]string{"trigger"},
	)
	m.actionRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "automation_action_runs_total", Help: "Automation actions by type and outcome."},
		[]string{"action", "outcome"},
	)
	m.actionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "automation_action_duration_seconds", Help: "Duration of automation actions.", Buckets: prometheus.DefBuckets},
		[]string{"action"},
	)
	m.conflictRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "workflow_conflict_retries_total", Help: "Optimistic concurrency retries on workflow executions."},
	)
	m.inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "task_executions_in_flight", Help: "Task executions currently held by the execution lock."},
	)

	reg.MustRegister(
		m.transitions,
		m.rejections,
		m.dispatches,
		m.dispatchErrors,
		m.ruleRuns,
		m.actionRuns,
		m.actionDuration,
		m.conflictRetries,
		m.inFlight,
	)

	return m
}

// Registry returns the underlying registry, for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TransitionApplied(from, to string) {
	if m == nil {
		return
	}

	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) TransitionRejected(from, to string) {
	if m == nil {
		return
	}

	m.rejections.WithLabelValues(from, to).Inc()
}

func (m *Metrics) TaskDispatched(cause string) {
	if m == nil {
		return
	}

	m.dispatches.WithLabelValues(cause).Inc()
	m.inFlight.Inc()
}

func (m *Metrics) DispatchFailed() {
	if m == nil {
		return
	}

	m.dispatchErrors.Inc()
}

// ExecutionReleased decrements the in-flight gauge when a dispatched task reports back.
func (m *Metrics) ExecutionReleased() {
	if m == nil {
		return
	}

	m.inFlight.Dec()
}

func (m *Metrics) RuleMatched(trigger string) {
	if m == nil {
		return
	}

	m.ruleRuns.WithLabelValues(trigger).Inc()
}

func (m *Metrics) ActionFinished(action string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}

	m.actionRuns.WithLabelValues(action, outcome).Inc()
	m.actionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *Metrics) ConflictRetried() {
	if m == nil {
		return
	}

	m.conflictRetries.Inc()
}
