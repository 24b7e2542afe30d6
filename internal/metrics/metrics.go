// Package metrics exposes Prometheus collectors for orchestration activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cycle_orch"

// Metrics holds the orchestrator's collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	jobsActive      prometheus.Gauge
	jobTransitions  *prometheus.CounterVec
	tasks           *prometheus.CounterVec
	taskRetries     prometheus.Counter
	taskDuration    *prometheus.HistogramVec
	cycles          *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	eventsPublished prometheus.Counter
	subscribers     prometheus.Gauge
}

// MustNew registers the collectors with reg and panics on conflicts
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Jobs whose control loop is currently running.",
		}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job status transitions by target status.",
		}, []string{"to"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks reaching a terminal status.",
		}, []string{"status"}),
		taskRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Task attempts beyond the first.",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time from task start to terminal status.",
			Buckets:   []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"status"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Finished cycles by outcome.",
		}, []string{"outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open).",
		}, []string{"name"}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published to the broadcaster.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Live event subscribers across all jobs.",
		}),
	}

	reg.MustRegister(
		m.jobsActive,
		m.jobTransitions,
		m.tasks,
		m.taskRetries,
		m.taskDuration,
		m.cycles,
		m.breakerState,
		m.eventsPublished,
		m.subscribers,
	)
	return m
}

// JobLoopStarted increments the active-jobs gauge
func (m *Metrics) JobLoopStarted() {
	if m == nil {
		return
	}
	m.jobsActive.Inc()
}

// JobLoopStopped decrements the active-jobs gauge
func (m *Metrics) JobLoopStopped() {
	if m == nil {
		return
	}
	m.jobsActive.Dec()
}

// JobTransition counts a status change
func (m *Metrics) JobTransition(to string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(to).Inc()
}

// TaskFinished counts a task reaching status after running for d
func (m *Metrics) TaskFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(status).Inc()
	if d > 0 {
		m.taskDuration.WithLabelValues(status).Observe(d.Seconds())
	}
}

// TaskRetried counts one retry attempt
func (m *Metrics) TaskRetried() {
	if m == nil {
		return
	}
	m.taskRetries.Inc()
}

// CycleFinished counts a cycle by outcome (completed, failed, converged)
func (m *Metrics) CycleFinished(outcome string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
}

// BreakerState records a breaker's state as its ordinal
func (m *Metrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// EventPublished counts one published event
func (m *Metrics) EventPublished() {
	if m == nil {
		return
	}
	m.eventsPublished.Inc()
}

// SubscribersChanged adjusts the live subscriber gauge
func (m *Metrics) SubscribersChanged(delta int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}
