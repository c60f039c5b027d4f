// Package metrics exposes Prometheus collectors for commands and tasks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Janitor collectors. A nil *Metrics records nothing.
type Metrics struct {
	reg prometheus.Gatherer

	commands     *prometheus.CounterVec
	tasksStarted *prometheus.CounterVec
	taskOutcomes *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	tasksActive  prometheus.Gauge
	busDropped   *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "janitor",
			Name:      "commands_total",
			Help:      "Commands received, by command name.",
		}, []string{"command"}),
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "janitor",
			Subsystem: "task",
			Name:      "started_total",
			Help:      "Task runs started, including restarts.",
		}, []string{"task"}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "janitor",
			Subsystem: "task",
			Name:      "outcomes_total",
			Help:      "Task runs by terminal outcome.",
		}, []string{"task", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "janitor",
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Wall time of a task run until its terminal outcome.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"task", "outcome"}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "janitor",
			Subsystem: "task",
			Name:      "active",
			Help:      "Task bodies currently executing.",
		}),
		busDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "janitor",
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Events a live watcher missed because it fell behind, by event type.",
		}, []string{"type"}),
	}
	reg.MustRegister(
		m.commands, m.tasksStarted, m.taskOutcomes, m.taskDuration, m.tasksActive, m.busDropped,
		prometheus.NewGoCollector(),
	)
	return m
}

// Command counts one received command.
func (m *Metrics) Command(name string) {
	if m == nil {
		return
	}
	if name == "" {
		name = "unknown"
	}
	m.commands.WithLabelValues(name).Inc()
}

// TaskStarted marks a task body as running.
func (m *Metrics) TaskStarted(task string) {
	if m == nil {
		return
	}
	m.tasksStarted.WithLabelValues(task).Inc()
	m.tasksActive.Inc()
}

// TaskFinished records the outcome of a task body started at start.
func (m *Metrics) TaskFinished(task, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.tasksActive.Dec()
	m.taskOutcomes.WithLabelValues(task, outcome).Inc()
	m.taskDuration.WithLabelValues(task, outcome).Observe(time.Since(start).Seconds())
}

// EventDropped counts one event a bus watcher missed.
func (m *Metrics) EventDropped(eventType string) {
	if m == nil {
		return
	}
	m.busDropped.WithLabelValues(eventType).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
