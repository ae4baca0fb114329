// Package observability exposes the engine's Prometheus metrics,
// grounded on the teacher's observability/metrics.go: a single Metrics
// struct of promauto-registered collectors passed explicitly to whatever
// needs to record against it, rather than package-level globals.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the engine records against. Construct
// one with NewMetrics and thread it through the engine and dispatcher.
type Metrics struct {
	QueueDepth       *prometheus.GaugeVec
	OldestTaskAge    prometheus.Gauge
	DispatchTotal    *prometheus.CounterVec
	RejectionsTotal  *prometheus.CounterVec
	RetryTotal       prometheus.Counter
	SchedulerPromote prometheus.Counter
	TickDuration     *prometheus.HistogramVec
	TasksInFlight    prometheus.Gauge
}

// NewMetrics registers every collector against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry across parallel test packages.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskqueue",
			Name:      "queue_depth",
			Help:      "Number of tasks waiting in the ready queue (all priorities), sampled each time a task of the labelled priority is dispatched; not a per-priority count.",
		}, []string{"priority"}),
		OldestTaskAge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskqueue",
			Name:      "oldest_task_age_seconds",
			Help:      "Age in seconds of the task at the head of the ready queue (highest priority, then oldest), sampled at each dispatch; older lower-priority tasks are not considered.",
		}),
		DispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskqueue",
			Name:      "dispatch_total",
			Help:      "Dispatch decisions, partitioned by outcome (completed, failed, timeout, no_handler).",
		}, []string{"outcome"}),
		RejectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskqueue",
			Name:      "rejections_total",
			Help:      "Submissions rejected, partitioned by reason.",
		}, []string{"reason"}),
		RetryTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "taskqueue",
			Name:      "retry_promotions_total",
			Help:      "Failed tasks promoted back to pending by the retry controller.",
		}),
		SchedulerPromote: f.NewCounter(prometheus.CounterOpts{
			Namespace: "taskqueue",
			Name:      "scheduler_promotions_total",
			Help:      "Scheduled tasks promoted to pending by the scheduler tick.",
		}),
		TickDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskqueue",
			Name:      "loop_duration_seconds",
			Help:      "Wall time spent in a single iteration of a background loop.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"loop"}),
		TasksInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskqueue",
			Name:      "tasks_in_flight",
			Help:      "Number of tasks currently in the Running state on this process.",
		}),
	}
}
