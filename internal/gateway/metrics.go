package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway's operational counters. One instance per
// server; registered on its own registry so tests can run in parallel.
type Metrics struct {
	Registry *prometheus.Registry

	TasksCreated     prometheus.Counter
	LeasesGranted    prometheus.Counter
	LeaseConflicts   prometheus.Counter
	AttemptsFinished *prometheus.CounterVec
	EventsAppended   prometheus.Counter
	ExpiredLeases    prometheus.Counter
	StreamDuration   prometheus.Histogram
}

// NewMetrics builds and registers the metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		Registry: registry,
		TasksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_tasks_created_total",
			Help: "Tasks accepted through the queue and run endpoints.",
		}),
		LeasesGranted: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_leases_granted_total",
			Help: "Successful task claims.",
		}),
		LeaseConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_lease_conflicts_total",
			Help: "Heartbeat or complete calls rejected for a stale lease.",
		}),
		AttemptsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_attempts_finished_total",
			Help: "Completed attempts by resulting task status.",
		}, []string{"status"}),
		EventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_events_appended_total",
			Help: "Events ingested through the HTTP surface.",
		}),
		ExpiredLeases: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_expired_leases_total",
			Help: "Leases reclaimed by the expiry sweeper.",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "conductor_run_stream_seconds",
			Help:    "Wall-clock duration of /tasks/run responses.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
}
