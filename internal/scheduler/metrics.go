package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	queued   prometheus.Gauge
	running  prometheus.Gauge
	started  prometheus.Counter
	finished *prometheus.CounterVec
}

// newMetrics builds the scheduler's instruments. A nil registerer leaves
// them unregistered, which is what tests want.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "batchd",
			Name:      "jobs_queued",
			Help:      "Jobs currently waiting for a worker slot.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "batchd",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently owned by a worker.",
		}),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "batchd",
			Name:      "jobs_started_total",
			Help:      "Jobs that reached the Running state.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchd",
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state, by status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.queued, m.running, m.started, m.finished)
	}
	return m
}
