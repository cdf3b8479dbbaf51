package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "motionforge",
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Generation jobs by outcome (submitted, rejected, done, error).",
	}, []string{"result"})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "motionforge",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Wall time of a generation job.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "motionforge",
		Subsystem: "worker",
		Name:      "queue_depth",
		Help:      "Jobs waiting in per-client queues.",
	})

	workersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "motionforge",
		Subsystem: "worker",
		Name:      "workers_running",
		Help:      "Workers alive in the pool.",
	})

	busyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "motionforge",
		Subsystem: "worker",
		Name:      "workers_busy",
		Help:      "Workers currently running a job.",
	})
)
