// ABOUTME: Prometheus metrics for the worker: in-flight gauge, backlog gauge, outcome
// ABOUTME: and rejection counters, rescue counter.
package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inflightJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobq",
		Subsystem: "worker",
		Name:      "inflight_jobs",
		Help:      "Jobs currently executing in this worker's pool.",
	})

	backlogJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobq",
		Subsystem: "worker",
		Name:      "backlog_jobs",
		Help:      "Ready job requests visible in this worker's queues at the last stats tick.",
	})

	jobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobq",
		Subsystem: "worker",
		Name:      "job_outcomes_total",
		Help:      "Terminal job results recorded by this worker, by class and outcome.",
	}, []string{"job_class", "outcome"})

	pickupRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobq",
		Subsystem: "worker",
		Name:      "pickup_rejects_total",
		Help:      "Pickup attempts rejected by the concurrency-limit evaluator.",
	}, []string{"job_class"})

	rescuedJobs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobq",
		Subsystem: "worker",
		Name:      "rescued_jobs_total",
		Help:      "Lost job processes terminalized by the rescue task.",
	})
)
