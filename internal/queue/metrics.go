package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "podscribe",
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Jobs inserted into the queue, by kind.",
	}, []string{"kind"})

	jobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "podscribe",
		Subsystem: "queue",
		Name:      "jobs_claimed_total",
		Help:      "Jobs claimed, by kind and claimer locality.",
	}, []string{"kind", "claimer"})

	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "podscribe",
		Subsystem: "queue",
		Name:      "jobs_completed_total",
		Help:      "Jobs completed, by kind.",
	}, []string{"kind"})

	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "podscribe",
		Subsystem: "queue",
		Name:      "jobs_failed_total",
		Help:      "Job failures, by reason and outcome (requeued or terminal).",
	}, []string{"reason", "outcome"})

	jobsReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "podscribe",
		Subsystem: "queue",
		Name:      "jobs_reclaimed_total",
		Help:      "Jobs reclaimed by the timeout sweep, by outcome.",
	}, []string{"outcome"})
)
