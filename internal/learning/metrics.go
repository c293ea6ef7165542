package learning

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "persona",
		Subsystem: "learning",
		Name:      "runs_total",
		Help:      "Learning runs by status and publish decision.",
	}, []string{"status", "decision"})

	eventsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "persona",
		Subsystem: "learning",
		Name:      "events_applied_total",
		Help:      "Training events consumed by learning runs.",
	})

	modulesFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "persona",
		Subsystem: "learning",
		Name:      "modules_flagged_total",
		Help:      "Modules forced back to draft pending owner review.",
	})

	lockWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "persona",
		Subsystem: "learning",
		Name:      "lock_waits_total",
		Help:      "Runs that had to wait for another runner's lease.",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "persona",
		Subsystem: "learning",
		Name:      "run_duration_seconds",
		Help:      "Wall time of learning runs.",
		Buckets:   prometheus.DefBuckets,
	})
)
