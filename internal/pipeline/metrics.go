package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "persona",
		Subsystem: "pipeline",
		Name:      "messages_total",
		Help:      "Messages handled by final action and interaction.",
	}, []string{"action", "interaction"})

	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "persona",
		Subsystem: "pipeline",
		Name:      "failures_total",
		Help:      "Hard pipeline failures by stage.",
	}, []string{"stage"})

	handleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "persona",
		Subsystem: "pipeline",
		Name:      "handle_duration_seconds",
		Help:      "End-to-end message handling latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"action"})
)
