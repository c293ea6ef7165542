package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "persona",
		Subsystem: "router",
		Name:      "decisions_total",
		Help:      "Routing decisions by action and primary reason.",
	}, []string{"action", "reason"})

	classifierFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "persona",
		Subsystem: "router",
		Name:      "classifier_fallbacks_total",
		Help:      "Model classification failures answered by the heuristic classifier.",
	}, []string{"kind"})
)
