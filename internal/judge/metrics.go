package judge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	verdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "persona",
		Subsystem: "judge",
		Name:      "verdicts_total",
		Help:      "Judge verdicts by outcome (pass, rewritten, blocked).",
	}, []string{"outcome"})

	rewritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "persona",
		Subsystem: "judge",
		Name:      "rewrites_total",
		Help:      "Rewrites applied by source (model, scrub).",
	}, []string{"source"})
)
