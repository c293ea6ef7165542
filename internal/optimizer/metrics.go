package optimizer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	variantsActivated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "persona",
		Subsystem: "optimizer",
		Name:      "variants_activated_total",
		Help:      "Prompt variants made active.",
	})

	renderFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "persona",
		Subsystem: "optimizer",
		Name:      "render_fallbacks_total",
		Help:      "Model renderings replaced by heuristic text, by error kind.",
	}, []string{"kind"})
)
