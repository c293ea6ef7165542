package review

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var itemsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "persona",
	Subsystem: "review",
	Name:      "items_enqueued_total",
	Help:      "Review items queued by primary reason and priority.",
}, []string{"reason", "priority"})
