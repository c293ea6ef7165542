package feedback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "persona",
	Subsystem: "feedback",
	Name:      "events_ingested_total",
	Help:      "Training events ingested by source, type and outcome (created, duplicate).",
}, []string{"source", "type", "outcome"})
