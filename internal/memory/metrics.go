package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var threadsExpired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "persona",
	Subsystem: "memory",
	Name:      "clarifications_expired_total",
	Help:      "Clarification threads expired by the sweeper.",
})
