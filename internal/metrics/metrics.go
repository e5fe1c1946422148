// Package metrics holds the process-wide Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	FanoutPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_fanout_published_total",
			Help: "Realtime events handed to the broker.",
		},
		[]string{"event"},
	)

	FanoutFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_fanout_failed_total",
			Help: "Realtime events that failed or were dropped before reaching the broker.",
		},
		[]string{"event"},
	)

	ReactionConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomcast_reaction_conflicts_total",
		Help: "Reaction toggles that exhausted their retry budget.",
	})

	CASRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomcast_cas_retries_total",
		Help: "Version conflicts that caused a read-modify-write to be retried.",
	})

	RealtimeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomcast_realtime_connections",
		Help: "Open websocket connections on this instance.",
	})
)

func init() {
	prometheus.MustRegister(FanoutPublished)
	prometheus.MustRegister(FanoutFailed)
	prometheus.MustRegister(ReactionConflicts)
	prometheus.MustRegister(CASRetries)
	prometheus.MustRegister(RealtimeConnections)
}
