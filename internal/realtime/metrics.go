// Package realtime provides the broadcaster and session registry that fan
// board mutations (TASK_CREATED, TASK_MOVED, REBALANCED, PRESENCE_UPDATE, ...)
// out to every connected websocket session (spec component C5).
package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RealtimeMetrics tracks the broadcaster's connection and fan-out behavior.
type RealtimeMetrics struct {
	// ConnectionsActive is the current number of open board websocket sessions.
	ConnectionsActive prometheus.Gauge

	// EventsTotal is the total number of board messages fanned out, by kind
	// ("broadcast" vs "rebalance") and source.
	EventsTotal *prometheus.CounterVec

	// ErrorsTotal is the total number of delivery errors, by error type.
	ErrorsTotal *prometheus.CounterVec

	// ReconnectTotal counts sessions whose clientId was already registered
	// when they connected — a client resuming after a drop rather than a
	// brand new participant joining the board.
	ReconnectTotal prometheus.Counter

	// BroadcastDuration is the wall-clock time spent fanning one message out
	// to every recipient session (histogram).
	BroadcastDuration prometheus.Histogram
}

// NewRealtimeMetrics creates a new RealtimeMetrics instance.
func NewRealtimeMetrics(namespace string) *RealtimeMetrics {
	return &RealtimeMetrics{
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connections_active_total",
			Help:      "Current number of open board websocket sessions",
		}),

		EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Total number of board messages fanned out (by kind and source)",
		}, []string{"type", "source"}),

		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "errors_total",
			Help:      "Total number of errors (by error type)",
		}, []string{"error_type"}),

		ReconnectTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "reconnect_total",
			Help:      "Total number of sessions that reconnected under a clientId already registered",
		}),

		BroadcastDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "broadcast_duration_seconds",
			Help:      "Duration of one fan-out to every recipient session (seconds)",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to 1s
		}),
	}
}
