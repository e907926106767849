package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizsync_events_published_total",
			Help: "Frames enqueued to client connections",
		},
		[]string{"type"},
	)

	eventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizsync_events_dropped_total",
			Help: "Frames dropped because a client outbound buffer was full or closed",
		},
		[]string{"type"},
	)

	connectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quizsync_ws_connections",
			Help: "Open websocket connections",
		},
	)

	authenticatedUsersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quizsync_ws_authenticated_users",
			Help: "Distinct users with at least one authenticated connection",
		},
	)
)
