package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gateway metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tutorlink_ws_connections_active",
			Help: "Currently registered WebSocket connections",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorlink_ws_connections_total",
			Help: "Connection attempts by result",
		},
		[]string{"result"}, // "accepted" or "rejected"
	)

	RoomJoins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tutorlink_room_joins_total",
			Help: "Connections subscribed to a room",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tutorlink_ws_events_dropped_total",
			Help: "Outbound events dropped because a client buffer was full",
		},
	)

	// Messaging metrics
	MessagesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorlink_messages_submitted_total",
			Help: "Submitted chat messages by result",
		},
		[]string{"result"},
	)

	BroadcastRecipients = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tutorlink_broadcast_recipients",
			Help:    "Connections reached per live message broadcast",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorlink_jobs_processed_total",
			Help: "Persistence jobs by outcome",
		},
		[]string{"outcome"}, // "stored", "duplicate", "failed"
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorlink_history_cache_lookups_total",
			Help: "History cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss", "error"
	)

	HistoryQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tutorlink_history_query_duration_seconds",
			Help:    "Durable log history query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		},
	)

	NotificationsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorlink_notifications_emitted_total",
			Help: "Notifications emitted by kind",
		},
		[]string{"kind"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
