// Package metrics provides Prometheus instrumentation for the chat service:
// connection and room occupancy gauges, event and moderation counters, and
// store latency histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open socket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of open socket connections",
	})

	// RoomSessions tracks locally joined sessions per room.
	RoomSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_room_sessions",
		Help: "Sessions joined to a room on this process",
	}, []string{"room"})

	// MessagesTotal counts chat messages by outcome: "accepted", "rejected",
	// "banned" or "rate_limited"; source is "socket" or "http".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Chat messages by outcome and source",
	}, []string{"outcome", "source"})

	// EventsTotal counts socket events received, labeled by event type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_socket_events_total",
		Help: "Socket events received by type",
	}, []string{"type"})

	// ModerationActions counts successful moderation actions by kind.
	ModerationActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_moderation_actions_total",
		Help: "Moderation actions performed",
	}, []string{"action"}) // delete_message, ban_user, ban_ip, unban

	// JoinsRejected counts join attempts refused by an active ban.
	JoinsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_joins_banned_total",
		Help: "Join attempts refused because of an active ban",
	})

	// Deliveries counts broadcast deliveries to local subscribers.
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_broadcast_deliveries_total",
		Help: "Broadcast deliveries to local subscribers",
	}, []string{"result"}) // ok, error

	// FramesDropped counts outbound frames discarded because the
	// connection's send queue was full.
	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_frames_dropped_total",
		Help: "Outbound frames dropped for slow connections",
	})

	// MessageLatency records the time from a send request to publish.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_message_latency_seconds",
		Help:    "Time to validate, persist and publish a chat message",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomSessions,
		MessagesTotal,
		EventsTotal,
		ModerationActions,
		JoinsRejected,
		Deliveries,
		FramesDropped,
		MessageLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
