// Package metrics provides Prometheus instrumentation for the real-time
// gateway. It exposes gauges for connections and online users, and counters
// for event throughput, status transitions, signaling relays and typing
// expiries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users bound to a connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtchat_online_users",
		Help: "Current number of users with a registered connection",
	})

	// EventsTotal counts inbound client events, labeled by message type and
	// outcome ("handled", "rejected", "rate_limited").
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtchat_events_total",
		Help: "Total number of client events processed",
	}, []string{"type", "outcome"})

	// EventLatency records handler latency in seconds.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rtchat_event_latency_seconds",
		Help:    "Client event handling latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	// StatusTransitions counts message status changes, labeled by the new status.
	StatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtchat_message_status_transitions_total",
		Help: "Message status transitions applied",
	}, []string{"status"})

	// TypingExpired counts typing indicators cleared by the auto-stop timer.
	TypingExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtchat_typing_expired_total",
		Help: "Typing indicators cleared by timeout",
	})

	// ReactionsTotal counts reaction changes, labeled by action
	// ("added", "replaced", "removed").
	ReactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtchat_reactions_total",
		Help: "Reaction changes applied",
	}, []string{"action"})

	// SignalingRelayed counts forwarded call events, labeled by message type
	// and whether the target was reachable.
	SignalingRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtchat_signaling_relayed_total",
		Help: "Call signaling events relayed",
	}, []string{"type", "result"}) // result = "forwarded", "offline"
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsTotal,
		EventLatency,
		StatusTransitions,
		TypingExpired,
		ReactionsTotal,
		SignalingRelayed,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
