// Package metrics provides Prometheus instrumentation for the marketplace
// chat gateway. It exposes gauges for connections and open chat sessions,
// counters for message flow and backend failures, and a send latency
// histogram.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of gateway WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "campusbazaar_chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SessionsOpen tracks the chat sessions currently viewing a conversation.
	SessionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "campusbazaar_chat_sessions_open",
		Help: "Current number of open chat sessions",
	})

	// MessagesTotal counts messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusbazaar_chat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"}) // type = "sent", "send_failed", "live", "duplicate"

	// BackendErrors counts failed calls to the message store or realtime
	// channel. None of them abort a session.
	BackendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusbazaar_chat_backend_errors_total",
		Help: "Failed backend calls by operation",
	}, []string{"op"}) // op = "list", "insert", "mark_read", "subscribe", "unsubscribe", "count_unread"

	// UnreadRefreshes counts authoritative unread count queries.
	UnreadRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusbazaar_chat_unread_refreshes_total",
		Help: "Unread count queries by result",
	}, []string{"result"}) // result = "ok", "error"

	// RelayedEvents counts change-feed notifications forwarded to NATS.
	RelayedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusbazaar_chat_relayed_events_total",
		Help: "Insert notifications relayed from Postgres to NATS",
	}, []string{"result"}) // result = "ok", "decode_error", "publish_error"

	// SendLatency records the time taken by a message insert.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "campusbazaar_chat_send_latency_seconds",
		Help:    "Message insert latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SessionsOpen,
		MessagesTotal,
		BackendErrors,
		UnreadRefreshes,
		RelayedEvents,
		SendLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
