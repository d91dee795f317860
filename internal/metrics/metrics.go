// Package metrics exposes Prometheus collectors for the sync core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Listener kinds.
const (
	KindProfile       = "profile"
	KindConversations = "conversations"
	KindMessages      = "messages"
)

var (
	ActiveListeners = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "active_listeners",
			Help:      "Live store subscriptions currently held by the core.",
		},
		[]string{"kind"},
	)

	Emissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "emissions_total",
			Help:      "Full sequences published to readers.",
		},
		[]string{"kind"},
	)

	StaleDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "stale_deliveries_total",
			Help:      "Store callbacks or batches dropped because a newer subscription or batch superseded them.",
		},
		[]string{"kind"},
	)

	PeerFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "peer_fallbacks_total",
			Help:      "Conversation rows shown with a placeholder peer.",
		},
	)

	RejectedSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "rejected_sends_total",
			Help:      "Sends rejected before reaching the store.",
		},
		[]string{"reason"},
	)

	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chattyd",
			Name:      "ws_connections",
			Help:      "Open websocket document connections.",
		},
	)

	Frames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chattyd",
			Name:      "frames_total",
			Help:      "Request frames handled, by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
)
