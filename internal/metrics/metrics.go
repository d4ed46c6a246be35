// Package metrics provides Prometheus instrumentation for the friend and
// direct-message services. It exposes counters for message and friend-graph
// throughput, gauges for live connections and subscriptions, and a histogram
// for send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesSent counts committed message sends.
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dm_messages_sent_total",
		Help: "Total number of messages committed",
	})

	// SendConflicts counts optimistic transaction attempts that lost a race
	// on the conversation and had to be retried.
	SendConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dm_send_conflicts_total",
		Help: "Total number of conversation transaction conflicts",
	})

	// SendLatency records end-to-end send transaction latency in seconds,
	// retries included.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dm_send_latency_seconds",
		Help:    "Message send transaction latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// FriendOps counts friend-graph mutations, labeled by op: "add" or "remove".
	FriendOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_friend_ops_total",
		Help: "Total number of friend graph mutations",
	}, []string{"op"})

	// ActiveSubscriptions tracks live push listeners across all kinds.
	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_active_subscriptions",
		Help: "Current number of live subscriptions",
	})

	// ContactMatches counts directory users returned by contact discovery.
	ContactMatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dm_contact_matches_total",
		Help: "Total number of users matched from uploaded contacts",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesSent,
		SendConflicts,
		SendLatency,
		FriendOps,
		ActiveSubscriptions,
		ContactMatches,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
