// Package metrics provides Prometheus instrumentation for the chat gateway.
// It exposes gauges for connection, room, and presence counts, counters for
// message intake outcomes, and histograms for pipeline latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RoomsTotal tracks the current number of rooms with at least one member.
	RoomsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_rooms_total",
		Help: "Current number of rooms with at least one member",
	})

	// MessagesTotal counts message submissions by outcome: "delivered",
	// "rejected", "throttled", or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_messages_total",
		Help: "Total number of message submissions by outcome",
	}, []string{"outcome"})

	// IntakeLatency records message intake pipeline latency in seconds,
	// from submission to successful persistence.
	IntakeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_intake_latency_seconds",
		Help:    "Message intake pipeline latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// PresenceTransitions counts presence flips by direction: "online" or
	// "offline".
	PresenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_presence_transitions_total",
		Help: "Total number of presence transitions by direction",
	}, []string{"direction"})

	// AuthFailures counts rejected handshakes by reason: "missing",
	// "invalid", or "unknown_participant".
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_auth_failures_total",
		Help: "Total number of rejected connection handshakes by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomsTotal,
		MessagesTotal,
		IntakeLatency,
		PresenceTransitions,
		AuthFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
