// Package metrics provides Prometheus instrumentation for the presence relay.
// It exposes gauges for connections, presence and rooms, counters for event
// and notification throughput, and a histogram for dispatch latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// OnlineIdentities tracks the number of identities in the presence registry.
	OnlineIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_identities",
		Help: "Current number of online identities",
	})

	// ActiveRooms tracks the number of rooms with at least one member.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_rooms",
		Help: "Current number of non-empty rooms",
	})

	// EventsTotal counts inbound events, labeled by event name and outcome:
	// "ok", "invalid", "rate_limited" or "error".
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_total",
		Help: "Total number of inbound events processed",
	}, []string{"event", "outcome"})

	// FramesSent counts outbound frames written to connections.
	FramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_sent_total",
		Help: "Total number of outbound frames",
	}, []string{"event"})

	// DispatchLatency records time spent handling one inbound event on the
	// dispatcher, fan-out included.
	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_dispatch_latency_seconds",
		Help:    "Event dispatch latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// NotificationsTotal counts notifications by terminal state.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_notifications_total",
		Help: "Total number of notifications by delivery state",
	}, []string{"state"}) // state = "delivered", "undeliverable", "flushed"

	// AuthFailures counts rejected handshakes by reason.
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_auth_failures_total",
		Help: "Total number of rejected connection handshakes",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineIdentities,
		ActiveRooms,
		EventsTotal,
		FramesSent,
		DispatchLatency,
		NotificationsTotal,
		AuthFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
