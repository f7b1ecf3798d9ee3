// Package metrics provides Prometheus instrumentation for the ChatterBox
// relay service: gauges for connection and room counts, counters for match
// outcomes and relayed messages, and a histogram for match attempt latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatterbox_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live two-party rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatterbox_active_rooms",
		Help: "Current number of active chat rooms",
	})

	// MatchAttemptsTotal counts start_matching outcomes, labeled by result:
	// "matched", "no_match", or "error".
	MatchAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatterbox_match_attempts_total",
		Help: "Total number of match attempts by outcome",
	}, []string{"result"})

	// RelayedMessagesTotal counts events relayed through rooms, labeled by
	// type: "chat_message" or "webrtc_signal".
	RelayedMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatterbox_relayed_messages_total",
		Help: "Total number of messages relayed between room members",
	}, []string{"type"})

	// ErrorsTotal counts error envelopes sent to clients, labeled by code.
	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatterbox_errors_total",
		Help: "Total number of error responses sent to clients",
	}, []string{"code"})

	// MatchLatency records the duration of a find_match store round trip.
	MatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatterbox_match_latency_seconds",
		Help:    "Latency of atomic find_match transactions",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveRooms,
		MatchAttemptsTotal,
		RelayedMessagesTotal,
		ErrorsTotal,
		MatchLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
