// Package metrics exposes Prometheus instruments for connection admission,
// room fan-out and persistence calls.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsCurrent tracks registered live connections, lobby included.
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "socialmap_ws_connections_current",
			Help: "Current number of admitted WebSocket connections",
		},
	)

	// AdmissionsTotal counts admission decisions by outcome (accept, warn, reject).
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialmap_ws_admissions_total",
			Help: "Total number of connection admission decisions",
		},
		[]string{"decision"},
	)

	RoomsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "socialmap_rooms_current",
			Help: "Current number of activity rooms with at least one member",
		},
	)

	BroadcastDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "socialmap_broadcast_deliveries_total",
			Help: "Total number of events delivered to room members",
		},
	)

	// BroadcastFailures counts per-recipient delivery failures by reason.
	BroadcastFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialmap_broadcast_failures_total",
			Help: "Total number of failed per-recipient deliveries",
		},
		[]string{"reason"},
	)

	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialmap_persistence_errors_total",
			Help: "Total number of failed activity store operations",
		},
		[]string{"operation"},
	)

	PersistenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "socialmap_persistence_duration_seconds",
			Help:    "Duration of activity store operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"operation"},
	)

	LobbyTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "socialmap_lobby_timeouts_total",
			Help: "Total number of connections closed for not joining an activity in time",
		},
	)

	// InboundRejected counts inbound frames dropped at the boundary by reason.
	InboundRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialmap_inbound_rejected_total",
			Help: "Total number of inbound frames dropped before dispatch",
		},
		[]string{"reason"},
	)
)

// RecordAdmission increments the admission counter for the given decision label.
func RecordAdmission(decision string) {
	AdmissionsTotal.WithLabelValues(decision).Inc()
}

// SetConnections publishes the current registry size.
func SetConnections(n int) {
	ConnectionsCurrent.Set(float64(n))
}
