package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is the server's operational surface. A custom Registerer can be
// injected through Options so tests do not fight over the global registry.
type metrics struct {
	roomsActive    prometheus.Gauge
	sessionsActive prometheus.Gauge

	updatesApplied  prometheus.Counter
	broadcastFrames prometheus.Counter
	snapshotSaves   prometheus.Counter
	snapshotErrors  prometheus.Counter
	authRejections  prometheus.Counter
	decodeErrors    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "penpad_rooms_active",
			Help: "Number of resident document rooms.",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "penpad_sessions_active",
			Help: "Number of connected editing sessions.",
		}),
		updatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "penpad_updates_applied_total",
			Help: "Document update batches merged into a room replica.",
		}),
		broadcastFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "penpad_broadcast_frames_total",
			Help: "Frames fanned out to room participants.",
		}),
		snapshotSaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "penpad_snapshot_saves_total",
			Help: "Successful snapshot writes to the store.",
		}),
		snapshotErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "penpad_snapshot_save_failures_total",
			Help: "Failed snapshot writes; retried on the next dirty cycle.",
		}),
		authRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "penpad_auth_rejections_total",
			Help: "Connections rejected by the auth hook.",
		}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "penpad_decode_errors_total",
			Help: "Messages dropped because they failed to decode.",
		}),
	}
}
