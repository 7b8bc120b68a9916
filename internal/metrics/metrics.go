// Package metrics holds the Prometheus collectors shared by the session,
// garbage collector and feed client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcliao/observer-state/internal/model"
)

var (
	EventsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "observer_events_recorded_total",
		Help: "Observer events merged into the active snapshot",
	}, []string{"kind"})

	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observer_events_duplicate_total",
		Help: "Observer events dropped because their key was already present",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observer_events_dropped_total",
		Help: "Observer events received while observer mode was off or no room was active",
	})

	SnapshotsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observer_snapshots_applied_total",
		Help: "External snapshots merged into the active snapshot",
	})

	SnapshotsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observer_snapshots_rejected_total",
		Help: "External snapshots rejected for belonging to another room",
	})

	HeldEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "observer_session_events",
		Help: "Events currently held in memory for the active room",
	})

	PersistWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "observer_persist_writes_total",
		Help: "Durable snapshot writes by result",
	}, []string{"result"})

	PersistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "observer_persist_duration_seconds",
		Help:    "Duration of durable snapshot writes",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	GCDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "observer_gc_deleted_total",
		Help: "Stored snapshots removed by the garbage collector",
	}, []string{"reason"})

	GCRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observer_gc_runs_total",
		Help: "Completed garbage collection passes",
	})

	FeedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "observer_feed_messages_total",
		Help: "Envelopes read from the push feed by type",
	}, []string{"type"})
)

// KindLabel keeps label cardinality bounded: unknown kinds collapse to "other".
func KindLabel(kind model.EventKind) string {
	if model.KnownKinds[kind] {
		return string(kind)
	}
	return "other"
}

// ObservePersist records the outcome of one durable write started at start.
func ObservePersist(start time.Time, err error) {
	PersistDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		PersistWrites.WithLabelValues("error").Inc()
		return
	}
	PersistWrites.WithLabelValues("ok").Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
