// Package metrics exposes the hub's Prometheus instrumentation: the ambient
// observability surface the transformation rules require regardless of
// which functional Non-goals a given deployment opts out of.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every collector the hub registers. Construct one per
// process and wire it through to the components that observe it.
type Registry struct {
	ActiveReplicas    prometheus.Gauge
	ActiveSessions    prometheus.Gauge
	UpdatesApplied    prometheus.Counter
	UpdatesRejected   prometheus.Counter
	SnapshotsSaved    prometheus.Counter
	SnapshotFailures  prometheus.Counter
	PermissionDenials prometheus.Counter
	AuthRejections    *prometheus.CounterVec
}

// NewRegistry constructs and registers every collector against registerer.
func NewRegistry(registerer prometheus.Registerer) *Registry {
	r := &Registry{
		ActiveReplicas: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collabhub",
			Name:      "active_replicas",
			Help:      "Number of live authoritative CRDT replicas.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collabhub",
			Name:      "active_sessions",
			Help:      "Number of currently connected hub sessions.",
		}),
		UpdatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collabhub",
			Name:      "updates_applied_total",
			Help:      "Total CRDT updates applied to authoritative replicas.",
		}),
		UpdatesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collabhub",
			Name:      "updates_rejected_total",
			Help:      "Total CRDT updates rejected because they could not be applied.",
		}),
		SnapshotsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collabhub",
			Name:      "snapshots_saved_total",
			Help:      "Total successful snapshot persists.",
		}),
		SnapshotFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collabhub",
			Name:      "snapshot_failures_total",
			Help:      "Total snapshot persist failures.",
		}),
		PermissionDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collabhub",
			Name:      "permission_denials_total",
			Help:      "Total update attempts rejected by role enforcement.",
		}),
		AuthRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabhub",
			Name:      "auth_rejections_total",
			Help:      "Total handshake rejections by reason.",
		}, []string{"reason"}),
	}

	registerer.MustRegister(
		r.ActiveReplicas,
		r.ActiveSessions,
		r.UpdatesApplied,
		r.UpdatesRejected,
		r.SnapshotsSaved,
		r.SnapshotFailures,
		r.PermissionDenials,
		r.AuthRejections,
	)
	return r
}
