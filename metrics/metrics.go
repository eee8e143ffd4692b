// Package metrics exposes Prometheus instruments for the task bus. All
// instruments register with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskbus"

// ─── Client ─────────────────────────────────────────────────────────────────

// TasksDispatched counts tasks handed to the bus.
var TasksDispatched = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_dispatched_total",
	Help:      "Total tasks published on the broadcast channel.",
})

// TasksCompleted counts terminal outcomes seen by clients, by status.
var TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_completed_total",
	Help:      "Total tasks that reached a terminal status.",
}, []string{"status"})

// TasksRejected counts tasks refused before dispatch, by reason.
var TasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_rejected_total",
	Help:      "Total tasks rejected before dispatch.",
}, []string{"reason"})

// TasksInFlight tracks dispatched tasks waiting for a terminal status.
var TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "tasks_in_flight",
	Help:      "Number of dispatched tasks awaiting completion.",
})

// TaskLatency tracks time from dispatch to terminal status.
var TaskLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "task_latency_seconds",
	Help:      "Time from dispatch to terminal status.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
})

// ─── Bus ────────────────────────────────────────────────────────────────────

// Notifications counts notifications published, by status.
var Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "notifications_published_total",
	Help:      "Total notifications published on the bus.",
}, []string{"status"})

// DuplicateDeliveries counts notifications whose payload was already consumed.
var DuplicateDeliveries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "duplicate_deliveries_total",
	Help:      "Total notifications dropped because the payload was already claimed.",
})

// ─── Admission / blacklist ──────────────────────────────────────────────────

// MarkersReclaimed counts admission markers removed by crash cleanup.
var MarkersReclaimed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "admission_markers_reclaimed_total",
	Help:      "Total orphaned admission markers removed at startup.",
})

// Failures counts failures reported against partition keys.
var Failures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "blacklist_failures_total",
	Help:      "Total failures reported to the blacklist.",
})

// Bans counts bans created.
var Bans = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "blacklist_bans_total",
	Help:      "Total partition keys banned.",
})
