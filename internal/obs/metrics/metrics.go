// Package metrics holds the prometheus counters and histograms for the
// replication pipeline, grounded on the teacher's
// internal/staging/stage/metrics.go: one file of promauto-registered
// vectors, labeled per table, read by every component that touches a row.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TableLabels is the label set shared by every per-table metric.
var TableLabels = []string{"table"}

// BackendLabels is the label set shared by every per-backend metric.
var BackendLabels = []string{"backend"}

var (
	// ChangesFetched counts change_log rows read from a backend.
	ChangesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replifabric_changes_fetched_total",
		Help: "the number of change_log rows fetched from a backend",
	}, BackendLabels)

	// ChangesApplied counts change events applied to one target backend,
	// labeled by that target.
	ChangesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replifabric_changes_applied_total",
		Help: "the number of change events applied to a target backend",
	}, BackendLabels)

	// ApplyErrors counts changes that failed to apply and were left unprocessed.
	ApplyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replifabric_apply_errors_total",
		Help: "the number of change_log rows that failed to apply and remain unprocessed",
	}, BackendLabels)

	// ConflictsDetected counts conflicts inserted into the control backend.
	ConflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replifabric_conflicts_detected_total",
		Help: "the number of conflicts recorded for a synchronized table",
	}, TableLabels)

	// ConflictsResolved counts conflicts transitioned to RESOLVED.
	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replifabric_conflicts_resolved_total",
		Help: "the number of conflicts resolved by an administrator",
	}, TableLabels)

	// ApplyDuration measures the time spent applying a single change event
	// to a single target backend.
	ApplyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "replifabric_apply_duration_seconds",
		Help:    "the length of time it took to apply a single change to a single target",
		Buckets: prometheus.DefBuckets,
	}, BackendLabels)

	// NotifierFailures counts swallowed notifier errors.
	NotifierFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replifabric_notifier_failures_total",
		Help: "the number of notification attempts that failed and were swallowed",
	}, []string{"channel"})
)
