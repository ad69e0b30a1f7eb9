// Package metrics exposes the Prometheus counters the routing store, the
// migration manager, the replicator manager, the failure-detector pipeline,
// and the retry primitive publish to. Handler serves them on /metrics in both the proxy and the
// coordinator processes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EpochRejections counts metadata updates rejected for carrying a stale
	// or equal epoch, by the component that rejected them ("routing",
	// "migration", "replication").
	EpochRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardkv_epoch_rejections_total",
			Help: "Metadata updates rejected for a stale or equal epoch",
		},
		[]string{"component"},
	)

	// MigrationTransitions counts migration task state transitions, by the
	// state being entered.
	MigrationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardkv_migration_transitions_total",
			Help: "Migration task transitions by state entered",
		},
		[]string{"state"},
	)

	// FailureReports counts nodes the coordinator reported as failed to the
	// meta broker, by node address.
	FailureReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardkv_failure_reports_total",
			Help: "Nodes reported failed to the meta broker",
		},
		[]string{"address"},
	)

	// RetryReconnects counts reconnect attempts the retry-send primitive
	// made after a transport error, by upstream address.
	RetryReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardkv_retry_reconnects_total",
			Help: "Reconnects performed by the retry-send primitive",
		},
		[]string{"address"},
	)
)

// RecordEpochRejection increments EpochRejections for component.
func RecordEpochRejection(component string) {
	EpochRejections.WithLabelValues(component).Inc()
}

// RecordMigrationTransition increments MigrationTransitions for state.
func RecordMigrationTransition(state string) {
	MigrationTransitions.WithLabelValues(state).Inc()
}

// RecordFailureReport increments FailureReports for address.
func RecordFailureReport(address string) {
	FailureReports.WithLabelValues(address).Inc()
}

// RecordRetryReconnect increments RetryReconnects for address.
func RecordRetryReconnect(address string) {
	RetryReconnects.WithLabelValues(address).Inc()
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
