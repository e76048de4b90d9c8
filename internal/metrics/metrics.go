// Package metrics provides Prometheus metrics for the NuviiSync client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Client-to-server sync operations
	syncOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nuviisync_sync_operations_total",
			Help: "Total client-to-server sync operations executed",
		},
		[]string{"type", "status"},
	)

	syncOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nuviisync_sync_operation_duration_seconds",
			Help:    "Sync operation execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	syncRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nuviisync_sync_retries_total",
			Help: "Total sync operation retry attempts",
		},
	)

	pendingOperations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nuviisync_pending_operations",
			Help: "Number of operations waiting in the debounce window",
		},
	)

	// Hydration metrics
	hydrationBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nuviisync_hydration_bytes_total",
			Help: "Total bytes streamed to the OS filter during hydration",
		},
	)

	hydrationRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nuviisync_hydration_requests_total",
			Help: "Total fetch-data callbacks serviced",
		},
		[]string{"status"},
	)

	hydrationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nuviisync_hydration_duration_seconds",
			Help:    "Fetch-data callback duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Placeholder metrics
	placeholdersCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nuviisync_placeholders_created_total",
			Help: "Total placeholders created",
		},
	)

	// Echo suppression
	suppressedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nuviisync_suppressed_events_total",
			Help: "Total remote events dropped by echo suppression",
		},
	)

	// Remote change feed
	remoteEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nuviisync_remote_events_total",
			Help: "Total remote change events received",
		},
		[]string{"kind"},
	)

	// Local observer
	localEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nuviisync_local_events_total",
			Help: "Total local filesystem events after temp filtering",
		},
		[]string{"kind"},
	)

	tempFilteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nuviisync_temp_filtered_total",
			Help: "Total events dropped as editor temp/lock/backup files",
		},
	)

	observerRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nuviisync_observer_restarts_total",
			Help: "Total filesystem observer restart cycles",
		},
	)

	// Activity stream
	activityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nuviisync_activity_events_total",
			Help: "Total activity events published to UI subscribers",
		},
		[]string{"kind"},
	)

	// Server backend operations
	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nuviisync_backend_operation_duration_seconds",
			Help:    "Server backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nuviisync_backend_operations_total",
			Help: "Total server backend operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSyncOperation records an executed sync operation.
func RecordSyncOperation(opType string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	syncOperationsTotal.WithLabelValues(opType, status).Inc()
	syncOperationDuration.WithLabelValues(opType).Observe(duration.Seconds())
}

// RecordSyncRetry records a retry attempt.
func RecordSyncRetry() {
	syncRetriesTotal.Inc()
}

// SetPendingOperations sets the current pending-map size.
func SetPendingOperations(count int) {
	pendingOperations.Set(float64(count))
}

// RecordHydration records a serviced fetch-data callback.
func RecordHydration(bytes int64, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	hydrationBytesTotal.Add(float64(bytes))
	hydrationRequestsTotal.WithLabelValues(status).Inc()
	hydrationDuration.Observe(duration.Seconds())
}

// RecordPlaceholderCreated records a created placeholder.
func RecordPlaceholderCreated() {
	placeholdersCreatedTotal.Inc()
}

// RecordSuppressedEvent records a remote event dropped by suppression.
func RecordSuppressedEvent() {
	suppressedEventsTotal.Inc()
}

// RecordRemoteEvent records a remote change event.
func RecordRemoteEvent(kind string) {
	remoteEventsTotal.WithLabelValues(kind).Inc()
}

// RecordLocalEvent records a delivered local filesystem event.
func RecordLocalEvent(kind string) {
	localEventsTotal.WithLabelValues(kind).Inc()
}

// RecordTempFiltered records an event dropped by the temp-file oracle.
func RecordTempFiltered() {
	tempFilteredTotal.Inc()
}

// RecordObserverRestart records an observer stop/start cycle.
func RecordObserverRestart() {
	observerRestartsTotal.Inc()
}

// RecordActivity records a published activity event.
func RecordActivity(kind string) {
	activityEventsTotal.WithLabelValues(kind).Inc()
}

// RecordBackendOperation records a server backend operation.
func RecordBackendOperation(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	backendOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	backendOperationsTotal.WithLabelValues(operation, status).Inc()
}
