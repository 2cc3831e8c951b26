// Package metrics provides Prometheus metrics for the boxfs driver.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Path resolution
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxfs_entry_cache_lookups_total",
			Help: "Entry cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	listingsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "boxfs_folder_listings_fetched_total",
			Help: "Folder listings fetched from the backend",
		},
	)

	// Backend calls
	backendCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxfs_backend_calls_total",
			Help: "Backend capability calls by operation and status",
		},
		[]string{"op", "status"},
	)

	backendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "boxfs_backend_call_duration_seconds",
			Help:    "Backend capability call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Transfers
	bytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxfs_bytes_transferred_total",
			Help: "Bytes moved through stream bridges by direction",
		},
		[]string{"direction"},
	)

	openStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "boxfs_open_streams",
			Help: "Streams currently open by direction",
		},
		[]string{"direction"},
	)

	transferTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxfs_transfer_timeouts_total",
			Help: "Stream closes that exceeded the join timeout",
		},
		[]string{"direction"},
	)

	// Remote API (box driver)
	apiRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxfs_api_retries_total",
			Help: "Remote API requests retried by HTTP status",
		},
		[]string{"status"},
	)
)

// Directions for transfer metrics.
const (
	Download = "download"
	Upload   = "upload"
)

// RecordCacheHit records an entry cache hit.
func RecordCacheHit() {
	cacheLookups.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records an entry cache miss.
func RecordCacheMiss() {
	cacheLookups.WithLabelValues("miss").Inc()
}

// RecordListing records a folder listing fetched from the backend.
func RecordListing() {
	listingsFetched.Inc()
}

// RecordBackendCall records a backend call with its outcome and duration.
func RecordBackendCall(op string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	backendCalls.WithLabelValues(op, status).Inc()
	backendDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordBytes adds n bytes to the direction's transfer counter.
func RecordBytes(direction string, n int) {
	if n > 0 {
		bytesTransferred.WithLabelValues(direction).Add(float64(n))
	}
}

// StreamOpened increments the open stream gauge.
func StreamOpened(direction string) {
	openStreams.WithLabelValues(direction).Inc()
}

// StreamClosed decrements the open stream gauge.
func StreamClosed(direction string) {
	openStreams.WithLabelValues(direction).Dec()
}

// RecordTimeout records a stream close that exceeded its join timeout.
func RecordTimeout(direction string) {
	transferTimeouts.WithLabelValues(direction).Inc()
}

// RecordRetry records a retried remote API request.
func RecordRetry(status string) {
	apiRetries.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
