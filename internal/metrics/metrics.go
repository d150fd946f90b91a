// Package metrics provides Prometheus metrics for the controller and its
// service workers.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Supervisor metrics
	commandsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filesharer_commands_sent_total",
			Help: "Total commands sent to service workers",
		},
		[]string{"protocol", "kind"},
	)

	hitEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filesharer_hit_events_total",
			Help: "Total browse/download hit events relayed from workers",
		},
		[]string{"protocol"},
	)

	workersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "filesharer_workers_active",
			Help: "Whether a service worker is running for the protocol",
		},
		[]string{"protocol"},
	)

	workerStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filesharer_worker_starts_total",
			Help: "Total service worker starts, including restarts",
		},
		[]string{"protocol"},
	)

	// Registry metrics
	registryEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filesharer_registry_entries",
			Help: "Number of entries in the sharing registry",
		},
	)

	activeShares = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filesharer_active_shares",
			Help: "Number of registry entries currently shared",
		},
	)

	// Worker request metrics
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filesharer_worker_requests_total",
			Help: "Total requests served by service workers",
		},
		[]string{"route", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filesharer_worker_request_duration_seconds",
			Help:    "Worker request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Download metrics
	downloadItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filesharer_download_items_total",
			Help: "Total download items that reached a final status",
		},
		[]string{"protocol", "status"},
	)

	downloadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filesharer_download_bytes_total",
			Help: "Total bytes written by download pipelines",
		},
		[]string{"protocol"},
	)

	downloadQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "filesharer_download_queue_depth",
			Help: "Items waiting in a download pipeline",
		},
		[]string{"protocol"},
	)

	// Browse metrics
	browseLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filesharer_browse_loads_total",
			Help: "Total browse loads by outcome",
		},
		[]string{"outcome"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filesharer_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filesharer_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	sseEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filesharer_sse_events_dropped_total",
			Help: "SSE events dropped because a subscriber fell behind",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCommand records a command sent to a worker.
func RecordCommand(protocol, kind string) {
	commandsSentTotal.WithLabelValues(protocol, kind).Inc()
}

// RecordHit records a hit event relayed from a worker.
func RecordHit(protocol string) {
	hitEventsTotal.WithLabelValues(protocol).Inc()
}

// SetWorkerActive marks a protocol worker as running or stopped.
func SetWorkerActive(protocol string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	workersActive.WithLabelValues(protocol).Set(v)
}

// RecordWorkerStart records a worker (re)start.
func RecordWorkerStart(protocol string) {
	workerStartsTotal.WithLabelValues(protocol).Inc()
}

// SetRegistrySize sets the registry entry count and active share count.
func SetRegistrySize(entries, active int) {
	registryEntries.Set(float64(entries))
	activeShares.Set(float64(active))
}

// RecordRequest records a request served by a worker.
func RecordRequest(route string, status int, duration time.Duration) {
	requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordDownloadItem records a download item reaching a final status.
func RecordDownloadItem(protocol, status string, bytes int64) {
	downloadItemsTotal.WithLabelValues(protocol, status).Inc()
	if bytes > 0 {
		downloadBytesTotal.WithLabelValues(protocol).Add(float64(bytes))
	}
}

// SetDownloadQueueDepth sets the number of pending items in a pipeline.
func SetDownloadQueueDepth(protocol string, depth int) {
	downloadQueueDepth.WithLabelValues(protocol).Set(float64(depth))
}

// RecordBrowseLoad records the outcome of a browse load.
func RecordBrowseLoad(outcome string) {
	browseLoadsTotal.WithLabelValues(outcome).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordSSEDropped records an event a slow subscriber did not receive.
func RecordSSEDropped(eventType string) {
	sseEventsDropped.WithLabelValues(eventType).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records worker request metrics.
// route maps a request to a low-cardinality label.
func Middleware(route func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordRequest(route(r), rw.statusCode, time.Since(start))
	})
}
