package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoanchor_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geoanchor_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	settlePassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoanchor_settle_passes_total",
			Help: "Settle passes run by anchors, by trigger and result.",
		},
		[]string{"trigger", "result"},
	)

	settleDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geoanchor_settle_duration_seconds",
			Help:    "Duration of anchor settle passes in seconds.",
			Buckets: []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 1e-2},
		},
		[]string{"trigger"},
	)

	suppressedNotificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "geoanchor_suppressed_notifications_total",
			Help: "Change notifications ignored because the anchor was settling.",
		},
	)

	reentrantRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "geoanchor_reentrant_rejections_total",
			Help: "Explicit anchor operations rejected because a settle pass was in progress.",
		},
	)

	anchorsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "geoanchor_anchors",
			Help: "Number of registered anchors.",
		},
	)

	convertPointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoanchor_convert_points_total",
			Help: "Points converted by the batch converter, by direction.",
		},
		[]string{"direction"},
	)

	convertDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geoanchor_convert_duration_seconds",
			Help:    "Duration of batch conversions in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	storeFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoanchor_store_flushes_total",
			Help: "Anchor state flushes to the store, by result.",
		},
		[]string{"result"},
	)

	storeFlushedAnchorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "geoanchor_store_flushed_anchors_total",
			Help: "Anchor states written to the store.",
		},
	)

	streamConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoanchor_stream_connections_total",
			Help: "SSE stream connection events.",
		},
		[]string{"event"},
	)

	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "geoanchor_streams_active",
			Help: "Number of open SSE streams.",
		},
	)

	streamMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "geoanchor_stream_messages_total",
			Help: "SSE data messages sent.",
		},
	)

	streamBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "geoanchor_stream_bytes_total",
			Help: "Bytes written to SSE streams.",
		},
	)

	streamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoanchor_stream_errors_total",
			Help: "SSE stream errors, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpDurationSeconds)
	prometheus.MustRegister(settlePassesTotal)
	prometheus.MustRegister(settleDurationSeconds)
	prometheus.MustRegister(suppressedNotificationsTotal)
	prometheus.MustRegister(reentrantRejectionsTotal)
	prometheus.MustRegister(anchorsActive)
	prometheus.MustRegister(convertPointsTotal)
	prometheus.MustRegister(convertDurationSeconds)
	prometheus.MustRegister(storeFlushesTotal)
	prometheus.MustRegister(storeFlushedAnchorsTotal)
	prometheus.MustRegister(streamConnectionsTotal)
	prometheus.MustRegister(streamsActive)
	prometheus.MustRegister(streamMessagesTotal)
	prometheus.MustRegister(streamBytesTotal)
	prometheus.MustRegister(streamErrorsTotal)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSettle records one completed or failed settle pass.
func RecordSettle(trigger string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	settlePassesTotal.WithLabelValues(trigger, result).Inc()
	settleDurationSeconds.WithLabelValues(trigger).Observe(d.Seconds())
}

func IncSuppressedNotifications() { suppressedNotificationsTotal.Inc() }
func IncReentrantRejections()     { reentrantRejectionsTotal.Inc() }
func SetAnchors(n int)            { anchorsActive.Set(float64(n)) }

// RecordConversion records a batch conversion of n points.
func RecordConversion(direction string, n int, d time.Duration) {
	convertPointsTotal.WithLabelValues(direction).Add(float64(n))
	convertDurationSeconds.Observe(d.Seconds())
}

// RecordFlush records a store flush of n anchor states.
func RecordFlush(n int, err error) {
	if err != nil {
		storeFlushesTotal.WithLabelValues("error").Inc()
		return
	}
	storeFlushesTotal.WithLabelValues("ok").Inc()
	storeFlushedAnchorsTotal.Add(float64(n))
}

func IncStreamConnections(event string) { streamConnectionsTotal.WithLabelValues(event).Inc() }
func IncStreamsActive()                 { streamsActive.Inc() }
func DecStreamsActive()                 { streamsActive.Dec() }
func IncStreamMessages()                { streamMessagesTotal.Inc() }
func AddStreamBytes(n int64)            { streamBytesTotal.Add(float64(n)) }
func IncStreamErrors(reason string)     { streamErrorsTotal.WithLabelValues(reason).Inc() }

// knownRoutes are recorded with their own path label.
var knownRoutes = map[string]bool{
	"/":                           true,
	"/healthz":                    true,
	"/readyz":                     true,
	"/metrics":                    true,
	"/api/v1/anchors":             true,
	"/api/v1/georeference":        true,
	"/api/v1/georeference/origin": true,
	"/api/v1/world/origin":        true,
	"/api/v1/convert":             true,
	"/api/v1/stream/anchors":      true,
}

// anchorActions are the sub-resources of /api/v1/anchors/{id}.
var anchorActions = map[string]bool{
	"geodetic": true,
	"ecef":     true,
	"local":    true,
	"snap":     true,
	"flags":    true,
}

// normalizeRoute maps a request path to a bounded set of labels. Anchor ids
// collapse to {id} and anything unknown becomes "other".
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}

	rest, ok := strings.CutPrefix(path, "/api/v1/anchors/")
	if !ok || rest == "" {
		return "other"
	}
	id, action, hasAction := strings.Cut(rest, "/")
	if id == "" {
		return "other"
	}
	if !hasAction {
		return "/api/v1/anchors/{id}"
	}
	if anchorActions[action] {
		return "/api/v1/anchors/{id}/" + action
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers flush through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}
