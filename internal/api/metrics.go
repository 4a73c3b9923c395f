package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the API registry. It also records session activity, so the same
// value is handed to session.New as its Recorder.
type Metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	queueEnqueued     *prometheus.CounterVec
	filesSubmitted    prometheus.Counter
	uploadBytes       prometheus.Histogram
	ingestions        *prometheus.CounterVec
	renderDuration    prometheus.Histogram
	renderedImages    prometheus.Counter
	renderedPixels    prometheus.Counter
	exports           *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelscrub_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelscrub_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelscrub_api_rate_limit_rejections_total",
			Help: "Total API requests rejected by rate limiting.",
		}, []string{"route"}),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelscrub_queue_jobs_enqueued_total",
			Help: "Total batch jobs enqueued to the scrub queue.",
		}, []string{"queue"}),
		filesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelscrub_api_files_submitted_total",
			Help: "Total files accepted for interactive ingestion.",
		}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelscrub_api_upload_bytes",
			Help:    "Size of uploaded files in bytes.",
			Buckets: prometheus.ExponentialBuckets(16*1024, 4, 8),
		}),
		ingestions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelscrub_session_ingestions_total",
			Help: "Settled ingestions by outcome.",
		}, []string{"outcome"}),
		renderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelscrub_session_render_duration_seconds",
			Help:    "Time spent rendering after a load or a configuration change.",
			Buckets: prometheus.DefBuckets,
		}),
		renderedImages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelscrub_session_rendered_images_total",
			Help: "Total images rendered by the session.",
		}),
		renderedPixels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelscrub_session_rendered_pixels_total",
			Help: "Total pixels rendered by the session.",
		}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelscrub_api_exports_total",
			Help: "Rendered images copied to object storage.",
		}, []string{"result"}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.queueEnqueued,
		m.filesSubmitted,
		m.uploadBytes,
		m.ingestions,
		m.renderDuration,
		m.renderedImages,
		m.renderedPixels,
		m.exports,
	)
	return m
}

func (m *Metrics) IngestionSettled(outcome string) {
	m.ingestions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Rendered(images int, pixels int64, elapsed time.Duration) {
	m.renderDuration.Observe(elapsed.Seconds())
	m.renderedImages.Add(float64(images))
	m.renderedPixels.Add(float64(pixels))
}

func (m *Metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := statusLabel(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func statusLabel(status int) string {
	return strconv.Itoa(status)
}

// routeLabel collapses ids and indexes so label cardinality stays bounded.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) >= 2 && parts[0] == "v1" && parts[1] == "jobs":
		switch {
		case len(parts) == 2:
			return "/v1/jobs"
		case len(parts) == 4 && parts[3] == "start":
			return "/v1/jobs/{id}/start"
		default:
			return "/v1/jobs/{id}"
		}
	case len(parts) >= 2 && parts[0] == "v1" && parts[1] == "images":
		switch {
		case len(parts) == 2:
			return "/v1/images"
		case len(parts) == 4 && (parts[3] == "rendered" || parts[3] == "export"):
			return "/v1/images/{index}/" + parts[3]
		default:
			return "other"
		}
	case len(parts) >= 2 && parts[0] == "v1" && parts[1] == "config":
		if len(parts) == 2 {
			return "/v1/config"
		}
		return "/v1/config/{field}"
	case strings.HasPrefix(path, "/v1/files"):
		return "/v1/files"
	case strings.HasPrefix(path, "/v1/notifications"):
		return "/v1/notifications"
	case strings.HasPrefix(path, "/healthz"):
		return "/healthz"
	case strings.HasPrefix(path, "/metrics"):
		return "/metrics"
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
