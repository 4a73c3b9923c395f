package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	jobsTotal            *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	activeJobs           prometheus.Gauge
	pixelsScrubbedTotal  prometheus.Counter
	sourceBytesTotal     prometheus.Counter
	outputBytesTotal     prometheus.Counter
	webhookFailuresTotal prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelscrub_worker_jobs_total",
			Help: "Total scrub jobs by final outcome.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelscrub_worker_job_duration_seconds",
			Help:    "Processing duration for each scrub job attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixelscrub_worker_active_jobs",
			Help: "Current number of scrub jobs holding a processing slot.",
		}),
		pixelsScrubbedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelscrub_worker_pixels_scrubbed_total",
			Help: "Total pixels rendered across successful jobs.",
		}),
		sourceBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelscrub_worker_source_bytes_total",
			Help: "Total source bytes read by successful jobs.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelscrub_worker_output_bytes_total",
			Help: "Total PNG bytes written by successful jobs.",
		}),
		webhookFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelscrub_worker_webhook_failures_total",
			Help: "Webhook deliveries that failed after every attempt.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.pixelsScrubbedTotal,
		m.sourceBytesTotal,
		m.outputBytesTotal,
		m.webhookFailuresTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
