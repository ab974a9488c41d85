// Package metrics exposes Prometheus metrics for the HTTP surface and the
// frame pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector registers every metric on its own registry.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	framesTotal    *prometheus.CounterVec
	detectDuration prometheus.Histogram

	runsTotal   *prometheus.CounterVec
	runDuration prometheus.Histogram

	previewsTotal *prometheus.CounterVec
	jobsTotal     *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector with the Go and process collectors
// registered alongside.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.framesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_processed_total",
			Help:      "Frames written, by whether a pose was drawn",
		},
		[]string{"outcome"},
	)

	c.detectDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pose_detect_duration_seconds",
			Help:      "Pose detection latency per frame",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_runs_total",
			Help:      "Video processing runs, by status",
		},
		[]string{"status"},
	)

	c.runDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "video_run_duration_seconds",
			Help:      "Video processing run duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	c.previewsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "previews_total",
			Help:      "Demo previews rendered, by status",
		},
		[]string{"status"},
	)

	c.jobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Job submissions and completions, by event",
		},
		[]string{"event"},
	)

	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(c.logger),
	})
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	if 0 < responseSize {
		c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
	}
}

// FrameProcessed records one written frame.
func (c *Collector) FrameProcessed(outcome string, detect time.Duration) {
	c.framesTotal.WithLabelValues(outcome).Inc()
	c.detectDuration.Observe(detect.Seconds())
}

// RunFinished records one video run.
func (c *Collector) RunFinished(status string, took time.Duration) {
	c.runsTotal.WithLabelValues(status).Inc()
	c.runDuration.Observe(took.Seconds())
}

// RecordPreview records one preview request.
func (c *Collector) RecordPreview(status string) {
	c.previewsTotal.WithLabelValues(status).Inc()
}

// RecordJob records a job event such as submitted, rejected or succeeded.
func (c *Collector) RecordJob(event string) {
	c.jobsTotal.WithLabelValues(event).Inc()
}

// TrackQueue exposes depth as the job queue gauge.
func (c *Collector) TrackQueue(namespace string, depth func() int) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_queue_depth",
			Help:      "Jobs waiting for a worker",
		},
		func() float64 { return float64(depth()) },
	))
}
