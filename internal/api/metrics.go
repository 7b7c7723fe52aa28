package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelconvert/internal/domain"
	"github.com/dunamismax/pixelconvert/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry           *prometheus.Registry
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	rateLimitRejected  *prometheus.CounterVec
	conversionTotal    *prometheus.CounterVec
	conversionDuration *prometheus.HistogramVec
	activeConversions  prometheus.Gauge
	pixelsProcessed    prometheus.Counter
	outputBytes        *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelconvert_http_requests_total",
			Help: "Total HTTP requests handled by the web gateway.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelconvert_http_request_duration_seconds",
			Help:    "Web gateway request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelconvert_rate_limit_rejections_total",
			Help: "Uploads rejected by rate limiting.",
		}, []string{"route"}),
		conversionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelconvert_conversions_total",
			Help: "Conversions by target format and outcome.",
		}, []string{"format", "status"}),
		conversionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelconvert_conversion_duration_seconds",
			Help:    "Time spent saving, converting and storing one upload.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"format"}),
		activeConversions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixelconvert_active_conversions",
			Help: "Conversions currently running.",
		}),
		pixelsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelconvert_pixels_processed_total",
			Help: "Pixels written across successful conversions.",
		}),
		outputBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelconvert_output_bytes_total",
			Help: "Encoded bytes stored by target format.",
		}, []string{"format"}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.conversionTotal,
		m.conversionDuration,
		m.activeConversions,
		m.pixelsProcessed,
		m.outputBytes,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// trackConversion marks a conversion in flight. The returned func records its
// outcome.
func (m *metrics) trackConversion(format string) func(pipeline.Result, error) {
	start := time.Now()
	m.activeConversions.Inc()

	return func(result pipeline.Result, err error) {
		m.activeConversions.Dec()

		label := formatLabel(format)
		status := "succeeded"
		switch {
		case errors.Is(err, domain.ErrUnsupportedFormat):
			status = "rejected"
		case err != nil:
			status = "failed"
		}
		m.conversionTotal.WithLabelValues(label, status).Inc()
		m.conversionDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())

		if err == nil {
			m.pixelsProcessed.Add(float64(result.Width * result.Height))
			m.outputBytes.WithLabelValues(label).Add(float64(result.Bytes))
		}
	}
}

// formatLabel keeps user supplied format names out of label values.
func formatLabel(format string) string {
	f, err := domain.LookupFormat(format)
	if err != nil {
		return "unsupported"
	}
	return f.Key
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := strconv.Itoa(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func routeLabel(path string) string {
	switch {
	case path == "/":
		return "/"
	case path == "/upload":
		return "/upload"
	case strings.HasPrefix(path, "/view/"):
		return "/view/{filename}"
	case strings.HasPrefix(path, "/image/"):
		return "/image/{filename}"
	case strings.HasPrefix(path, "/download/"):
		return "/download/{filename}"
	case strings.HasPrefix(path, "/static/"):
		return "/static/"
	case path == "/healthz", path == "/metrics":
		return path
	default:
		return "unmatched"
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
