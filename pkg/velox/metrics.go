package velox

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velox_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "velox_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "velox_http_requests_in_flight",
			Help: "Current number of HTTP requests being served",
		},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "velox_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "path", "status"},
	)
)

// PrometheusConfig configures the metrics middleware.
type PrometheusConfig struct {
	// SkipPaths lists paths excluded from collection, e.g. /metrics itself.
	SkipPaths []string
}

// DefaultPrometheusConfig returns a PrometheusConfig with sensible defaults.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{SkipPaths: []string{"/metrics"}}
}

// Prometheus returns the metrics middleware with default configuration.
func Prometheus() Middleware {
	return PrometheusWithConfig(DefaultPrometheusConfig())
}

// PrometheusWithConfig returns a middleware recording request count,
// latency, and response size per method/path/status.
func PrometheusWithConfig(config PrometheusConfig) Middleware {
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(c *Context) error {
			if skip[c.Path()] {
				return next.Serve(c)
			}

			start := time.Now()
			httpRequestsInFlight.Inc()
			defer httpRequestsInFlight.Dec()

			err := next.Serve(c)

			status := strconv.Itoa(c.Status())
			httpRequestsTotal.WithLabelValues(c.Method(), c.Path(), status).Inc()
			httpRequestDuration.WithLabelValues(c.Method(), c.Path(), status).Observe(time.Since(start).Seconds())
			httpResponseSize.WithLabelValues(c.Method(), c.Path(), status).Observe(float64(c.ResponseSize()))
			return err
		})
	}
}
