// Package metrics exposes Prometheus instrumentation for the engine
// and an HTTP middleware for the API surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsync",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mapsync",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "path"})

	// Engine metrics
	TilesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsync",
		Subsystem: "mosaic",
		Name:      "tiles_fetched_total",
		Help:      "Total reference tiles fetched, by outcome",
	}, []string{"outcome"})

	MosaicBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mapsync",
		Subsystem: "mosaic",
		Name:      "build_duration_seconds",
		Help:      "Duration of reference mosaic assembly",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60},
	})

	MatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsync",
		Subsystem: "match",
		Name:      "attempts_total",
		Help:      "Total auto-match attempts, by outcome",
	}, []string{"outcome"})

	MatchInliers = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mapsync",
		Subsystem: "match",
		Name:      "inliers",
		Help:      "Inlier counts of successful matches",
		Buckets:   []float64{10, 20, 50, 100, 200, 500, 1000},
	})

	SolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mapsync",
		Subsystem: "solve",
		Name:      "duration_seconds",
		Help:      "Duration of control-point transform solving",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
)

// Middleware records request metrics.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Response().StatusCode())
		path := c.Route().Path
		if path == "" {
			path = c.Path()
		}
		method := c.Method()

		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(duration)

		return err
	}
}

// Handler returns a Fiber handler serving the Prometheus /metrics endpoint.
func Handler() fiber.Handler {
	handler := promhttp.Handler()
	return func(c *fiber.Ctx) error {
		fasthttpadaptor.NewFastHTTPHandler(handler)(c.Context())
		return nil
	}
}
