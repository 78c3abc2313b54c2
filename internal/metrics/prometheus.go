// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LockOperations tracks lock handle operations by operation and result.
	LockOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaselock_operations_total",
			Help: "Total lock operations by operation and result",
		},
		[]string{"op", "result"},
	)

	// LockOperationDuration tracks how long lock operations take, including acquire retries.
	LockOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leaselock_operation_duration_seconds",
			Help:    "Lock operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"op"},
	)

	// AcquireAttempts tracks the number of store round trips per Acquire call.
	AcquireAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leaselock_acquire_attempts",
			Help:    "Store round trips per acquire call",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 50, 100},
		},
	)

	// LeasesHeld tracks leases currently held by handles in this process.
	LeasesHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leaselock_leases_held",
			Help: "Current number of leases held by this process",
		},
	)

	// HTTPRequestsTotal tracks total HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RegisterMetricsEndpoint registers the /metrics endpoint on a Gin router.
func RegisterMetricsEndpoint(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// HTTPMetrics returns a Gin middleware recording request counts and latency.
// Paths are recorded by route template so lease ids do not explode label cardinality.
func HTTPMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()))
		RecordHTTPRequestDuration(c.Request.Method, path, time.Since(start).Seconds())
	}
}

// RecordLockOperation records a lock operation outcome and its duration.
func RecordLockOperation(op, result string, d time.Duration) {
	LockOperations.WithLabelValues(op, result).Inc()
	LockOperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordAcquireAttempts records how many store round trips one acquire call made.
func RecordAcquireAttempts(n int) {
	AcquireAttempts.Observe(float64(n))
}

// LeaseGained increments the held leases gauge.
func LeaseGained() {
	LeasesHeld.Inc()
}

// LeaseLost decrements the held leases gauge.
func LeaseLost() {
	LeasesHeld.Dec()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(method, path string, seconds float64) {
	HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}
