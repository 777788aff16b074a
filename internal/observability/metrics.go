package observability

import (
	"context"
	"strconv"

	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "timebank"

// Metrics holds the collectors of one server instance on a private registry.
type Metrics struct {
	registry            *prometheus.Registry
	operationsTotal     *prometheus.CounterVec
	operationAttempts   *prometheus.HistogramVec
	creditsMovedTotal   *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the timebank collectors plus the Go and process
// collectors on a fresh registry.
func NewMetrics() *Metrics {
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "Booking and wallet operations by operation, status, and error kind.",
			},
			[]string{"operation", "status", "kind"},
		),
		operationAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "operation_attempts",
				Help:      "Unit-of-work attempts per operation, including conflict retries.",
				Buckets:   []float64{1, 2, 3, 5, 8},
			},
			[]string{"operation"},
		),
		creditsMovedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "credits_moved_total",
				Help:      "Credits moved by successful operations.",
			},
			[]string{"operation"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by method, path pattern, and status code.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
	metrics.registry.MustRegister(
		metrics.operationsTotal,
		metrics.operationAttempts,
		metrics.creditsMovedTotal,
		metrics.httpRequestsTotal,
		metrics.httpRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics
}

// Registry exposes the registry for gathering.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// LogOperation implements timebank.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry timebank.OperationLog) {
	kind := "none"
	if entry.Error != nil {
		kind = entry.Kind().String()
	}
	metrics.operationsTotal.WithLabelValues(entry.Operation, entry.Status, kind).Inc()
	if entry.Attempts > 0 {
		metrics.operationAttempts.WithLabelValues(entry.Operation).Observe(float64(entry.Attempts))
	}
	if entry.Error == nil && !entry.Amount.IsZero() {
		metrics.creditsMovedTotal.WithLabelValues(entry.Operation).Add(entry.Amount.Decimal().InexactFloat64())
	}
}

// Middleware records request counts and latency by route pattern.
func (metrics *Metrics) Middleware() gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		timer := prometheus.NewTimer(metrics.httpRequestDuration.WithLabelValues(ginContext.Request.Method, ginContext.FullPath()))
		ginContext.Next()
		timer.ObserveDuration()
		metrics.httpRequestsTotal.WithLabelValues(
			ginContext.Request.Method,
			ginContext.FullPath(),
			statusBucket(ginContext.Writer.Status()),
		).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
	return func(ginContext *gin.Context) {
		handler.ServeHTTP(ginContext.Writer, ginContext.Request)
	}
}

func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}
