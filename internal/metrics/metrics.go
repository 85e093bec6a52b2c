// Package metrics holds the process-wide Prometheus collectors.
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
	certificateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certorch_certificate_transitions_total",
			Help: "Certificate state transitions, by source and target state",
		},
		[]string{"from", "to"},
	)

	providerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certorch_provider_calls_total",
			Help: "Calls made to certificate providers, by outcome",
		},
		[]string{"provider", "operation", "outcome"},
	)

	providerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "certorch_provider_call_duration_seconds",
			Help:    "Latency of calls to certificate providers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	providerHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "certorch_provider_healthy",
			Help: "1 when the provider is in rotation, 0 otherwise",
		},
		[]string{"provider"},
	)

	eventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certorch_events_emitted_total",
			Help: "Lifecycle events handed to sinks, by kind",
		},
		[]string{"kind"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certorch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "certorch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Transition counts one state change
func Transition(from, to string) {
	certificateTransitions.WithLabelValues(from, to).Inc()
}

// ProviderCall records the outcome and latency of one adapter call
func ProviderCall(provider, operation string, err error, took time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	providerCalls.WithLabelValues(provider, operation, outcome).Inc()
	providerCallDuration.WithLabelValues(provider, operation).Observe(took.Seconds())
}

// ProviderHealthy sets the availability gauge
func ProviderHealthy(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	providerHealthy.WithLabelValues(provider).Set(v)
}

// EventEmitted counts one outbound event
func EventEmitted(kind string) {
	eventsEmitted.WithLabelValues(kind).Inc()
}

// GinMiddleware records request count and latency by route pattern
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
