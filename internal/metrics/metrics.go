package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arp",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests by method, route, and status code.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "arp",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arp",
		Name:      "executions_total",
		Help:      "Runbook executions reaching a terminal status, by status and mode.",
	}, []string{"status", "mode"})

	GateDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arp",
		Name:      "gate_decisions_total",
		Help:      "Safety gate decisions by phase and reason (admitted for admissions).",
	}, []string{"phase", "reason"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "arp",
		Name:      "step_duration_seconds",
		Help:      "Step attempt latency in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"step_type", "status"})

	BreakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arp",
		Name:      "circuit_breaker_transitions_total",
		Help:      "Circuit breaker state transitions by scope and target state.",
	}, []string{"scope", "state"})

	ScheduledFiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arp",
		Name:      "scheduled_fires_total",
		Help:      "Scheduled job fire attempts by result (fired, misfire, skipped, error).",
	}, []string{"result"})

	ApprovalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arp",
		Name:      "approvals_total",
		Help:      "Approval outcomes by status (requested, approved, rejected, timeout).",
	}, []string{"status"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arp",
		Name:      "execution_queue_depth",
		Help:      "Executions waiting in the dispatch queue.",
	})

	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arp",
		Name:      "active_websocket_connections",
		Help:      "Number of active WebSocket event subscribers.",
	})
)

// Handler returns an http.Handler that serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinMiddleware records request metrics keyed by the matched route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// ReasonLabel strips the variable part of a denial reason to keep label cardinality bounded.
func ReasonLabel(reason string) string {
	if reason == "" {
		return "admitted"
	}
	if i := strings.IndexByte(reason, ':'); i > 0 {
		return reason[:i]
	}
	return reason
}
