// Package metrics provides Prometheus instrumentation for the trade engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersExecuted counts executed orders, partitioned by side.
	OrdersExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tduel_orders_executed_total",
		Help: "Total number of orders executed",
	}, []string{"side"})

	// OrdersRejected counts rejected orders by rejection reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tduel_orders_rejected_total",
		Help: "Orders rejected by validation",
	}, []string{"reason"})

	// OrderLatency tracks order execution latency.
	OrderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tduel_order_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// FeedTicks counts price ticks applied to the quote table.
	FeedTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tduel_feed_ticks_total",
		Help: "Price ticks ingested per instrument",
	}, []string{"instrument"})

	// FeedReconnects counts stream reconnect attempts.
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tduel_feed_reconnects_total",
		Help: "Price stream reconnect attempts",
	})

	// ActiveSessions tracks sessions currently held in memory.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tduel_active_sessions",
		Help: "Number of in-memory trading sessions",
	})

	// MirrorFailures counts persistence writes that failed and were logged.
	MirrorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tduel_mirror_failures_total",
		Help: "Persistence mirror writes that failed",
	})

	// MirrorDropped counts mirror jobs dropped because the queue was full.
	MirrorDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tduel_mirror_dropped_total",
		Help: "Persistence mirror jobs dropped on full queue",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tduel_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tduel_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tduel_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; route cardinality is small.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
