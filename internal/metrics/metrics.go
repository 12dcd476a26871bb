// Package metrics provides Prometheus instrumentation for the trading engine.
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
	// OrdersTotal counts orders admitted, partitioned by type and side.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpsim_orders_total",
		Help: "Total number of orders admitted",
	}, []string{"type", "side"})

	// OrderRejections counts orders rejected at admission, by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpsim_order_rejections_total",
		Help: "Orders rejected at admission",
	}, []string{"reason"})

	// FillsTotal counts executed fills.
	FillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpsim_fills_total",
		Help: "Total number of order fills",
	})

	// LiquidationsTotal counts forced position closes.
	LiquidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpsim_liquidations_total",
		Help: "Total number of liquidations",
	})

	// TicksTotal counts price ticks applied to the engine.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpsim_price_ticks_total",
		Help: "Price ticks applied to the engine",
	})

	// Sessions tracks connected client sessions.
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpsim_sessions",
		Help: "Number of connected client sessions",
	})

	// BroadcastQueueDepth tracks the broadcast scheduler backlog.
	BroadcastQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpsim_broadcast_queue_depth",
		Help: "Events queued for broadcast",
	})

	// RateLimitRejections counts inbound messages rejected by session
	// rate limiting.
	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpsim_rate_limit_rejections_total",
		Help: "Inbound messages rejected by rate limiting",
	})

	// OrderLatency tracks order handling latency.
	OrderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perpsim_order_latency_seconds",
		Help:    "Order handling latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpsim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpsim_http_request_duration_seconds",
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
