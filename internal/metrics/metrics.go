// Package metrics provides Prometheus instrumentation for the trading
// engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts orders accepted onto the book, by side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traders_orders_placed_total",
		Help: "Orders placed, by side",
	}, []string{"side"})

	// OrdersCancelled counts orders cancelled, by reason
	// (requested, bulk, stale, game_end).
	OrdersCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traders_orders_cancelled_total",
		Help: "Orders cancelled, by reason",
	}, []string{"reason"})

	// TradesSettled counts settlements applied, by resting-order side.
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traders_trades_settled_total",
		Help: "Trades settled, by resting order side",
	}, []string{"side"})

	// SharesTraded accumulates executed share volume.
	SharesTraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traders_shares_traded_total",
		Help: "Cumulative executed share volume",
	})

	// SettlementLatency tracks execute-order handling time.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "traders_settlement_latency_seconds",
		Help:    "Execute-order latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// GamesEnded counts games scored and closed, by scoring mode.
	GamesEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traders_games_ended_total",
		Help: "Games ended, by scoring mode",
	}, []string{"mode"})

	// WebSocketClients tracks connected dashboard clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "traders_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traders_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "traders_http_request_duration_seconds",
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

		// Use the chi route pattern for the path label so capability
		// tokens in URLs never reach Prometheus and cardinality stays
		// bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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
