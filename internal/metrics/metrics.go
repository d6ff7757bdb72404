// Package metrics provides Prometheus instrumentation for the risk engine.
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
	// WagersPlaced counts wagers accepted, partitioned by market kind.
	WagersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_wagers_placed_total",
		Help: "Total number of wagers accepted",
	}, []string{"kind"})

	// PlacementRejections counts rejected placements by reason.
	PlacementRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_placement_rejections_total",
		Help: "Placements rejected, by reason",
	}, []string{"reason"})

	// ExposureComputeLatency tracks exposure calculation latency.
	ExposureComputeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "risk_exposure_compute_seconds",
		Help:    "Exposure computation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// Settlements counts settlement applications by result.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_settlements_total",
		Help: "Settlements applied, by result",
	}, []string{"result"}) // "settled", "voided", "reversed"

	// WagersSettled counts wager transitions by final status.
	WagersSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_wagers_settled_total",
		Help: "Wager settlements, by resulting status",
	}, []string{"status"})

	// SettlementSkippedWagers counts wagers skipped during batch settlement.
	SettlementSkippedWagers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "risk_settlement_skipped_wagers_total",
		Help: "Wagers skipped during batch settlement",
	})

	// DistributionTasks counts hierarchy distribution task outcomes.
	DistributionTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_distribution_tasks_total",
		Help: "Hierarchy distribution task outcomes",
	}, []string{"outcome"}) // "applied", "duplicate", "failed"

	// DistributionRetries counts retried distribution attempts.
	DistributionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "risk_distribution_retries_total",
		Help: "Retried hierarchy distribution attempts",
	})

	// FeedClients tracks connected WebSocket clients.
	FeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "risk_feed_clients",
		Help: "Number of connected WebSocket feed clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "risk_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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
