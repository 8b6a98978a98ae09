package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Budget protocol metrics.
var (
	HandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_handshakes_total",
			Help: "Handshake outcomes.",
		},
		[]string{"outcome"},
	)

	UsageReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_usage_reports_total",
			Help: "Usage report outcomes.",
		},
		[]string{"outcome"},
	)

	RefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_refreshes_total",
			Help: "Lease refresh outcomes.",
		},
		[]string{"outcome"},
	)

	BudgetDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_denied_total",
			Help: "Requests rejected on budget grounds, by scope.",
		},
		[]string{"scope"},
	)

	LeasesOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "budget_leases_open",
		Help: "Currently active leases.",
	})
)

var registerOnce sync.Once

// Init registers all metrics with the default registry.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			HandshakesTotal, UsageReportsTotal, RefreshesTotal,
			BudgetDeniedTotal, LeasesOpen,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler with RPS/latency/in-flight accounting.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
