package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TasksPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_tasks_published_total",
			Help: "Total number of scan tasks published by queue",
		},
		[]string{"queue"},
	)
	TasksConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_tasks_consumed_total",
			Help: "Total number of scan tasks consumed by outcome",
		},
		[]string{"outcome"},
	)
	EventsStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scan_events_stored_total",
			Help: "Total number of scan events persisted",
		},
	)
	EventsDedupedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scan_events_deduped_total",
			Help: "Total number of duplicate scan events skipped",
		},
	)
	LifecycleReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_lifecycle_received_total",
			Help: "Total number of lifecycle messages received",
		},
		[]string{"lifecycle"},
	)
	WatchdogPromotionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scan_watchdog_promotions_total",
			Help: "Total number of scans promoted to FINISHED by the idle watchdog",
		},
	)
	ConsumersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scan_result_consumers_active",
			Help: "Number of per-scan result consumers currently tracked",
		},
	)
	WorkersSweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workers_swept_total",
			Help: "Total number of worker registry rows swept",
		},
		[]string{"action"},
	)
)

var registerOnce sync.Once

// InitMetrics registers all metrics with the default registry. Safe to
// call from both binaries; only the first call registers.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			TasksPublishedTotal,
			TasksConsumedTotal,
			EventsStoredTotal,
			EventsDedupedTotal,
			LifecycleReceivedTotal,
			WatchdogPromotionsTotal,
			ConsumersActive,
			WorkersSweptTotal,
		)
	})
}

// HTTPMetricsMiddleware records request counts and latency per route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
