// Package metrics exposes Prometheus collectors for the hub.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Data request outcomes
const (
	OutcomeArchive   = "archive"
	OutcomeConverted = "converted"
	OutcomeLive      = "live"
	OutcomePending   = "pending"
	OutcomeError     = "error"
)

var (
	dataRequestsTotal          *prometheus.CounterVec
	tasksEnqueuedTotal         prometheus.Counter
	taskCommitsTotal           *prometheus.CounterVec
	archivesTotal              prometheus.Counter
	jobRunsTotal               *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		dataRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricehub_data_requests_total",
				Help: "Total number of data requests, labeled by how they were resolved.",
			},
			[]string{"outcome"},
		)

		tasksEnqueuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pricehub_tasks_enqueued_total",
				Help: "Total number of fetch tasks inserted into the queue.",
			},
		)

		taskCommitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricehub_task_commits_total",
				Help: "Total number of worker commits, labeled by result.",
			},
			[]string{"result"},
		)

		archivesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pricehub_archives_total",
				Help: "Total number of live tables converted to archives.",
			},
		)

		jobRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricehub_job_runs_total",
				Help: "Total number of background job runs, labeled by job and result.",
			},
			[]string{"job", "result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricehub_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pricehub_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveDataRequest counts a resolved /data or /api/summary request.
func ObserveDataRequest(outcome string) {
	Init()
	dataRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTaskEnqueued counts a newly inserted task.
func ObserveTaskEnqueued() {
	Init()
	tasksEnqueuedTotal.Inc()
}

// ObserveCommit counts a worker commit (acknowledged, retried, exhausted, rejected).
func ObserveCommit(result string) {
	Init()
	taskCommitsTotal.WithLabelValues(result).Inc()
}

// ObserveArchive counts a live table conversion.
func ObserveArchive() {
	Init()
	archivesTotal.Inc()
}

// ObserveJobRun counts a background job run (ok, failed, panicked).
func ObserveJobRun(job, result string) {
	Init()
	jobRunsTotal.WithLabelValues(job, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware records request counts and latencies per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ObserveHTTPRequest(r.Method, route, status, time.Since(start))
	})
}
