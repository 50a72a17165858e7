// Package metrics exposes Prometheus collectors for the news fetcher.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Page outcomes recorded by ObservePage.
const (
	PageOK        = "ok"
	PageEmpty     = "empty"
	PageNetwork   = "network_error"
	PageMalformed = "malformed"
)

var (
	runsTotal                  *prometheus.CounterVec
	runsSkippedTotal           *prometheus.CounterVec
	runDurationSeconds         prometheus.Histogram
	pagesTotal                 *prometheus.CounterVec
	articlesFetchedTotal       prometheus.Counter
	articlesInsertedTotal      prometheus.Counter
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsfetch_runs_total",
				Help: "Total number of fetch runs, labeled by trigger and status.",
			},
			[]string{"trigger", "status"},
		)

		runsSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsfetch_runs_skipped_total",
				Help: "Runs that were not started because another run held the slot, labeled by reason.",
			},
			[]string{"reason"},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "newsfetch_run_duration_seconds",
				Help:    "Histogram of end-to-end run durations.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
			},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsfetch_pages_total",
				Help: "Remote API pages requested, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		articlesFetchedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "newsfetch_articles_fetched_total",
				Help: "Articles returned by the remote API.",
			},
		)

		articlesInsertedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "newsfetch_articles_inserted_total",
				Help: "Articles newly written to the store.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newsfetch_rate_limit_delay_seconds",
				Help:    "Time page requests spent waiting on the rate limiter, labeled by host.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30},
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

// ObserveRun records a finished run.
func ObserveRun(trigger, status string, fetched, inserted int, duration time.Duration) {
	Init()
	runsTotal.WithLabelValues(trigger, status).Inc()
	runDurationSeconds.Observe(duration.Seconds())
	if fetched > 0 {
		articlesFetchedTotal.Add(float64(fetched))
	}
	if inserted > 0 {
		articlesInsertedTotal.Add(float64(inserted))
	}
}

// ObserveSkippedRun counts a trigger that did not start a run.
func ObserveSkippedRun(reason string) {
	Init()
	runsSkippedTotal.WithLabelValues(reason).Inc()
}

// ObservePage counts one page request by outcome.
func ObservePage(outcome string) {
	Init()
	pagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records how long a request waited for a token.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
