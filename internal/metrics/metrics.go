// Package metrics exposes Prometheus collectors for the fetch service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                  *prometheus.CounterVec
	activeJobs                 prometheus.Gauge
	pendingJobs                prometheus.Gauge
	pagesTotal                 *prometheus.CounterVec
	pageRetriesTotal           *prometheus.CounterVec
	artifactBytesTotal         *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	originWaitSeconds          *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serialfetch_jobs_total",
				Help: "Total number of jobs that reached a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "serialfetch_active_jobs",
				Help: "Number of jobs currently processing.",
			},
		)

		pendingJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "serialfetch_pending_jobs",
				Help: "Number of jobs waiting for a free slot.",
			},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serialfetch_pages_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		pageRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serialfetch_page_retries_total",
				Help: "Total number of failed page attempts, labeled by site and failure class.",
			},
			[]string{"site", "class"},
		)

		artifactBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serialfetch_artifact_bytes_total",
				Help: "Total bytes of rendered artifacts written, labeled by format.",
			},
			[]string{"format"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "serialfetch_fetch_duration_seconds",
				Help:    "Histogram of multi-page fetch durations, labeled by site.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2700},
			},
			[]string{"site"},
		)

		originWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "serialfetch_origin_wait_seconds",
				Help:    "Time navigations spent waiting for the per-origin rate limiter, labeled by host.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// SetQueueDepth records the scheduler's active and pending counts.
func SetQueueDepth(active, pending int) {
	Init()
	activeJobs.Set(float64(active))
	pendingJobs.Set(float64(pending))
}

// ObservePage counts one page outcome for a site adapter.
func ObservePage(site, status string) {
	Init()
	pagesTotal.WithLabelValues(site, status).Inc()
}

// ObservePageRetry counts a failed page attempt.
func ObservePageRetry(site, class string) {
	Init()
	pageRetriesTotal.WithLabelValues(site, class).Inc()
}

// ObserveArtifact records the size of a written artifact.
func ObserveArtifact(format string, size int64) {
	Init()
	if size > 0 {
		artifactBytesTotal.WithLabelValues(format).Add(float64(size))
	}
}

// ObserveFetchDuration records how long a multi-page fetch took.
func ObserveFetchDuration(site string, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveOriginWait records a rate limiter delay before a navigation.
func ObserveOriginWait(host string, duration time.Duration) {
	Init()
	originWaitSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
