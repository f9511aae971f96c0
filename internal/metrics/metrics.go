// Package metrics exposes Prometheus collectors for the host process.
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
	pagesTotal                 *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	workerMessagesTotal        *prometheus.CounterVec
	fetchRPCTotal              *prometheus.CounterVec
	scriptJobsTotal            *prometheus.CounterVec
	discoveredTotal            *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	frontierSize               prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call more than once; every Observe helper calls it.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapewire_pages_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapewire_bytes_total",
				Help: "Total number of body bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		workerMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapewire_worker_messages_total",
				Help: "Messages received from scraper workers, labeled by script and opcode.",
			},
			[]string{"script", "opcode"},
		)

		fetchRPCTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapewire_fetch_rpc_total",
				Help: "Fetch requests answered on behalf of workers, labeled by script and result.",
			},
			[]string{"script", "result"},
		)

		scriptJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapewire_script_jobs_total",
				Help: "Jobs delivered to scraper workers, labeled by script and result.",
			},
			[]string{"script", "result"},
		)

		discoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapewire_discovered_urls_total",
				Help: "URLs submitted by workers, labeled by script and outcome.",
			},
			[]string{"script", "outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapewire_active_workers",
				Help: "Number of scraper workers currently processing a job.",
			},
		)

		frontierSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapewire_frontier_size",
				Help: "URLs waiting in the crawl frontier.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrapewire_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of admin HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of admin HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
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

// ObservePage records a fetched page.
func ObservePage(site string, status int, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	pagesTotal.WithLabelValues(sanitizedSite, strconv.Itoa(status)).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFetchFailure records a page that could not be fetched.
func ObserveFetchFailure(site string) {
	Init()
	pagesTotal.WithLabelValues(SanitizeSite(site), "error").Inc()
}

// ObserveWorkerMessage counts one message read from a worker.
func ObserveWorkerMessage(script, opcode string) {
	Init()
	workerMessagesTotal.WithLabelValues(script, opcode).Inc()
}

// ObserveFetchRPC counts one fetch answered for a worker.
func ObserveFetchRPC(script string, ok bool) {
	Init()
	fetchRPCTotal.WithLabelValues(script, result(ok)).Inc()
}

// ObserveScriptJob counts one job delivered to a worker.
func ObserveScriptJob(script string, ok bool) {
	Init()
	scriptJobsTotal.WithLabelValues(script, result(ok)).Inc()
}

// ObserveDiscovered counts a submitted URL by outcome (accepted, invalid,
// max_hops).
func ObserveDiscovered(script, outcome string) {
	Init()
	discoveredTotal.WithLabelValues(script, outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetFrontierSize reports the number of queued URLs.
func SetFrontierSize(n int) {
	Init()
	frontierSize.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one admin API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
