// Package metrics exposes Prometheus collectors for the surfer agent.
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
	pagesFetchedTotal          *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	headlessPromotionsTotal    prometheus.Counter
	robotsFallbacksTotal       prometheus.Counter
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	llmCallsTotal              *prometheus.CounterVec
	llmTokensTotal             *prometheus.CounterVec
	llmCallDurationSeconds     *prometheus.HistogramVec
	chunkCallsTotal            *prometheus.CounterVec
	sitesVisitedTotal          *prometheus.CounterVec
	jobsFoundTotal             prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surfer_pages_fetched_total",
				Help: "Total number of page fetches, labeled by site and fetch status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surfer_fetch_bytes_total",
				Help: "Total number of raw bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		headlessPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "surfer_headless_promotions_total",
				Help: "Total number of fetches re-rendered with a headless browser.",
			},
		)

		robotsFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "surfer_robots_fallbacks_total",
				Help: "Total number of robots.txt probes that timed out and fell back to allow-all.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "surfer_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		llmCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surfer_llm_calls_total",
				Help: "Total number of gateway calls, labeled by model, purpose and outcome.",
			},
			[]string{"model", "purpose", "outcome"},
		)

		llmTokensTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surfer_llm_tokens_total",
				Help: "Total tokens reported by the LLM service, labeled by model and kind.",
			},
			[]string{"model", "kind"},
		)

		llmCallDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "surfer_llm_call_duration_seconds",
				Help:    "Histogram of gateway call latencies, including retries.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
			},
			[]string{"model"},
		)

		chunkCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surfer_chunk_calls_total",
				Help: "Total number of chunk fold calls, labeled by result.",
			},
			[]string{"result"},
		)

		sitesVisitedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surfer_sites_visited_total",
				Help: "Total number of site visits, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		jobsFoundTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "surfer_jobs_found_total",
				Help: "Total number of relevant jobs recorded.",
			},
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

// ObserveFetch counts a page fetch and its size.
func ObserveFetch(site, status string, bytesFetched int) {
	Init()
	sanitized := SanitizeSite(site)
	pagesFetchedTotal.WithLabelValues(sanitized, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveHeadlessPromotion counts a headless re-render.
func ObserveHeadlessPromotion() {
	Init()
	headlessPromotionsTotal.Inc()
}

// ObserveRobotsFallback counts a robots.txt probe answered with allow-all.
func ObserveRobotsFallback() {
	Init()
	robotsFallbacksTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveLLMCall records one gateway call. outcome is "ok" or the error kind.
func ObserveLLMCall(model, purpose, outcome string, duration time.Duration) {
	Init()
	if purpose == "" {
		purpose = "unspecified"
	}
	llmCallsTotal.WithLabelValues(model, purpose, outcome).Inc()
	llmCallDurationSeconds.WithLabelValues(model).Observe(duration.Seconds())
}

// ObserveLLMTokens adds prompt and completion token counts.
func ObserveLLMTokens(model string, prompt, completion int) {
	Init()
	if prompt > 0 {
		llmTokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		llmTokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
	}
}

// ObserveChunkCall counts a chunk fold call by result (ok, retry, failed).
func ObserveChunkCall(result string) {
	Init()
	chunkCallsTotal.WithLabelValues(result).Inc()
}

// ObserveSiteVisit counts a finished site visit by outcome label.
func ObserveSiteVisit(outcome string) {
	Init()
	sitesVisitedTotal.WithLabelValues(outcome).Inc()
}

// ObserveJobFound counts a recorded relevant job.
func ObserveJobFound() {
	Init()
	jobsFoundTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
