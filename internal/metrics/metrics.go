// Package metrics exposes process-wide Prometheus collectors for the crawl
// host. Session progress counters live in the progress Prometheus sink; this
// package covers the fetch path and the status API.
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

// Fetch outcomes recorded by ObserveFetchAttempt.
const (
	OutcomeOK             = "ok"
	OutcomeHTTPError      = "http_error"
	OutcomeTransportError = "transport_error"
)

const unknownSite = "unknown"

type collectorSet struct {
	fetchAttempts *prometheus.CounterVec
	fetchRetries  *prometheus.CounterVec
	inFlight      prometheus.Gauge
	limiterWait   *prometheus.HistogramVec
	apiRequests   *prometheus.CounterVec
	apiLatency    *prometheus.HistogramVec
}

// collectors registers everything with the default registry on first use.
var collectors = sync.OnceValue(func() *collectorSet {
	return &collectorSet{
		fetchAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huon",
			Name:      "fetch_attempts_total",
			Help:      "Fetch attempts, labeled by site and outcome (ok, http_error, transport_error).",
		}, []string{"site", "outcome"}),
		fetchRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huon",
			Name:      "fetch_retries_total",
			Help:      "Fetch retries scheduled by the retry policy, labeled by site.",
		}, []string{"site"}),
		inFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "huon",
			Name:      "active_fetches",
			Help:      "Number of fetches currently in flight.",
		}),
		limiterWait: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "huon",
			Name:      "rate_limit_delay_seconds",
			Help:      "Time spent waiting on the per-host rate limiter.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site"}),
		apiRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Status API requests, labeled by method and code.",
		}, []string{"method", "code"}),
		apiLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Status API latency, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
})

// Init registers the collectors. Calling it more than once is harmless, and
// the Observe helpers call it implicitly.
func Init() { collectors() }

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// SanitizeSite reduces a URL (or bare host) to a lowercase hostname usable
// as a label value, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return unknownSite
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return unknownSite
	}
	return host
}

func ObserveFetchAttempt(rawURL, outcome string) {
	collectors().fetchAttempts.WithLabelValues(SanitizeSite(rawURL), outcome).Inc()
}

func ObserveRetry(rawURL string) {
	collectors().fetchRetries.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// TrackFetch bumps the in-flight gauge and returns the matching release.
func TrackFetch() (done func()) {
	g := collectors().inFlight
	g.Inc()
	return g.Dec
}

func ObserveRateLimitDelay(site string, wait time.Duration) {
	collectors().limiterWait.WithLabelValues(site).Observe(wait.Seconds())
}

// ObserveHTTPRequest records one status API request.
func ObserveHTTPRequest(method, route string, code int, elapsed time.Duration) {
	c := collectors()
	c.apiRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.apiLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
