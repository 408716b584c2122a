// Package metrics exposes Prometheus collectors for the bot, API and scrapers.
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
	scrapesTotal               *prometheus.CounterVec
	scrapeDurationSeconds      *prometheus.HistogramVec
	listingsCollectedTotal     prometheus.Counter
	listingsDroppedTotal       prometheus.Counter
	scrollRounds               prometheus.Histogram
	activeWorkers              prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	botUpdatesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "divarbot_scrapes_total",
				Help: "Scrape jobs finished, labeled by source and final status.",
			},
			[]string{"source", "status"},
		)

		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "divarbot_scrape_duration_seconds",
				Help:    "Wall time spent collecting listings, labeled by scraper mode.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 240, 480},
			},
			[]string{"mode"},
		)

		listingsCollectedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "divarbot_listings_collected_total",
				Help: "Distinct listings collected across all scrapes.",
			},
		)

		listingsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "divarbot_listings_dropped_total",
				Help: "Listings removed by the low-price outlier filter.",
			},
		)

		scrollRounds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "divarbot_scroll_rounds",
				Help:    "Scroll rounds performed per browser scrape.",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "divarbot_active_workers",
				Help: "Number of workers currently processing a scrape job.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "divarbot_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-domain rate limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		botUpdatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "divarbot_bot_updates_total",
				Help: "Telegram updates received, labeled by how they were handled.",
			},
			[]string{"kind"},
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

// ObserveScrape records a finished scrape job.
func ObserveScrape(source, status string) {
	Init()
	scrapesTotal.WithLabelValues(source, status).Inc()
}

// ObserveScrapeDuration records how long collecting listings took.
func ObserveScrapeDuration(mode string, d time.Duration) {
	Init()
	scrapeDurationSeconds.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveListings adds to the collected and dropped listing counters.
func ObserveListings(collected, dropped int) {
	Init()
	if collected > 0 {
		listingsCollectedTotal.Add(float64(collected))
	}
	if dropped > 0 {
		listingsDroppedTotal.Add(float64(dropped))
	}
}

// ObserveScrollRounds records the number of scroll rounds one browser scrape needed.
func ObserveScrollRounds(rounds int) {
	Init()
	scrollRounds.Observe(float64(rounds))
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

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// ObserveBotUpdate counts a Telegram update by kind (start, link, ignored, ...).
func ObserveBotUpdate(kind string) {
	Init()
	botUpdatesTotal.WithLabelValues(kind).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
