// Package metrics holds the exporter's own Prometheus metrics:
//   - http_request_total / http_request_duration_seconds / http_request_in_flight
//   - zulip_exporter_api_requests_total and _duration_seconds per Zulip endpoint
//   - zulip_exporter_scrape_duration_seconds, _scrape_errors_total and
//     _last_scrape_success_timestamp_seconds for the fetch cycle
//
// They live in Registry, which the /metrics handler gathers next to the
// per-scrape Zulip collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const exporterNamespace = "zulip_exporter"

// Registry holds every self metric plus the Go and process collectors
var Registry = prometheus.NewRegistry()

var (
	HTTPRequestTotals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_request_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	HTTPRequestInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_request_in_flight",
			Help: "Current in-flight requests",
		},
	)

	RateLimiterBucketsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rate_limiter_buckets_total",
			Help: "Total number of inbound rate limiter buckets (clients seen recently)",
		},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: exporterNamespace,
			Name:      "api_requests_total",
			Help:      "Zulip API calls by endpoint and outcome (success, api_error, transport_error)",
		},
		[]string{"endpoint", "outcome"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: exporterNamespace,
			Name:      "api_request_duration_seconds",
			Help:      "Zulip API call latency by endpoint",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	ScrapeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: exporterNamespace,
			Name:      "scrape_duration_seconds",
			Help:      "Duration of the Zulip fetch cycle",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)

	ScrapeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: exporterNamespace,
			Name:      "scrape_errors_total",
			Help:      "Fetch cycles that failed, by reason",
		},
		[]string{"reason"},
	)

	LastScrapeSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: exporterNamespace,
			Name:      "last_scrape_success_timestamp_seconds",
			Help:      "Unix time of the last successful fetch cycle",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestTotals,
		HTTPRequestDuration,
		HTTPRequestInFlight,
		RateLimiterBucketsTotal,
		APIRequestsTotal,
		APIRequestDuration,
		ScrapeDuration,
		ScrapeErrorsTotal,
		LastScrapeSuccess,
	)
}
