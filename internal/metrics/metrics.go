// Package metrics exposes Prometheus collectors for the harvester.
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
	harvestFilesTotal          *prometheus.CounterVec
	harvestBytesTotal          *prometheus.CounterVec
	harvestFetchAttemptsTotal  *prometheus.CounterVec
	harvestPhasesTotal         *prometheus.CounterVec
	harvestDeliveriesTotal     *prometheus.CounterVec
	harvestPendingFiles        *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvestFilesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_files_total",
				Help: "Total number of files fetched, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		harvestBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_bytes_total",
				Help: "Total number of bytes written to disk, labeled by site.",
			},
			[]string{"site"},
		)

		harvestFetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_fetch_attempts_total",
				Help: "Total number of HTTP fetch attempts, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		harvestPhasesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_phases_total",
				Help: "Total number of completed gather and fetch phases, labeled by source, phase and status.",
			},
			[]string{"source", "phase", "status"},
		)

		harvestDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_deliveries_total",
				Help: "Total number of downstream deliveries, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		harvestPendingFiles = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvest_pending_files",
				Help: "Number of files still eligible for fetching, labeled by source.",
			},
			[]string{"source"},
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

// The Observe helpers initialise collectors lazily so library code never
// depends on the CLI having called Init.

// ObserveFile increments the per-file outcome counter.
func ObserveFile(source string, success bool) {
	Init()
	harvestFilesTotal.WithLabelValues(source, statusLabel(success)).Inc()
}

// ObserveDownload adds the bytes written for one download.
func ObserveDownload(site string, bytesWritten int64) {
	Init()
	if bytesWritten > 0 {
		harvestBytesTotal.WithLabelValues(site).Add(float64(bytesWritten))
	}
}

// ObserveFetchAttempt counts one HTTP attempt.
func ObserveFetchAttempt(site, result string) {
	Init()
	harvestFetchAttemptsTotal.WithLabelValues(site, result).Inc()
}

// ObservePhase counts a finished gather or fetch phase.
func ObservePhase(source, phase string, success bool) {
	Init()
	harvestPhasesTotal.WithLabelValues(source, phase, statusLabel(success)).Inc()
}

// ObserveDelivery counts one downstream delivery.
func ObserveDelivery(kind string, err error) {
	Init()
	harvestDeliveriesTotal.WithLabelValues(kind, statusLabel(err == nil)).Inc()
}

// SetPending records the current queue depth for a source.
func SetPending(source string, pending int) {
	Init()
	harvestPendingFiles.WithLabelValues(source).Set(float64(pending))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
