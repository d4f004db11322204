// Package metrics exposes Prometheus collectors for the archiver service.
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
	itemsProcessedTotal        *prometheus.CounterVec
	assetsStoredTotal          *prometheus.CounterVec
	bytesStoredTotal           *prometheus.CounterVec
	dedupHitsTotal             *prometheus.CounterVec
	embeddedImagesTotal        *prometheus.CounterVec
	videoDecisionsTotal        *prometheus.CounterVec
	retriesScheduledTotal      prometheus.Counter
	mirrorFailuresTotal        prometheus.Counter
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_items_processed_total",
				Help: "Pipeline invocations by terminal status and item type.",
			},
			[]string{"status", "type"},
		)

		assetsStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_assets_stored_total",
				Help: "Asset rows created, labeled by kind.",
			},
			[]string{"kind"},
		)

		bytesStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_bytes_stored_total",
				Help: "Bytes streamed into the content store, labeled by kind.",
			},
			[]string{"kind"},
		)

		dedupHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_dedup_hits_total",
				Help: "Downloads discarded because the content hash already existed.",
			},
			[]string{"kind"},
		)

		embeddedImagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_embedded_images_total",
				Help: "Embedded article images by outcome (rewritten, skipped).",
			},
			[]string{"result"},
		)

		videoDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_video_decisions_total",
				Help: "Video policy gate decisions by reason.",
			},
			[]string{"reason"},
		)

		retriesScheduledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_retries_scheduled_total",
				Help: "Jobs re-enqueued after a retryable failure.",
			},
		)

		mirrorFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_mirror_failures_total",
				Help: "Failed uploads to the secondary blob store.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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
	Init()
	return promhttp.Handler()
}

// ObserveItem counts one finished pipeline invocation.
func ObserveItem(status, itemType string) {
	Init()
	itemsProcessedTotal.WithLabelValues(status, itemType).Inc()
}

// ObserveAssetStored counts a stored asset and its size. Dedup hits still
// produce an asset row, so they are counted here as well.
func ObserveAssetStored(kind string, size int64, deduplicated bool) {
	Init()
	assetsStoredTotal.WithLabelValues(kind).Inc()
	if size > 0 {
		bytesStoredTotal.WithLabelValues(kind).Add(float64(size))
	}
	if deduplicated {
		dedupHitsTotal.WithLabelValues(kind).Inc()
	}
}

// ObserveEmbeddedImage records whether an article image was rewritten or skipped.
func ObserveEmbeddedImage(result string) {
	Init()
	embeddedImagesTotal.WithLabelValues(result).Inc()
}

// ObserveVideoDecision records the reason behind a video gate decision.
func ObserveVideoDecision(reason string) {
	Init()
	videoDecisionsTotal.WithLabelValues(reason).Inc()
}

// ObserveRetryScheduled increments the retry counter.
func ObserveRetryScheduled() {
	Init()
	retriesScheduledTotal.Inc()
}

// ObserveMirrorFailure increments the mirror failure counter.
func ObserveMirrorFailure() {
	Init()
	mirrorFailuresTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
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
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
