// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_compressor_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_compressor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_compressor_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Compression metrics
var (
	CompressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_compressor_compressions_total",
			Help: "Total number of compression requests by media family and outcome",
		},
		[]string{"family", "outcome"}, // outcome: compressed, within_target, passthrough, cached, error
	)

	CompressionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_compressor_compression_duration_seconds",
			Help:    "Compression duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"family"},
	)

	CompressionAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "media_compressor_quality_search_attempts",
			Help:    "Encode attempts used by the quality search per image",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10, 15, 20},
		},
	)

	CompressionBytesIn = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_compressor_bytes_in_total",
			Help: "Total bytes received for compression",
		},
	)

	CompressionBytesOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_compressor_bytes_out_total",
			Help: "Total bytes returned after compression",
		},
	)

	CompressionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_compressor_errors_total",
			Help: "Total number of compression errors by kind",
		},
		[]string{"kind"},
	)
)

// Engine metrics
var (
	EngineInitializationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_compressor_engine_initializations_total",
			Help: "Total number of video engine initializations",
		},
		[]string{"status"},
	)

	TranscoderJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_compressor_transcoder_jobs_total",
			Help: "Total number of transcoding jobs",
		},
		[]string{"status"},
	)

	TranscoderJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "media_compressor_transcoder_job_duration_seconds",
			Help:    "Transcoding job duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	TranscoderJobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_compressor_transcoder_jobs_in_progress",
			Help: "Number of transcoding jobs currently in progress",
		},
	)
)

// Cache metrics
var (
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_compressor_cache_hits_total",
			Help: "Total number of result cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_compressor_cache_misses_total",
			Help: "Total number of result cache misses",
		},
	)
)

// Storage metrics
var (
	UploadsStoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_compressor_uploads_stored_total",
			Help: "Total number of uploads stored",
		},
		[]string{"status"},
	)

	UploadsPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_compressor_uploads_pruned_total",
			Help: "Total number of orphaned uploads removed",
		},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_compressor_websocket_clients",
			Help: "Number of connected progress WebSocket clients",
		},
	)
)
