package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/model-tiers/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tier budget metrics
	TierCapacityBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mt_tier_capacity_bytes",
		Help: "Configured capacity of each memory tier",
	}, []string{"tier"})

	TierReservedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mt_tier_reserved_bytes",
		Help: "Always-free safety margin of each memory tier",
	}, []string{"tier"})

	TierUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mt_tier_used_bytes",
		Help: "Bytes admitted into each memory tier, including in-flight reservations",
	}, []string{"tier"})

	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt_admission_rejections_total",
		Help: "Reservations refused by the tier budget",
	}, []string{"tier"})

	// Migration job metrics
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt_jobs_total",
		Help: "Migration jobs finished, by operation and status",
	}, []string{"operation", "status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mt_job_duration_seconds",
		Help:    "Wall time of migration jobs",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"operation"})

	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt_jobs_active",
		Help: "Migration jobs currently running",
	})

	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt_evictions_total",
		Help: "Resident instances evicted to make room, by tier and action",
	}, []string{"tier", "action"})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt_cache_hits_total",
		Help: "Loads served from the cached blob store",
	}, []string{"resource"})

	BlobOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mt_blob_op_duration_seconds",
		Help:    "S3 cache backend latency by operation",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
	}, []string{"operation"})

	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt_transfer_bytes_total",
		Help: "Payload bytes moved by the transfer stage",
	}, []string{"operation"})

	// Selector metrics
	Selections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt_selections_total",
		Help: "Resources chosen by the selector",
	}, []string{"resource", "fallback"})

	// Scheduler metrics
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt_queue_depth",
		Help: "Requests waiting in the batch queue",
	})

	BatchesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt_batches_closed_total",
		Help: "Batches closed, by reason (size, timeout, shutdown)",
	}, []string{"reason"})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mt_batch_size",
		Help:    "Requests per closed batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})

	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt_requests_total",
		Help: "Batch requests by outcome code",
	}, []string{"outcome"})

	ExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mt_execution_latency_seconds",
		Help:    "Execution engine latency per resource group",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"resource"})

	// API metrics
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt_api_requests_total",
		Help: "Admin API requests by surface and status",
	}, []string{"surface", "status"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
