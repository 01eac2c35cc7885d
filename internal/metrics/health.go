package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gftdcojp/model-tiers/internal/config"
	"github.com/nats-io/nats.go"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// MetaPinger is satisfied by the metadata store.
type MetaPinger interface {
	Ping() error
}

// BlobPinger is satisfied by the S3 client of the blob cache backend.
type BlobPinger interface {
	Ping(ctx context.Context) error
}

// BacklogReporter is satisfied by the residency service. Readiness fails
// while the request queue is full.
type BacklogReporter interface {
	Backlog() (queued, capacity int)
}

// HealthChecker runs health checks.
type HealthChecker struct {
	natsConn *nats.Conn
	meta     MetaPinger
	blob     BlobPinger
	backlog  BacklogReporter
}

// NewHealthChecker creates a new health checker. Any dependency may be nil.
func NewHealthChecker(nc *nats.Conn, metaStore MetaPinger, blob BlobPinger) *HealthChecker {
	return &HealthChecker{
		natsConn: nc,
		meta:     metaStore,
		blob:     blob,
	}
}

// WithBacklog adds the request queue check.
func (h *HealthChecker) WithBacklog(b BacklogReporter) *HealthChecker {
	h.backlog = b
	return h
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the service can handle requests.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}

	if h.natsConn != nil {
		if h.natsConn.IsConnected() {
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "connected"})
		} else {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "disconnected"})
		}
	}

	if h.meta != nil {
		if err := h.meta.Ping(); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "metadata", Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{Name: "metadata", Status: "ok"})
		}
	}

	if h.blob != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.blob.Ping(ctx); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "s3", Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{Name: "s3", Status: "ok"})
		}
	}

	if h.backlog != nil {
		queued, capacity := h.backlog.Backlog()
		if capacity > 0 && queued >= capacity {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "scheduler", Status: "saturated",
				Error: fmt.Sprintf("%d of %d queue slots in use", queued, capacity),
			})
		} else {
			status.Checks = append(status.Checks, Check{Name: "scheduler", Status: "ok"})
		}
	}

	return status
}

// HealthHandler serves the liveness and readiness endpoints.
func HealthHandler(cfg config.HealthConfig, checker *HealthChecker) http.Handler {
	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Liveness())
	})
	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Readiness())
	})
	return mux
}

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: HealthHandler(cfg, checker),
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
