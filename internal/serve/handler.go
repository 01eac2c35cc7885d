package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/model-tiers/internal/batch"
	"github.com/gftdcojp/model-tiers/internal/config"
	"github.com/gftdcojp/model-tiers/internal/metrics"
	"github.com/gftdcojp/model-tiers/internal/residency"
	"github.com/gftdcojp/model-tiers/internal/selector"
	"github.com/gftdcojp/model-tiers/internal/tier"
	"github.com/gftdcojp/model-tiers/internal/types"
	"go.uber.org/zap"
)

// Service is the residency API the surfaces expose.
type Service interface {
	RegisterResource(ctx context.Context, spec types.ResourceSpec) error
	Migrate(name string, target types.Tier) (string, error)
	Load(name string) (string, error)
	Unload(name string, toCache bool) (string, error)
	GetJob(ctx context.Context, id string) (types.Job, error)
	WaitJob(ctx context.Context, id string) (types.Job, error)
	ListJobs(ctx context.Context, resource string) ([]types.Job, error)
	UpdateTierLimits(limits map[types.Tier]tier.Limits) error
	TierStatus() []tier.Budget
	ListResources() []residency.ResourceStatus
	GetResource(name string) (residency.ResourceStatus, error)
	Select(req selector.Request) (selector.Result, error)
	SubmitRequest(req batch.Request) (*batch.Handle, error)
}

var _ Service = (*residency.Service)(nil)

const maxWait = 5 * time.Minute

type handler struct {
	svc    Service
	logger *zap.Logger
}

// NewHandler returns the admin API mux.
func NewHandler(svc Service, logger *zap.Logger) http.Handler {
	h := &handler{svc: svc, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/tiers", h.handleTiers)
	mux.HandleFunc("PUT /v1/tiers", h.handleUpdateTiers)
	mux.HandleFunc("GET /v1/resources", h.handleListResources)
	mux.HandleFunc("POST /v1/resources", h.handleRegister)
	mux.HandleFunc("GET /v1/resources/{name}", h.handleGetResource)
	mux.HandleFunc("POST /v1/resources/{name}/migrate", h.handleMigrate)
	mux.HandleFunc("POST /v1/resources/{name}/load", h.handleLoad)
	mux.HandleFunc("POST /v1/resources/{name}/unload", h.handleUnload)
	mux.HandleFunc("GET /v1/jobs", h.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", h.handleGetJob)
	mux.HandleFunc("POST /v1/select", h.handleSelect)
	mux.HandleFunc("POST /v1/requests", h.handleRequest)

	return instrument(mux)
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, svc Service, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewHandler(svc, logger),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resources := h.svc.ListResources()
	resident := 0
	for _, res := range resources {
		if res.Instance.State == types.StateResident {
			resident++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"resources": len(resources),
		"resident":  resident,
		"tiers":     h.svc.TierStatus(),
	})
}

func (h *handler) handleTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.TierStatus())
}

func (h *handler) handleUpdateTiers(w http.ResponseWriter, r *http.Request) {
	var body map[string]tier.Limits
	if !decode(w, r, &body) {
		return
	}
	limits, err := parseLimits(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.UpdateTierLimits(limits); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.TierStatus())
}

func (h *handler) handleListResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ListResources())
}

func (h *handler) handleGetResource(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetResource(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body ResourceRequest
	if !decode(w, r, &body) {
		return
	}
	spec, err := body.Spec()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.RegisterResource(r.Context(), spec); err != nil {
		writeError(w, err)
		return
	}
	res, _ := h.svc.GetResource(spec.Name)
	writeJSON(w, http.StatusCreated, res)
}

func (h *handler) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var body MigrateRequest
	if !decode(w, r, &body) {
		return
	}
	target, err := types.ParseTier(body.TargetTier)
	if err != nil {
		writeError(w, errors.Join(types.ErrRejected, err))
		return
	}
	id, err := h.svc.Migrate(r.PathValue("name"), target)
	h.respondJob(w, r, id, err)
}

func (h *handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.Load(r.PathValue("name"))
	h.respondJob(w, r, id, err)
}

func (h *handler) handleUnload(w http.ResponseWriter, r *http.Request) {
	var body UnloadRequest
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	id, err := h.svc.Unload(r.PathValue("name"), body.ToCache)
	h.respondJob(w, r, id, err)
}

// respondJob answers a job submission with 202 and the job snapshot, or
// with the finished job when ?wait= is given.
func (h *handler) respondJob(w http.ResponseWriter, r *http.Request, id string, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	wait, err := waitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		job, err := h.svc.WaitJob(ctx, id)
		if err == nil {
			writeJSON(w, http.StatusOK, job)
			return
		}
	}
	job, err := h.svc.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.ListJobs(r.Context(), r.URL.Query().Get("resource"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wait, err := waitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		if job, err := h.svc.WaitJob(ctx, id); err == nil {
			writeJSON(w, http.StatusOK, job)
			return
		}
	}
	job, err := h.svc.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	var body ExecuteRequest
	if !decode(w, r, &body) {
		return
	}
	req, err := body.batchRequest()
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.Select(selector.Request{
		Capabilities: req.Capabilities,
		Class:        req.Class,
		Preference:   req.Preference,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SelectResponse{Resource: res.Resource, FellBack: res.FellBack, Reason: res.Reason})
}

// handleRequest queues an execution request and waits for its result.
func (h *handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	var body ExecuteRequest
	if !decode(w, r, &body) {
		return
	}
	req, err := body.batchRequest()
	if err != nil {
		writeError(w, err)
		return
	}
	handle, err := h.svc.SubmitRequest(req)
	if err != nil {
		writeError(w, err)
		return
	}
	value, err := handle.Wait(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{Resource: handle.Resource(), Result: string(value)})
}

func waitParam(r *http.Request) (time.Duration, error) {
	s := r.URL.Query().Get("wait")
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		if secs, perr := strconv.Atoi(s); perr == nil {
			d, err = time.Duration(secs)*time.Second, nil
		}
	}
	if err != nil || d < 0 {
		return 0, errors.Join(types.ErrRejected, errors.New("invalid wait duration "+strconv.Quote(s)))
	}
	return min(d, maxWait), nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error(), Code: "bad_request"})
		return false
	}
	return true
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrConflict), errors.Is(err, types.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, types.ErrRejected), errors.Is(err, types.ErrNoCandidate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrOverloaded):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, types.ErrExecutionFailure):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrCanceled), errors.Is(err, context.Canceled):
		return 499
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error(), Code: types.ErrorCode(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequests.WithLabelValues("http", strconv.Itoa(rec.status)).Inc()
	})
}
