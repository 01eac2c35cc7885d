// Package batch collects concurrent execution requests into batches and
// dispatches them per resource to the execution engine.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gftdcojp/model-tiers/internal/engine"
	"github.com/gftdcojp/model-tiers/internal/lifecycle"
	"github.com/gftdcojp/model-tiers/internal/metrics"
	"github.com/gftdcojp/model-tiers/internal/selector"
	"github.com/gftdcojp/model-tiers/internal/types"
	"go.uber.org/zap"
)

const maxResidencyAttempts = 4

// Config bounds batching.
type Config struct {
	BatchSize        int
	BatchTimeout     time.Duration
	ExecutionTimeout time.Duration
	QueueDepth       int
}

// Selector picks the resource for a request.
type Selector interface {
	Select(req selector.Request) (selector.Result, error)
}

// Residency loads resources and leases them for execution.
type Residency interface {
	Acquire(name string) (func(), error)
	ActiveJob(name string) (string, bool)
	Submit(req lifecycle.Request) (string, error)
	Wait(ctx context.Context, id string) (types.Job, error)
}

// Request is one execution request.
type Request struct {
	Payload      []byte
	Preference   string
	Capabilities types.CapabilitySet
	Class        types.Class
}

// Scheduler runs a single loop that forms batches from a bounded queue.
// Each resource group of a closed batch runs as its own goroutine.
type Scheduler struct {
	cfg       Config
	selector  Selector
	residency Residency
	engine    engine.Engine
	logger    *zap.Logger

	queue chan *Handle

	mu     sync.RWMutex
	closed bool
	groups sync.WaitGroup
}

func New(cfg Config, sel Selector, res Residency, eng engine.Engine, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		selector:  sel,
		residency: res,
		engine:    eng,
		logger:    logger,
		queue:     make(chan *Handle, cfg.QueueDepth),
	}
}

// Submit enqueues req without blocking. It fails with types.ErrOverloaded
// when the queue is full and types.ErrClosed after shutdown.
func (s *Scheduler) Submit(req Request) (*Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("%w: scheduler is shut down", types.ErrClosed)
	}

	h := newHandle(req)
	select {
	case s.queue <- h:
		metrics.QueueDepth.Inc()
		return h, nil
	default:
		metrics.Requests.WithLabelValues(types.ErrorCode(types.ErrOverloaded)).Inc()
		return nil, fmt.Errorf("%w: %d requests queued", types.ErrOverloaded, s.cfg.QueueDepth)
	}
}

// Backlog reports queued requests and the queue capacity.
func (s *Scheduler) Backlog() (queued, capacity int) {
	return len(s.queue), cap(s.queue)
}

// Run drains the queue until ctx is cancelled. Requests still queued or in
// the open batch at shutdown fail with types.ErrClosed; dispatched groups
// are waited for.
func (s *Scheduler) Run(ctx context.Context) error {
	var (
		batch  []*Handle
		timer  *time.Timer
		expiry <-chan time.Time
	)
	closeBatch := func(reason string) {
		if timer != nil {
			timer.Stop()
			timer, expiry = nil, nil
		}
		s.dispatch(ctx, batch, reason)
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.shutdown(batch)
			s.groups.Wait()
			return nil

		case h := <-s.queue:
			metrics.QueueDepth.Dec()
			if h.isCanceled() {
				continue
			}
			batch = append(batch, h)
			if len(batch) == 1 {
				timer = time.NewTimer(s.cfg.BatchTimeout)
				expiry = timer.C
			}
			if len(batch) >= s.cfg.BatchSize {
				closeBatch("size")
			}

		case <-expiry:
			timer, expiry = nil, nil
			closeBatch("timeout")
		}
	}
}

func (s *Scheduler) shutdown(open []*Handle) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := fmt.Errorf("%w: scheduler is shut down", types.ErrClosed)
	n := 0
	for _, h := range open {
		if h.fulfill(nil, err) {
			n++
		}
	}
	for {
		select {
		case h := <-s.queue:
			metrics.QueueDepth.Dec()
			if h.fulfill(nil, err) {
				n++
			}
		default:
			if n > 0 {
				metrics.BatchesClosed.WithLabelValues("shutdown").Inc()
				s.logger.Info("failed queued requests on shutdown", zap.Int("requests", n))
			}
			return
		}
	}
}

type group struct {
	resource string
	handles  []*Handle
}

// dispatch closes the batch, partitions it by selected resource and starts
// one goroutine per group. Arrival order is kept within a group.
func (s *Scheduler) dispatch(ctx context.Context, batch []*Handle, reason string) {
	var closed []*Handle
	for _, h := range batch {
		if h.markDispatched() {
			closed = append(closed, h)
		}
	}
	if len(closed) == 0 {
		return
	}
	metrics.BatchesClosed.WithLabelValues(reason).Inc()
	metrics.BatchSize.Observe(float64(len(closed)))

	var groups []*group
	byName := make(map[string]*group)
	for _, h := range closed {
		res, err := s.selector.Select(selector.Request{
			Capabilities: h.req.Capabilities,
			Class:        h.req.Class,
			Preference:   h.req.Preference,
		})
		if err != nil {
			s.complete(h, nil, err)
			continue
		}
		h.setResource(res.Resource)
		g, ok := byName[res.Resource]
		if !ok {
			g = &group{resource: res.Resource}
			byName[res.Resource] = g
			groups = append(groups, g)
		}
		g.handles = append(g.handles, h)
	}

	s.logger.Debug("batch closed",
		zap.String("reason", reason),
		zap.Int("requests", len(closed)),
		zap.Int("groups", len(groups)),
	)

	for _, g := range groups {
		s.groups.Add(1)
		go func() {
			defer s.groups.Done()
			s.runGroup(ctx, g)
		}()
	}
}

func (s *Scheduler) runGroup(ctx context.Context, g *group) {
	release, err := s.ensureResident(ctx, g.resource)
	if err != nil {
		s.logger.Warn("resource unavailable for batch group",
			zap.String("resource", g.resource),
			zap.Int("requests", len(g.handles)),
			zap.Error(err),
		)
		s.failAll(g.handles, err)
		return
	}

	payloads := make([][]byte, len(g.handles))
	for i, h := range g.handles {
		payloads[i] = h.req.Payload
	}

	type result struct {
		outs []engine.Output
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		// The lease is held until the engine returns, even after a timeout.
		outs, err := s.engine.Run(context.WithoutCancel(ctx), g.resource, payloads)
		release()
		metrics.ExecutionLatency.WithLabelValues(g.resource).Observe(time.Since(start).Seconds())
		done <- result{outs, err}
	}()

	timeout := time.NewTimer(s.cfg.ExecutionTimeout)
	defer timeout.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			s.failAll(g.handles, fmt.Errorf("%w: %s: %w", types.ErrExecutionFailure, g.resource, r.err))
			return
		}
		for i, h := range g.handles {
			if i >= len(r.outs) {
				s.complete(h, nil, fmt.Errorf("%w: %s returned no output for request", types.ErrExecutionFailure, g.resource))
				continue
			}
			if r.outs[i].Err != nil {
				s.complete(h, nil, fmt.Errorf("%w: %w", types.ErrExecutionFailure, r.outs[i].Err))
				continue
			}
			s.complete(h, r.outs[i].Value, nil)
		}
	case <-timeout.C:
		s.logger.Warn("execution timed out",
			zap.String("resource", g.resource),
			zap.Duration("timeout", s.cfg.ExecutionTimeout),
			zap.Int("requests", len(g.handles)),
		)
		s.failAll(g.handles, fmt.Errorf("%w: %s did not answer within %s", types.ErrTimeout, g.resource, s.cfg.ExecutionTimeout))
	}
}

// ensureResident leases the resource, loading it first when needed. A job
// already running on the resource is waited for.
func (s *Scheduler) ensureResident(ctx context.Context, name string) (func(), error) {
	var lastErr error
	for range maxResidencyAttempts {
		release, err := s.residency.Acquire(name)
		if err == nil {
			return release, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, types.ErrConflict):
			if id, ok := s.residency.ActiveJob(name); ok {
				if _, err := s.residency.Wait(ctx, id); err != nil {
					return nil, err
				}
			}
		case errors.Is(err, types.ErrRejected):
			id, err := s.residency.Submit(lifecycle.Request{Resource: name, Op: types.OpLoad})
			if errors.Is(err, types.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("loading %s: %w", name, err)
			}
			job, err := s.residency.Wait(ctx, id)
			if err != nil {
				return nil, err
			}
			if job.Status == types.JobFailed {
				return nil, fmt.Errorf("%w: load job %s for %s failed: %s", types.ErrRejected, job.ID, name, job.Error)
			}
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s did not become resident after %d attempts: %w", name, maxResidencyAttempts, lastErr)
}

func (s *Scheduler) failAll(hs []*Handle, err error) {
	for _, h := range hs {
		s.complete(h, nil, err)
	}
}

func (s *Scheduler) complete(h *Handle, value []byte, err error) {
	if !h.fulfill(value, err) {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = types.ErrorCode(err)
	}
	metrics.Requests.WithLabelValues(outcome).Inc()
}
