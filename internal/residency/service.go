// Package residency wires the catalog, tier budgets, job manager, selector
// and batch scheduler into the service the API surfaces call.
package residency

import (
	"context"
	"fmt"

	"github.com/gftdcojp/model-tiers/internal/batch"
	"github.com/gftdcojp/model-tiers/internal/catalog"
	"github.com/gftdcojp/model-tiers/internal/engine"
	"github.com/gftdcojp/model-tiers/internal/lifecycle"
	"github.com/gftdcojp/model-tiers/internal/meta"
	"github.com/gftdcojp/model-tiers/internal/selector"
	"github.com/gftdcojp/model-tiers/internal/tier"
	"github.com/gftdcojp/model-tiers/internal/types"
	"go.uber.org/zap"
)

// Options configures a Service. Cache, Meta and Publisher are optional.
type Options struct {
	Tracker    *tier.Tracker
	Eviction   tier.Weights
	Selector   selector.Weights
	Scheduler  batch.Config
	Throughput map[types.Tier]int64
	Transfer   lifecycle.Transfer
	Cache      tier.CacheStore
	Meta       meta.Store
	Publisher  lifecycle.EventPublisher
	Engine     engine.Engine
	Logger     *zap.Logger
}

type Service struct {
	catalog   *catalog.Catalog
	tracker   *tier.Tracker
	manager   *lifecycle.Manager
	selector  *selector.Selector
	scheduler *batch.Scheduler
	logger    *zap.Logger
}

func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cat := catalog.New()
	mgr := lifecycle.NewManager(lifecycle.ManagerConfig{
		Tracker:    opts.Tracker,
		Policy:     tier.NewEvictionPolicy(opts.Eviction),
		Transfer:   opts.Transfer,
		Cache:      opts.Cache,
		Meta:       opts.Meta,
		Publisher:  opts.Publisher,
		Throughput: opts.Throughput,
		Logger:     logger.Named("lifecycle"),
	})
	sel := selector.New(cat, mgr, opts.Tracker, opts.Selector, logger.Named("selector"))
	return &Service{
		catalog:   cat,
		tracker:   opts.Tracker,
		manager:   mgr,
		selector:  sel,
		scheduler: batch.New(opts.Scheduler, sel, mgr, opts.Engine, logger.Named("batch")),
		logger:    logger,
	}
}

// ResourceStatus is a catalog entry with its live instance state.
type ResourceStatus struct {
	Name         string         `json:"name"`
	SizeBytes    int64          `json:"size_bytes"`
	TierAffinity types.Tier     `json:"tier_affinity"`
	Capabilities []string       `json:"capabilities"`
	Priority     types.Priority `json:"priority"`
	Source       string         `json:"source,omitempty"`
	Instance     types.Instance `json:"instance"`
}

// RegisterResource adds a resource and creates its Unloaded instance.
func (s *Service) RegisterResource(ctx context.Context, spec types.ResourceSpec) error {
	if err := s.catalog.Register(spec); err != nil {
		return err
	}
	if err := s.manager.Track(ctx, spec); err != nil {
		return err
	}
	s.logger.Info("resource registered",
		zap.String("resource", spec.Name),
		zap.Int64("size_bytes", spec.SizeBytes),
		zap.String("tier_affinity", spec.TierAffinity.String()),
	)
	return nil
}

// Migrate moves a resource into the target tier. An unloaded or cached
// resource is loaded; a resident one is promoted or demoted.
func (s *Service) Migrate(name string, target types.Tier) (string, error) {
	if !target.Valid() {
		return "", fmt.Errorf("%w: invalid target tier %s", types.ErrRejected, target)
	}
	inst, err := s.manager.Instance(name)
	if err != nil {
		return "", err
	}
	if inst.ActiveJob != "" {
		return "", fmt.Errorf("%w: resource %s has active job %s", types.ErrConflict, name, inst.ActiveJob)
	}

	req := lifecycle.Request{Resource: name, Target: target}
	switch inst.State {
	case types.StateUnloaded, types.StateCached:
		req.Op = types.OpLoad
	case types.StateResident:
		switch {
		case target.FasterThan(inst.Tier):
			req.Op = types.OpPromote
		case inst.Tier.FasterThan(target):
			req.Op = types.OpDemote
		default:
			return "", fmt.Errorf("%w: %s is already resident in %s", types.ErrRejected, name, target)
		}
	default:
		return "", fmt.Errorf("%w: %s is %s", types.ErrConflict, name, inst.State)
	}
	return s.manager.Submit(req)
}

// Load loads a resource into its affinity tier, falling back to slower tiers.
func (s *Service) Load(name string) (string, error) {
	return s.manager.Submit(lifecycle.Request{Resource: name, Op: types.OpLoad})
}

// Unload releases a resident resource, optionally keeping its payload in the
// cache.
func (s *Service) Unload(name string, toCache bool) (string, error) {
	return s.manager.Submit(lifecycle.Request{Resource: name, Op: types.OpUnload, ToCache: toCache})
}

func (s *Service) GetJob(ctx context.Context, id string) (types.Job, error) {
	return s.manager.Get(ctx, id)
}

func (s *Service) WaitJob(ctx context.Context, id string) (types.Job, error) {
	return s.manager.Wait(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, resource string) ([]types.Job, error) {
	if resource != "" && !s.catalog.Has(resource) {
		return nil, fmt.Errorf("%w: resource %s", types.ErrNotFound, resource)
	}
	return s.manager.Jobs(ctx, resource)
}

func (s *Service) UpdateTierLimits(limits map[types.Tier]tier.Limits) error {
	return s.manager.UpdateLimits(limits)
}

func (s *Service) TierStatus() []tier.Budget {
	return s.tracker.Status()
}

// ListResources returns every registered resource, sorted by name.
func (s *Service) ListResources() []ResourceStatus {
	specs := s.catalog.List()
	out := make([]ResourceStatus, 0, len(specs))
	for _, spec := range specs {
		out = append(out, s.status(spec))
	}
	return out
}

func (s *Service) GetResource(name string) (ResourceStatus, error) {
	spec, err := s.catalog.Get(name)
	if err != nil {
		return ResourceStatus{}, err
	}
	return s.status(spec), nil
}

func (s *Service) status(spec types.ResourceSpec) ResourceStatus {
	inst, _ := s.manager.Instance(spec.Name)
	return ResourceStatus{
		Name:         spec.Name,
		SizeBytes:    spec.SizeBytes,
		TierAffinity: spec.TierAffinity,
		Capabilities: spec.Capabilities.Strings(),
		Priority:     spec.Priority,
		Source:       spec.Source,
		Instance:     inst,
	}
}

// Select runs the selector without executing anything.
func (s *Service) Select(req selector.Request) (selector.Result, error) {
	return s.selector.Select(req)
}

// SubmitRequest queues an execution request. The result is delivered on
// the returned handle.
func (s *Service) SubmitRequest(req batch.Request) (*batch.Handle, error) {
	return s.scheduler.Submit(req)
}

// Backlog reports the scheduler's queued requests and queue capacity.
func (s *Service) Backlog() (queued, capacity int) {
	return s.scheduler.Backlog()
}

// Manager exposes the job manager for background maintenance.
func (s *Service) Manager() *lifecycle.Manager {
	return s.manager
}

// Run runs the batch scheduler until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	return s.scheduler.Run(ctx)
}

// Close waits for running migration jobs.
func (s *Service) Close(ctx context.Context) error {
	return s.manager.Close(ctx)
}
