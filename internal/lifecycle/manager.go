package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gftdcojp/model-tiers/internal/meta"
	"github.com/gftdcojp/model-tiers/internal/metrics"
	"github.com/gftdcojp/model-tiers/internal/tier"
	"github.com/gftdcojp/model-tiers/internal/types"
	"github.com/nats-io/nuid"
	"go.uber.org/zap"
)

// ManagerConfig holds dependencies for the job manager. Cache, Meta and
// Publisher are optional.
type ManagerConfig struct {
	Tracker   *tier.Tracker
	Policy    *tier.EvictionPolicy
	Transfer  Transfer
	Cache     tier.CacheStore
	Meta      meta.Store
	Publisher EventPublisher
	// Throughput is the expected transfer rate per tier in bytes per second.
	Throughput map[types.Tier]int64
	Logger     *zap.Logger
}

// Request asks the manager to run one operation.
type Request struct {
	Resource string
	Op       types.Operation
	// Target is the destination tier. A Load may leave it unspecified, in
	// which case the affinity tier is tried first, then each slower tier.
	Target  types.Tier
	ToCache bool
}

type instance struct {
	spec      types.ResourceSpec
	state     types.State
	tier      types.Tier
	lastTier  types.Tier
	loadedAt  time.Time
	lastUsed  time.Time
	usage     uint64
	activeJob string
	leases    int
}

// victim is an instance moved out of a tier to make room for a job. Its
// budget moves when the job is admitted; its payload moves in the prepare
// stage.
type victim struct {
	spec    types.ResourceSpec
	from    types.Tier
	to      types.Tier // TierUnspecified when unloaded
	toCache bool
}

type job struct {
	snap      types.Job
	spec      types.ResourceSpec
	prevState types.State
	fromCache bool
	victims   []victim
	evicted   bool
	done      chan struct{}
}

// Manager runs load, unload, promote and demote jobs. It owns every resource
// instance and is the only writer of instance state. At most one job is
// active per resource.
type Manager struct {
	tracker    *tier.Tracker
	policy     *tier.EvictionPolicy
	transfer   Transfer
	cache      tier.CacheStore
	meta       meta.Store
	pub        EventPublisher
	throughput map[types.Tier]int64
	logger     *zap.Logger
	now        func() time.Time

	mu        sync.Mutex
	instances map[string]*instance
	jobs      map[string]*job
	closed    bool
	wg        sync.WaitGroup
}

// NewManager creates a new job manager.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		tracker:    cfg.Tracker,
		policy:     cfg.Policy,
		transfer:   cfg.Transfer,
		cache:      cfg.Cache,
		meta:       cfg.Meta,
		pub:        cfg.Publisher,
		throughput: cfg.Throughput,
		logger:     cfg.Logger,
		now:        time.Now,
		instances:  make(map[string]*instance),
		jobs:       make(map[string]*job),
	}
	if m.pub == nil {
		m.pub = noopPublisher{}
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// Track creates the Unloaded instance of a registered resource. Persisted
// usage statistics are restored, and so is the Cached state when the cache
// still holds the payload.
func (m *Manager) Track(ctx context.Context, spec types.ResourceSpec) error {
	inst := &instance{spec: spec.Clone(), state: types.StateUnloaded}
	if m.meta != nil {
		rec, err := m.meta.GetInstance(ctx, spec.Name)
		switch {
		case err == nil:
			inst.usage = rec.UsageCount
			inst.lastUsed = rec.LastUsed
			inst.loadedAt = rec.LoadedAt
			inst.lastTier = rec.LastTier
			if rec.Cached && m.cache != nil {
				if ok, _ := m.cache.Exists(ctx, spec.Name); ok {
					inst.state = types.StateCached
				}
			}
		case !errors.Is(err, types.ErrNotFound):
			m.logger.Warn("failed to restore instance record", zap.String("resource", spec.Name), zap.Error(err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[spec.Name]; ok {
		return fmt.Errorf("%w: instance %s", types.ErrAlreadyExists, spec.Name)
	}
	m.instances[spec.Name] = inst
	return nil
}

// Submit starts a job and returns its id. It fails without creating a job
// with types.ErrConflict when the resource already has an active job, or
// with types.ErrRejected when the state or admission check fails. When the
// target tier is full, eviction victims are chosen before admission is
// retried; a failed eviction wraps types.ErrInsufficientCapacity as well.
func (m *Manager) Submit(req Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", fmt.Errorf("%w: job manager is shut down", types.ErrClosed)
	}
	inst, ok := m.instances[req.Resource]
	if !ok {
		return "", fmt.Errorf("%w: resource %s", types.ErrNotFound, req.Resource)
	}
	if inst.activeJob != "" {
		return "", fmt.Errorf("%w: resource %s has active job %s", types.ErrConflict, req.Resource, inst.activeJob)
	}
	if err := m.checkStateLocked(inst, req); err != nil {
		return "", err
	}

	id := nuid.Next()
	j := &job{
		snap: types.Job{
			ID:         id,
			Resource:   req.Resource,
			Operation:  req.Op,
			SourceTier: inst.tier,
			ToCache:    req.ToCache,
			Status:     types.JobRunning,
			StartTime:  m.now(),
		},
		spec:      inst.spec,
		prevState: inst.state,
		done:      make(chan struct{}),
	}

	if req.Op != types.OpUnload {
		var errs []error
		for _, t := range m.placement(inst, req) {
			victims, err := m.admitLocked(inst, t, id)
			if err == nil {
				j.snap.TargetTier = t
				j.victims = victims
				break
			}
			errs = append(errs, err)
		}
		if !j.snap.TargetTier.Valid() {
			if len(errs) == 1 {
				return "", errs[0]
			}
			return "", fmt.Errorf("no tier can admit %s: %w", req.Resource, errors.Join(errs...))
		}
	}

	j.fromCache = req.Op == types.OpLoad && inst.state == types.StateCached && m.cache != nil
	j.snap.TimeEstimate = m.estimate(j)

	inst.activeJob = id
	switch req.Op {
	case types.OpLoad:
		inst.state = types.StateLoading
	case types.OpUnload:
		inst.state = types.StateUnloading
	}
	m.jobs[id] = j

	metrics.JobsActive.Inc()
	m.wg.Add(1)
	go m.run(j)

	return id, nil
}

func (m *Manager) checkStateLocked(inst *instance, req Request) error {
	name := inst.spec.Name
	resident := func() error {
		if inst.state != types.StateResident {
			return fmt.Errorf("%w: %s is %s, not resident", types.ErrRejected, name, inst.state)
		}
		if inst.leases > 0 {
			return fmt.Errorf("%w: %s is leased by %d executions", types.ErrRejected, name, inst.leases)
		}
		return nil
	}

	switch req.Op {
	case types.OpLoad:
		if inst.state != types.StateUnloaded && inst.state != types.StateCached {
			return fmt.Errorf("%w: %s is already %s", types.ErrRejected, name, inst.state)
		}
		if req.Target != types.TierUnspecified && !req.Target.Valid() {
			return fmt.Errorf("%w: invalid target tier %s", types.ErrRejected, req.Target)
		}
	case types.OpUnload:
		if err := resident(); err != nil {
			return err
		}
		if req.ToCache && m.cache == nil {
			return fmt.Errorf("%w: no cache backend configured", types.ErrRejected)
		}
	case types.OpPromote:
		if err := resident(); err != nil {
			return err
		}
		if !req.Target.FasterThan(inst.tier) {
			return fmt.Errorf("%w: promote of %s needs a tier faster than %s, got %s",
				types.ErrRejected, name, inst.tier, req.Target)
		}
	case types.OpDemote:
		if err := resident(); err != nil {
			return err
		}
		if !inst.tier.FasterThan(req.Target) {
			return fmt.Errorf("%w: demote of %s needs a tier slower than %s, got %s",
				types.ErrRejected, name, inst.tier, req.Target)
		}
	default:
		return fmt.Errorf("%w: unknown operation %s", types.ErrRejected, req.Op)
	}
	return nil
}

func (m *Manager) placement(inst *instance, req Request) []types.Tier {
	if req.Target != types.TierUnspecified {
		return []types.Tier{req.Target}
	}
	var out []types.Tier
	for t := inst.spec.TierAffinity; t.Valid(); t = t.Slower() {
		out = append(out, t)
	}
	return out
}

// admitLocked reserves the instance's size in tier t, evicting victims first
// when the tier is full. The victims' budget is moved before returning.
func (m *Manager) admitLocked(inst *instance, t types.Tier, jobID string) ([]victim, error) {
	size := inst.spec.SizeBytes
	if err := m.tracker.Reserve(t, size); err == nil {
		return nil, nil
	}
	if !m.tracker.Fits(t, size) {
		_, reason := m.tracker.CanAdmit(t, size)
		return nil, fmt.Errorf("%w: %s", types.ErrRejected, reason)
	}

	needed := size - m.tracker.Free(t)
	picked, err := m.policy.SelectVictims(t, needed, m.candidatesLocked(t, inst.spec.Name), m.now())
	if err != nil {
		return nil, fmt.Errorf("%w: admitting %s into %s: %w", types.ErrRejected, inst.spec.Name, t, err)
	}

	victims := make([]victim, 0, len(picked))
	for _, c := range picked {
		vi := m.instances[c.Name]
		v := victim{spec: vi.spec, from: t}
		m.tracker.Release(t, c.SizeBytes)
		if slower := t.Slower(); slower.Valid() {
			if err := m.tracker.Reserve(slower, c.SizeBytes); err == nil {
				v.to = slower
			}
		}
		if !v.to.Valid() {
			v.toCache = m.cache != nil
			vi.state = types.StateUnloading
		}
		vi.activeJob = jobID
		victims = append(victims, v)
	}

	if err := m.tracker.Reserve(t, size); err != nil {
		m.restoreVictimsLocked(victims)
		return nil, err
	}
	return victims, nil
}

func (m *Manager) candidatesLocked(t types.Tier, exclude string) []tier.Candidate {
	var out []tier.Candidate
	for name, inst := range m.instances {
		if name == exclude || inst.state != types.StateResident || inst.tier != t {
			continue
		}
		if inst.activeJob != "" || inst.leases > 0 {
			continue
		}
		out = append(out, tier.Candidate{
			Name:       name,
			Tier:       t,
			SizeBytes:  inst.spec.SizeBytes,
			Priority:   inst.spec.Priority,
			LastUsed:   inst.lastUsed,
			UsageCount: inst.usage,
		})
	}
	return out
}

// restoreVictimsLocked undoes the budget moves of victims whose payload has
// not been touched yet. A victim whose original budget is gone keeps its
// planned placement, or is Unloaded when it had none.
func (m *Manager) restoreVictimsLocked(victims []victim) {
	for _, v := range victims {
		size := v.spec.SizeBytes
		vi := m.instances[v.spec.Name]
		vi.activeJob = ""
		if err := m.tracker.Reserve(v.from, size); err != nil {
			m.logger.Error("failed to restore victim budget",
				zap.String("resource", v.spec.Name), zap.Error(err))
			if v.to.Valid() {
				vi.tier = v.to
				vi.lastTier = v.to
				vi.state = types.StateResident
			} else {
				vi.tier = types.TierUnspecified
				vi.state = types.StateUnloaded
			}
			continue
		}
		if v.to.Valid() {
			m.tracker.Release(v.to, size)
		}
		vi.tier = v.from
		vi.state = types.StateResident
	}
}

func (m *Manager) estimate(j *job) time.Duration {
	t := j.snap.TargetTier
	if j.snap.Operation == types.OpUnload {
		t = j.snap.SourceTier
	}
	rate := m.throughput[t]
	if rate <= 0 {
		return 0
	}
	est := time.Duration(float64(j.spec.SizeBytes) / float64(rate) * float64(time.Second))
	if j.fromCache {
		est /= 2
	}
	return est
}

func (m *Manager) run(j *job) {
	defer m.wg.Done()
	defer metrics.JobsActive.Dec()

	ctx := context.Background()
	started := m.snapshot(j)
	m.persistJob(ctx, started)
	m.pub.Publish(Event{Name: EventJobStarted, Resource: started.Resource, Job: started, Time: m.now()})
	m.logger.Info("job started",
		zap.String("job_id", started.ID),
		zap.String("resource", started.Resource),
		zap.String("operation", started.Operation.String()),
		zap.String("source_tier", started.SourceTier.String()),
		zap.String("target_tier", started.TargetTier.String()),
		zap.Int("victims", len(j.victims)),
	)

	err := m.execute(ctx, j)
	m.finish(ctx, j, err)
}

func (m *Manager) execute(ctx context.Context, j *job) error {
	// validate
	if j.fromCache {
		ok, err := m.cache.Exists(ctx, j.spec.Name)
		if err != nil || !ok {
			m.logger.Warn("cached payload missing, loading from source",
				zap.String("resource", j.spec.Name), zap.Error(err))
			j.fromCache = false
		} else {
			metrics.CacheHits.WithLabelValues(j.spec.Name).Inc()
		}
	}
	req := TransferRequest{
		Spec:      j.spec,
		Op:        j.snap.Operation,
		From:      j.snap.SourceTier,
		To:        j.snap.TargetTier,
		FromCache: j.fromCache,
		ToCache:   j.snap.ToCache,
	}
	if v, ok := m.transfer.(Validator); ok {
		if err := v.Validate(ctx, req); err != nil {
			// Victim budget was handed out at admission; their moves go ahead.
			m.evict(ctx, j)
			return fmt.Errorf("validate: %w", err)
		}
	}
	m.setProgress(j, 0.1)

	// prepare
	m.evict(ctx, j)
	m.setProgress(j, 0.3)

	// transfer
	m.setProgress(j, 0.6)
	err := m.transfer.Run(ctx, req, func(f float64) {
		m.setProgress(j, 0.6+0.3*min(max(f, 0), 1))
	})
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	metrics.TransferBytes.WithLabelValues(req.Op.String()).Add(float64(j.spec.SizeBytes))
	m.setProgress(j, 0.9)
	return nil
}

// evict moves the payload of every victim. Victims whose transfer fails are
// left Unloaded; their budget has already been released.
func (m *Manager) evict(ctx context.Context, j *job) {
	for _, v := range j.victims {
		req := TransferRequest{Spec: v.spec, Op: types.OpDemote, From: v.from, To: v.to}
		action := "demote"
		if !v.to.Valid() {
			req.Op = types.OpUnload
			req.ToCache = v.toCache
			action = "unload"
		}
		err := m.transfer.Run(ctx, req, func(float64) {})

		m.mu.Lock()
		vi := m.instances[v.spec.Name]
		vi.activeJob = ""
		switch {
		case err == nil && v.to.Valid():
			vi.tier = v.to
			vi.lastTier = v.to
		case err == nil:
			vi.tier = types.TierUnspecified
			vi.state = types.StateUnloaded
			if v.toCache {
				vi.state = types.StateCached
			}
		default:
			if v.to.Valid() {
				m.tracker.Release(v.to, v.spec.SizeBytes)
			}
			vi.tier = types.TierUnspecified
			vi.state = types.StateUnloaded
		}
		j.snap.Evicted = append(j.snap.Evicted, v.spec.Name)
		rec := recordOf(vi)
		m.mu.Unlock()

		if err != nil {
			m.logger.Warn("eviction transfer failed, victim unloaded",
				zap.String("job_id", j.snap.ID),
				zap.String("resource", v.spec.Name),
				zap.String("action", action),
				zap.Error(err),
			)
		} else {
			m.logger.Info("instance evicted",
				zap.String("job_id", j.snap.ID),
				zap.String("resource", v.spec.Name),
				zap.String("action", action),
				zap.String("from_tier", v.from.String()),
				zap.String("to_tier", v.to.String()),
			)
		}
		metrics.Evictions.WithLabelValues(v.from.String(), action).Inc()
		m.persistInstance(ctx, rec)
		m.pub.Publish(Event{Name: EventEvicted, Resource: v.spec.Name, Job: m.snapshot(j), Time: m.now()})
	}

	m.mu.Lock()
	j.evicted = true
	m.mu.Unlock()
}

func (m *Manager) finish(ctx context.Context, j *job, err error) {
	m.mu.Lock()
	inst := m.instances[j.spec.Name]
	size := j.spec.SizeBytes
	now := m.now()

	if err == nil {
		switch j.snap.Operation {
		case types.OpLoad:
			inst.state = types.StateResident
			inst.tier = j.snap.TargetTier
			inst.loadedAt = now
			inst.lastUsed = now
		case types.OpPromote, types.OpDemote:
			m.tracker.Release(j.snap.SourceTier, size)
			inst.tier = j.snap.TargetTier
		case types.OpUnload:
			m.tracker.Release(inst.tier, size)
			inst.tier = types.TierUnspecified
			inst.state = types.StateUnloaded
			if j.snap.ToCache {
				inst.state = types.StateCached
			}
		}
		if inst.tier.Valid() {
			inst.lastTier = inst.tier
		}
		j.snap.Status = types.JobSuccess
		j.snap.Progress = 1
	} else {
		if j.snap.TargetTier.Valid() {
			m.tracker.Release(j.snap.TargetTier, size)
		}
		if !j.evicted {
			m.restoreVictimsLocked(j.victims)
		}
		inst.state = j.prevState
		j.snap.Status = types.JobFailed
		j.snap.Error = err.Error()
	}
	inst.activeJob = ""
	j.snap.EndTime = now
	snap := snapshotLocked(j)
	rec := recordOf(inst)
	m.mu.Unlock()
	defer close(j.done)

	m.persistJob(ctx, snap)
	m.persistInstance(ctx, rec)

	metrics.JobsTotal.WithLabelValues(snap.Operation.String(), snap.Status.String()).Inc()
	metrics.JobDuration.WithLabelValues(snap.Operation.String()).Observe(snap.EndTime.Sub(snap.StartTime).Seconds())

	fields := []zap.Field{
		zap.String("job_id", snap.ID),
		zap.String("resource", snap.Resource),
		zap.String("operation", snap.Operation.String()),
		zap.Duration("duration", snap.EndTime.Sub(snap.StartTime)),
	}
	if err != nil {
		m.logger.Warn("job failed", append(fields, zap.Error(err))...)
		m.pub.Publish(Event{Name: EventJobFailed, Resource: snap.Resource, Job: snap, Time: now})
		return
	}
	m.logger.Info("job succeeded", fields...)
	m.pub.Publish(Event{Name: EventJobSucceeded, Resource: snap.Resource, Job: snap, Time: now})
}

func (m *Manager) setProgress(j *job, p float64) {
	m.mu.Lock()
	if p > j.snap.Progress {
		j.snap.Progress = p
	}
	m.mu.Unlock()
}

// snapshot returns a copy of the job's current state.
func (m *Manager) snapshot(j *job) types.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotLocked(j)
}

func snapshotLocked(j *job) types.Job {
	out := j.snap
	out.Evicted = append([]string(nil), j.snap.Evicted...)
	return out
}

func recordOf(inst *instance) meta.InstanceRecord {
	return meta.InstanceRecord{
		Name:       inst.spec.Name,
		UsageCount: inst.usage,
		LastUsed:   inst.lastUsed,
		LoadedAt:   inst.loadedAt,
		LastTier:   inst.lastTier,
		Cached:     inst.state == types.StateCached,
	}
}

func (m *Manager) persistJob(ctx context.Context, j types.Job) {
	if m.meta == nil {
		return
	}
	if err := m.meta.RecordJob(ctx, j); err != nil {
		m.logger.Error("failed to persist job", zap.String("job_id", j.ID), zap.Error(err))
	}
}

func (m *Manager) persistInstance(ctx context.Context, rec meta.InstanceRecord) {
	if m.meta == nil {
		return
	}
	if err := m.meta.RecordInstance(ctx, rec); err != nil {
		m.logger.Error("failed to persist instance", zap.String("resource", rec.Name), zap.Error(err))
	}
}

// Get returns the job with the given id, falling back to the metadata store
// for jobs that have been pruned from memory.
func (m *Manager) Get(ctx context.Context, id string) (types.Job, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if ok {
		snap := snapshotLocked(j)
		m.mu.Unlock()
		return snap, nil
	}
	m.mu.Unlock()

	if m.meta != nil {
		if stored, err := m.meta.GetJob(ctx, id); err == nil {
			return *stored, nil
		}
	}
	return types.Job{}, fmt.Errorf("%w: job %s", types.ErrNotFound, id)
}

// Wait blocks until the job finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (types.Job, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return m.Get(ctx, id)
	}

	select {
	case <-j.done:
		return m.snapshot(j), nil
	case <-ctx.Done():
		return types.Job{}, ctx.Err()
	}
}

// Jobs lists known jobs ordered by start time. An empty resource lists all.
func (m *Manager) Jobs(ctx context.Context, resource string) ([]types.Job, error) {
	byID := make(map[string]types.Job)
	if m.meta != nil {
		stored, err := m.meta.ListJobs(ctx, resource, 0)
		if err != nil {
			return nil, err
		}
		for _, j := range stored {
			byID[j.ID] = j
		}
	}

	m.mu.Lock()
	for id, j := range m.jobs {
		if resource == "" || j.snap.Resource == resource {
			byID[id] = snapshotLocked(j)
		}
	}
	m.mu.Unlock()

	out := make([]types.Job, 0, len(byID))
	for _, j := range byID {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].StartTime.Equal(out[k].StartTime) {
			return out[i].StartTime.Before(out[k].StartTime)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

// ActiveJob returns the id of the resource's running job, if any.
func (m *Manager) ActiveJob(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[name]
	if !ok || inst.activeJob == "" {
		return "", false
	}
	return inst.activeJob, true
}

// Acquire leases a Resident instance for execution and counts one use. A
// leased instance is never an eviction victim and rejects Unload, Promote and
// Demote. The returned release func is safe to call more than once.
func (m *Manager) Acquire(name string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[name]
	if !ok {
		return nil, fmt.Errorf("%w: resource %s", types.ErrNotFound, name)
	}
	if inst.activeJob != "" {
		return nil, fmt.Errorf("%w: resource %s has active job %s", types.ErrConflict, name, inst.activeJob)
	}
	if inst.state != types.StateResident {
		return nil, fmt.Errorf("%w: %s is %s, not resident", types.ErrRejected, name, inst.state)
	}
	inst.leases++
	inst.usage++
	inst.lastUsed = m.now()

	var once sync.Once
	return func() { once.Do(func() { m.release(name) }) }, nil
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	inst := m.instances[name]
	inst.leases--
	inst.lastUsed = m.now()
	rec := recordOf(inst)
	m.mu.Unlock()

	m.persistInstance(context.Background(), rec)
}

// Instance returns a snapshot of one instance.
func (m *Manager) Instance(name string) (types.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[name]
	if !ok {
		return types.Instance{}, fmt.Errorf("%w: instance %s", types.ErrNotFound, name)
	}
	return inst.snapshot(), nil
}

// Instances returns a snapshot of every instance, sorted by name.
func (m *Manager) Instances() []types.Instance {
	m.mu.Lock()
	out := make([]types.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.snapshot())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (inst *instance) snapshot() types.Instance {
	out := types.Instance{
		Name:       inst.spec.Name,
		State:      inst.state,
		Tier:       inst.tier,
		LoadedAt:   inst.loadedAt,
		LastUsed:   inst.lastUsed,
		UsageCount: inst.usage,
		ActiveJob:  inst.activeJob,
		Leases:     inst.leases,
	}
	if inst.tier.Valid() {
		out.MemoryBytes = inst.spec.SizeBytes
	}
	return out
}

// UpdateLimits applies new tier limits. It takes the manager lock so that no
// admission runs between the tracker's check and its update.
func (m *Manager) UpdateLimits(limits map[types.Tier]tier.Limits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.UpdateLimits(limits)
}

// Close rejects new jobs and waits for running ones to finish.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}
