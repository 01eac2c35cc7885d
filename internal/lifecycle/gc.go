package lifecycle

import (
	"context"
	"time"

	"github.com/gftdcojp/model-tiers/internal/types"
	"go.uber.org/zap"
)

// RunGC prunes finished jobs until ctx is cancelled. Jobs leave memory after
// retention and the metadata store after history.
func (m *Manager) RunGC(ctx context.Context, interval, retention, history time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.gcCycle(ctx, retention, history)
		}
	}
}

func (m *Manager) gcCycle(ctx context.Context, retention, history time.Duration) {
	now := m.now()

	m.mu.Lock()
	pruned := 0
	for id, j := range m.jobs {
		if j.snap.Done() && now.Sub(j.snap.EndTime) > retention {
			delete(m.jobs, id)
			pruned++
		}
	}
	m.mu.Unlock()

	deleted := 0
	if m.meta != nil && history > 0 {
		n, err := m.meta.DeleteJobsBefore(ctx, now.Add(-history))
		if err != nil {
			m.logger.Error("failed to delete job history", zap.Error(err))
		}
		deleted = n
	}

	if pruned > 0 || deleted > 0 {
		m.logger.Debug("job gc cycle",
			zap.Int("pruned", pruned),
			zap.Int("history_deleted", deleted),
		)
	}
}

// ReconcileCache marks Cached instances whose payload is gone from the cache
// as Unloaded. This happens when the cache is wiped or evicts on its own.
func (m *Manager) ReconcileCache(ctx context.Context) (int, error) {
	if m.cache == nil {
		return 0, nil
	}

	m.mu.Lock()
	var cached []string
	for name, inst := range m.instances {
		if inst.state == types.StateCached && inst.activeJob == "" {
			cached = append(cached, name)
		}
	}
	m.mu.Unlock()

	reconciled := 0
	for _, name := range cached {
		exists, err := m.cache.Exists(ctx, name)
		if err != nil {
			m.logger.Warn("error checking cached payload",
				zap.String("resource", name), zap.Error(err))
			continue
		}
		if exists {
			continue
		}

		m.mu.Lock()
		inst := m.instances[name]
		if inst.state != types.StateCached || inst.activeJob != "" {
			m.mu.Unlock()
			continue
		}
		inst.state = types.StateUnloaded
		rec := recordOf(inst)
		m.mu.Unlock()

		m.logger.Warn("cached payload missing, instance unloaded", zap.String("resource", name))
		m.persistInstance(ctx, rec)
		reconciled++
	}
	return reconciled, nil
}
