package tier

import (
	"fmt"
	"sync"

	"github.com/gftdcojp/model-tiers/internal/metrics"
	"github.com/gftdcojp/model-tiers/internal/types"
	"go.uber.org/zap"
)

// Limits configures the budget of one tier. MinCapacity and MinReserved are
// floors set by NewTracker that UpdateLimits will not go below.
type Limits struct {
	Capacity    int64 `json:"capacity"`
	Reserved    int64 `json:"reserved"`
	MinCapacity int64 `json:"min_capacity,omitempty"`
	MinReserved int64 `json:"min_reserved,omitempty"`
}

// Usable is the number of bytes that may be admitted into the tier.
func (l Limits) Usable() int64 {
	return l.Capacity - l.Reserved
}

func (l Limits) validate(t Tier) error {
	switch {
	case l.Reserved < 0:
		return fmt.Errorf("tier %s: reserved must be >= 0", t)
	case l.Reserved >= l.Capacity:
		return fmt.Errorf("tier %s: reserved (%d) must be below capacity (%d)", t, l.Reserved, l.Capacity)
	case l.Capacity < l.MinCapacity:
		return fmt.Errorf("tier %s: capacity (%d) is below the floor (%d)", t, l.Capacity, l.MinCapacity)
	case l.Reserved < l.MinReserved:
		return fmt.Errorf("tier %s: reserved (%d) is below the floor (%d)", t, l.Reserved, l.MinReserved)
	}
	return nil
}

// Budget is a snapshot of one tier's accounting.
type Budget struct {
	Tier        Tier    `json:"tier"`
	Capacity    int64   `json:"capacity"`
	Reserved    int64   `json:"reserved"`
	Used        int64   `json:"used"`
	Free        int64   `json:"free"`
	Utilization float64 `json:"utilization"`
	Residents   int     `json:"residents"`
}

type budget struct {
	limits    Limits
	used      int64
	residents int
}

func (b *budget) free() int64 {
	return b.limits.Usable() - b.used
}

// Tracker accounts for the bytes admitted into each tier. Every mutation is
// made under a single mutex so concurrent jobs cannot both admit past
// capacity.
type Tracker struct {
	mu      sync.Mutex
	budgets map[Tier]*budget
	logger  *zap.Logger
}

// NewTracker creates a tracker for every tier in types.Tiers. A tier missing
// from limits, or one whose reserved bytes reach its capacity, is an error.
func NewTracker(limits map[Tier]Limits, logger *zap.Logger) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		budgets: make(map[Tier]*budget, len(types.Tiers)),
		logger:  logger,
	}
	for _, tr := range types.Tiers {
		l, ok := limits[tr]
		if !ok {
			return nil, fmt.Errorf("%w: no limits for tier %s", types.ErrInvalidConfig, tr)
		}
		if err := l.validate(tr); err != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrInvalidConfig, err)
		}
		t.budgets[tr] = &budget{limits: l}
		t.observe(tr)
	}
	return t, nil
}

// CanAdmit reports whether size bytes fit into the tier right now, with a
// reason when they do not.
func (t *Tracker) CanAdmit(tr Tier, size int64) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canAdmitLocked(tr, size)
}

func (t *Tracker) canAdmitLocked(tr Tier, size int64) (bool, string) {
	b, ok := t.budgets[tr]
	if !ok {
		return false, fmt.Sprintf("unknown tier %s", tr)
	}
	if size > b.limits.Usable() {
		return false, fmt.Sprintf("%d bytes exceeds tier capacity (%d usable in %s)", size, b.limits.Usable(), tr)
	}
	if b.used+size > b.limits.Usable() {
		return false, fmt.Sprintf("%s tier has %d bytes free, %d needed", tr, b.free(), size)
	}
	return true, ""
}

// Fits reports whether size bytes could ever be admitted into the tier, that
// is, whether they fit an empty tier.
func (t *Tracker) Fits(tr Tier, size int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.budgets[tr]
	return ok && size <= b.limits.Usable()
}

// Reserve admits size bytes into the tier or fails with types.ErrRejected.
func (t *Tracker) Reserve(tr Tier, size int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ok, reason := t.canAdmitLocked(tr, size); !ok {
		metrics.AdmissionRejections.WithLabelValues(tr.String()).Inc()
		return fmt.Errorf("%w: %s", types.ErrRejected, reason)
	}
	b := t.budgets[tr]
	b.used += size
	b.residents++
	t.observe(tr)
	return nil
}

// Release returns size bytes to the tier.
func (t *Tracker) Release(tr Tier, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.budgets[tr]
	if !ok {
		return
	}
	b.used -= size
	b.residents--
	if b.used < 0 || b.residents < 0 {
		t.logger.Error("tier accounting underflow",
			zap.String("tier", tr.String()),
			zap.Int64("used", b.used),
			zap.Int("residents", b.residents),
		)
		b.used = max(b.used, 0)
		b.residents = max(b.residents, 0)
	}
	t.observe(tr)
}

// UpdateLimits replaces the capacity and reserved bytes of the tiers present
// in the map. Floors are fixed at construction and ignored in limits. Either every tier is updated or none is,
// and a violation fails with types.ErrInvalidConfig.
func (t *Tracker) UpdateLimits(limits map[Tier]Limits) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[Tier]Limits, len(limits))
	for tr, l := range limits {
		b, ok := t.budgets[tr]
		if !ok {
			return fmt.Errorf("%w: unknown tier %s", types.ErrInvalidConfig, tr)
		}
		l.MinCapacity = b.limits.MinCapacity
		l.MinReserved = b.limits.MinReserved
		if err := l.validate(tr); err != nil {
			return fmt.Errorf("%w: %w", types.ErrInvalidConfig, err)
		}
		if l.Usable() < b.used {
			return fmt.Errorf("%w: tier %s: %d usable bytes is below current usage %d",
				types.ErrInvalidConfig, tr, l.Usable(), b.used)
		}
		next[tr] = l
	}

	for tr, l := range next {
		t.budgets[tr].limits = l
		t.observe(tr)
		t.logger.Info("tier limits updated",
			zap.String("tier", tr.String()),
			zap.Int64("capacity", l.Capacity),
			zap.Int64("reserved", l.Reserved),
		)
	}
	return nil
}

// Get returns the budget of one tier.
func (t *Tracker) Get(tr Tier) (Budget, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.budgets[tr]; !ok {
		return Budget{}, fmt.Errorf("%w: tier %s", types.ErrNotFound, tr)
	}
	return t.snapshotLocked(tr), nil
}

// Status returns every tier's budget, fastest first.
func (t *Tracker) Status() []Budget {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Budget, 0, len(types.Tiers))
	for _, tr := range types.Tiers {
		out = append(out, t.snapshotLocked(tr))
	}
	return out
}

// Free returns the number of bytes that can still be admitted into the tier.
func (t *Tracker) Free(tr Tier) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.budgets[tr]
	if !ok {
		return 0
	}
	return b.free()
}

// Limits returns the current limits of one tier.
func (t *Tracker) Limits(tr Tier) Limits {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.budgets[tr]; ok {
		return b.limits
	}
	return Limits{}
}

func (t *Tracker) snapshotLocked(tr Tier) Budget {
	b := t.budgets[tr]
	out := Budget{
		Tier:      tr,
		Capacity:  b.limits.Capacity,
		Reserved:  b.limits.Reserved,
		Used:      b.used,
		Free:      b.free(),
		Residents: b.residents,
	}
	if usable := b.limits.Usable(); usable > 0 {
		out.Utilization = float64(b.used) / float64(usable)
	}
	return out
}

func (t *Tracker) observe(tr Tier) {
	b := t.budgets[tr]
	label := tr.String()
	metrics.TierCapacityBytes.WithLabelValues(label).Set(float64(b.limits.Capacity))
	metrics.TierReservedBytes.WithLabelValues(label).Set(float64(b.limits.Reserved))
	metrics.TierUsedBytes.WithLabelValues(label).Set(float64(b.used))
}
