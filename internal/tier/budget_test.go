package tier

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/gftdcojp/model-tiers/internal/types"
	"go.uber.org/zap"
)

func testLimits() map[Tier]Limits {
	return map[Tier]Limits{
		TierFast:   {Capacity: 3 * gib, MinCapacity: gib},
		TierMedium: {Capacity: 8 * gib, Reserved: gib},
		TierSlow:   {Capacity: 32 * gib},
	}
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := NewTracker(testLimits(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr
}

func TestNewTrackerRejectsReservedAtCapacity(t *testing.T) {
	limits := testLimits()
	limits[TierSlow] = Limits{Capacity: gib, Reserved: gib}
	if _, err := NewTracker(limits, zap.NewNop()); !errors.Is(err, types.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	limits = testLimits()
	delete(limits, TierMedium)
	if _, err := NewTracker(limits, zap.NewNop()); err == nil {
		t.Fatal("expected error for missing tier")
	}
}

func TestCanAdmit(t *testing.T) {
	tr := newTestTracker(t)

	if ok, reason := tr.CanAdmit(TierFast, 2*gib); !ok {
		t.Fatalf("2GB should fit the 3GB fast tier: %s", reason)
	}
	ok, reason := tr.CanAdmit(TierFast, 6*gib)
	if ok {
		t.Fatal("6GB should not fit the 3GB fast tier")
	}
	if !strings.Contains(reason, "exceeds tier capacity") {
		t.Errorf("unexpected reason: %s", reason)
	}

	// Reserved bytes are never admitted.
	if ok, _ := tr.CanAdmit(TierMedium, 8*gib); ok {
		t.Fatal("reserved bytes must not be admitted")
	}
	if ok, _ := tr.CanAdmit(TierMedium, 7*gib); !ok {
		t.Fatal("7GB should fit medium (8GB - 1GB reserved)")
	}
}

func TestReserveRelease(t *testing.T) {
	tr := newTestTracker(t)

	if err := tr.Reserve(TierFast, 2*gib); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	err := tr.Reserve(TierFast, 2*gib)
	if !errors.Is(err, types.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}

	b, _ := tr.Get(TierFast)
	if b.Used != 2*gib || b.Free != gib || b.Residents != 1 {
		t.Errorf("unexpected budget: %+v", b)
	}

	tr.Release(TierFast, 2*gib)
	if free := tr.Free(TierFast); free != 3*gib {
		t.Errorf("expected 3GB free after release, got %d", free)
	}
	if !tr.Fits(TierFast, 3*gib) || tr.Fits(TierFast, 3*gib+1) {
		t.Error("Fits should compare against usable capacity")
	}
}

func TestReserveConcurrentNeverExceedsCapacity(t *testing.T) {
	tr := newTestTracker(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.Reserve(TierFast, gib/2); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
			b, _ := tr.Get(TierFast)
			if b.Used > b.Capacity-b.Reserved {
				t.Errorf("budget exceeded: %+v", b)
			}
		}()
	}
	wg.Wait()

	if admitted != 6 {
		t.Errorf("expected 6 half-GB reservations in 3GB, got %d", admitted)
	}
}

func TestUpdateLimits(t *testing.T) {
	tr := newTestTracker(t)
	if err := tr.Reserve(TierFast, 2*gib); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		limits map[Tier]Limits
	}{
		{"below usage", map[Tier]Limits{TierFast: {Capacity: 2 * gib, Reserved: gib / 2}}},
		{"below floor", map[Tier]Limits{TierFast: {Capacity: gib / 2}}},
		{"floor lowered in the same update", map[Tier]Limits{TierFast: {Capacity: gib / 2, MinCapacity: 1}}},
		{"reserved at capacity", map[Tier]Limits{TierSlow: {Capacity: gib, Reserved: gib}}},
		{"negative reserved", map[Tier]Limits{TierSlow: {Capacity: gib, Reserved: -1}}},
		{"unknown tier", map[Tier]Limits{types.TierUnspecified: {Capacity: gib}}},
		// One bad tier rejects the whole update.
		{"partial", map[Tier]Limits{
			TierSlow: {Capacity: 64 * gib},
			TierFast: {Capacity: gib},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tr.UpdateLimits(tt.limits); !errors.Is(err, types.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	slow, _ := tr.Get(TierSlow)
	if slow.Capacity != 32*gib {
		t.Errorf("rejected update must not apply: %+v", slow)
	}

	if err := tr.UpdateLimits(map[Tier]Limits{TierFast: {Capacity: 6 * gib, Reserved: gib}}); err != nil {
		t.Fatalf("UpdateLimits: %v", err)
	}
	fast := tr.Limits(TierFast)
	if fast.Capacity != 6*gib || fast.Reserved != gib || fast.MinCapacity != gib {
		t.Errorf("unexpected limits after update: %+v", fast)
	}
}

func TestUpdateLimitsKeepsReservedFloor(t *testing.T) {
	limits := testLimits()
	limits[TierFast] = Limits{Capacity: 4 * gib, Reserved: gib, MinReserved: gib / 2}
	tr, err := NewTracker(limits, nil)
	if err != nil {
		t.Fatal(err)
	}

	for _, l := range []Limits{
		{Capacity: 4 * gib},
		{Capacity: 4 * gib, Reserved: 1, MinReserved: 1},
	} {
		if err := tr.UpdateLimits(map[Tier]Limits{TierFast: l}); !errors.Is(err, types.ErrInvalidConfig) {
			t.Errorf("UpdateLimits(%+v): expected ErrInvalidConfig, got %v", l, err)
		}
	}
	if got := tr.Limits(TierFast); got.Reserved != gib || got.MinReserved != gib/2 {
		t.Errorf("floor or reserved changed: %+v", got)
	}

	// A floor sent with a valid update is ignored.
	if err := tr.UpdateLimits(map[Tier]Limits{TierFast: {Capacity: 4 * gib, Reserved: gib / 2, MinReserved: 0}}); err != nil {
		t.Fatalf("UpdateLimits: %v", err)
	}
	if got := tr.Limits(TierFast); got.MinReserved != gib/2 {
		t.Errorf("floor = %d, want %d", got.MinReserved, gib/2)
	}
}

func TestStatusOrder(t *testing.T) {
	tr := newTestTracker(t)
	status := tr.Status()
	if len(status) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(status))
	}
	for i, want := range types.Tiers {
		if status[i].Tier != want {
			t.Errorf("status[%d] = %s, want %s", i, status[i].Tier, want)
		}
	}
}

func TestClampToHost(t *testing.T) {
	limits, err := ClampToHost(StaticCapacity{TierFast: 2 * gib}, testLimits())
	if err != nil {
		t.Fatalf("ClampToHost: %v", err)
	}
	if limits[TierFast].Capacity != 2*gib {
		t.Errorf("expected fast clamped to 2GB, got %d", limits[TierFast].Capacity)
	}
	if limits[TierSlow].Capacity != 32*gib {
		t.Errorf("unreported tier should keep its capacity, got %d", limits[TierSlow].Capacity)
	}

	if _, err := ClampToHost(StaticCapacity{TierMedium: gib}, testLimits()); !errors.Is(err, types.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig when the host leaves no usable bytes, got %v", err)
	}
}
