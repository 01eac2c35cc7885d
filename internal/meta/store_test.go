package meta

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/gftdcojp/model-tiers/internal/types"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "mt-meta-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	store, err := NewBoltStore(tmpFile.Name(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndGetJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Now().Add(-time.Second)
	job := types.Job{
		ID:           "job-1",
		Resource:     "llama",
		Operation:    types.OpPromote,
		SourceTier:   types.TierMedium,
		TargetTier:   types.TierFast,
		Progress:     1,
		Status:       types.JobSuccess,
		StartTime:    start,
		EndTime:      time.Now(),
		TimeEstimate: 300 * time.Millisecond,
		Evicted:      []string{"whisper"},
	}
	if err := store.RecordJob(ctx, job); err != nil {
		t.Fatalf("RecordJob failed: %v", err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Operation != types.OpPromote || got.TargetTier != types.TierFast || got.Status != types.JobSuccess {
		t.Errorf("unexpected job: %+v", got)
	}
	if len(got.Evicted) != 1 || got.Evicted[0] != "whisper" {
		t.Errorf("unexpected evicted list: %v", got.Evicted)
	}
	if !got.StartTime.Equal(start) {
		t.Errorf("start time = %v, want %v", got.StartTime, start)
	}

	// Overwrite with a later state.
	job.Status = types.JobFailed
	job.Error = "transfer failed"
	store.RecordJob(ctx, job)
	got, _ = store.GetJob(ctx, "job-1")
	if got.Status != types.JobFailed || got.Error != "transfer failed" {
		t.Errorf("overwrite not applied: %+v", got)
	}
}

func TestGetJobNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetJob(context.Background(), "missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, res := range []string{"a", "b", "a", "a"} {
		store.RecordJob(ctx, types.Job{
			ID:        string(rune('w' + i)),
			Resource:  res,
			Status:    types.JobSuccess,
			StartTime: base.Add(time.Duration(i) * time.Minute),
		})
	}

	all, err := store.ListJobs(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 jobs, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].StartTime.Before(all[i-1].StartTime) {
			t.Fatal("jobs not ordered by start time")
		}
	}

	onlyA, _ := store.ListJobs(ctx, "a", 0)
	if len(onlyA) != 3 {
		t.Errorf("expected 3 jobs for a, got %d", len(onlyA))
	}

	latest, _ := store.ListJobs(ctx, "a", 2)
	if len(latest) != 2 || latest[1].ID != "z" {
		t.Errorf("limit should keep the most recent jobs, got %+v", latest)
	}
}

func TestDeleteJobsBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	store.RecordJob(ctx, types.Job{ID: "old", Status: types.JobSuccess, EndTime: now.Add(-2 * time.Hour)})
	store.RecordJob(ctx, types.Job{ID: "new", Status: types.JobFailed, EndTime: now})
	store.RecordJob(ctx, types.Job{ID: "running", Status: types.JobRunning})

	n, err := store.DeleteJobsBefore(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}
	if _, err := store.GetJob(ctx, "old"); !errors.Is(err, types.ErrNotFound) {
		t.Error("old job should be gone")
	}
	if _, err := store.GetJob(ctx, "running"); err != nil {
		t.Errorf("running job must be kept: %v", err)
	}
}

func TestInstanceRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := InstanceRecord{
		Name:       "llama",
		UsageCount: 42,
		LastUsed:   time.Now().Add(-time.Minute),
		LastTier:   types.TierFast,
		Cached:     true,
	}
	if err := store.RecordInstance(ctx, rec); err != nil {
		t.Fatalf("RecordInstance: %v", err)
	}

	got, err := store.GetInstance(ctx, "llama")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.UsageCount != 42 || got.LastTier != types.TierFast || !got.Cached {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be stamped")
	}

	if _, err := store.GetInstance(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	store.RecordInstance(ctx, InstanceRecord{Name: "whisper"})
	all, err := store.ListInstances(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 records, got %d", len(all))
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := t.TempDir() + "/meta.db"
	store, err := NewBoltStoreNoSync(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	store.RecordInstance(context.Background(), InstanceRecord{Name: "llama", UsageCount: 7})
	store.Close()

	store, err = NewBoltStore(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	got, err := store.GetInstance(context.Background(), "llama")
	if err != nil || got.UsageCount != 7 {
		t.Fatalf("expected persisted record, got %+v %v", got, err)
	}
}
