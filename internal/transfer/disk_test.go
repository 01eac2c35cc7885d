package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gftdcojp/model-tiers/internal/config"
	"github.com/gftdcojp/model-tiers/internal/lifecycle"
	"github.com/gftdcojp/model-tiers/internal/memory"
	"github.com/gftdcojp/model-tiers/internal/types"
	"go.uber.org/zap"
)

func writePayload(t *testing.T, data string) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weights.bin")
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256([]byte(data))
	return path, hex.EncodeToString(sum[:])
}

func newDisk() (*Disk, *memory.Store) {
	cache := memory.NewStore(config.MemoryCacheConfig{}, zap.NewNop())
	return &Disk{Cache: cache, ChunkSize: 4, Logger: zap.NewNop()}, cache
}

func TestDiskLoadVerifiesChecksum(t *testing.T) {
	path, sum := writePayload(t, "model weights go here")
	d, _ := newDisk()
	spec := types.ResourceSpec{Name: "m", SizeBytes: 21, TierAffinity: types.TierFast, Source: path, Checksum: sum}

	var progress []float64
	err := d.Run(context.Background(), lifecycle.TransferRequest{Spec: spec, Op: types.OpLoad, To: types.TierFast},
		func(f float64) { progress = append(progress, f) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(progress) < 2 || progress[len(progress)-1] != 1 {
		t.Errorf("unexpected progress: %v", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went backwards: %v", progress)
		}
	}

	spec.Checksum = strings.Repeat("0", 64)
	err = d.Run(context.Background(), lifecycle.TransferRequest{Spec: spec, Op: types.OpLoad}, func(float64) {})
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestDiskUnloadToCacheThenLoadFromCache(t *testing.T) {
	path, sum := writePayload(t, "cached payload")
	d, cache := newDisk()
	spec := types.ResourceSpec{Name: "m", SizeBytes: 14, TierAffinity: types.TierFast, Source: path, Checksum: sum}
	ctx := context.Background()

	if err := d.Run(ctx, lifecycle.TransferRequest{Spec: spec, Op: types.OpUnload, ToCache: true}, func(float64) {}); err != nil {
		t.Fatalf("unload: %v", err)
	}
	rc, n, err := cache.Get(ctx, "m")
	if err != nil {
		t.Fatalf("cache Get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "cached payload" || n != 14 {
		t.Fatalf("unexpected cached data %q (%d)", data, n)
	}

	// The source is gone; a cached load must not need it.
	os.Remove(path)
	req := lifecycle.TransferRequest{Spec: spec, Op: types.OpLoad, FromCache: true}
	if err := d.Validate(ctx, req); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := d.Run(ctx, req, func(float64) {}); err != nil {
		t.Fatalf("load from cache: %v", err)
	}
}

func TestDiskValidate(t *testing.T) {
	d, _ := newDisk()
	ctx := context.Background()
	spec := types.ResourceSpec{Name: "m", SizeBytes: 1, TierAffinity: types.TierFast}

	if err := d.Validate(ctx, lifecycle.TransferRequest{Spec: spec, Op: types.OpLoad, FromCache: true}); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing cache entry, got %v", err)
	}

	spec.Source = filepath.Join(t.TempDir(), "missing.bin")
	if err := d.Validate(ctx, lifecycle.TransferRequest{Spec: spec, Op: types.OpLoad}); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected missing source error, got %v", err)
	}

	noCache := &Disk{}
	if err := noCache.Validate(ctx, lifecycle.TransferRequest{Spec: spec, Op: types.OpUnload, ToCache: true}); !errors.Is(err, types.ErrRejected) {
		t.Errorf("expected ErrRejected without cache, got %v", err)
	}
}

func TestDiskSourcelessLoadIsAccountingOnly(t *testing.T) {
	d, _ := newDisk()
	spec := types.ResourceSpec{Name: "m", SizeBytes: 1 << 30, TierAffinity: types.TierFast}

	var last float64
	if err := d.Run(context.Background(), lifecycle.TransferRequest{Spec: spec, Op: types.OpLoad}, func(f float64) { last = f }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if last != 1 {
		t.Errorf("progress = %v, want 1", last)
	}
}

func TestDiskSourcelessCacheMarker(t *testing.T) {
	d, cache := newDisk()
	ctx := context.Background()
	spec := types.ResourceSpec{Name: "m", SizeBytes: 1 << 30, TierAffinity: types.TierFast}

	unload := lifecycle.TransferRequest{Spec: spec, Op: types.OpUnload, ToCache: true}
	if err := d.Validate(ctx, unload); err != nil {
		t.Fatalf("Validate unload: %v", err)
	}
	if err := d.Run(ctx, unload, func(float64) {}); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if ok, _ := cache.Exists(ctx, "m"); !ok {
		t.Fatal("expected a cache entry for a sourceless resource")
	}

	load := lifecycle.TransferRequest{Spec: spec, Op: types.OpLoad, FromCache: true}
	if err := d.Validate(ctx, load); err != nil {
		t.Fatalf("Validate load: %v", err)
	}
	if err := d.Run(ctx, load, func(float64) {}); err != nil {
		t.Fatalf("load from cache: %v", err)
	}

	// A marker written for a different size does not match.
	spec.SizeBytes = 1
	if err := d.Run(ctx, lifecycle.TransferRequest{Spec: spec, Op: types.OpLoad, FromCache: true}, func(float64) {}); err == nil {
		t.Error("expected a mismatched marker to fail the load")
	}
}

func TestStubFailureAndHold(t *testing.T) {
	s := &Stub{Delay: 4 * time.Millisecond, Steps: 4}
	spec := types.ResourceSpec{Name: "m", SizeBytes: 1, TierAffinity: types.TierFast}
	ctx := context.Background()

	boom := errors.New("boom")
	s.Fail("m", types.OpLoad, boom)
	var progress []float64
	if err := s.Run(ctx, lifecycle.TransferRequest{Spec: spec, Op: types.OpLoad}, func(f float64) {
		progress = append(progress, f)
	}); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if len(progress) != 2 {
		t.Errorf("failure should land midway, progress = %v", progress)
	}

	s.Fail("m", types.OpLoad, nil)
	s.Hold()
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, lifecycle.TransferRequest{Spec: spec, Op: types.OpLoad}, func(float64) {})
	}()
	select {
	case <-done:
		t.Fatal("held run finished early")
	case <-time.After(20 * time.Millisecond):
	}
	s.Release()
	if err := <-done; err != nil {
		t.Fatalf("released run: %v", err)
	}
	if got := len(s.Calls()); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}
