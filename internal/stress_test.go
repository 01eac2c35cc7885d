//go:build stress

package internal_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gftdcojp/model-tiers/internal/batch"
	"github.com/gftdcojp/model-tiers/internal/config"
	"github.com/gftdcojp/model-tiers/internal/file"
	"github.com/gftdcojp/model-tiers/internal/memory"
	"github.com/gftdcojp/model-tiers/internal/types"
	"go.uber.org/zap"
)

// TestStress_ConcurrentRequestsAndMigrations drives many resources through
// concurrent executions and explicit migrations while a watcher checks that
// no tier ever accounts more than its usable capacity.
func TestStress_ConcurrentRequestsAndMigrations(t *testing.T) {
	dir := t.TempDir()
	e := newEnv(t, envOptions{dir: dir, fast: 4 * gib})

	caps := []string{"text-generation", "code-generation", "embedding", "speech-to-text"}
	tiers := []string{"fast", "medium", "slow"}
	const resources = 24
	for i := range resources {
		register(t, e.svc, config.ResourceConfig{
			Name:         fmt.Sprintf("model-%02d", i),
			Size:         config.ByteSize(gib/2 + int64(i%4)*(gib/4)),
			Tier:         tiers[i%len(tiers)],
			Capabilities: []string{caps[i%len(caps)]},
			Priority:     []string{"low", "normal", "high"}[i%3],
		})
	}

	stop := make(chan struct{})
	var overflow atomic.Int64
	watcher := make(chan struct{})
	go func() {
		defer close(watcher)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, b := range e.svc.TierStatus() {
				if b.Used > b.Capacity-b.Reserved {
					overflow.Add(1)
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		failed    atomic.Int64
	)
	for g := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set, _ := types.NewCapabilitySet(caps[g%len(caps)])
			for i := range 25 {
				h, err := e.svc.SubmitRequest(batch.Request{Payload: []byte(fmt.Sprintf("g%d-%d", g, i)), Capabilities: set})
				if err != nil {
					failed.Add(1)
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if _, err := h.Wait(ctx); err != nil {
					failed.Add(1)
				} else {
					succeeded.Add(1)
				}
				cancel()
			}
		}()
	}
	for g := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 30 {
				name := fmt.Sprintf("model-%02d", (g*7+i)%resources)
				target := types.Tier(tiers[(g+i)%len(tiers)])
				id, err := e.svc.Migrate(name, target)
				if err != nil {
					// Conflicts and rejections are expected under contention.
					if !errors.Is(err, types.ErrConflict) && !errors.Is(err, types.ErrRejected) && !errors.Is(err, types.ErrInsufficientCapacity) {
						t.Errorf("migrate %s to %s: %v", name, target, err)
					}
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				e.svc.WaitJob(ctx, id)
				cancel()
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-watcher

	if n := overflow.Load(); n > 0 {
		t.Errorf("observed %d samples with a tier over its usable capacity", n)
	}
	if succeeded.Load() == 0 {
		t.Fatal("no request succeeded")
	}
	t.Logf("requests: %d succeeded, %d failed", succeeded.Load(), failed.Load())

	var used int64
	for _, res := range e.svc.ListResources() {
		used += res.Instance.MemoryBytes
		if res.Instance.ActiveJob != "" {
			t.Errorf("%s still has active job %s", res.Name, res.Instance.ActiveJob)
		}
	}
	var accounted int64
	for _, b := range e.svc.TierStatus() {
		accounted += b.Used
	}
	if used != accounted {
		t.Errorf("instances hold %d bytes but tiers account %d", used, accounted)
	}
}

// TestStress_RapidLoadUnload repeatedly cycles one resource through the file
// cache.
func TestStress_RapidLoadUnload(t *testing.T) {
	dir := t.TempDir()
	e := newEnv(t, envOptions{dir: dir})
	src, sum := writePayload(t, dir, "cycler", 32*1024)
	register(t, e.svc, config.ResourceConfig{Name: "cycler", Size: config.ByteSize(gib), Tier: "medium", Source: src, Checksum: sum})

	for i := range 50 {
		id, err := e.svc.Load("cycler")
		if err != nil {
			t.Fatalf("load round %d: %v", i, err)
		}
		if j := waitJob(t, e, id); j.Status != types.JobSuccess {
			t.Fatalf("load round %d: %+v", i, j)
		}
		id, err = e.svc.Unload("cycler", i%2 == 0)
		if err != nil {
			t.Fatalf("unload round %d: %v", i, err)
		}
		if j := waitJob(t, e, id); j.Status != types.JobSuccess {
			t.Fatalf("unload round %d: %+v", i, j)
		}
	}
	for _, b := range e.svc.TierStatus() {
		if b.Used != 0 {
			t.Errorf("tier %s accounts %d bytes after the last unload", b.Tier, b.Used)
		}
	}
}

// TestStress_FileCacheHighConcurrency hammers the file cache with 50
// concurrent writers and readers.
func TestStress_FileCacheHighConcurrency(t *testing.T) {
	store, err := file.NewStore(config.FileCacheConfig{DataDir: t.TempDir()}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 20 {
				name := fmt.Sprintf("blob-%d-%d", g, i)
				if _, err := store.Put(ctx, name, bytes.NewReader([]byte(name))); err != nil {
					t.Errorf("put %s: %v", name, err)
				}
			}
		}()
	}
	wg.Wait()

	for g := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 20 {
				name := fmt.Sprintf("blob-%d-%d", g, i)
				rc, _, err := store.Get(ctx, name)
				if err != nil {
					t.Errorf("get %s: %v", name, err)
					return
				}
				data, _ := io.ReadAll(rc)
				rc.Close()
				if string(data) != name {
					t.Errorf("%s: got %q", name, data)
				}
			}
		}()
	}
	wg.Wait()

	stats, _ := store.Stats(ctx)
	if stats.EntryCount != 1000 {
		t.Errorf("expected 1000 entries, got %d", stats.EntryCount)
	}
}

// TestStress_MemoryCacheEvictionUnderLoad puts far more than MaxBytes from
// many goroutines.
func TestStress_MemoryCacheEvictionUnderLoad(t *testing.T) {
	store := memory.NewStore(config.MemoryCacheConfig{MaxBytes: 10 * 1024}, zap.NewNop())
	ctx := context.Background()
	payload := bytes.Repeat([]byte("x"), 1024)

	var wg sync.WaitGroup
	for g := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 10 {
				store.Put(ctx, fmt.Sprintf("blob-%d-%d", g, i), bytes.NewReader(payload))
			}
		}()
	}
	wg.Wait()

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalBytes > 10*1024 {
		t.Errorf("memory cache holds %d bytes, limit 10240", stats.TotalBytes)
	}
}
