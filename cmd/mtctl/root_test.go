package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gftdcojp/model-tiers/internal/batch"
	"github.com/gftdcojp/model-tiers/internal/engine"
	"github.com/gftdcojp/model-tiers/internal/residency"
	"github.com/gftdcojp/model-tiers/internal/selector"
	"github.com/gftdcojp/model-tiers/internal/serve"
	"github.com/gftdcojp/model-tiers/internal/tier"
	"github.com/gftdcojp/model-tiers/internal/transfer"
	"github.com/gftdcojp/model-tiers/internal/types"
	"go.uber.org/zap"
)

const gib = int64(1 << 30)

func startAPI(t *testing.T) string {
	t.Helper()
	tracker, err := tier.NewTracker(map[types.Tier]tier.Limits{
		types.TierFast:   {Capacity: 4 * gib},
		types.TierMedium: {Capacity: 8 * gib},
		types.TierSlow:   {Capacity: 32 * gib},
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	svc := residency.New(residency.Options{
		Tracker:  tracker,
		Eviction: tier.Weights{Idle: 1, Frequency: 100, Size: 10, LowPriorityBonus: 100, HighPriorityPenalty: 1e9},
		Selector: selector.Weights{Capability: 100, Tier: 10, ResidentBonus: 5},
		Scheduler: batch.Config{
			BatchSize:        4,
			BatchTimeout:     10 * time.Millisecond,
			ExecutionTimeout: time.Second,
			QueueDepth:       16,
		},
		Transfer: &transfer.Stub{Delay: time.Millisecond, Steps: 2},
		Engine:   engine.Echo,
		Logger:   zap.NewNop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	srv := httptest.NewServer(serve.NewHandler(svc, zap.NewNop()))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		svc.Close(context.Background())
	})
	return srv.URL
}

func run(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append([]string{"--addr", addr}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestWorkflow(t *testing.T) {
	addr := startAPI(t)

	if _, err := run(t, addr, "register", "coder", "--size", "2GB", "--tier", "fast", "--cap", "code-generation"); err != nil {
		t.Fatalf("register: %v", err)
	}

	out, err := run(t, addr, "resources")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "coder") || !strings.Contains(out, "2.0GB") || !strings.Contains(out, "unloaded") {
		t.Errorf("unexpected resources output:\n%s", out)
	}

	out, err = run(t, addr, "migrate", "coder", "fast", "--wait", "5s")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "load") || !strings.Contains(out, "success") {
		t.Errorf("unexpected migrate output:\n%s", out)
	}

	out, err = run(t, addr, "exec", "hello", "--cap", "code-generation")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "[coder] coder: hello" {
		t.Errorf("exec output = %q", out)
	}

	out, err = run(t, addr, "tiers", "set", "fast", "--capacity", "6GB")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "6.0GB") {
		t.Errorf("tiers set output:\n%s", out)
	}
}

func TestAPIErrors(t *testing.T) {
	addr := startAPI(t)

	_, err := run(t, addr, "migrate", "ghost", "fast")
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("expected not_found API error, got %v", err)
	}

	if _, err := run(t, addr, "tiers", "set", "warp"); err == nil || !strings.Contains(err.Error(), "unknown tier") {
		t.Errorf("expected unknown tier error, got %v", err)
	}
	if _, err := run(t, addr, "migrate", "only-one-arg"); err == nil {
		t.Error("expected argument count error")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		0:              "0B",
		512:            "512B",
		1536:           "1.5KB",
		3 * gib:        "3.0GB",
		gib + gib/2:    "1.5GB",
		5 * 1024 * gib: "5.0TB",
	}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
