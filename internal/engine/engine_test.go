package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gftdcojp/model-tiers/internal/types"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatal(err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestFuncKeepsOrder(t *testing.T) {
	f := Func(func(_ context.Context, _ string, p []byte) ([]byte, error) {
		if string(p) == "bad" {
			return nil, errors.New("bad payload")
		}
		return []byte(strings.ToUpper(string(p))), nil
	})

	out, err := f.Run(context.Background(), "m", [][]byte{[]byte("a"), []byte("bad"), []byte("c")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out[0].Value) != "A" || out[1].Err == nil || string(out[2].Value) != "C" {
		t.Errorf("unexpected outputs: %+v", out)
	}
}

func TestNATSRoundTrip(t *testing.T) {
	nc := startNATS(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := Func(func(_ context.Context, resource string, p []byte) ([]byte, error) {
		if string(p) == "fail" {
			return nil, errors.New("per-item failure")
		}
		return []byte(resource + ":" + string(p)), nil
	})
	go Serve(ctx, nc, "test.engine", worker, zap.NewNop())
	// Let the subscription register.
	nc.Flush()
	time.Sleep(50 * time.Millisecond)

	e := NewNATS(nc, "test.engine", 2*time.Second)
	out, err := e.Run(ctx, "llama", [][]byte{[]byte("hi"), []byte("fail")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(out))
	}
	if string(out[0].Value) != "llama:hi" {
		t.Errorf("output[0] = %q", out[0].Value)
	}
	if out[1].Err == nil || !strings.Contains(out[1].Err.Error(), "per-item failure") {
		t.Errorf("output[1] error = %v", out[1].Err)
	}
}

func TestNATSNoResponder(t *testing.T) {
	nc := startNATS(t)
	e := NewNATS(nc, "nobody.home", 200*time.Millisecond)

	_, err := e.Run(context.Background(), "llama", [][]byte{[]byte("hi")})
	if err == nil {
		t.Fatal("expected error without a worker")
	}
	if errors.Is(err, types.ErrTimeout) {
		return
	}
	if !errors.Is(err, nats.ErrNoResponders) {
		t.Errorf("expected timeout or no responders, got %v", err)
	}
}
