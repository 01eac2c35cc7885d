package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gftdcojp/model-tiers/internal/types"
)

func TestLoadAndValidate(t *testing.T) {
	yaml := `
nats:
  url: "nats://localhost:4222"

tiers:
  fast:
    capacity: "3GB"
    reserved: "512MB"
  medium:
    capacity: "8GB"
  slow:
    capacity: "32GB"
    throughput: "1GB"

scheduler:
  batch_size: 5
  batch_timeout: "50ms"

cache:
  backend: file
  file:
    data_dir: "/tmp/mt/cache"

resources:
  - name: "llama-7b"
    size: "2GB"
    tier: fast
    priority: high
    capabilities: ["text-generation", "reasoning"]
  - name: "whisper"
    size: "1GB"
    capabilities: ["speech-to-text"]

metadata:
  path: "/tmp/mt/test-meta.db"
`
	tmpFile, err := os.CreateTemp("", "mt-config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.WriteString(yaml)
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("unexpected NATS URL: %s", cfg.NATS.URL)
	}
	if int64(cfg.Tiers.Fast.Capacity) != 3*1024*1024*1024 {
		t.Errorf("unexpected fast capacity: %d", cfg.Tiers.Fast.Capacity)
	}
	if int64(cfg.Tiers.Fast.Reserved) != 512*1024*1024 {
		t.Errorf("unexpected fast reserved: %d", cfg.Tiers.Fast.Reserved)
	}
	// Defaults survive partial sections.
	if cfg.Tiers.Fast.Throughput == 0 {
		t.Error("expected default fast throughput to be kept")
	}
	if cfg.Scheduler.BatchSize != 5 {
		t.Errorf("unexpected batch size: %d", cfg.Scheduler.BatchSize)
	}
	if cfg.Scheduler.BatchTimeout.Duration() != 50*time.Millisecond {
		t.Errorf("unexpected batch timeout: %s", cfg.Scheduler.BatchTimeout.Duration())
	}
	if cfg.Scheduler.QueueDepth != 256 {
		t.Errorf("unexpected queue depth: %d", cfg.Scheduler.QueueDepth)
	}
	if !cfg.Cache.Enabled() {
		t.Error("expected cache to be enabled")
	}
	if len(cfg.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(cfg.Resources))
	}

	spec, err := cfg.Resources[0].Spec()
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	if spec.TierAffinity != types.TierFast || spec.Priority != types.PriorityHigh {
		t.Errorf("unexpected spec: %+v", spec)
	}
	if !spec.Capabilities.Has(types.CapReasoning) {
		t.Errorf("expected reasoning capability, got %v", spec.Capabilities)
	}

	spec, err = cfg.Resources[1].Spec()
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	if spec.TierAffinity != types.TierSlow {
		t.Errorf("expected slow affinity by default, got %s", spec.TierAffinity)
	}
}

func TestValidateReservedAtCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tiers.Medium.Reserved = cfg.Tiers.Medium.Capacity
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for reserved >= capacity")
	}
	if !strings.Contains(err.Error(), "tiers.medium") {
		t.Errorf("error should name the tier: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.Tiers.Slow.Capacity = 0 }},
		{"below min reserved", func(c *Config) { c.Tiers.Fast.Reserved = 0 }},
		{"below min capacity", func(c *Config) {
			c.Tiers.Medium.Capacity = ByteSize(gb)
		}},
		{"zero batch size", func(c *Config) { c.Scheduler.BatchSize = 0 }},
		{"zero queue depth", func(c *Config) { c.Scheduler.QueueDepth = 0 }},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "tape" }},
		{"file cache without dir", func(c *Config) { c.Cache.Backend = CacheBackendFile }},
		{"blob cache without bucket", func(c *Config) { c.Cache.Backend = CacheBackendBlob }},
		{"unknown engine backend", func(c *Config) { c.Engine.Backend = "grpc" }},
		{"unknown capability", func(c *Config) {
			c.Resources = []ResourceConfig{{Name: "a", Size: 1, Capabilities: []string{"juggling"}}}
		}},
		{"duplicate resource", func(c *Config) {
			c.Resources = []ResourceConfig{{Name: "a", Size: 1}, {Name: "a", Size: 2}}
		}},
		{"resource without size", func(c *Config) {
			c.Resources = []ResourceConfig{{Name: "a"}}
		}},
		{"no metadata path", func(c *Config) { c.Metadata.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestParseByteSizes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"1KB", 1024},
		{"256MB", 256 * 1024 * 1024},
		{"10GB", 10 * 1024 * 1024 * 1024},
		{"1TB", 1024 * 1024 * 1024 * 1024},
		{"100B", 100},
	}
	for _, tt := range tests {
		result, err := ParseByteSize(tt.input)
		if err != nil {
			t.Errorf("ParseByteSize(%q) error: %v", tt.input, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tt.input, result, tt.expected)
		}
	}
}
