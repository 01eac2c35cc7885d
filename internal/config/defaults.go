package config

import "time"

const (
	mb = 1024 * 1024
	gb = 1024 * mb
)

func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectionName: "model-tiers",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		Tiers: TiersConfig{
			Fast: TierConfig{
				Capacity:    ByteSize(4 * gb),
				Reserved:    ByteSize(1 * gb),
				MinCapacity: ByteSize(1 * gb),
				MinReserved: ByteSize(512 * mb),
				Throughput:  ByteSize(10 * gb),
			},
			Medium: TierConfig{
				Capacity:    ByteSize(8 * gb),
				Reserved:    0,
				MinCapacity: ByteSize(2 * gb),
				Throughput:  ByteSize(3 * gb),
			},
			Slow: TierConfig{
				Capacity:   ByteSize(32 * gb),
				Reserved:   0,
				Throughput: ByteSize(2 * gb),
			},
		},
		Eviction: EvictionConfig{
			IdleWeight:          1.0,
			FrequencyWeight:     100.0,
			SizeWeight:          10.0,
			LowPriorityBonus:    100.0,
			HighPriorityPenalty: 1e9,
		},
		Selector: SelectorConfig{
			CapabilityWeight: 100.0,
			TierWeight:       10.0,
			ResidentBonus:    5.0,
		},
		Scheduler: SchedulerConfig{
			BatchSize:        4,
			BatchTimeout:     Duration(100 * time.Millisecond),
			ExecutionTimeout: Duration(30 * time.Second),
			QueueDepth:       256,
		},
		Jobs: JobsConfig{
			Retention:  Duration(time.Hour),
			History:    Duration(7 * 24 * time.Hour),
			GCInterval: Duration(time.Minute),
		},
		Cache: CacheConfig{
			Backend: CacheBackendNone,
			Memory: MemoryCacheConfig{
				MaxBytes: ByteSize(2 * gb),
			},
		},
		Engine: EngineConfig{
			Backend:       EngineBackendEcho,
			SubjectPrefix: "mt.engine",
			Timeout:       Duration(60 * time.Second),
		},
		Metadata: MetadataConfig{
			Path: "/var/lib/model-tiers/meta.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
			NATSResponder: NATSResponderConfig{
				Enabled:       false,
				SubjectPrefix: "mt",
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
