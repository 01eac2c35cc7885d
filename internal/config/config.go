package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gftdcojp/model-tiers/internal/types"
	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS          NATSConfig          `yaml:"nats"`
	Tiers         TiersConfig         `yaml:"tiers"`
	Eviction      EvictionConfig      `yaml:"eviction"`
	Selector      SelectorConfig      `yaml:"selector"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Cache         CacheConfig         `yaml:"cache"`
	Resources     []ResourceConfig    `yaml:"resources"`
	Engine        EngineConfig        `yaml:"engine"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type NATSConfig struct {
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type TiersConfig struct {
	Fast   TierConfig `yaml:"fast"`
	Medium TierConfig `yaml:"medium"`
	Slow   TierConfig `yaml:"slow"`
}

// TierConfig holds the budget of a single memory tier.
type TierConfig struct {
	Capacity    ByteSize `yaml:"capacity"`
	Reserved    ByteSize `yaml:"reserved"`
	MinCapacity ByteSize `yaml:"min_capacity"`
	MinReserved ByteSize `yaml:"min_reserved"`
	// Throughput is the expected transfer rate into the tier, in bytes per
	// second. Used for job time estimates.
	Throughput ByteSize `yaml:"throughput"`
	// Available is what the host can physically give the tier. When set and
	// smaller than Capacity, it caps Capacity at startup.
	Available ByteSize `yaml:"available"`
}

// ByTier returns the tier configs keyed by tier.
func (c TiersConfig) ByTier() map[types.Tier]TierConfig {
	return map[types.Tier]TierConfig{
		types.TierFast:   c.Fast,
		types.TierMedium: c.Medium,
		types.TierSlow:   c.Slow,
	}
}

type EvictionConfig struct {
	IdleWeight          float64 `yaml:"idle_weight"`
	FrequencyWeight     float64 `yaml:"frequency_weight"`
	SizeWeight          float64 `yaml:"size_weight"`
	LowPriorityBonus    float64 `yaml:"low_priority_bonus"`
	HighPriorityPenalty float64 `yaml:"high_priority_penalty"`
}

type SelectorConfig struct {
	CapabilityWeight float64 `yaml:"capability_weight"`
	TierWeight       float64 `yaml:"tier_weight"`
	ResidentBonus    float64 `yaml:"resident_bonus"`
}

type SchedulerConfig struct {
	BatchSize        int      `yaml:"batch_size"`
	BatchTimeout     Duration `yaml:"batch_timeout"`
	ExecutionTimeout Duration `yaml:"execution_timeout"`
	QueueDepth       int      `yaml:"queue_depth"`
}

type JobsConfig struct {
	// Retention is how long finished jobs stay in memory.
	Retention Duration `yaml:"retention"`
	// History is how long finished jobs stay in the metadata store.
	History    Duration `yaml:"history"`
	GCInterval Duration `yaml:"gc_interval"`
}

const (
	CacheBackendNone   = "none"
	CacheBackendMemory = "memory"
	CacheBackendFile   = "file"
	CacheBackendBlob   = "blob"
)

type CacheConfig struct {
	Backend string            `yaml:"backend"`
	Memory  MemoryCacheConfig `yaml:"memory"`
	File    FileCacheConfig   `yaml:"file"`
	Blob    BlobCacheConfig   `yaml:"blob"`
}

// Enabled reports whether Unload(to_cache) has a backend to write to.
func (c CacheConfig) Enabled() bool {
	return c.Backend != "" && c.Backend != CacheBackendNone
}

type MemoryCacheConfig struct {
	MaxBytes ByteSize `yaml:"max_bytes"`
}

type FileCacheConfig struct {
	DataDir  string   `yaml:"data_dir"`
	MaxBytes ByteSize `yaml:"max_bytes"`
}

type BlobCacheConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	StorageClass    string `yaml:"storage_class"`
}

// ResourceConfig seeds the catalog at startup.
type ResourceConfig struct {
	Name         string   `yaml:"name"`
	Size         ByteSize `yaml:"size"`
	Tier         string   `yaml:"tier"`
	Capabilities []string `yaml:"capabilities"`
	Priority     string   `yaml:"priority"`
	Source       string   `yaml:"source"`
	Checksum     string   `yaml:"checksum"`
}

// Spec converts the config entry into a validated resource spec.
func (r ResourceConfig) Spec() (types.ResourceSpec, error) {
	t, err := types.ParseTier(r.Tier)
	if err != nil {
		return types.ResourceSpec{}, err
	}
	if t == types.TierUnspecified {
		t = types.TierSlow
	}
	prio, err := types.ParsePriority(r.Priority)
	if err != nil {
		return types.ResourceSpec{}, err
	}
	caps, err := types.NewCapabilitySet(r.Capabilities...)
	if err != nil {
		return types.ResourceSpec{}, err
	}
	spec := types.ResourceSpec{
		Name:         r.Name,
		SizeBytes:    int64(r.Size),
		TierAffinity: t,
		Capabilities: caps,
		Priority:     prio,
		Source:       r.Source,
		Checksum:     strings.ToLower(r.Checksum),
	}
	return spec, spec.Validate()
}

const (
	EngineBackendEcho = "echo"
	EngineBackendNATS = "nats"
)

type EngineConfig struct {
	// Backend is "echo" (in-process, for testing) or "nats".
	Backend       string   `yaml:"backend"`
	SubjectPrefix string   `yaml:"subject_prefix"`
	Timeout       Duration `yaml:"timeout"`
}

type MetadataConfig struct {
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`
}

type APIConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Listen        string              `yaml:"listen"`
	NATSResponder NATSResponderConfig `yaml:"nats_responder"`
}

type NATSResponderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
	// PublishEvents publishes job lifecycle events on {prefix}.events.job.{resource}.
	PublishEvents bool `yaml:"publish_events"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	for _, t := range types.Tiers {
		tc := c.Tiers.ByTier()[t]
		if tc.Capacity <= 0 {
			return fmt.Errorf("tiers.%s.capacity must be > 0", t)
		}
		if tc.Reserved < 0 {
			return fmt.Errorf("tiers.%s.reserved must be >= 0", t)
		}
		if tc.Reserved >= tc.Capacity {
			return fmt.Errorf("tiers.%s: reserved (%d) must be below capacity (%d)", t, tc.Reserved, tc.Capacity)
		}
		if tc.Reserved < tc.MinReserved {
			return fmt.Errorf("tiers.%s: reserved (%d) is below min_reserved (%d)", t, tc.Reserved, tc.MinReserved)
		}
		if tc.Capacity < tc.MinCapacity {
			return fmt.Errorf("tiers.%s: capacity (%d) is below min_capacity (%d)", t, tc.Capacity, tc.MinCapacity)
		}
	}

	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be > 0")
	}
	if c.Scheduler.BatchTimeout <= 0 {
		return fmt.Errorf("scheduler.batch_timeout must be > 0")
	}
	if c.Scheduler.ExecutionTimeout <= 0 {
		return fmt.Errorf("scheduler.execution_timeout must be > 0")
	}
	if c.Scheduler.QueueDepth <= 0 {
		return fmt.Errorf("scheduler.queue_depth must be > 0")
	}

	switch c.Cache.Backend {
	case "", CacheBackendNone, CacheBackendMemory:
	case CacheBackendFile:
		if c.Cache.File.DataDir == "" {
			return fmt.Errorf("cache.file.data_dir is required for the file backend")
		}
	case CacheBackendBlob:
		if c.Cache.Blob.Bucket == "" {
			return fmt.Errorf("cache.blob.bucket is required for the blob backend")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}

	switch c.Engine.Backend {
	case "", EngineBackendEcho, EngineBackendNATS:
	default:
		return fmt.Errorf("unknown engine.backend %q", c.Engine.Backend)
	}

	seen := make(map[string]bool, len(c.Resources))
	for i, rc := range c.Resources {
		if _, err := rc.Spec(); err != nil {
			return fmt.Errorf("resources[%d]: %w", i, err)
		}
		if seen[rc.Name] {
			return fmt.Errorf("resources[%d]: duplicate name %q", i, rc.Name)
		}
		seen[rc.Name] = true
	}

	if c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required")
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "100ms".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "512MB", "3GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// ParseByteSize parses sizes like "512MB" or "3GB" using binary multiples.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "TB"):
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
