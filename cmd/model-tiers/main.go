package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gftdcojp/model-tiers/internal/batch"
	"github.com/gftdcojp/model-tiers/internal/blob"
	"github.com/gftdcojp/model-tiers/internal/config"
	"github.com/gftdcojp/model-tiers/internal/engine"
	"github.com/gftdcojp/model-tiers/internal/file"
	"github.com/gftdcojp/model-tiers/internal/lifecycle"
	"github.com/gftdcojp/model-tiers/internal/memory"
	"github.com/gftdcojp/model-tiers/internal/meta"
	"github.com/gftdcojp/model-tiers/internal/metrics"
	"github.com/gftdcojp/model-tiers/internal/residency"
	"github.com/gftdcojp/model-tiers/internal/selector"
	"github.com/gftdcojp/model-tiers/internal/serve"
	"github.com/gftdcojp/model-tiers/internal/tier"
	"github.com/gftdcojp/model-tiers/internal/transfer"
	"github.com/gftdcojp/model-tiers/pkg/natsutil"
	"github.com/gftdcojp/model-tiers/pkg/s3util"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("model-tiers %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracker, throughput, err := newTracker(cfg.Tiers, logger.Named("tier"))
	if err != nil {
		return err
	}

	// Connect to NATS when a surface or the engine needs it
	var nc *nats.Conn
	if cfg.Engine.Backend == config.EngineBackendNATS || cfg.API.NATSResponder.Enabled {
		nc, err = natsutil.Connect(cfg.NATS, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer natsutil.Drain(nc, 5*time.Second, logger.Named("nats"))
	}

	// Initialize metadata store
	var metaStore *meta.BoltStore
	if cfg.Metadata.NoSync {
		metaStore, err = meta.NewBoltStoreNoSync(cfg.Metadata.Path, logger.Named("meta"))
	} else {
		metaStore, err = meta.NewBoltStore(cfg.Metadata.Path, logger.Named("meta"))
	}
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer metaStore.Close()

	cache, s3Client, err := newCache(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
	}

	var eng engine.Engine = engine.Echo
	if cfg.Engine.Backend == config.EngineBackendNATS {
		eng = engine.NewNATS(nc, cfg.Engine.SubjectPrefix, cfg.Engine.Timeout.Duration())
	}

	var publisher lifecycle.EventPublisher
	if nc != nil && cfg.API.NATSResponder.PublishEvents {
		publisher = serve.NewNATSPublisher(nc, serve.SubjectPrefix(cfg.API.NATSResponder), logger.Named("events"))
	}

	svc := residency.New(residency.Options{
		Tracker: tracker,
		Eviction: tier.Weights{
			Idle:                cfg.Eviction.IdleWeight,
			Frequency:           cfg.Eviction.FrequencyWeight,
			Size:                cfg.Eviction.SizeWeight,
			LowPriorityBonus:    cfg.Eviction.LowPriorityBonus,
			HighPriorityPenalty: cfg.Eviction.HighPriorityPenalty,
		},
		Selector: selector.Weights{
			Capability:    cfg.Selector.CapabilityWeight,
			Tier:          cfg.Selector.TierWeight,
			ResidentBonus: cfg.Selector.ResidentBonus,
		},
		Scheduler: batch.Config{
			BatchSize:        cfg.Scheduler.BatchSize,
			BatchTimeout:     cfg.Scheduler.BatchTimeout.Duration(),
			ExecutionTimeout: cfg.Scheduler.ExecutionTimeout.Duration(),
			QueueDepth:       cfg.Scheduler.QueueDepth,
		},
		Throughput: throughput,
		Transfer:   &transfer.Disk{Cache: cache, Logger: logger.Named("transfer")},
		Cache:      cache,
		Meta:       metaStore,
		Publisher:  publisher,
		Engine:     eng,
		Logger:     logger,
	})

	// Seed the catalog
	for _, rc := range cfg.Resources {
		spec, err := rc.Spec()
		if err != nil {
			return fmt.Errorf("resource %s: %w", rc.Name, err)
		}
		if err := svc.RegisterResource(ctx, spec); err != nil {
			return fmt.Errorf("registering resource %s: %w", rc.Name, err)
		}
	}
	if cache != nil {
		if n, err := svc.Manager().ReconcileCache(ctx); err != nil {
			logger.Warn("reconciling cache", zap.Error(err))
		} else if n > 0 {
			logger.Info("cached payloads missing, instances reset to unloaded", zap.Int("instances", n))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return svc.Run(gctx) })

	g.Go(func() error {
		svc.Manager().RunGC(gctx, cfg.Jobs.GCInterval.Duration(), cfg.Jobs.Retention.Duration(), cfg.Jobs.History.Duration())
		return nil
	})

	// Start HTTP API
	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, svc, logger.Named("api"))
		})
	}

	// Start NATS responder
	if cfg.API.NATSResponder.Enabled {
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.API.NATSResponder, svc, logger.Named("nats-responder"))
		})
	}

	// Start metrics server
	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	// Start health server
	if cfg.Observability.Health.Enabled {
		var blobPinger metrics.BlobPinger
		if s3Client != nil {
			blobPinger = s3Client
		}
		healthChecker := metrics.NewHealthChecker(nc, metaStore, blobPinger).WithBacklog(svc)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	logger.Info("model-tiers started",
		zap.String("version", version),
		zap.Int("resources", len(cfg.Resources)),
		zap.String("engine", cfg.Engine.Backend),
		zap.String("cache", cfg.Cache.Backend),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// Graceful shutdown: let running migration jobs commit
	logger.Info("shutting down, waiting for migration jobs...")
	if err := svc.Close(context.Background()); err != nil {
		logger.Error("error waiting for jobs", zap.Error(err))
	}

	return nil
}

// newTracker builds the tier budgets, capped by what the host reports.
func newTracker(cfg config.TiersConfig, logger *zap.Logger) (*tier.Tracker, map[tier.Tier]int64, error) {
	limits := make(map[tier.Tier]tier.Limits)
	throughput := make(map[tier.Tier]int64)
	host := tier.StaticCapacity{}
	for t, tc := range cfg.ByTier() {
		limits[t] = tier.Limits{
			Capacity:    int64(tc.Capacity),
			Reserved:    int64(tc.Reserved),
			MinCapacity: int64(tc.MinCapacity),
			MinReserved: int64(tc.MinReserved),
		}
		throughput[t] = int64(tc.Throughput)
		host[t] = int64(tc.Available)
	}
	limits, err := tier.ClampToHost(host, limits)
	if err != nil {
		return nil, nil, err
	}
	tracker, err := tier.NewTracker(limits, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing tier budgets: %w", err)
	}
	return tracker, throughput, nil
}

func newCache(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (tier.CacheStore, *s3util.Client, error) {
	switch cfg.Backend {
	case config.CacheBackendMemory:
		return memory.NewStore(cfg.Memory, logger.Named("memory")), nil, nil
	case config.CacheBackendFile:
		store, err := file.NewStore(cfg.File, logger.Named("file"))
		if err != nil {
			return nil, nil, fmt.Errorf("creating file cache: %w", err)
		}
		return store, nil, nil
	case config.CacheBackendBlob:
		client, err := s3util.NewClient(ctx, cfg.Blob)
		if err != nil {
			return nil, nil, fmt.Errorf("creating S3 client: %w", err)
		}
		return blob.NewStore(client.S3, cfg.Blob, logger.Named("blob")), client, nil
	}
	return nil, nil, nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	if cfg.Output != "" {
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}
