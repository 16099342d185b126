package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hirewise/aicore/internal/config"
	"github.com/hirewise/aicore/internal/events"
	"github.com/hirewise/aicore/internal/logging"
	"github.com/hirewise/aicore/internal/metrics"
	"github.com/hirewise/aicore/internal/providers"
	"github.com/hirewise/aicore/internal/providers/gemini"
	"github.com/hirewise/aicore/internal/runtime"
	"github.com/hirewise/aicore/internal/runtime/cache"
	"github.com/hirewise/aicore/internal/runtime/memsched"
	"github.com/hirewise/aicore/internal/runtime/ratelimit"
	"github.com/hirewise/aicore/internal/server"
	"github.com/hirewise/aicore/internal/store"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "AICORE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	resultCache := cache.New[runtime.Result](cache.Config{
		MaxMemoryBytes:   int64(cfg.Server.Cache.MaxMemoryMB) << 20,
		MaxItemBytes:     int64(cfg.Server.Cache.MaxItemKB) << 10,
		SweepInterval:    time.Duration(cfg.Server.Cache.SweepIntervalSeconds) * time.Second,
		PressureInterval: time.Duration(cfg.Server.Cache.PressureIntervalSeconds) * time.Second,
		DefaultTTL:       time.Duration(cfg.Server.Cache.DefaultTTLSeconds) * time.Second,
	}, logger, recorder)
	resultCache.Start(ctx)

	limiter := ratelimit.New[runtime.Result](ratelimit.Config{
		Services:        quotasFromConfig(cfg.Services),
		GlobalPerSecond: cfg.Server.RateLimit.GlobalPerSecond,
		GlobalBurst:     cfg.Server.RateLimit.GlobalBurst,
		PollInterval:    time.Duration(cfg.Server.RateLimit.PollIntervalMs) * time.Millisecond,
		CoalesceWindow:  time.Duration(cfg.Server.RateLimit.CoalesceWindowMs) * time.Millisecond,
	}, logger, recorder)
	limiter.Start(ctx)

	scheduler := memsched.New(memsched.Config{
		MemoryLimitBytes: int64(cfg.Server.Scheduler.MemoryLimitMB) << 20,
		SampleInterval:   time.Duration(cfg.Server.Scheduler.SampleIntervalSeconds) * time.Second,
		HistoryLimit:     cfg.Server.Scheduler.HistoryLimit,
		BatchDelay:       time.Duration(cfg.Server.Scheduler.BatchDelayMs) * time.Millisecond,
	}, logger, recorder)
	scheduler.Start(ctx)

	bundle, err := buildProviders(ctx, logger, cfg.Server.Providers)
	if err != nil {
		logger.Error("provider setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	resultStore, err := buildStore(logger, cfg.Server.Store)
	if err != nil {
		logger.Error("result store setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := resultStore.Close(shutdownCtx); err != nil {
			logger.Error("result store shutdown failed", slog.Any("error", err))
		}
	}()

	bus := events.NewBus(logger)
	bus.Subscribe(func(ev events.Event) {
		logger.Debug("lifecycle event",
			slog.String("type", string(ev.Type)),
			slog.String("operation", ev.OperationType),
			slog.String("id", ev.OperationID),
			slog.Bool("cache_hit", ev.CacheHit),
		)
	})

	orch := runtime.NewOrchestrator(logger, runtime.OrchestratorOptions{
		Cache:     resultCache,
		Limiter:   limiter,
		Scheduler: scheduler,
		Providers: bundle,
		Bus:       bus,
		Store:     resultStore,
		Metrics:   recorder,
	})
	registry := runtime.NewRegistry(runtime.RegistryConfig{}, logger, orch)
	registry.Start(ctx)

	if cfg.Server.RateLimit.QuotaFile != "" {
		watcher, err := loader.WatchQuotas(ctx, cfg, func(quotas map[string]config.ServiceQuotaConfig) {
			limiter.SetQuotas(quotasFromConfig(quotas))
			logger.Info("service quotas reloaded", slog.Int("services", len(quotas)))
		}, func(err error) {
			if err != nil {
				logger.Error("quota watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("quota watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/", server.NewCoreHandler(registry, logger))

	srv, err := server.New(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func quotasFromConfig(services map[string]config.ServiceQuotaConfig) map[string]ratelimit.QuotaConfig {
	quotas := make(map[string]ratelimit.QuotaConfig, len(services))
	for name, svc := range services {
		quotas[name] = ratelimit.QuotaConfig{
			Window:      svc.Window(),
			MaxRequests: svc.MaxRequests,
		}
	}
	return quotas
}

func buildProviders(ctx context.Context, logger *slog.Logger, cfg config.ProvidersConfig) (providers.Bundle, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "gemini":
		client, err := gemini.New(ctx, gemini.Config{
			APIKey:         cfg.Gemini.APIKey,
			Model:          cfg.Gemini.Model,
			EmbedModel:     cfg.Gemini.EmbedModel,
			EmbedDimension: cfg.Gemini.EmbedDimension,
		})
		if err != nil {
			return providers.Bundle{}, err
		}
		logger.Info("using gemini providers", slog.String("model", cfg.Gemini.Model))
		return providers.Bundle{Documents: client, Completions: client, Embeddings: client}, nil
	case "stub":
		logger.Info("using stub providers", slog.Int("dimension", cfg.Gemini.EmbedDimension))
		return providers.NewStub(cfg.Gemini.EmbedDimension).Bundle(), nil
	default:
		return providers.Bundle{}, fmt.Errorf("unknown provider backend %q", cfg.Backend)
	}
}

func buildStore(logger *slog.Logger, cfg config.StoreConfig) (store.ResultStore, error) {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		logger.Info("using memory result store", slog.Duration("ttl", ttl))
		return store.NewMemory(ttl), nil
	case "valkey":
		valkeyStore, err := store.NewValkey(store.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TTL:      ttl,
			TLS: store.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			return nil, err
		}
		logger.Info("using valkey result store", slog.String("address", cfg.Valkey.Address))
		return valkeyStore, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
