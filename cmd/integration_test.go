package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/hirewise/aicore/internal/config"
	"github.com/hirewise/aicore/internal/events"
	"github.com/hirewise/aicore/internal/metrics"
	"github.com/hirewise/aicore/internal/runtime"
	"github.com/hirewise/aicore/internal/runtime/cache"
	"github.com/hirewise/aicore/internal/runtime/memsched"
	"github.com/hirewise/aicore/internal/runtime/ratelimit"
	"github.com/hirewise/aicore/internal/server"
)

// buildStack assembles the full service the way main does, on the stub
// provider backend, and serves it from an httptest listener.
func buildStack(t *testing.T) *httpexpect.Expect {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.DefaultConfig()
	cfg.Server.Providers.Backend = "stub"
	// A wide embedding window keeps quota accounting observable for the
	// duration of the test.
	cfg.Services["embedding"] = config.ServiceQuotaConfig{WindowMs: 60_000, MaxRequests: 50}
	logger := newTestLogger()

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	resultCache := cache.New[runtime.Result](cache.Config{
		MaxMemoryBytes: int64(cfg.Server.Cache.MaxMemoryMB) << 20,
		MaxItemBytes:   int64(cfg.Server.Cache.MaxItemKB) << 10,
	}, logger, recorder)
	resultCache.Start(ctx)

	limiter := ratelimit.New[runtime.Result](ratelimit.Config{
		Services:        quotasFromConfig(cfg.Services),
		GlobalPerSecond: cfg.Server.RateLimit.GlobalPerSecond,
		GlobalBurst:     cfg.Server.RateLimit.GlobalBurst,
		PollInterval:    10 * time.Millisecond,
	}, logger, recorder)
	limiter.Start(ctx)

	scheduler := memsched.New(memsched.Config{
		MemoryLimitBytes: int64(cfg.Server.Scheduler.MemoryLimitMB) << 20,
	}, logger, recorder)

	bundle, err := buildProviders(ctx, logger, cfg.Server.Providers)
	require.NoError(t, err)
	resultStore, err := buildStore(logger, cfg.Server.Store)
	require.NoError(t, err)

	orch := runtime.NewOrchestrator(logger, runtime.OrchestratorOptions{
		Cache:     resultCache,
		Limiter:   limiter,
		Scheduler: scheduler,
		Providers: bundle,
		Bus:       events.NewBus(logger),
		Store:     resultStore,
		Metrics:   recorder,
	})
	registry := runtime.NewRegistry(runtime.RegistryConfig{}, logger, orch)
	registry.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/", server.NewCoreHandler(registry, logger))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return httpexpect.Default(t, srv.URL)
}

func TestIntegrationEmbeddingOperation(t *testing.T) {
	e := buildStack(t)

	e.GET("/healthz").Expect().Status(200)

	id := e.POST("/v1/operations").
		WithJSON(map[string]any{
			"type":     "embedding",
			"payload":  map[string]any{"text": "Senior Go engineer, 8 years"},
			"priority": "high",
		}).
		Expect().Status(202).
		JSON().Object().Value("operationId").String().NotEmpty().Raw()

	awaitCompleted := func(id string) *httpexpect.Object {
		deadline := time.Now().Add(3 * time.Second)
		for {
			obj := e.GET("/v1/operations/" + id).Expect().Status(200).JSON().Object()
			if obj.Value("state").String().Raw() == "completed" {
				return obj
			}
			require.False(t, time.Now().After(deadline), "operation %s did not complete", id)
			time.Sleep(20 * time.Millisecond)
		}
	}

	first := awaitCompleted(id)
	first.HasValue("cacheHit", false)
	first.Value("result").Object().Value("vector").Array().Length().IsEqual(768)

	// An identical submission resolves from cache without new quota use.
	second := e.POST("/v1/operations").
		WithJSON(map[string]any{
			"type":     "embedding",
			"payload":  map[string]any{"text": "Senior Go engineer, 8 years"},
			"priority": "high",
		}).
		Expect().Status(202).
		JSON().Object().Value("operationId").String().NotEmpty().Raw()

	cached := awaitCompleted(second)
	cached.HasValue("cacheHit", true)

	stats := e.GET("/v1/stats").Expect().Status(200).JSON().Object()
	stats.Value("rateLimit").Object().Value("services").Object().
		Value("embedding").Object().Value("requestsInWindow").Number().IsEqual(1)

	metricsBody := e.GET("/metrics").Expect().Status(200).Body().Raw()
	require.Contains(t, metricsBody, "aicore_operations_requests_total")
}
