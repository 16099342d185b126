package server

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"

	"github.com/hirewise/aicore/internal/events"
	"github.com/hirewise/aicore/internal/providers"
	"github.com/hirewise/aicore/internal/runtime"
	"github.com/hirewise/aicore/internal/runtime/cache"
	"github.com/hirewise/aicore/internal/runtime/memsched"
	"github.com/hirewise/aicore/internal/runtime/ratelimit"
	"github.com/hirewise/aicore/internal/store"
)

type fakeCore struct {
	nextID    string
	startErr  error
	cancelErr error
	statuses  map[string]runtime.OperationStatus

	started []runtime.OperationType
}

func (f *fakeCore) StartOperation(opType runtime.OperationType, _ runtime.Payload, _ ratelimit.Priority) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, opType)
	return f.nextID, nil
}

func (f *fakeCore) GetStatus(id string) (runtime.OperationStatus, error) {
	status, ok := f.statuses[id]
	if !ok {
		return runtime.OperationStatus{}, runtime.ErrOperationNotFound
	}
	return status, nil
}

func (f *fakeCore) Cancel(id string) error {
	if _, ok := f.statuses[id]; !ok {
		return runtime.ErrOperationNotFound
	}
	return f.cancelErr
}

func (f *fakeCore) GetStats() runtime.Stats {
	return runtime.Stats{}
}

func newRouterExpect(t *testing.T, core CoreHTTP) *httpexpect.Expect {
	t.Helper()
	srv := httptest.NewServer(NewCoreHandler(core, newTestLogger()))
	t.Cleanup(srv.Close)
	return httpexpect.Default(t, srv.URL)
}

func TestStartOperationRoute(t *testing.T) {
	core := &fakeCore{nextID: "op-123", statuses: map[string]runtime.OperationStatus{}}
	e := newRouterExpect(t, core)

	e.POST("/v1/operations").
		WithJSON(map[string]any{
			"type":     "embedding",
			"payload":  map[string]any{"text": "Senior Go engineer"},
			"priority": "high",
		}).
		Expect().
		Status(202).
		JSON().Object().HasValue("operationId", "op-123")

	if len(core.started) != 1 || core.started[0] != runtime.OpEmbedding {
		t.Fatalf("unexpected start calls: %v", core.started)
	}
}

func TestStartOperationRouteRejectsBadInput(t *testing.T) {
	core := &fakeCore{nextID: "op-123", statuses: map[string]runtime.OperationStatus{}}
	e := newRouterExpect(t, core)

	e.POST("/v1/operations").WithText("{not json").Expect().Status(400)

	e.POST("/v1/operations").
		WithJSON(map[string]any{"type": "sentiment"}).
		Expect().
		Status(400).
		JSON().Object().ContainsKey("error")

	e.POST("/v1/operations").
		WithJSON(map[string]any{"type": "embedding", "priority": "urgent"}).
		Expect().
		Status(400)
}

func TestGetStatusRoute(t *testing.T) {
	now := time.Now().UTC()
	core := &fakeCore{statuses: map[string]runtime.OperationStatus{
		"op-1": {
			ID:        "op-1",
			Type:      runtime.OpEmbedding,
			State:     runtime.StateCompleted,
			Progress:  1,
			CacheHit:  true,
			Result:    &runtime.Result{Type: runtime.OpEmbedding, Vector: []float32{0.1, 0.2}},
			StartedAt: now,
		},
	}}
	e := newRouterExpect(t, core)

	obj := e.GET("/v1/operations/op-1").Expect().Status(200).JSON().Object()
	obj.HasValue("state", "completed")
	obj.HasValue("cacheHit", true)
	obj.Value("result").Object().Value("vector").Array().Length().IsEqual(2)

	e.GET("/v1/operations/missing").Expect().Status(404)
}

func TestCancelRoute(t *testing.T) {
	core := &fakeCore{statuses: map[string]runtime.OperationStatus{
		"op-1": {ID: "op-1", State: runtime.StateProcessing},
	}}
	e := newRouterExpect(t, core)

	e.DELETE("/v1/operations/op-1").Expect().Status(204)
	e.DELETE("/v1/operations/missing").Expect().Status(404)

	core.cancelErr = errors.New("operation op-1 already completed")
	e.DELETE("/v1/operations/op-1").Expect().Status(409)
}

func TestHealthRoute(t *testing.T) {
	core := &fakeCore{statuses: map[string]runtime.OperationStatus{}}
	e := newRouterExpect(t, core)

	e.GET("/healthz").Expect().Status(200).JSON().Object().HasValue("status", "ok")
}

// newIntegrationCore builds a real registry over stub providers so routes can
// be exercised end to end.
func newIntegrationCore(t *testing.T) *runtime.Registry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	limiter := ratelimit.New[runtime.Result](ratelimit.Config{
		Services: map[string]ratelimit.QuotaConfig{
			"embedding": {Window: time.Minute, MaxRequests: 50},
			"llm":       {Window: time.Minute, MaxRequests: 50},
		},
		PollInterval: 10 * time.Millisecond,
	}, nil, nil)
	limiter.Start(ctx)

	orch := runtime.NewOrchestrator(newTestLogger(), runtime.OrchestratorOptions{
		Cache:   cache.New[runtime.Result](cache.Config{MaxMemoryBytes: 1 << 20}, nil, nil),
		Limiter: limiter,
		Scheduler: memsched.New(memsched.Config{
			Sampler: func() float64 { return 0.2 },
			Reclaim: func() {},
		}, nil, nil),
		Providers: providers.NewStub(16).Bundle(),
		Bus:       events.NewBus(newTestLogger()),
		Store:     store.NewMemory(time.Minute),
	})
	reg := runtime.NewRegistry(runtime.RegistryConfig{}, newTestLogger(), orch)
	reg.Start(ctx)
	return reg
}

func TestOperationLifecycleOverHTTP(t *testing.T) {
	e := newRouterExpect(t, newIntegrationCore(t))

	id := e.POST("/v1/operations").
		WithJSON(map[string]any{
			"type":     "embedding",
			"payload":  map[string]any{"text": "Senior Go engineer, 8 years"},
			"priority": "high",
		}).
		Expect().
		Status(202).
		JSON().Object().Value("operationId").String().NotEmpty().Raw()

	deadline := time.Now().Add(2 * time.Second)
	for {
		state := e.GET(fmt.Sprintf("/v1/operations/%s", id)).
			Expect().Status(200).
			JSON().Object().Value("state").String().Raw()
		if state == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("operation did not complete, last state %q", state)
		}
		time.Sleep(10 * time.Millisecond)
	}

	obj := e.GET(fmt.Sprintf("/v1/operations/%s", id)).Expect().Status(200).JSON().Object()
	obj.Value("result").Object().Value("vector").Array().Length().IsEqual(16)
	obj.HasValue("cacheHit", false)

	stats := e.GET("/v1/stats").Expect().Status(200).JSON().Object()
	stats.Value("cache").Object().ContainsKey("hitRate")
	stats.Value("rateLimit").Object().Value("services").Object().ContainsKey("embedding")
	stats.Value("memory").Object().ContainsKey("usage")
}
