package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hirewise/aicore/internal/runtime/ratelimit"
)

// OperationState tracks an operation through the registry.
type OperationState string

const (
	StatePending    OperationState = "pending"
	StateProcessing OperationState = "processing"
	StateCompleted  OperationState = "completed"
	StateFailed     OperationState = "failed"
	StateCancelled  OperationState = "cancelled"
)

// ErrOperationNotFound reports an unknown or already pruned operation id.
var ErrOperationNotFound = errors.New("runtime: operation not found")

// errCancelled marks an operation the caller abandoned. The in-flight
// provider call, if any, is not aborted; the registry only stops waiting.
var errCancelled = errors.New("runtime: operation cancelled")

// OperationStatus is the caller-facing view of one tracked operation.
type OperationStatus struct {
	ID         string         `json:"id"`
	Type       OperationType  `json:"type"`
	State      OperationState `json:"state"`
	Progress   float64        `json:"progress"`
	CacheHit   bool           `json:"cacheHit"`
	Result     *Result        `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}

type trackedOperation struct {
	status OperationStatus
	cancel context.CancelFunc
}

func (t *trackedOperation) finished() bool {
	switch t.status.State {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// RegistryConfig bounds the registry's retention of finished operations.
type RegistryConfig struct {
	// MaxAge is how long a finished operation stays queryable.
	MaxAge time.Duration
	// SweepInterval paces the background pruning loop.
	SweepInterval time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.MaxAge <= 0 {
		c.MaxAge = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	return c
}

// Registry tracks asynchronous operations by id and fronts the orchestrator
// for callers that poll for status instead of awaiting results inline.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger
	orch   *Orchestrator

	mu   sync.RWMutex
	ops  map[string]*trackedOperation
	base context.Context
}

// NewRegistry constructs a registry over the orchestrator. Operations run on
// the context passed to Start, not the submitting caller's context.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger, orch *Orchestrator) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("agent", "registry")),
		orch:   orch,
		ops:    make(map[string]*trackedOperation),
		base:   context.Background(),
	}
}

// Start adopts ctx as the base context for submitted operations and launches
// the pruning loop. Both end when ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	r.base = ctx
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// StartOperation validates and registers a new operation, then executes it on
// a background goroutine. The returned id is immediately queryable.
func (r *Registry) StartOperation(opType OperationType, payload Payload, priority ratelimit.Priority) (string, error) {
	if _, ok := bindings[opType]; !ok {
		return "", fmt.Errorf("runtime: unknown operation type %q", opType)
	}

	id := uuid.NewString()
	r.mu.Lock()
	opCtx, cancel := context.WithCancel(r.base)
	r.ops[id] = &trackedOperation{
		status: OperationStatus{
			ID:        id,
			Type:      opType,
			State:     StatePending,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
	}
	r.mu.Unlock()

	go r.run(opCtx, id, opType, payload, priority)
	return id, nil
}

func (r *Registry) run(ctx context.Context, id string, opType OperationType, payload Payload, priority ratelimit.Priority) {
	r.transition(id, func(t *trackedOperation) {
		if t.status.State == StatePending {
			t.status.State = StateProcessing
			t.status.Progress = 0.5
		}
	})

	result, hit, err := r.orch.Execute(ctx, id, opType, payload, priority)

	now := time.Now().UTC()
	r.transition(id, func(t *trackedOperation) {
		if t.status.State == StateCancelled {
			return
		}
		t.status.FinishedAt = &now
		t.status.Progress = 1
		if err != nil {
			t.status.State = StateFailed
			t.status.Error = err.Error()
			return
		}
		t.status.State = StateCompleted
		t.status.CacheHit = hit
		t.status.Result = &result
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("operation failed", slog.String("id", id), slog.String("type", string(opType)), slog.Any("error", err))
	}
}

func (r *Registry) transition(id string, mutate func(*trackedOperation)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.ops[id]; ok {
		mutate(t)
	}
}

// GetStatus reports a snapshot of one tracked operation.
func (r *Registry) GetStatus(id string) (OperationStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.ops[id]
	if !ok {
		return OperationStatus{}, ErrOperationNotFound
	}
	return t.status, nil
}

// Cancel marks a pending or processing operation as cancelled and stops
// waiting on it. An admitted provider call is not aborted mid-flight; its
// eventual result is discarded.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	if t.finished() {
		return fmt.Errorf("runtime: operation %s already %s", id, t.status.State)
	}
	now := time.Now().UTC()
	t.status.State = StateCancelled
	t.status.Error = errCancelled.Error()
	t.status.FinishedAt = &now
	t.cancel()
	return nil
}

// GetStats reports the composite component snapshot.
func (r *Registry) GetStats() Stats {
	return r.orch.Stats()
}

// Sweep prunes finished operations older than the retention window.
func (r *Registry) Sweep() {
	cutoff := time.Now().UTC().Add(-r.cfg.MaxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for id, t := range r.ops {
		if t.finished() && t.status.FinishedAt != nil && t.status.FinishedAt.Before(cutoff) {
			delete(r.ops, id)
			pruned++
		}
	}
	if pruned > 0 {
		r.logger.Debug("pruned finished operations", slog.Int("count", pruned))
	}
}
