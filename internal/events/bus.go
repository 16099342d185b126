// Package events carries orchestration lifecycle notifications to external
// observers. Delivery is fire-and-forget: the publisher never learns who, if
// anyone, is listening.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	ProcessingStart    Type = "processing:start"
	ProcessingComplete Type = "processing:complete"
	ProcessingError    Type = "processing:error"
)

// Event describes one lifecycle transition of an AI operation.
type Event struct {
	Type          Type          `json:"type"`
	OperationID   string        `json:"operationId"`
	OperationType string        `json:"operationType"`
	CandidateID   string        `json:"candidateId,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	CacheHit      bool          `json:"cacheHit"`
	Error         string        `json:"error,omitempty"`
	At            time.Time     `json:"at"`
}

// Handler receives published events. Handlers run on their own goroutine per
// publish; slow subscribers never block the orchestrator.
type Handler func(Event)

// Bus is an in-process observer registry.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

// NewBus constructs an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger.With(slog.String("agent", "event_bus")),
		handlers: make(map[int]Handler),
	}
}

// Subscribe registers a handler and returns its unsubscribe function.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish delivers the event to every subscriber. A panicking subscriber is
// logged and isolated.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event subscriber panicked",
						slog.String("event_type", string(ev.Type)),
						slog.Any("panic", r))
				}
			}()
			h(ev)
		}()
	}
}
