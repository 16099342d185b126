// Package store is the datastore collaborator boundary: a key/value
// get-or-put surface where completed operation results are kept durably.
package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Record is one persisted operation result.
type Record struct {
	OperationType string          `json:"operationType"`
	Payload       json.RawMessage `json:"payload"`
	CompletedAt   time.Time       `json:"completedAt"`
}

// ResultStore persists completed results and serves them back by key.
type ResultStore interface {
	Persist(ctx context.Context, key string, rec Record) error
	Fetch(ctx context.Context, key string) (Record, bool, error)
	Close(ctx context.Context) error
}

type memoryStore struct {
	ttl time.Duration

	mu      sync.RWMutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	rec       Record
	expiresAt time.Time
}

// NewMemory returns an in-process store. Records expire after ttl; a
// non-positive ttl defaults to 24 hours.
func NewMemory(ttl time.Duration) ResultStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &memoryStore{ttl: ttl, records: make(map[string]memoryRecord)}
}

func (s *memoryStore) Persist(_ context.Context, key string, rec Record) error {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = memoryRecord{rec: rec, expiresAt: time.Now().Add(s.ttl)}
	return nil
}

func (s *memoryStore) Fetch(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[key]
	if !ok {
		return Record{}, false, nil
	}
	if time.Now().After(stored.expiresAt) {
		delete(s.records, key)
		return Record{}, false, nil
	}
	return stored.rec, true, nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}
