// Package store defines the conditional-write contract the worker persists
// through, plus an in-memory implementation. Database-backed drivers live in
// subpackages and are selected by the factory package.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/ajayykmr/ingest-worker/internal/failure"
	"github.com/ajayykmr/ingest-worker/internal/models"
)

// Result is the non-error outcome of a conditional put.
type Result int

const (
	// Written means the record did not exist and is now stored.
	Written Result = iota + 1
	// AlreadyExists means a record with the same key was stored earlier.
	AlreadyExists
)

func (r Result) String() string {
	switch r {
	case Written:
		return "written"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// Store persists records keyed by (tenant_id, log_id) with write-if-absent
// semantics. Implementations must be safe for concurrent use and must make the
// existence check and the write a single atomic operation.
//
// Errors should be *failure.Error values of kind KindStoreInvalid when the
// request itself is malformed; anything else is treated as retryable.
//
// PutIfAbsent should return promptly once ctx is done. The engine stops
// waiting at the per-message deadline regardless, but a write that ignores ctx
// keeps running after its delivery has been reported as timed out.
type Store interface {
	PutIfAbsent(ctx context.Context, rec models.PersistedRecord) (Result, error)
}

// ErrInvalidRecord is returned for records that can never be written.
var ErrInvalidRecord = errors.New("store: record key is incomplete")

// ValidateRecord rejects records lacking a complete key.
func ValidateRecord(rec models.PersistedRecord) error {
	if rec.TenantID == "" || rec.MessageID == "" {
		return failure.New(failure.KindStoreInvalid, ErrInvalidRecord)
	}
	return nil
}

// Memory is an in-process Store used by tests and local runs.
type Memory struct {
	mu      sync.RWMutex
	records map[models.Key]models.PersistedRecord
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[models.Key]models.PersistedRecord)}
}

// PutIfAbsent implements Store.
func (m *Memory) PutIfAbsent(ctx context.Context, rec models.PersistedRecord) (Result, error) {
	if err := ValidateRecord(rec); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, failure.New(failure.KindStoreTransient, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.Key()
	if _, ok := m.records[key]; ok {
		return AlreadyExists, nil
	}
	m.records[key] = rec
	return Written, nil
}

// Get returns the record stored under key.
func (m *Memory) Get(key models.Key) (models.PersistedRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	return rec, ok
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Records returns a snapshot of every stored record.
func (m *Memory) Records() []models.PersistedRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PersistedRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out
}
