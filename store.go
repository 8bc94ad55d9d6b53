package sagaorch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/btree"
)

// Store defines the interface for persisting saga state.
//
// The Store is the only state shared between executor workers. Every change
// to an instance goes through Save with the version the caller loaded, so a
// worker that lost a race learns it from ErrVersionConflict instead of
// overwriting the winner.
type Store interface {
	// Create persists a new instance. A zero Version is stored as 1.
	Create(ctx context.Context, inst *SagaInstance) error

	// LoadForUpdate returns the instance and its current version.
	LoadForUpdate(ctx context.Context, sagaID string) (*SagaInstance, error)

	// Save replaces the instance if the stored version equals
	// expectedVersion, and sets inst.Version to the new version.
	Save(ctx context.Context, inst *SagaInstance, expectedVersion int64) error

	// ListIncomplete returns every instance whose status is not terminal.
	ListIncomplete(ctx context.Context) ([]*SagaInstance, error)

	// RecordStep inserts or replaces the record identified by its saga,
	// step, kind and attempt.
	RecordStep(ctx context.Context, rec StepExecutionRecord) error

	// StepRecords returns the records of a saga in the order they were first
	// written.
	StepRecords(ctx context.Context, sagaID string) ([]StepExecutionRecord, error)
}

// MemoryStore provides an in-memory implementation of Store for testing
// or scenarios where persistence is not required.
type MemoryStore struct {
	mu         sync.RWMutex
	instances  *btree.Map[string, *SagaInstance]
	incomplete *btree.Map[string, struct{}]
	records    *btree.Map[string, memoryRecord]
	seq        uint64
}

type memoryRecord struct {
	rec StepExecutionRecord
	seq uint64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:  btree.NewMap[string, *SagaInstance](32),
		incomplete: btree.NewMap[string, struct{}](32),
		records:    btree.NewMap[string, memoryRecord](32),
	}
}

func (m *MemoryStore) Create(_ context.Context, inst *SagaInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances.Get(inst.SagaID); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSagaID, inst.SagaID)
	}
	if inst.Version == 0 {
		inst.Version = 1
	}
	m.put(inst.Clone())
	return nil
}

func (m *MemoryStore) LoadForUpdate(_ context.Context, sagaID string) (*SagaInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances.Get(sagaID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sagaID)
	}
	return inst.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, inst *SagaInstance, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.instances.Get(inst.SagaID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, inst.SagaID)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, inst.SagaID, stored.Version, expectedVersion)
	}
	inst.Version = expectedVersion + 1
	m.put(inst.Clone())
	return nil
}

func (m *MemoryStore) put(inst *SagaInstance) {
	m.instances.Set(inst.SagaID, inst)
	if inst.Status.IsTerminal() {
		m.incomplete.Delete(inst.SagaID)
	} else {
		m.incomplete.Set(inst.SagaID, struct{}{})
	}
}

func (m *MemoryStore) ListIncomplete(_ context.Context) ([]*SagaInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*SagaInstance, 0, m.incomplete.Len())
	m.incomplete.Scan(func(id string, _ struct{}) bool {
		if inst, ok := m.instances.Get(id); ok {
			out = append(out, inst.Clone())
		}
		return true
	})
	return out, nil
}

func (m *MemoryStore) RecordStep(_ context.Context, rec StepExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.Key()
	seq := m.seq
	if prev, ok := m.records.Get(key); ok {
		seq = prev.seq
	} else {
		m.seq++
	}
	m.records.Set(key, memoryRecord{rec: rec, seq: seq})
	return nil
}

func (m *MemoryStore) StepRecords(_ context.Context, sagaID string) ([]StepExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := sagaID + "/"
	var found []memoryRecord
	m.records.Ascend(prefix, func(key string, r memoryRecord) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		found = append(found, r)
		return true
	})
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })

	out := make([]StepExecutionRecord, len(found))
	for i, r := range found {
		out[i] = r.rec
	}
	return out, nil
}
