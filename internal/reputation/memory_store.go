package reputation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository for demo/development mode.
type MemoryRepository struct {
	records map[string]*Record
	slashes map[string]int64 // callID -> applied
	mu      sync.RWMutex
}

// NewMemoryRepository creates a new in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]*Record),
		slashes: make(map[string]int64),
	}
}

func (m *MemoryRepository) Get(ctx context.Context, serviceID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[serviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemoryRepository) Upsert(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := r.clone()
	cp.UpdatedAt = time.Now()
	m.records[r.ServiceID] = cp
	return nil
}

func (m *MemoryRepository) ApplyWeightedOutcome(ctx context.Context, serviceID string, outcome Outcome, weight float64) (*Record, error) {
	return m.Mutate(ctx, serviceID, func(r *Record) error {
		return r.applyWeighted(outcome, weight)
	})
}

func (m *MemoryRepository) Mutate(ctx context.Context, serviceID string, fn func(*Record) error) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.current(serviceID)
	if err := fn(r); err != nil {
		return nil, err
	}
	r.UpdatedAt = time.Now()
	m.records[serviceID] = r
	return r.clone(), nil
}

func (m *MemoryRepository) Slash(ctx context.Context, callID, serviceID string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if applied, ok := m.slashes[callID]; ok {
		return applied, nil
	}
	r := m.current(serviceID)
	applied := min(amount, r.BondBalance)
	if applied < 0 {
		applied = 0
	}
	r.BondBalance -= applied
	r.UpdatedAt = time.Now()
	m.records[serviceID] = r
	m.slashes[callID] = applied
	return applied, nil
}

func (m *MemoryRepository) List(ctx context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		result = append(result, r.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ServiceID < result[j].ServiceID })
	return result, nil
}

// current returns a working copy of the stored record. Caller holds m.mu.
func (m *MemoryRepository) current(serviceID string) *Record {
	if r, ok := m.records[serviceID]; ok {
		return r.clone()
	}
	return NewRecord(serviceID)
}

var _ Repository = (*MemoryRepository)(nil)
