package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	calls map[string]*Call
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: make(map[string]*Call)}
}

func (m *MemoryStore) Create(ctx context.Context, call *Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.calls[call.ID]; ok {
		return ErrCallExists
	}
	m.calls[call.ID] = call.clone()
	return nil
}

// Get returns a deep copy so callers can mutate evidence and chunk slices
// without touching the stored record.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	call, ok := m.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}
	return call.clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, call *Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.calls[call.ID]; !ok {
		return ErrCallNotFound
	}
	m.calls[call.ID] = call.clone()
	return nil
}

func (m *MemoryStore) ListByService(ctx context.Context, serviceID string, limit int) ([]*Call, error) {
	return m.list(limit, func(c *Call) bool { return c.ServiceID == serviceID }), nil
}

func (m *MemoryStore) ListSettleable(ctx context.Context, limit int) ([]*Call, error) {
	return m.list(limit, func(c *Call) bool {
		return !c.IsTerminal() && c.Status != StatusInitialized
	}), nil
}

// list returns matching calls newest first.
func (m *MemoryStore) list(limit int, match func(*Call) bool) []*Call {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Call
	for _, c := range m.calls {
		if match(c) {
			result = append(result, c.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

var _ Store = (*MemoryStore)(nil)
