package webhooks

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory delivery log.
type MemoryStore struct {
	mu         sync.RWMutex
	deliveries map[string]*Delivery
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deliveries: make(map[string]*Delivery)}
}

func (m *MemoryStore) Create(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *MemoryStore) Update(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; !ok {
		return ErrDeliveryNotFound
	}
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListByCall(_ context.Context, callID string) ([]*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Delivery
	for _, d := range m.deliveries {
		if d.CallID == callID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]*Delivery, error) {
	m.mu.RLock()
	out := make([]*Delivery, 0, len(m.deliveries))
	for _, d := range m.deliveries {
		cp := *d
		out = append(out, &cp)
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(ds []*Delivery) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].ID > ds[j].ID
		}
		return ds[i].CreatedAt.After(ds[j].CreatedAt)
	})
}
