package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/assured/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	applied  map[string]bool // "type:reference"
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		applied:  make(map[string]bool),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, owner string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[owner]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{Owner: owner, UpdatedAt: time.Now()}, nil
}

// balance returns the mutable balance for owner. Caller holds m.mu.
func (m *MemoryStore) balance(owner string) *Balance {
	bal, ok := m.balances[owner]
	if !ok {
		bal = &Balance{Owner: owner}
		m.balances[owner] = bal
	}
	return bal
}

func (m *MemoryStore) record(owner, typ string, amount int64, reference string) {
	m.entries = append(m.entries, &Entry{
		ID:        idgen.WithPrefix("ent_"),
		Owner:     owner,
		Type:      typ,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now(),
	})
}

func (m *MemoryStore) Credit(ctx context.Context, owner string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(owner)
	bal.Available += amount
	bal.TotalIn += amount
	bal.UpdatedAt = time.Now()
	m.record(owner, EntryDeposit, amount, reference)
	return nil
}

func (m *MemoryStore) EscrowLock(ctx context.Context, owner string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := EntryLock + ":" + reference
	if m.applied[key] {
		return ErrAlreadyApplied
	}
	bal := m.balance(owner)
	if bal.Available < amount {
		return ErrInsufficientBalance
	}
	bal.Available -= amount
	bal.Escrowed += amount
	bal.UpdatedAt = time.Now()
	m.applied[key] = true
	m.record(owner, EntryLock, amount, reference)
	return nil
}

func (m *MemoryStore) ReleaseEscrow(ctx context.Context, payer, provider string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := EntryRelease + ":" + reference
	if m.applied[key] || m.applied[EntryRefund+":"+reference] {
		return ErrAlreadyApplied
	}
	from := m.balance(payer)
	if from.Escrowed < amount {
		return ErrInsufficientBalance
	}
	now := time.Now()
	from.Escrowed -= amount
	from.TotalOut += amount
	from.UpdatedAt = now

	to := m.balance(provider)
	to.Available += amount
	to.TotalIn += amount
	to.UpdatedAt = now

	m.applied[key] = true
	m.record(payer, EntryRelease, amount, reference)
	m.record(provider, EntryPayout, amount, reference)
	return nil
}

func (m *MemoryStore) RefundEscrow(ctx context.Context, payer string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := EntryRefund + ":" + reference
	if m.applied[key] || m.applied[EntryRelease+":"+reference] {
		return ErrAlreadyApplied
	}
	bal := m.balance(payer)
	if bal.Escrowed < amount {
		return ErrInsufficientBalance
	}
	bal.Escrowed -= amount
	bal.Available += amount
	bal.UpdatedAt = time.Now()
	m.applied[key] = true
	m.record(payer, EntryRefund, amount, reference)
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, owner string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].Owner == owner {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
