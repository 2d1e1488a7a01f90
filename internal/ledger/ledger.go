// Package ledger tracks custodial balances backing escrowed calls.
//
// Flow:
//  1. Payer deposits funds → available
//  2. InitPayment locks the call amount → available moves to escrowed
//  3. Settle releases to the provider (escrowed → provider available)
//     or refunds the payer (escrowed → payer available)
//
// Funds leave escrowed custody only through Release or Refund, which the
// escrow state machine calls from its terminal Settle transition.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrAlreadyApplied      = errors.New("ledger: movement already applied for reference")
)

// Entry types.
const (
	EntryDeposit = "deposit"
	EntryLock    = "escrow_lock"
	EntryRelease = "escrow_release"
	EntryRefund  = "escrow_refund"
	EntryPayout  = "escrow_payout"
)

// Entry is one balance movement.
type Entry struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Type      string    `json:"type"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Balance is an identity's custodial position in minor units.
type Balance struct {
	Owner     string    `json:"owner"`
	Available int64     `json:"available"`
	Escrowed  int64     `json:"escrowed"`
	TotalIn   int64     `json:"totalIn"`
	TotalOut  int64     `json:"totalOut"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists balances. Every method is atomic; Release and Refund are
// idempotent per reference and return ErrAlreadyApplied on replay.
type Store interface {
	GetBalance(ctx context.Context, owner string) (*Balance, error)
	Credit(ctx context.Context, owner string, amount int64, reference string) error
	EscrowLock(ctx context.Context, owner string, amount int64, reference string) error
	ReleaseEscrow(ctx context.Context, payer, provider string, amount int64, reference string) error
	RefundEscrow(ctx context.Context, payer string, amount int64, reference string) error
	GetHistory(ctx context.Context, owner string, limit int) ([]*Entry, error)
}

// Ledger validates movements before handing them to the store.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns an owner's current balance.
func (l *Ledger) GetBalance(ctx context.Context, owner string) (*Balance, error) {
	return l.store.GetBalance(ctx, owner)
}

// Deposit credits owner with amount.
func (l *Ledger) Deposit(ctx context.Context, owner string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.store.Credit(ctx, owner, amount, reference)
}

// EscrowLock moves amount from owner's available balance into custody.
func (l *Ledger) EscrowLock(ctx context.Context, owner string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.store.EscrowLock(ctx, owner, amount, reference)
}

// ReleaseEscrow pays the payer's escrowed amount to provider. A replayed
// reference is a no-op.
func (l *Ledger) ReleaseEscrow(ctx context.Context, payer, provider string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	err := l.store.ReleaseEscrow(ctx, payer, provider, amount, reference)
	if errors.Is(err, ErrAlreadyApplied) {
		return nil
	}
	return err
}

// RefundEscrow returns the payer's escrowed amount. A replayed reference is a no-op.
func (l *Ledger) RefundEscrow(ctx context.Context, payer string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	err := l.store.RefundEscrow(ctx, payer, amount, reference)
	if errors.Is(err, ErrAlreadyApplied) {
		return nil
	}
	return err
}

// HasAtLeast reports whether owner's available balance covers min.
func (l *Ledger) HasAtLeast(ctx context.Context, owner string, min int64) (bool, *Balance, error) {
	bal, err := l.store.GetBalance(ctx, owner)
	if err != nil {
		return false, nil, err
	}
	return bal.Available >= min, bal, nil
}

// GetHistory returns recent entries for owner.
func (l *Ledger) GetHistory(ctx context.Context, owner string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, owner, limit)
}
