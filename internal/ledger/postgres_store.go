package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/assured/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL (see migrations/001_custody.sql).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetBalance retrieves an owner's balance; unknown owners have a zero balance.
func (p *PostgresStore) GetBalance(ctx context.Context, owner string) (*Balance, error) {
	bal := &Balance{Owner: owner}
	err := p.db.QueryRowContext(ctx, `
		SELECT available, escrowed, total_in, total_out, updated_at
		FROM custody_balances WHERE owner = $1
	`, owner).Scan(&bal.Available, &bal.Escrowed, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		bal.UpdatedAt = time.Now()
		return bal, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, owner string, amount int64, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertAvailable(ctx, tx, owner, amount); err != nil {
			return err
		}
		return insertEntry(ctx, tx, owner, EntryDeposit, amount, reference)
	})
}

func (p *PostgresStore) EscrowLock(ctx context.Context, owner string, amount int64, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertEntry(ctx, tx, owner, EntryLock, amount, reference); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE custody_balances
			SET available = available - $2, escrowed = escrowed + $2, updated_at = NOW()
			WHERE owner = $1 AND available >= $2
		`, owner, amount)
		if err != nil {
			return fmt.Errorf("failed to lock funds: %w", err)
		}
		return requireRow(res, ErrInsufficientBalance)
	})
}

func (p *PostgresStore) ReleaseEscrow(ctx context.Context, payer, provider string, amount int64, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := ensureUnsettled(ctx, tx, reference); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, payer, EntryRelease, amount, reference); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE custody_balances
			SET escrowed = escrowed - $2, total_out = total_out + $2, updated_at = NOW()
			WHERE owner = $1 AND escrowed >= $2
		`, payer, amount)
		if err != nil {
			return fmt.Errorf("failed to release funds: %w", err)
		}
		if err := requireRow(res, ErrInsufficientBalance); err != nil {
			return err
		}
		if err := upsertAvailable(ctx, tx, provider, amount); err != nil {
			return err
		}
		return insertEntry(ctx, tx, provider, EntryPayout, amount, reference)
	})
}

func (p *PostgresStore) RefundEscrow(ctx context.Context, payer string, amount int64, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := ensureUnsettled(ctx, tx, reference); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, payer, EntryRefund, amount, reference); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE custody_balances
			SET escrowed = escrowed - $2, available = available + $2, updated_at = NOW()
			WHERE owner = $1 AND escrowed >= $2
		`, payer, amount)
		if err != nil {
			return fmt.Errorf("failed to refund funds: %w", err)
		}
		return requireRow(res, ErrInsufficientBalance)
	})
}

func (p *PostgresStore) GetHistory(ctx context.Context, owner string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner, type, amount, COALESCE(reference, ''), created_at
		FROM custody_entries
		WHERE owner = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Owner, &e.Type, &e.Amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertAvailable(ctx context.Context, tx *sql.Tx, owner string, amount int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO custody_balances (owner, available, total_in, updated_at)
		VALUES ($1, $2, $2, NOW())
		ON CONFLICT (owner) DO UPDATE SET
			available  = custody_balances.available + $2,
			total_in   = custody_balances.total_in + $2,
			updated_at = NOW()
	`, owner, amount)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}

// insertEntry records a movement. The partial unique index on
// (type, reference) turns a replayed lock/release/refund into ErrAlreadyApplied.
func insertEntry(ctx context.Context, tx *sql.Tx, owner, typ string, amount int64, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO custody_entries (id, owner, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, idgen.WithPrefix("ent_"), owner, typ, amount, reference)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyApplied
	}
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}

func ensureUnsettled(ctx context.Context, tx *sql.Tx, reference string) error {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM custody_entries
		WHERE reference = $1 AND type IN ($2, $3)
	`, reference, EntryRelease, EntryRefund).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrAlreadyApplied
	}
	return nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
