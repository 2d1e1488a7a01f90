package reputation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresRepository persists reputation in PostgreSQL (migrations/003_service_reputation.sql).
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL-backed repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const recordColumns = `service_id, COALESCE(owner, ''), ok, late, disputed, bond_balance,
		       ewma_latency_ms, p95_estimate_ms, latency_sample_count, latency_samples, updated_at`

func (p *PostgresRepository) Get(ctx context.Context, serviceID string) (*Record, error) {
	r, err := scanRecord(p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM service_reputation WHERE service_id = $1`, serviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresRepository) Upsert(ctx context.Context, r *Record) error {
	return upsertRecord(ctx, p.db, r)
}

func (p *PostgresRepository) ApplyWeightedOutcome(ctx context.Context, serviceID string, outcome Outcome, weight float64) (*Record, error) {
	return p.Mutate(ctx, serviceID, func(r *Record) error {
		return r.applyWeighted(outcome, weight)
	})
}

// Mutate locks the row with SELECT ... FOR UPDATE for the read-modify-write.
func (p *PostgresRepository) Mutate(ctx context.Context, serviceID string, fn func(*Record) error) (*Record, error) {
	var out *Record
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		r, err := lockRecord(ctx, tx, serviceID)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		if err := upsertRecord(ctx, tx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func (p *PostgresRepository) Slash(ctx context.Context, callID, serviceID string, amount int64) (int64, error) {
	var applied int64
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		r, err := lockRecord(ctx, tx, serviceID)
		if err != nil {
			return err
		}
		// Existing slash rows are read after the service row lock so a
		// concurrent slash for the same call has committed.
		err = tx.QueryRowContext(ctx, `SELECT applied FROM bond_slashes WHERE call_id = $1`, callID).Scan(&applied)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		applied = max(0, min(amount, r.BondBalance))
		r.BondBalance -= applied
		if err := upsertRecord(ctx, tx, r); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bond_slashes (call_id, service_id, requested, applied)
			VALUES ($1, $2, $3, $4)
		`, callID, serviceID, amount, applied)
		return err
	})
	return applied, err
}

func (p *PostgresRepository) List(ctx context.Context) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM service_reputation ORDER BY service_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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

// lockRecord creates the row if needed and returns it locked.
func lockRecord(ctx context.Context, tx *sql.Tx, serviceID string) (*Record, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO service_reputation (service_id) VALUES ($1)
		ON CONFLICT (service_id) DO NOTHING
	`, serviceID); err != nil {
		return nil, fmt.Errorf("failed to create reputation row: %w", err)
	}
	return scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM service_reputation WHERE service_id = $1 FOR UPDATE`, serviceID))
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertRecord(ctx context.Context, db execer, r *Record) error {
	samples, _ := json.Marshal(r.Samples)
	if r.Samples == nil {
		samples = []byte("[]")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO service_reputation (
			service_id, owner, ok, late, disputed, bond_balance,
			ewma_latency_ms, p95_estimate_ms, latency_sample_count, latency_samples, updated_at
		) VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (service_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			ok = EXCLUDED.ok,
			late = EXCLUDED.late,
			disputed = EXCLUDED.disputed,
			bond_balance = EXCLUDED.bond_balance,
			ewma_latency_ms = EXCLUDED.ewma_latency_ms,
			p95_estimate_ms = EXCLUDED.p95_estimate_ms,
			latency_sample_count = EXCLUDED.latency_sample_count,
			latency_samples = EXCLUDED.latency_samples,
			updated_at = NOW()
	`, r.ServiceID, r.Owner, r.OK, r.Late, r.Disputed, r.BondBalance,
		r.EWMALatencyMs, r.P95EstimateMs, r.LatencySampleCount, samples)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var samples []byte
	err := s.Scan(&r.ServiceID, &r.Owner, &r.OK, &r.Late, &r.Disputed, &r.BondBalance,
		&r.EWMALatencyMs, &r.P95EstimateMs, &r.LatencySampleCount, &samples, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(samples) > 0 {
		_ = json.Unmarshal(samples, &r.Samples)
	}
	return r, nil
}

var _ Repository = (*PostgresRepository)(nil)
