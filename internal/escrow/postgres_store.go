package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow calls in PostgreSQL (migrations/002_escrow_calls.sql).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, c *Call) error {
	evidenceJSON, chunksJSON := encodeLists(c)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_calls (
			id, payer, provider, service_id, amount, start_ts,
			sla_ms, dispute_window_s, status, total_units, units_released,
			delivered_at, response_hash, provider_sig, disputed,
			evidence, chunks, outcome, settled_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21
		)`,
		c.ID, c.Payer, c.Provider, c.ServiceID, c.Amount, c.StartTs,
		c.SLAMs, c.DisputeWindowS, string(c.Status), c.TotalUnits, c.UnitsReleased,
		nullTime(c.DeliveredAt), nullString(c.ResponseHash), nullString(c.ProviderSig), c.Disputed,
		evidenceJSON, chunksJSON, nullString(string(c.Outcome)), nullTime(c.SettledAt), c.CreatedAt, c.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrCallExists
	}
	return err
}

const callColumns = `id, payer, provider, service_id, amount, start_ts,
		       sla_ms, dispute_window_s, status, total_units, units_released,
		       delivered_at, response_hash, provider_sig, disputed,
		       evidence, chunks, outcome, settled_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Call, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM escrow_calls WHERE id = $1`, id)

	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCallNotFound
	}
	return c, err
}

// Update writes the mutable columns. The units_released guard keeps the
// stored counter monotonic even if two writers race past the service lock.
func (p *PostgresStore) Update(ctx context.Context, c *Call) error {
	evidenceJSON, chunksJSON := encodeLists(c)
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_calls SET
			status = $1, units_released = $2, delivered_at = $3,
			response_hash = $4, provider_sig = $5, disputed = $6,
			evidence = $7, chunks = $8, outcome = $9, settled_at = $10, updated_at = $11
		WHERE id = $12 AND units_released <= $2 AND status <> 'settled'`,
		string(c.Status), c.UnitsReleased, nullTime(c.DeliveredAt),
		nullString(c.ResponseHash), nullString(c.ProviderSig), c.Disputed,
		evidenceJSON, chunksJSON, nullString(string(c.Outcome)), nullTime(c.SettledAt), c.UpdatedAt,
		c.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, c.ID); err != nil {
			return err
		}
		return ErrInvalidStatus
	}
	return nil
}

func (p *PostgresStore) ListByService(ctx context.Context, serviceID string, limit int) ([]*Call, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+callColumns+`
		FROM escrow_calls
		WHERE service_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, serviceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanCalls(rows)
}

func (p *PostgresStore) ListSettleable(ctx context.Context, limit int) ([]*Call, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+callColumns+`
		FROM escrow_calls
		WHERE status IN ('partially_fulfilled', 'fulfilled', 'disputed')
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanCalls(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCall(s scanner) (*Call, error) {
	c := &Call{}
	var (
		status       string
		deliveredAt  sql.NullTime
		responseHash sql.NullString
		providerSig  sql.NullString
		evidenceJSON []byte
		chunksJSON   []byte
		outcome      sql.NullString
		settledAt    sql.NullTime
	)

	err := s.Scan(
		&c.ID, &c.Payer, &c.Provider, &c.ServiceID, &c.Amount, &c.StartTs,
		&c.SLAMs, &c.DisputeWindowS, &status, &c.TotalUnits, &c.UnitsReleased,
		&deliveredAt, &responseHash, &providerSig, &c.Disputed,
		&evidenceJSON, &chunksJSON, &outcome, &settledAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = Status(status)
	c.ResponseHash = responseHash.String
	c.ProviderSig = providerSig.String
	c.Outcome = Outcome(outcome.String)
	if deliveredAt.Valid {
		c.DeliveredAt = &deliveredAt.Time
	}
	if settledAt.Valid {
		c.SettledAt = &settledAt.Time
	}
	if len(evidenceJSON) > 0 {
		_ = json.Unmarshal(evidenceJSON, &c.Evidence)
	}
	if len(chunksJSON) > 0 {
		_ = json.Unmarshal(chunksJSON, &c.Chunks)
	}
	return c, nil
}

func scanCalls(rows *sql.Rows) ([]*Call, error) {
	var result []*Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func encodeLists(c *Call) (evidence, chunks []byte) {
	evidence, _ = json.Marshal(c.Evidence)
	if c.Evidence == nil {
		evidence = []byte("[]")
	}
	chunks, _ = json.Marshal(c.Chunks)
	if c.Chunks == nil {
		chunks = []byte("[]")
	}
	return evidence, chunks
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
