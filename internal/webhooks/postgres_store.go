package webhooks

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists deliveries in PostgreSQL (migrations/004_webhook_deliveries.sql).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed delivery store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const deliveryColumns = `id, event_type, call_id, url, attempts, status_code, last_error, created_at, delivered_at`

func (p *PostgresStore) Create(ctx context.Context, d *Delivery) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, string(d.EventType), d.CallID, d.URL, d.Attempts,
		nullInt(d.StatusCode), nullString(d.LastError), d.CreatedAt, d.DeliveredAt,
	)
	return err
}

func (p *PostgresStore) Update(ctx context.Context, d *Delivery) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET attempts = $1, status_code = $2, last_error = $3, delivered_at = $4
		WHERE id = $5`,
		d.Attempts, nullInt(d.StatusCode), nullString(d.LastError), d.DeliveredAt, d.ID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Delivery, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	return d, err
}

func (p *PostgresStore) ListByCall(ctx context.Context, callID string) ([]*Delivery, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE call_id = $1 ORDER BY created_at DESC, id DESC`, callID)
	if err != nil {
		return nil, err
	}
	return scanDeliveries(rows)
}

func (p *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanDeliveries(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDelivery(s scanner) (*Delivery, error) {
	d := &Delivery{}
	var (
		eventType   string
		statusCode  sql.NullInt64
		lastError   sql.NullString
		deliveredAt sql.NullTime
	)
	if err := s.Scan(&d.ID, &eventType, &d.CallID, &d.URL, &d.Attempts,
		&statusCode, &lastError, &d.CreatedAt, &deliveredAt); err != nil {
		return nil, err
	}
	d.EventType = EventType(eventType)
	d.StatusCode = int(statusCode.Int64)
	d.LastError = lastError.String
	if deliveredAt.Valid {
		t := deliveredAt.Time
		d.DeliveredAt = &t
	}
	return d, nil
}

func scanDeliveries(rows *sql.Rows) ([]*Delivery, error) {
	defer func() { _ = rows.Close() }()
	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}
