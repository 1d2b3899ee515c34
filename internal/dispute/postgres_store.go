package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
//
// The partial unique index on (order_id) WHERE status IN
// ('OPEN','UNDER_REVIEW') enforces at most one live dispute per order
// even under concurrent raisers.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const disputeColumns = `id, order_id, raised_by, reason, COALESCE(description, ''),
	status, COALESCE(resolved_by, ''), COALESCE(note, ''), opened_at, resolved_at, review_by`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	err := s.Scan(&d.ID, &d.OrderID, &d.RaisedBy, &d.Reason, &d.Description,
		&d.Status, &d.ResolvedBy, &d.Note, &d.OpenedAt, &d.ResolvedAt, &d.ReviewBy)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, order_id, raised_by, reason, description, status, opened_at, review_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ID, d.OrderID, d.RaisedBy, d.Reason, d.Description, d.Status, d.OpenedAt, d.ReviewBy)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateDispute
		}
		return fmt.Errorf("failed to create dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (p *PostgresStore) GetOpenByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1 AND status IN ('OPEN', 'UNDER_REVIEW')
	`, orderID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $2, resolved_by = NULLIF($3, ''), note = NULLIF($4, ''), resolved_at = $5
		WHERE id = $1
	`, d.ID, d.Status, d.ResolvedBy, d.Note, d.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) ListUnresolved(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status IN ('OPEN', 'UNDER_REVIEW')
		ORDER BY opened_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}
