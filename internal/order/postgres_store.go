package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const orderColumns = `id, seller_id, COALESCE(buyer_id, ''), title, COALESCE(description, ''),
	price, currency, status, buyer_cancel_requested, seller_cancel_requested,
	escrow_locked_at, completed_at, cancelled_at, created_at, updated_at`

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	err := s.Scan(&o.ID, &o.SellerID, &o.BuyerID, &o.Title, &o.Description,
		&o.Price, &o.Currency, &o.Status, &o.BuyerCancelRequested, &o.SellerCancelRequested,
		&o.EscrowLockedAt, &o.CompletedAt, &o.CancelledAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (id, seller_id, buyer_id, title, description, price, currency, status,
			buyer_cancel_requested, seller_cancel_requested, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6::NUMERIC(20,2), $7, $8, $9, $10, NOW(), NOW())
	`, o.ID, o.SellerID, o.BuyerID, o.Title, o.Description,
		o.Price.StringFixed(2), o.Currency, o.Status, o.BuyerCancelRequested, o.SellerCancelRequested)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrOrderExists
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			buyer_id = NULLIF($2, ''),
			title = $3, description = $4,
			price = $5::NUMERIC(20,2), currency = $6, status = $7,
			buyer_cancel_requested = $8, seller_cancel_requested = $9,
			escrow_locked_at = $10, completed_at = $11, cancelled_at = $12,
			updated_at = NOW()
		WHERE id = $1
	`, o.ID, o.BuyerID, o.Title, o.Description,
		o.Price.StringFixed(2), o.Currency, o.Status,
		o.BuyerCancelRequested, o.SellerCancelRequested,
		o.EscrowLockedAt, o.CompletedAt, o.CancelledAt)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Order, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.SellerID != "" {
		query += fmt.Sprintf(" AND seller_id = $%d", idx)
		args = append(args, f.SellerID)
		idx++
	}
	if f.BuyerID != "" {
		query += fmt.Sprintf(" AND buyer_id = $%d", idx)
		args = append(args, f.BuyerID)
		idx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Before != nil {
		// Keyset pagination over the (created_at DESC, id DESC) ordering.
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", idx, idx+1)
		args = append(args, f.Before.CreatedAt, f.Before.ID)
		idx += 2
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectOrders(rows)
}

func (p *PostgresStore) ListAutoCompletable(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND escrow_locked_at <= $2
		ORDER BY escrow_locked_at ASC
		LIMIT $3
	`, StatusInEscrow, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectOrders(rows)
}

func collectOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}
