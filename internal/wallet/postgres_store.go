package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/dealsafe/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
//
// Balance arithmetic happens in SQL on NUMERIC(20,2) columns inside
// serializable transactions. CHECK constraints on the balance columns
// enforce non-negativity at the database level, so an overdraft surfaces
// as a constraint violation even under concurrent writers.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// mapPQError translates PostgreSQL error codes into domain errors.
// 23514 (check_violation) on a balance column means insufficient funds.
// 23505 (unique_violation) on the reference index means a duplicate.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23514":
			return fmt.Errorf("%w: %s", ErrInsufficientFunds, pqErr.Constraint)
		case "23505":
			return ErrDuplicateReference
		}
	}
	return err
}

func (p *PostgresStore) Create(ctx context.Context, owner, currency string) (*Wallet, error) {
	if currency == "" {
		currency = "USD"
	}
	id := idgen.WithPrefix("wal_")
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (id, owner, available, locked, currency, status, created_at, updated_at)
		VALUES ($1, $2, 0, 0, $3, 'active', NOW(), NOW())
	`, id, owner, currency)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrWalletExists
		}
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return p.Get(ctx, owner)
}

func (p *PostgresStore) Get(ctx context.Context, owner string) (*Wallet, error) {
	w := &Wallet{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner, available, locked, currency, status, created_at, updated_at
		FROM wallets WHERE owner = $1
	`, owner).Scan(&w.ID, &w.Owner, &w.Available, &w.Locked, &w.Currency, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) Credit(ctx context.Context, owner string, amount decimal.Decimal, entryType, reference, description string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE owner = $1
	`, owner, amount.StringFixed(2))
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", mapPQError(err))
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	if err := insertEntry(ctx, tx, owner, entryType, amount, reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Debit(ctx context.Context, owner string, amount decimal.Decimal, entryType, reference, description string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := checkActive(ctx, tx, owner); err != nil {
		return err
	}

	// CHECK constraint (available >= 0) rejects overdraft atomically.
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available - $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE owner = $1
	`, owner, amount.StringFixed(2))
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", mapPQError(err))
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	if err := insertEntry(ctx, tx, owner, entryType, amount.Neg(), reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) DebitPending(ctx context.Context, owner string, amount decimal.Decimal, payoutID, gatewayID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := checkActive(ctx, tx, owner); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available - $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE owner = $1
	`, owner, amount.StringFixed(2))
	if err != nil {
		return fmt.Errorf("failed to debit for payout: %w", mapPQError(err))
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_payouts (id, owner, amount, gateway_id, created_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, NOW())
	`, payoutID, owner, amount.StringFixed(2), gatewayID)
	if err != nil {
		return fmt.Errorf("failed to record pending payout: %w", mapPQError(err))
	}

	if err := insertEntry(ctx, tx, owner, EntryWithdrawal, amount.Neg(), payoutID, "payout pending confirmation"); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) SettlePending(ctx context.Context, payoutID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM pending_payouts WHERE id = $1`, payoutID)
	return err
}

func (p *PostgresStore) RevertPending(ctx context.Context, payoutID string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	var amount decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		DELETE FROM pending_payouts WHERE id = $1 RETURNING owner, amount
	`, payoutID).Scan(&owner, &amount)
	if err == sql.ErrNoRows {
		return nil // already settled or reverted
	}
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE owner = $1
	`, owner, amount.StringFixed(2))
	if err != nil {
		return fmt.Errorf("failed to revert payout: %w", mapPQError(err))
	}

	if err := insertEntry(ctx, tx, owner, EntryAdjustment, amount, payoutID, "payout failed, funds returned"); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) AttachGateway(ctx context.Context, payoutID, gatewayID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE pending_payouts SET gateway_id = $2 WHERE id = $1
	`, payoutID, gatewayID)
	return err
}

func (p *PostgresStore) ListPending(ctx context.Context) ([]*PendingPayout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner, amount, gateway_id, created_at
		FROM pending_payouts ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PendingPayout
	for rows.Next() {
		p := &PendingPayout{}
		if err := rows.Scan(&p.ID, &p.Owner, &p.Amount, &p.GatewayID, &p.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SetStatus(ctx context.Context, owner, status string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallets SET status = $2, updated_at = NOW() WHERE owner = $1
	`, owner, status)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (p *PostgresStore) GetHistory(ctx context.Context, owner string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner, type, amount, COALESCE(reference, ''), COALESCE(description, ''), created_at
		FROM wallet_entries
		WHERE owner = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Owner, &e.Type, &e.Amount, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) HasReference(ctx context.Context, reference string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM wallet_entries WHERE reference = $1
	`, reference).Scan(&count)
	return count > 0, err
}

// checkActive verifies the wallet exists and is not frozen, within tx.
func checkActive(ctx context.Context, tx *sql.Tx, owner string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM wallets WHERE owner = $1 FOR UPDATE`, owner).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrWalletNotFound
	}
	if err != nil {
		return err
	}
	if status == StatusFrozen {
		return ErrWalletFrozen
	}
	return nil
}

// insertEntry records a journal row within tx. The partial unique index on
// deposit references makes replays of the same gateway event fail with 23505.
func insertEntry(ctx context.Context, tx *sql.Tx, owner, entryType string, amount decimal.Decimal, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, owner, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), NULLIF($5, ''), $6, NOW())
	`, idgen.WithPrefix("ent_"), owner, entryType, amount.StringFixed(2), reference, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", mapPQError(err))
	}
	return nil
}
