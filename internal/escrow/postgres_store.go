package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/dealsafe/internal/dispute"
	"github.com/mbd888/dealsafe/internal/idgen"
	"github.com/mbd888/dealsafe/internal/order"
	"github.com/mbd888/dealsafe/internal/wallet"
)

// PostgresStore implements Store with PostgreSQL. Each operation is one
// serializable transaction spanning wallets, wallet_entries, orders,
// escrow_locks, and disputes. Serialization failures (40001) surface as
// ErrConflict for the service's retry loop; balance CHECK violations
// (23514) surface as wallet.ErrInsufficientFunds.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func mapTxError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return ErrConflict
		case "23514":
			return fmt.Errorf("%w: %s", wallet.ErrInsufficientFunds, pqErr.Constraint)
		}
	}
	return err
}

const lockColumns = `id, order_id, wallet_owner, amount, platform_fee, lock_type, locked_at, released_at, refunded_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLock(s scanner) (*Lock, error) {
	l := &Lock{}
	err := s.Scan(&l.ID, &l.OrderID, &l.WalletOwner, &l.Amount, &l.PlatformFee,
		&l.LockType, &l.LockedAt, &l.ReleasedAt, &l.RefundedAt)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (p *PostgresStore) GetLock(ctx context.Context, orderID string) (*Lock, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM escrow_locks WHERE order_id = $1`, orderID)
	l, err := scanLock(row)
	if err == sql.ErrNoRows {
		return nil, ErrLockNotFound
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (p *PostgresStore) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	o := &order.Order{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, seller_id, COALESCE(buyer_id, ''), title, COALESCE(description, ''),
			price, currency, status, buyer_cancel_requested, seller_cancel_requested,
			escrow_locked_at, completed_at, cancelled_at, created_at, updated_at
		FROM orders WHERE id = $1
	`, orderID).Scan(&o.ID, &o.SellerID, &o.BuyerID, &o.Title, &o.Description,
		&o.Price, &o.Currency, &o.Status, &o.BuyerCancelRequested, &o.SellerCancelRequested,
		&o.EscrowLockedAt, &o.CompletedAt, &o.CancelledAt, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, order.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (p *PostgresStore) Purchase(ctx context.Context, orderID, buyerID string, fee decimal.Decimal) (*Result, error) {
	var result *Result
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		o, err := getOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.SellerID == buyerID {
			return ErrSelfTrade
		}
		before, err := snapshotTx(ctx, tx, o.Status, buyerID)
		if err != nil {
			return err
		}

		now := time.Now()
		if err := o.Apply(order.EventPurchase, now); err != nil {
			return ErrOrderNotAvailable
		}
		o.BuyerID = buyerID

		var status string
		err = tx.QueryRowContext(ctx, `SELECT status FROM wallets WHERE owner = $1 FOR UPDATE`, buyerID).Scan(&status)
		if err == sql.ErrNoRows {
			return wallet.ErrWalletNotFound
		}
		if err != nil {
			return err
		}
		if status == wallet.StatusFrozen {
			return wallet.ErrWalletFrozen
		}

		// available -= price, locked += price. The CHECK constraint
		// rejects overdraft.
		if err := adjustWallet(ctx, tx, buyerID, o.Price.Neg(), o.Price); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, buyerID, wallet.EntryEscrowLock, o.Price.Neg(), orderID, "escrow lock"); err != nil {
			return err
		}

		l := &Lock{
			ID:          idgen.WithPrefix("esc_"),
			OrderID:     orderID,
			WalletOwner: buyerID,
			Amount:      o.Price,
			PlatformFee: fee,
			LockType:    LockOrderPayment,
			LockedAt:    now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO escrow_locks (id, order_id, wallet_owner, amount, platform_fee, lock_type, locked_at)
			VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5::NUMERIC(20,2), $6, $7)
		`, l.ID, orderID, buyerID, l.Amount.StringFixed(2), l.PlatformFee.StringFixed(2), l.LockType, now)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				// 1:1 order/lock constraint lost a race with another purchase.
				return ErrOrderNotAvailable
			}
			return fmt.Errorf("failed to create escrow lock: %w", err)
		}

		if err := updateOrderTx(ctx, tx, o); err != nil {
			return err
		}
		after, err := snapshotTx(ctx, tx, o.Status, buyerID)
		if err != nil {
			return err
		}
		result = &Result{Lock: l, Order: o, Before: before, After: after}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *PostgresStore) Release(ctx context.Context, orderID string, event order.Event, d *dispute.Dispute) (*Result, error) {
	var result *Result
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		l, o, done, err := p.beginSettle(ctx, tx, orderID)
		if err != nil || done != nil {
			result = done
			return err
		}
		before, err := snapshotTx(ctx, tx, o.Status, l.WalletOwner, o.SellerID, PlatformOwner)
		if err != nil {
			return err
		}

		now := time.Now()
		if err := o.Apply(event, now); err != nil {
			return err
		}

		payout := l.Amount.Sub(l.PlatformFee)
		if payout.IsNegative() {
			return &IntegrityError{Op: "release", OrderID: orderID,
				Err: fmt.Errorf("fee %s exceeds locked amount %s", l.PlatformFee, l.Amount)}
		}

		if err := adjustWallet(ctx, tx, l.WalletOwner, decimal.Zero, l.Amount.Neg()); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, l.WalletOwner, wallet.EntryEscrowRelease, l.Amount.Neg(), orderID, "escrow released to seller"); err != nil {
			return err
		}
		if err := creditWallet(ctx, tx, o.SellerID, payout); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, o.SellerID, wallet.EntryEscrowReceive, payout, orderID, "escrow payment received"); err != nil {
			return err
		}
		if l.PlatformFee.IsPositive() {
			if err := creditWallet(ctx, tx, PlatformOwner, l.PlatformFee); err != nil {
				return err
			}
			if err := insertEntry(ctx, tx, PlatformOwner, wallet.EntryFee, l.PlatformFee, orderID, "platform fee"); err != nil {
				return err
			}
		}

		if err := closeLock(ctx, tx, l.ID, "released_at", now); err != nil {
			return err
		}
		l.ReleasedAt = &now

		if err := finishTx(ctx, tx, o, d); err != nil {
			return err
		}
		after, err := snapshotTx(ctx, tx, o.Status, l.WalletOwner, o.SellerID, PlatformOwner)
		if err != nil {
			return err
		}
		result = &Result{Lock: l, Order: o, Before: before, After: after}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *PostgresStore) Refund(ctx context.Context, orderID string, event order.Event, d *dispute.Dispute) (*Result, error) {
	var result *Result
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		l, o, done, err := p.beginSettle(ctx, tx, orderID)
		if err != nil || done != nil {
			result = done
			return err
		}
		before, err := snapshotTx(ctx, tx, o.Status, l.WalletOwner)
		if err != nil {
			return err
		}

		now := time.Now()
		if err := o.Apply(event, now); err != nil {
			return err
		}

		// Full refund, fee included; the fee was never collected.
		if err := adjustWallet(ctx, tx, l.WalletOwner, l.Amount, l.Amount.Neg()); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, l.WalletOwner, wallet.EntryEscrowRefund, l.Amount, orderID, "escrow refunded"); err != nil {
			return err
		}

		if err := closeLock(ctx, tx, l.ID, "refunded_at", now); err != nil {
			return err
		}
		l.RefundedAt = &now

		if err := finishTx(ctx, tx, o, d); err != nil {
			return err
		}
		after, err := snapshotTx(ctx, tx, o.Status, l.WalletOwner)
		if err != nil {
			return err
		}
		result = &Result{Lock: l, Order: o, Before: before, After: after}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *PostgresStore) Split(ctx context.Context, orderID string, buyerShare, sellerShare decimal.Decimal, d *dispute.Dispute) (*Result, error) {
	var result *Result
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		l, o, done, err := p.beginSettle(ctx, tx, orderID)
		if err != nil || done != nil {
			result = done
			return err
		}
		if buyerShare.IsNegative() || sellerShare.IsNegative() ||
			!buyerShare.Add(sellerShare).Add(l.PlatformFee).Equal(l.Amount) {
			return ErrBadSplit
		}
		before, err := snapshotTx(ctx, tx, o.Status, l.WalletOwner, o.SellerID, PlatformOwner)
		if err != nil {
			return err
		}

		now := time.Now()
		if err := o.Apply(order.EventResolveSplit, now); err != nil {
			return err
		}

		if err := adjustWallet(ctx, tx, l.WalletOwner, buyerShare, l.Amount.Neg()); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, l.WalletOwner, wallet.EntryEscrowRefund, buyerShare.Sub(l.Amount), orderID, "dispute split, buyer share"); err != nil {
			return err
		}
		if sellerShare.IsPositive() {
			if err := creditWallet(ctx, tx, o.SellerID, sellerShare); err != nil {
				return err
			}
			if err := insertEntry(ctx, tx, o.SellerID, wallet.EntryEscrowReceive, sellerShare, orderID, "dispute split, seller share"); err != nil {
				return err
			}
		}
		if l.PlatformFee.IsPositive() {
			if err := creditWallet(ctx, tx, PlatformOwner, l.PlatformFee); err != nil {
				return err
			}
			if err := insertEntry(ctx, tx, PlatformOwner, wallet.EntryFee, l.PlatformFee, orderID, "platform fee"); err != nil {
				return err
			}
		}

		if err := closeLock(ctx, tx, l.ID, "released_at", now); err != nil {
			return err
		}
		l.ReleasedAt = &now

		if err := finishTx(ctx, tx, o, d); err != nil {
			return err
		}
		after, err := snapshotTx(ctx, tx, o.Status, l.WalletOwner, o.SellerID, PlatformOwner)
		if err != nil {
			return err
		}
		result = &Result{Lock: l, Order: o, Before: before, After: after}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *PostgresStore) OpenDispute(ctx context.Context, d *dispute.Dispute) (*Result, error) {
	var result *Result
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		l, err := getLockForUpdate(ctx, tx, d.OrderID)
		if err != nil {
			return err
		}
		o, err := getOrderForUpdate(ctx, tx, d.OrderID)
		if err != nil {
			return err
		}
		before, err := snapshotTx(ctx, tx, o.Status, l.WalletOwner)
		if err != nil {
			return err
		}
		if err := o.Apply(order.EventDispute, time.Now()); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO disputes (id, order_id, raised_by, reason, description, status, opened_at, review_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, d.ID, d.OrderID, d.RaisedBy, d.Reason, d.Description, d.Status, d.OpenedAt, d.ReviewBy)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return dispute.ErrDuplicateDispute
			}
			return fmt.Errorf("failed to create dispute: %w", err)
		}

		_, err = tx.ExecContext(ctx, `UPDATE escrow_locks SET lock_type = $2 WHERE id = $1`, l.ID, LockDisputeHold)
		if err != nil {
			return err
		}
		l.LockType = LockDisputeHold

		if err := updateOrderTx(ctx, tx, o); err != nil {
			return err
		}
		after, err := snapshotTx(ctx, tx, o.Status, l.WalletOwner)
		if err != nil {
			return err
		}
		result = &Result{Lock: l, Order: o, Before: before, After: after}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *PostgresStore) SetCancelRequested(ctx context.Context, orderID string, byBuyer bool) (*order.Order, error) {
	var o *order.Order
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		o, err = getOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if byBuyer {
			o.BuyerCancelRequested = true
		} else {
			o.SellerCancelRequested = true
		}
		return updateOrderTx(ctx, tx, o)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (p *PostgresStore) HeldTotal(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM escrow_locks
		WHERE released_at IS NULL AND refunded_at IS NULL
	`).Scan(&total)
	return total, err
}

// inTx runs fn inside a serializable transaction, translating commit
// and statement errors through mapTxError.
func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return mapTxError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapTxError(err)
	}
	return nil
}

// beginSettle locks the escrow row and order row. When the lock is
// already closed it returns the existing terminal state as a no-op
// Result; callers must pass it straight through.
func (p *PostgresStore) beginSettle(ctx context.Context, tx *sql.Tx, orderID string) (*Lock, *order.Order, *Result, error) {
	l, err := getLockForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, nil, nil, err
	}
	o, err := getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, nil, nil, err
	}
	if l.Closed() {
		return nil, nil, &Result{Lock: l, Order: o, AlreadySettled: true}, nil
	}
	return l, o, nil, nil
}

func getLockForUpdate(ctx context.Context, tx *sql.Tx, orderID string) (*Lock, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM escrow_locks WHERE order_id = $1 FOR UPDATE`, orderID)
	l, err := scanLock(row)
	if err == sql.ErrNoRows {
		return nil, ErrLockNotFound
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func getOrderForUpdate(ctx context.Context, tx *sql.Tx, id string) (*order.Order, error) {
	o := &order.Order{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, seller_id, COALESCE(buyer_id, ''), title, COALESCE(description, ''),
			price, currency, status, buyer_cancel_requested, seller_cancel_requested,
			escrow_locked_at, completed_at, cancelled_at, created_at, updated_at
		FROM orders WHERE id = $1 FOR UPDATE
	`, id).Scan(&o.ID, &o.SellerID, &o.BuyerID, &o.Title, &o.Description,
		&o.Price, &o.Currency, &o.Status, &o.BuyerCancelRequested, &o.SellerCancelRequested,
		&o.EscrowLockedAt, &o.CompletedAt, &o.CancelledAt, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, order.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func updateOrderTx(ctx context.Context, tx *sql.Tx, o *order.Order) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			buyer_id = NULLIF($2, ''), status = $3,
			buyer_cancel_requested = $4, seller_cancel_requested = $5,
			escrow_locked_at = $6, completed_at = $7, cancelled_at = $8,
			updated_at = NOW()
		WHERE id = $1
	`, o.ID, o.BuyerID, o.Status, o.BuyerCancelRequested, o.SellerCancelRequested,
		o.EscrowLockedAt, o.CompletedAt, o.CancelledAt)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

func finishTx(ctx context.Context, tx *sql.Tx, o *order.Order, d *dispute.Dispute) error {
	if d != nil {
		_, err := tx.ExecContext(ctx, `
			UPDATE disputes SET status = $2, resolved_by = NULLIF($3, ''), note = NULLIF($4, ''), resolved_at = $5
			WHERE id = $1
		`, d.ID, d.Status, d.ResolvedBy, d.Note, d.ResolvedAt)
		if err != nil {
			return fmt.Errorf("failed to update dispute: %w", err)
		}
	}
	return updateOrderTx(ctx, tx, o)
}

// snapshotTx reads the given wallets' balances under the transaction.
// A wallet that does not exist yet reads as zero, so before/after
// pairs line up when a settlement upserts a wallet.
func snapshotTx(ctx context.Context, tx *sql.Tx, status order.Status, owners ...string) (*StateSnapshot, error) {
	snap := &StateSnapshot{OrderStatus: string(status)}
	seen := make(map[string]bool, len(owners))
	for _, owner := range owners {
		if owner == "" || seen[owner] {
			continue
		}
		seen[owner] = true
		b := BalanceSnapshot{Owner: owner, Available: "0.00", Locked: "0.00"}
		var avail, locked decimal.Decimal
		err := tx.QueryRowContext(ctx, `SELECT available, locked FROM wallets WHERE owner = $1`, owner).Scan(&avail, &locked)
		if err == nil {
			b.Available = avail.StringFixed(2)
			b.Locked = locked.StringFixed(2)
		} else if err != sql.ErrNoRows {
			return nil, err
		}
		snap.Balances = append(snap.Balances, b)
	}
	return snap, nil
}

// adjustWallet applies signed deltas to a wallet's buckets within tx.
func adjustWallet(ctx context.Context, tx *sql.Tx, owner string, dAvailable, dLocked decimal.Decimal) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available + $2::NUMERIC(20,2),
			locked     = locked    + $3::NUMERIC(20,2),
			updated_at = NOW()
		WHERE owner = $1
	`, owner, dAvailable.StringFixed(2), dLocked.StringFixed(2))
	if err != nil {
		return fmt.Errorf("failed to adjust wallet %s: %w", owner, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return wallet.ErrWalletNotFound
	}
	return nil
}

// creditWallet upserts the target wallet and adds to available.
func creditWallet(ctx context.Context, tx *sql.Tx, owner string, amount decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (id, owner, available, locked, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), 0, 'USD', 'active', NOW(), NOW())
		ON CONFLICT (owner) DO UPDATE SET
			available  = wallets.available + $3::NUMERIC(20,2),
			updated_at = NOW()
	`, idgen.WithPrefix("wal_"), owner, amount.StringFixed(2))
	if err != nil {
		return fmt.Errorf("failed to credit wallet %s: %w", owner, err)
	}
	return nil
}

func closeLock(ctx context.Context, tx *sql.Tx, lockID, column string, at time.Time) error {
	// column is one of two compile-time constants, never user input.
	_, err := tx.ExecContext(ctx, `UPDATE escrow_locks SET `+column+` = $2 WHERE id = $1`, lockID, at)
	if err != nil {
		return fmt.Errorf("failed to close escrow lock: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, owner, entryType string, amount decimal.Decimal, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, owner, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), NULLIF($5, ''), $6, NOW())
	`, idgen.WithPrefix("ent_"), owner, entryType, amount.StringFixed(2), reference, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}
