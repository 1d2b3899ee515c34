package escrow

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealsafe/internal/dispute"
	"github.com/mbd888/dealsafe/internal/order"
)

// BalanceSnapshot is one wallet's buckets as read inside the
// settlement transaction.
type BalanceSnapshot struct {
	Owner     string `json:"owner"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

// StateSnapshot pairs the order status with the balances of every
// wallet the operation touches. Stores capture one on each side of
// the mutation so audit entries carry true before/after state.
type StateSnapshot struct {
	OrderStatus string            `json:"orderStatus"`
	Balances    []BalanceSnapshot `json:"balances,omitempty"`
}

// Result is the outcome of an atomic settlement operation.
type Result struct {
	Lock  *Lock
	Order *order.Order
	// Before/After are read under the same transaction as the mutation.
	// Nil on AlreadySettled no-ops, which change nothing.
	Before *StateSnapshot
	After  *StateSnapshot
	// AlreadySettled is true when the lock was closed before this call;
	// the operation was a no-op returning the existing terminal state.
	AlreadySettled bool
}

// Store is the escrow service's transactional boundary. Each method is
// one atomic unit spanning wallets, the escrow lock, the order row, and
// (when a dispute update is passed) the dispute row. Implementations
// re-validate state inside the transaction; callers' pre-checks are
// advisory only.
//
// A nil *dispute.Dispute means no dispute row is touched. A non-nil one
// is persisted in the same transaction as the settlement.
type Store interface {
	// GetLock returns the lock for an order.
	GetLock(ctx context.Context, orderID string) (*Lock, error)

	// GetOrder returns the order as this store sees it.
	GetOrder(ctx context.Context, orderID string) (*order.Order, error)

	// Purchase debits the buyer's available balance into escrow, creates
	// the lock with the fee snapshot, and transitions the order to
	// IN_ESCROW with the buyer recorded.
	Purchase(ctx context.Context, orderID, buyerID string, fee decimal.Decimal) (*Result, error)

	// Release closes the lock in the seller's favor: buyer's locked bucket
	// is drained, the seller receives amount minus fee, the platform wallet
	// receives the fee, and the order transitions per event.
	Release(ctx context.Context, orderID string, event order.Event, d *dispute.Dispute) (*Result, error)

	// Refund closes the lock in the buyer's favor: the full amount returns
	// to the buyer's available balance and the order transitions per event.
	Refund(ctx context.Context, orderID string, event order.Event, d *dispute.Dispute) (*Result, error)

	// Split closes the lock with admin-specified shares. buyerShare +
	// sellerShare + lock fee must equal the locked amount.
	Split(ctx context.Context, orderID string, buyerShare, sellerShare decimal.Decimal, d *dispute.Dispute) (*Result, error)

	// OpenDispute records the dispute, switches the lock to DISPUTE_HOLD,
	// and transitions the order to DISPUTED.
	OpenDispute(ctx context.Context, d *dispute.Dispute) (*Result, error)

	// SetCancelRequested records one party's consent to cancel.
	SetCancelRequested(ctx context.Context, orderID string, byBuyer bool) (*order.Order, error)

	// HeldTotal returns the sum of all open lock amounts.
	HeldTotal(ctx context.Context) (decimal.Decimal, error)
}
