// Package escrow moves money between buyer wallets, platform-held
// locks, and seller wallets across an order's lifecycle.
//
// It is the only writer that touches wallets, escrow locks, and order
// status together. Every mutating operation is a single atomic unit:
// either the wallet deltas, the lock change, and the order transition
// all commit, or none do.
package escrow

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrLockNotFound      = errors.New("escrow lock not found")
	ErrOrderNotAvailable = errors.New("order is not available for purchase")
	ErrSelfTrade         = errors.New("buyer and seller must differ")
	ErrNotBuyer          = errors.New("only the buyer may perform this action")
	ErrNotParty          = errors.New("only the buyer or seller may perform this action")
	ErrCancelNotAgreed   = errors.New("cancellation requires consent of both parties")
	ErrBadSplit          = errors.New("split shares plus fee must equal the locked amount")

	// ErrConflict marks a transient storage-level serialization failure.
	// The service retries these a bounded number of times.
	ErrConflict = errors.New("concurrent update conflict, try again")
)

// PlatformOwner is the wallet owner that accrues platform fees.
const PlatformOwner = "platform"

// Lock types.
const (
	LockOrderPayment = "ORDER_PAYMENT"
	LockDisputeHold  = "DISPUTE_HOLD"
)

// Lock is a hold record freezing a buyer's funds against one order.
// Once released or refunded it is immutable; corrections create new
// records, never edit history.
type Lock struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"orderId"`
	WalletOwner string          `json:"walletOwner"` // the buyer at lock time
	Amount      decimal.Decimal `json:"amount"`
	PlatformFee decimal.Decimal `json:"platformFee"` // snapshotted, never recomputed
	LockType    string          `json:"lockType"`
	LockedAt    time.Time       `json:"lockedAt"`
	ReleasedAt  *time.Time      `json:"releasedAt,omitempty"`
	RefundedAt  *time.Time      `json:"refundedAt,omitempty"`
}

// Closed reports whether the lock has reached its terminal state.
func (l *Lock) Closed() bool {
	return l.ReleasedAt != nil || l.RefundedAt != nil
}

// IntegrityError reports a detected invariant violation, e.g. a split
// that does not conserve the locked amount at settlement time. It is
// never retried and never auto-corrected.
type IntegrityError struct {
	Op      string
	OrderID string
	Err     error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation in %s for order %s: %v", e.Op, e.OrderID, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }
