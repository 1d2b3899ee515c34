// Package order models marketplace listings and their lifecycle.
//
// An order is created by a seller (ACTIVE), bought into escrow
// (IN_ESCROW), and finishes in exactly one terminal state (COMPLETED
// or CANCELLED), possibly passing through DISPUTED on the way. The
// transition table below is the single source of truth; anything not
// in it is an illegal transition.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealsafe/internal/pagination"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrOrderExists   = errors.New("order already exists")
)

// Status is an order's lifecycle state.
type Status string

const (
	StatusActive Status = "ACTIVE"
	// StatusPendingPayment parks an order while the buyer funds the
	// purchase through the payment gateway. Reserved for gateway-funded
	// checkout: no handler drives payment_start/payment_expired yet,
	// but purchases out of this state are accepted.
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusInEscrow       Status = "IN_ESCROW"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
	StatusDisputed       Status = "DISPUTED"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Event is a lifecycle trigger.
type Event string

const (
	// EventPaymentStart parks the order while the buyer tops up externally.
	EventPaymentStart Event = "payment_start"
	// EventPaymentExpired returns a parked order to the open market.
	EventPaymentExpired Event = "payment_expired"
	// EventPurchase locks buyer funds into escrow.
	EventPurchase Event = "purchase"
	// EventConfirm is the buyer's manual delivery confirmation.
	EventConfirm Event = "confirm"
	// EventAutoComplete is the scheduler's timeout-driven completion.
	EventAutoComplete Event = "auto_complete"
	// EventCancel cancels the order (delist, or refund when escrowed).
	EventCancel Event = "cancel"
	// EventDispute freezes the order pending review.
	EventDispute Event = "dispute"
	// EventResolveSeller completes the order in the seller's favor.
	EventResolveSeller Event = "resolve_seller"
	// EventResolveBuyer cancels and refunds in the buyer's favor.
	EventResolveBuyer Event = "resolve_buyer"
	// EventResolveSplit completes with an admin-specified split.
	EventResolveSplit Event = "resolve_split"
)

// transitions is the legal state machine. Keyed by current status, then event.
var transitions = map[Status]map[Event]Status{
	StatusActive: {
		EventPurchase:     StatusInEscrow,
		EventPaymentStart: StatusPendingPayment,
		EventCancel:       StatusCancelled, // seller delists an unsold order
	},
	StatusPendingPayment: {
		EventPurchase:       StatusInEscrow,
		EventPaymentExpired: StatusActive,
	},
	StatusInEscrow: {
		EventConfirm:      StatusCompleted,
		EventAutoComplete: StatusCompleted,
		EventCancel:       StatusCancelled,
		EventDispute:      StatusDisputed,
	},
	StatusDisputed: {
		EventResolveSeller: StatusCompleted,
		EventResolveSplit:  StatusCompleted,
		EventResolveBuyer:  StatusCancelled,
	},
}

// IllegalTransitionError identifies the current state and attempted event.
type IllegalTransitionError struct {
	From  Status
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: event %q not allowed in state %q", e.Event, e.From)
}

// Next returns the state reached by applying event in from, or an
// *IllegalTransitionError. The state machine never silently ignores
// an invalid request.
func Next(from Status, event Event) (Status, error) {
	if to, ok := transitions[from][event]; ok {
		return to, nil
	}
	return "", &IllegalTransitionError{From: from, Event: event}
}

// Order is a marketplace listing.
type Order struct {
	ID          string          `json:"id"`
	SellerID    string          `json:"sellerId"`
	BuyerID     string          `json:"buyerId,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
	Status      Status          `json:"status"`

	// Cancellation handshake under the mutual-consent policy.
	BuyerCancelRequested  bool `json:"buyerCancelRequested,omitempty"`
	SellerCancelRequested bool `json:"sellerCancelRequested,omitempty"`

	EscrowLockedAt *time.Time `json:"escrowLockedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	CancelledAt    *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Apply transitions the order in place, setting the lifecycle timestamp
// for the state reached. Terminal timestamps are set exactly once.
func (o *Order) Apply(event Event, now time.Time) error {
	next, err := Next(o.Status, event)
	if err != nil {
		return err
	}
	o.Status = next
	o.UpdatedAt = now

	switch next {
	case StatusInEscrow:
		if o.EscrowLockedAt == nil {
			t := now
			o.EscrowLockedAt = &t
		}
	case StatusCompleted:
		if o.CompletedAt == nil {
			t := now
			o.CompletedAt = &t
		}
	case StatusCancelled:
		if o.CancelledAt == nil {
			t := now
			o.CancelledAt = &t
		}
	}
	return nil
}

// Filter narrows List results.
type Filter struct {
	SellerID string
	BuyerID  string
	Status   Status
	Limit    int
	// Before restricts results to orders created strictly before the
	// cursor position, for keyset pagination. Nil means from the top.
	Before *pagination.Cursor
}

// Store persists orders.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// Update persists the full order record. The escrow service performs
	// its status changes through its own transactional store; this Update
	// covers non-monetary edits (price before purchase, cancel flags).
	Update(ctx context.Context, o *Order) error
	List(ctx context.Context, f Filter) ([]*Order, error)
	// ListAutoCompletable returns IN_ESCROW orders locked at or before cutoff.
	ListAutoCompletable(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error)
}
