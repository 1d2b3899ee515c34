// Package dispute models the review sub-lifecycle of a disputed order.
//
// A dispute is OPEN when raised, may move to UNDER_REVIEW while an
// admin investigates, and ends in exactly one RESOLVED_* state. The
// owning order stays DISPUTED until resolution; resolving the dispute
// is the only path out.
package dispute

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisputeNotFound  = errors.New("dispute not found")
	ErrDuplicateDispute = errors.New("order already has an open dispute")
	ErrDisputeClosed    = errors.New("dispute is already resolved")
)

// Status values for a dispute.
type Status string

const (
	StatusOpen           Status = "OPEN"
	StatusUnderReview    Status = "UNDER_REVIEW"
	StatusResolvedBuyer  Status = "RESOLVED_BUYER"
	StatusResolvedSeller Status = "RESOLVED_SELLER"
	StatusResolvedRefund Status = "RESOLVED_REFUND" // partial split
)

// Resolved reports whether the dispute has reached a terminal status.
func (s Status) Resolved() bool {
	switch s {
	case StatusResolvedBuyer, StatusResolvedSeller, StatusResolvedRefund:
		return true
	}
	return false
}

// Reason categorizes why a dispute was raised.
type Reason string

const (
	ReasonNotDelivered   Reason = "not_delivered"
	ReasonNotAsDescribed Reason = "not_as_described"
	ReasonDamaged        Reason = "damaged"
	ReasonPaymentIssue   Reason = "payment_issue"
	ReasonOther          Reason = "other"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonNotDelivered, ReasonNotAsDescribed, ReasonDamaged, ReasonPaymentIssue, ReasonOther:
		return true
	}
	return false
}

// Dispute is one party's challenge against an escrowed order.
type Dispute struct {
	ID          string     `json:"id"`
	OrderID     string     `json:"orderId"`
	RaisedBy    string     `json:"raisedBy"`
	Reason      Reason     `json:"reason"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	ResolvedBy  string     `json:"resolvedBy,omitempty"`
	Note        string     `json:"note,omitempty"`
	OpenedAt    time.Time  `json:"openedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	ReviewBy    time.Time  `json:"reviewBy"` // deadline for admin review
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// GetOpenByOrder returns the order's OPEN or UNDER_REVIEW dispute, if any.
	GetOpenByOrder(ctx context.Context, orderID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	// ListUnresolved returns disputes awaiting a decision, oldest first.
	ListUnresolved(ctx context.Context, limit int) ([]*Dispute, error)
}
