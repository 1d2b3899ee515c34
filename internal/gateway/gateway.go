// Package gateway moves funds between platform wallets and the outside
// payment processor.
//
// Withdrawals debit the wallet first and record a pending payout, then
// submit the payout to the processor. A payout whose outcome cannot be
// determined stays pending; the reconciler settles or reverts it once
// the processor reports a terminal state. Deposits arrive through the
// processor's webhook and credit wallets idempotently by event ID.
package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPayoutRejected means the processor definitively refused the
	// payout; the debited funds are returned immediately.
	ErrPayoutRejected = errors.New("payout rejected by gateway")

	// ErrAmountTooSmall is returned for withdrawals below the minimum.
	ErrAmountTooSmall = errors.New("withdrawal amount below minimum")
)

// Outcome is the processor's verdict on a previously submitted payout.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomeUnknown means the processor has not reached a terminal
	// state yet; the payout stays pending.
	OutcomeUnknown Outcome = "unknown"
)

// Gateway abstracts the external payment processor.
type Gateway interface {
	// Payout submits a payout and returns the processor's ID for it.
	// A returned ErrPayoutRejected means the payout definitively did
	// not happen; any other error leaves the outcome undetermined.
	Payout(ctx context.Context, owner string, amount decimal.Decimal, currency, idempotencyKey string) (string, error)
	// VerifyPayout reports the current outcome of a submitted payout.
	VerifyPayout(ctx context.Context, gatewayID string) (Outcome, error)
}
