// Package wallet tracks user balances on the platform.
//
// Every wallet carries two buckets:
//   - available: spendable funds
//   - locked: funds held by an escrow lock, untouchable by the owner
//
// All balance changes write an append-only journal entry, so the sum of
// entries always reconciles with the balance columns.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrWalletExists       = errors.New("wallet already exists")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrWalletFrozen       = errors.New("wallet is frozen")
	ErrDuplicateReference = errors.New("reference already processed")
	ErrInvalidAmount      = errors.New("invalid amount")
)

// Wallet status values.
const (
	StatusActive = "active"
	StatusFrozen = "frozen"
)

// Entry types recorded in the journal.
const (
	EntryDeposit       = "deposit"
	EntryWithdrawal    = "withdrawal"
	EntryEscrowLock    = "escrow_lock"
	EntryEscrowRelease = "escrow_release"
	EntryEscrowReceive = "escrow_receive"
	EntryEscrowRefund  = "escrow_refund"
	EntryFee           = "fee"
	EntryAdjustment    = "adjustment"
)

// Wallet is a user's balance record.
type Wallet struct {
	ID        string          `json:"id"`
	Owner     string          `json:"owner"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Total returns available + locked.
func (w *Wallet) Total() decimal.Decimal {
	return w.Available.Add(w.Locked)
}

// BalanceState renders the wallet's balances as the JSON snapshot
// stored in audit before/after state fields.
func BalanceState(w *Wallet) string {
	b, _ := json.Marshal(map[string]string{
		"available": w.Available.StringFixed(2),
		"locked":    w.Locked.StringFixed(2),
	})
	return string(b)
}

// Entry is an append-only journal record of a balance change.
type Entry struct {
	ID          string          `json:"id"`
	Owner       string          `json:"owner"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// PendingPayout tracks a gateway payout whose outcome is not yet known.
// Funds are debited up front; reconciliation settles or reverts.
type PendingPayout struct {
	ID        string          `json:"id"`
	Owner     string          `json:"owner"`
	Amount    decimal.Decimal `json:"amount"`
	GatewayID string          `json:"gatewayId"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store persists wallets and their journal.
type Store interface {
	Create(ctx context.Context, owner, currency string) (*Wallet, error)
	Get(ctx context.Context, owner string) (*Wallet, error)
	// Credit adds to available. Idempotent per reference when reference is non-empty.
	Credit(ctx context.Context, owner string, amount decimal.Decimal, entryType, reference, description string) error
	// Debit removes from available, failing with ErrInsufficientFunds on overdraft.
	Debit(ctx context.Context, owner string, amount decimal.Decimal, entryType, reference, description string) error
	// DebitPending debits available and records a pending payout in one step.
	DebitPending(ctx context.Context, owner string, amount decimal.Decimal, payoutID, gatewayID string) error
	// SettlePending finalizes a pending payout (funds already debited).
	SettlePending(ctx context.Context, payoutID string) error
	// RevertPending returns a pending payout's funds to available.
	RevertPending(ctx context.Context, payoutID string) error
	// AttachGateway records the gateway's payout ID once the gateway
	// accepts the payout, so reconciliation can verify its outcome.
	AttachGateway(ctx context.Context, payoutID, gatewayID string) error
	ListPending(ctx context.Context) ([]*PendingPayout, error)
	SetStatus(ctx context.Context, owner, status string) error
	GetHistory(ctx context.Context, owner string, limit int) ([]*Entry, error)
	HasReference(ctx context.Context, reference string) (bool, error)
}
