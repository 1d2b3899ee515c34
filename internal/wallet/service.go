package wallet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealsafe/internal/audit"
)

// Service exposes wallet queries and admin operations. Money movement
// into and out of the platform goes through the gateway package; escrow
// settlement goes through the escrow package. This service covers what
// remains: lookups, history, deposits by reference, and freezes.
type Service struct {
	store    Store
	auditLog audit.Logger
	logger   *slog.Logger
}

// NewService creates a wallet service.
func NewService(store Store, auditLog audit.Logger, logger *slog.Logger) *Service {
	return &Service{store: store, auditLog: auditLog, logger: logger}
}

// Store returns the underlying store, for packages that compose over it.
func (s *Service) Store() Store { return s.store }

// Ensure returns the owner's wallet, creating it on first touch.
func (s *Service) Ensure(ctx context.Context, owner string) (*Wallet, error) {
	w, err := s.store.Get(ctx, owner)
	if err == nil {
		return w, nil
	}
	if err != ErrWalletNotFound {
		return nil, err
	}
	w, err = s.store.Create(ctx, owner, "")
	if err == ErrWalletExists {
		// Lost a create race; the wallet is there now.
		return s.store.Get(ctx, owner)
	}
	return w, err
}

// Get returns the owner's wallet.
func (s *Service) Get(ctx context.Context, owner string) (*Wallet, error) {
	return s.store.Get(ctx, owner)
}

// GetHistory returns the owner's journal entries, newest first.
func (s *Service) GetHistory(ctx context.Context, owner string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.GetHistory(ctx, owner, limit)
}

// Deposit credits the owner's wallet, idempotent per reference.
// A replayed reference returns ErrDuplicateReference.
func (s *Service) Deposit(ctx context.Context, owner string, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if reference != "" {
		exists, err := s.store.HasReference(ctx, reference)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateReference
		}
	}

	before, err := s.Ensure(ctx, owner)
	if err != nil {
		return err
	}
	if err := s.store.Credit(ctx, owner, amount, EntryDeposit, reference, "deposit"); err != nil {
		return err
	}

	entry := &audit.Entry{
		Subject:     owner,
		Operation:   "wallet.deposit",
		Amount:      amount.StringFixed(2),
		Reference:   reference,
		BeforeState: BalanceState(before),
	}
	if after, err := s.store.Get(ctx, owner); err == nil {
		entry.AfterState = BalanceState(after)
	}
	if err := audit.Record(ctx, s.auditLog, entry); err != nil {
		s.logger.Warn("audit write failed", "op", "wallet.deposit", "error", err)
	}
	return nil
}

// Freeze blocks owner-initiated debits. Escrow settlement of existing
// locks is unaffected.
func (s *Service) Freeze(ctx context.Context, owner string) error {
	return s.setStatus(ctx, owner, StatusFrozen)
}

// Unfreeze restores normal operation.
func (s *Service) Unfreeze(ctx context.Context, owner string) error {
	return s.setStatus(ctx, owner, StatusActive)
}

func (s *Service) setStatus(ctx context.Context, owner, status string) error {
	if err := s.store.SetStatus(ctx, owner, status); err != nil {
		return fmt.Errorf("failed to set wallet status: %w", err)
	}
	if err := audit.Record(ctx, s.auditLog, &audit.Entry{
		Subject:     owner,
		Operation:   "wallet.status",
		Description: status,
	}); err != nil {
		s.logger.Warn("audit write failed", "op", "wallet.status", "error", err)
	}
	return nil
}
