package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealsafe/internal/idgen"
)

// MemoryStore implements Store in memory for demo/testing.
type MemoryStore struct {
	mu       sync.RWMutex
	wallets  map[string]*Wallet
	entries  []*Entry
	pending  map[string]*PendingPayout
	refs     map[string]bool
}

// NewMemoryStore creates an in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		pending: make(map[string]*PendingPayout),
		refs:    make(map[string]bool),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, owner, currency string) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[owner]; ok {
		return nil, ErrWalletExists
	}
	if currency == "" {
		currency = "USD"
	}
	now := time.Now()
	w := &Wallet{
		ID:        idgen.WithPrefix("wal_"),
		Owner:     owner,
		Available: decimal.Zero,
		Locked:    decimal.Zero,
		Currency:  currency,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.wallets[owner] = w
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) Get(_ context.Context, owner string) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[owner]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) Credit(_ context.Context, owner string, amount decimal.Decimal, entryType, reference, description string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if reference != "" && s.refs[reference] {
		return ErrDuplicateReference
	}
	w, ok := s.wallets[owner]
	if !ok {
		return ErrWalletNotFound
	}

	w.Available = w.Available.Add(amount)
	w.UpdatedAt = time.Now()
	s.appendEntry(owner, entryType, amount, reference, description)
	if reference != "" {
		s.refs[reference] = true
	}
	return nil
}

func (s *MemoryStore) Debit(_ context.Context, owner string, amount decimal.Decimal, entryType, reference, description string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[owner]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Status == StatusFrozen {
		return ErrWalletFrozen
	}
	if w.Available.LessThan(amount) {
		return ErrInsufficientFunds
	}

	w.Available = w.Available.Sub(amount)
	w.UpdatedAt = time.Now()
	s.appendEntry(owner, entryType, amount.Neg(), reference, description)
	return nil
}

func (s *MemoryStore) DebitPending(_ context.Context, owner string, amount decimal.Decimal, payoutID, gatewayID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[owner]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Status == StatusFrozen {
		return ErrWalletFrozen
	}
	if w.Available.LessThan(amount) {
		return ErrInsufficientFunds
	}

	w.Available = w.Available.Sub(amount)
	w.UpdatedAt = time.Now()
	s.pending[payoutID] = &PendingPayout{
		ID:        payoutID,
		Owner:     owner,
		Amount:    amount,
		GatewayID: gatewayID,
		CreatedAt: time.Now(),
	}
	s.appendEntry(owner, EntryWithdrawal, amount.Neg(), payoutID, "payout pending confirmation")
	return nil
}

func (s *MemoryStore) SettlePending(_ context.Context, payoutID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[payoutID]
	if !ok {
		return nil // already settled or reverted
	}
	delete(s.pending, payoutID)
	s.appendEntry(p.Owner, EntryWithdrawal, decimal.Zero, payoutID, "payout confirmed")
	return nil
}

func (s *MemoryStore) RevertPending(_ context.Context, payoutID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[payoutID]
	if !ok {
		return nil
	}
	w, ok := s.wallets[p.Owner]
	if !ok {
		return ErrWalletNotFound
	}
	w.Available = w.Available.Add(p.Amount)
	w.UpdatedAt = time.Now()
	delete(s.pending, payoutID)
	s.appendEntry(p.Owner, EntryAdjustment, p.Amount, payoutID, "payout failed, funds returned")
	return nil
}

func (s *MemoryStore) AttachGateway(_ context.Context, payoutID, gatewayID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[payoutID]
	if !ok {
		return nil
	}
	p.GatewayID = gatewayID
	return nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]*PendingPayout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*PendingPayout, 0, len(s.pending))
	for _, p := range s.pending {
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, owner, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[owner]
	if !ok {
		return ErrWalletNotFound
	}
	w.Status = status
	w.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, owner string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var result []*Entry
	for i := len(s.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if s.entries[i].Owner != owner {
			continue
		}
		cp := *s.entries[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) HasReference(_ context.Context, reference string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refs[reference], nil
}

// Adjust applies a signed delta to a wallet's available and locked buckets
// and records a journal entry, all under the store lock. Resulting buckets
// must be non-negative. Escrow settlement uses this to move funds between
// buckets and wallets; frozen status is not checked because settlement of
// an existing lock must not be blocked by a freeze.
func (s *MemoryStore) Adjust(owner string, dAvailable, dLocked decimal.Decimal, entryType, reference, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[owner]
	if !ok {
		return ErrWalletNotFound
	}
	newAvail := w.Available.Add(dAvailable)
	newLocked := w.Locked.Add(dLocked)
	if newAvail.IsNegative() || newLocked.IsNegative() {
		return ErrInsufficientFunds
	}

	w.Available = newAvail
	w.Locked = newLocked
	w.UpdatedAt = time.Now()

	// Journal the net change to the wallet total; bucket moves net to zero.
	s.appendEntry(owner, entryType, dAvailable.Add(dLocked), reference, description)
	return nil
}

// appendEntry must be called with s.mu held.
func (s *MemoryStore) appendEntry(owner, entryType string, amount decimal.Decimal, reference, description string) {
	s.entries = append(s.entries, &Entry{
		ID:          idgen.WithPrefix("ent_"),
		Owner:       owner,
		Type:        entryType,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}
