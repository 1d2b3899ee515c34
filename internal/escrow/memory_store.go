package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealsafe/internal/dispute"
	"github.com/mbd888/dealsafe/internal/idgen"
	"github.com/mbd888/dealsafe/internal/order"
	"github.com/mbd888/dealsafe/internal/wallet"
)

// MemoryStore implements Store over the in-memory wallet, order, and
// dispute stores. A single outer mutex serializes every settlement, so
// each operation is observed atomically; the wallet store's Adjust is
// the only fallible mutation and runs before any other write.
type MemoryStore struct {
	mu       sync.Mutex
	wallets  *wallet.MemoryStore
	orders   *order.MemoryStore
	disputes *dispute.MemoryStore
	locks    map[string]*Lock // keyed by order ID
}

// NewMemoryStore creates a composite in-memory escrow store.
func NewMemoryStore(wallets *wallet.MemoryStore, orders *order.MemoryStore, disputes *dispute.MemoryStore) *MemoryStore {
	return &MemoryStore{
		wallets:  wallets,
		orders:   orders,
		disputes: disputes,
		locks:    make(map[string]*Lock),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) GetLock(_ context.Context, orderID string) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[orderID]
	if !ok {
		return nil, ErrLockNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	return s.orders.Get(ctx, orderID)
}

func (s *MemoryStore) Purchase(ctx context.Context, orderID, buyerID string, fee decimal.Decimal) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.SellerID == buyerID {
		return nil, ErrSelfTrade
	}
	if _, exists := s.locks[orderID]; exists {
		return nil, ErrOrderNotAvailable
	}
	before := s.snapshot(ctx, o.Status, buyerID)

	now := time.Now()
	if err := o.Apply(order.EventPurchase, now); err != nil {
		return nil, ErrOrderNotAvailable
	}
	o.BuyerID = buyerID

	w, err := s.wallets.Get(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	if w.Status == wallet.StatusFrozen {
		return nil, wallet.ErrWalletFrozen
	}

	// The only fallible mutation; nothing is written before it.
	if err := s.wallets.Adjust(buyerID, o.Price.Neg(), o.Price, wallet.EntryEscrowLock, orderID, "escrow lock"); err != nil {
		return nil, err
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
	s.locks[orderID] = l

	if err := s.orders.Update(ctx, o); err != nil {
		return nil, err
	}

	cp := *l
	return &Result{Lock: &cp, Order: o, Before: before, After: s.snapshot(ctx, o.Status, buyerID)}, nil
}

func (s *MemoryStore) Release(ctx context.Context, orderID string, event order.Event, d *dispute.Dispute) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[orderID]
	if !ok {
		return nil, ErrLockNotFound
	}
	if l.Closed() {
		return s.settledResult(ctx, l, orderID)
	}

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	before := s.snapshot(ctx, o.Status, l.WalletOwner, o.SellerID, PlatformOwner)

	now := time.Now()
	if err := o.Apply(event, now); err != nil {
		return nil, err
	}

	payout := l.Amount.Sub(l.PlatformFee)
	if payout.IsNegative() {
		return nil, &IntegrityError{Op: "release", OrderID: orderID,
			Err: fmt.Errorf("fee %s exceeds locked amount %s", l.PlatformFee, l.Amount)}
	}

	if err := s.wallets.Adjust(l.WalletOwner, decimal.Zero, l.Amount.Neg(), wallet.EntryEscrowRelease, orderID, "escrow released to seller"); err != nil {
		return nil, err
	}
	s.ensureWallet(ctx, o.SellerID)
	if err := s.wallets.Adjust(o.SellerID, payout, decimal.Zero, wallet.EntryEscrowReceive, orderID, "escrow payment received"); err != nil {
		return nil, err
	}
	if l.PlatformFee.IsPositive() {
		s.ensureWallet(ctx, PlatformOwner)
		if err := s.wallets.Adjust(PlatformOwner, l.PlatformFee, decimal.Zero, wallet.EntryFee, orderID, "platform fee"); err != nil {
			return nil, err
		}
	}

	l.ReleasedAt = &now
	if err := s.finish(ctx, o, d); err != nil {
		return nil, err
	}

	cp := *l
	after := s.snapshot(ctx, o.Status, l.WalletOwner, o.SellerID, PlatformOwner)
	return &Result{Lock: &cp, Order: o, Before: before, After: after}, nil
}

func (s *MemoryStore) Refund(ctx context.Context, orderID string, event order.Event, d *dispute.Dispute) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[orderID]
	if !ok {
		return nil, ErrLockNotFound
	}
	if l.Closed() {
		return s.settledResult(ctx, l, orderID)
	}

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	before := s.snapshot(ctx, o.Status, l.WalletOwner)

	now := time.Now()
	if err := o.Apply(event, now); err != nil {
		return nil, err
	}

	// Full refund, fee included; the fee was never collected.
	if err := s.wallets.Adjust(l.WalletOwner, l.Amount, l.Amount.Neg(), wallet.EntryEscrowRefund, orderID, "escrow refunded"); err != nil {
		return nil, err
	}

	l.RefundedAt = &now
	if err := s.finish(ctx, o, d); err != nil {
		return nil, err
	}

	cp := *l
	return &Result{Lock: &cp, Order: o, Before: before, After: s.snapshot(ctx, o.Status, l.WalletOwner)}, nil
}

func (s *MemoryStore) Split(ctx context.Context, orderID string, buyerShare, sellerShare decimal.Decimal, d *dispute.Dispute) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[orderID]
	if !ok {
		return nil, ErrLockNotFound
	}
	if l.Closed() {
		return s.settledResult(ctx, l, orderID)
	}
	if buyerShare.IsNegative() || sellerShare.IsNegative() ||
		!buyerShare.Add(sellerShare).Add(l.PlatformFee).Equal(l.Amount) {
		return nil, ErrBadSplit
	}

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	before := s.snapshot(ctx, o.Status, l.WalletOwner, o.SellerID, PlatformOwner)

	now := time.Now()
	if err := o.Apply(order.EventResolveSplit, now); err != nil {
		return nil, err
	}

	if err := s.wallets.Adjust(l.WalletOwner, buyerShare, l.Amount.Neg(), wallet.EntryEscrowRefund, orderID, "dispute split, buyer share"); err != nil {
		return nil, err
	}
	if sellerShare.IsPositive() {
		s.ensureWallet(ctx, o.SellerID)
		if err := s.wallets.Adjust(o.SellerID, sellerShare, decimal.Zero, wallet.EntryEscrowReceive, orderID, "dispute split, seller share"); err != nil {
			return nil, err
		}
	}
	if l.PlatformFee.IsPositive() {
		s.ensureWallet(ctx, PlatformOwner)
		if err := s.wallets.Adjust(PlatformOwner, l.PlatformFee, decimal.Zero, wallet.EntryFee, orderID, "platform fee"); err != nil {
			return nil, err
		}
	}

	l.ReleasedAt = &now
	if err := s.finish(ctx, o, d); err != nil {
		return nil, err
	}

	cp := *l
	after := s.snapshot(ctx, o.Status, l.WalletOwner, o.SellerID, PlatformOwner)
	return &Result{Lock: &cp, Order: o, Before: before, After: after}, nil
}

func (s *MemoryStore) OpenDispute(ctx context.Context, d *dispute.Dispute) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[d.OrderID]
	if !ok {
		return nil, ErrLockNotFound
	}

	o, err := s.orders.Get(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	before := s.snapshot(ctx, o.Status, l.WalletOwner)
	if err := o.Apply(order.EventDispute, time.Now()); err != nil {
		return nil, err
	}

	if err := s.disputes.Create(ctx, d); err != nil {
		return nil, err
	}
	l.LockType = LockDisputeHold
	if err := s.orders.Update(ctx, o); err != nil {
		return nil, err
	}

	cp := *l
	return &Result{Lock: &cp, Order: o, Before: before, After: s.snapshot(ctx, o.Status, l.WalletOwner)}, nil
}

func (s *MemoryStore) SetCancelRequested(ctx context.Context, orderID string, byBuyer bool) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if byBuyer {
		o.BuyerCancelRequested = true
	} else {
		o.SellerCancelRequested = true
	}
	o.UpdatedAt = time.Now()
	if err := s.orders.Update(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *MemoryStore) HeldTotal(_ context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := decimal.Zero
	for _, l := range s.locks {
		if !l.Closed() {
			total = total.Add(l.Amount)
		}
	}
	return total, nil
}

// settledResult returns the existing terminal state as a no-op success.
func (s *MemoryStore) settledResult(ctx context.Context, l *Lock, orderID string) (*Result, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	cp := *l
	return &Result{Lock: &cp, Order: o, AlreadySettled: true}, nil
}

// finish persists the order transition and optional dispute update.
func (s *MemoryStore) finish(ctx context.Context, o *order.Order, d *dispute.Dispute) error {
	if d != nil {
		if err := s.disputes.Update(ctx, d); err != nil {
			return err
		}
	}
	return s.orders.Update(ctx, o)
}

// snapshot reads the given wallets' balances under the store mutex.
// A wallet that does not exist yet reads as zero, so before/after
// pairs line up when settlement creates a wallet mid-operation.
func (s *MemoryStore) snapshot(ctx context.Context, status order.Status, owners ...string) *StateSnapshot {
	snap := &StateSnapshot{OrderStatus: string(status)}
	seen := make(map[string]bool, len(owners))
	for _, owner := range owners {
		if owner == "" || seen[owner] {
			continue
		}
		seen[owner] = true
		b := BalanceSnapshot{Owner: owner, Available: "0.00", Locked: "0.00"}
		if w, err := s.wallets.Get(ctx, owner); err == nil {
			b.Available = w.Available.StringFixed(2)
			b.Locked = w.Locked.StringFixed(2)
		}
		snap.Balances = append(snap.Balances, b)
	}
	return snap
}

func (s *MemoryStore) ensureWallet(ctx context.Context, owner string) {
	if _, err := s.wallets.Get(ctx, owner); err == wallet.ErrWalletNotFound {
		_, _ = s.wallets.Create(ctx, owner, "")
	}
}
