package escrow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dealsafe/internal/audit"
	"github.com/mbd888/dealsafe/internal/dispute"
	"github.com/mbd888/dealsafe/internal/kyc"
	"github.com/mbd888/dealsafe/internal/notify"
	"github.com/mbd888/dealsafe/internal/order"
	"github.com/mbd888/dealsafe/internal/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type env struct {
	wallets  *wallet.MemoryStore
	orders   *order.MemoryStore
	disputes *dispute.MemoryStore
	store    *MemoryStore
	svc      *Service
	auditLog *audit.MemoryLogger
}

func defaultConfig() Config {
	return Config{
		FeePercent:          d("2.5"),
		AutoCompleteAfter:   7 * 24 * time.Hour,
		DisputeReviewAfter:  3 * 24 * time.Hour,
		RequireMutualCancel: true,
	}
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	wallets := wallet.NewMemoryStore()
	orders := order.NewMemoryStore()
	disputes := dispute.NewMemoryStore()
	store := NewMemoryStore(wallets, orders, disputes)
	auditLog := audit.NewMemoryLogger()
	tiers := kyc.NewStaticService(kyc.Limits{Tier1: d("200000")})
	emitter := notify.NewEmitter("", slog.Default())
	svc := NewService(store, disputes, tiers, cfg, auditLog, emitter, slog.Default())
	return &env{wallets: wallets, orders: orders, disputes: disputes, store: store, svc: svc, auditLog: auditLog}
}

func (e *env) seedWallet(t *testing.T, owner string, amount decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	_, err := e.wallets.Create(ctx, owner, "USD")
	require.NoError(t, err)
	if amount.IsPositive() {
		require.NoError(t, e.wallets.Credit(ctx, owner, amount, wallet.EntryDeposit, "", "seed"))
	}
}

func (e *env) seedOrder(t *testing.T, sellerID string, price decimal.Decimal) *order.Order {
	t.Helper()
	now := time.Now()
	o := &order.Order{
		ID:        "ord_" + sellerID + "_" + price.StringFixed(0),
		SellerID:  sellerID,
		Title:     "test item",
		Price:     price,
		Currency:  "USD",
		Status:    order.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, e.orders.Create(context.Background(), o))
	return o
}

// totalMoney sums available + locked across the given owners.
func (e *env) totalMoney(t *testing.T, owners ...string) decimal.Decimal {
	t.Helper()
	total := decimal.Zero
	for _, owner := range owners {
		w, err := e.wallets.Get(context.Background(), owner)
		if err == wallet.ErrWalletNotFound {
			continue
		}
		require.NoError(t, err)
		total = total.Add(w.Total())
	}
	return total
}

func TestPurchaseLocksFundsAndSnapshotsFee(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("100000"))
	o := e.seedOrder(t, "seller", d("100000"))

	res, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)

	assert.Equal(t, order.StatusInEscrow, res.Order.Status)
	assert.Equal(t, "buyer", res.Order.BuyerID)
	assert.NotNil(t, res.Order.EscrowLockedAt)
	assert.True(t, res.Lock.Amount.Equal(d("100000")))
	assert.True(t, res.Lock.PlatformFee.Equal(d("2500")), "2.5%% of 100000, got %s", res.Lock.PlatformFee)
	assert.Equal(t, LockOrderPayment, res.Lock.LockType)

	w, err := e.wallets.Get(ctx, "buyer")
	require.NoError(t, err)
	assert.True(t, w.Available.IsZero())
	assert.True(t, w.Locked.Equal(d("100000")))
}

func TestConfirmDeliveryPaysSellerMinusFee(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("100000"))
	e.seedWallet(t, "seller", decimal.Zero)
	o := e.seedOrder(t, "seller", d("100000"))

	before := e.totalMoney(t, "buyer", "seller", PlatformOwner)

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)

	res, err := e.svc.ConfirmDelivery(ctx, o.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, res.Order.Status)
	assert.NotNil(t, res.Lock.ReleasedAt)
	assert.Nil(t, res.Lock.RefundedAt)

	seller, _ := e.wallets.Get(ctx, "seller")
	assert.True(t, seller.Available.Equal(d("97500")), "seller gets amount minus fee, got %s", seller.Available)

	buyer, _ := e.wallets.Get(ctx, "buyer")
	assert.True(t, buyer.Available.IsZero())
	assert.True(t, buyer.Locked.IsZero())

	platform, _ := e.wallets.Get(ctx, PlatformOwner)
	assert.True(t, platform.Available.Equal(d("2500")))

	after := e.totalMoney(t, "buyer", "seller", PlatformOwner)
	assert.True(t, before.Equal(after), "money conserved: before %s after %s", before, after)
}

func TestConfirmDeliveryIdempotent(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("500.00"))
	o := e.seedOrder(t, "seller", d("500.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)

	first, err := e.svc.ConfirmDelivery(ctx, o.ID, "buyer")
	require.NoError(t, err)
	assert.False(t, first.AlreadySettled)

	second, err := e.svc.ConfirmDelivery(ctx, o.ID, "buyer")
	require.NoError(t, err, "confirming a completed order is a no-op success")
	assert.True(t, second.AlreadySettled)

	// Only one credit happened.
	seller, _ := e.wallets.Get(ctx, "seller")
	assert.True(t, seller.Available.Equal(d("487.50")), "got %s", seller.Available)
}

func TestConfirmDeliveryRequiresBuyer(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("100.00"))
	o := e.seedOrder(t, "seller", d("100.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)

	_, err = e.svc.ConfirmDelivery(ctx, o.ID, "seller")
	assert.ErrorIs(t, err, ErrNotBuyer)
}

func TestDisputeResolvedBuyerRefundsInFull(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("100000"))
	o := e.seedOrder(t, "seller", d("100000"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)

	dsp, err := e.svc.RaiseDispute(ctx, o.ID, "buyer", dispute.ReasonNotDelivered, "never arrived")
	require.NoError(t, err)

	got, err := e.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusDisputed, got.Status)

	l, err := e.svc.GetLock(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, LockDisputeHold, l.LockType)

	res, err := e.svc.ResolveDispute(ctx, dsp.ID, ResolveBuyer, "admin-1", "seller unresponsive", nil)
	require.NoError(t, err)

	assert.Equal(t, order.StatusCancelled, res.Order.Status)
	assert.NotNil(t, res.Lock.RefundedAt)
	assert.Nil(t, res.Lock.ReleasedAt)

	buyer, _ := e.wallets.Get(ctx, "buyer")
	assert.True(t, buyer.Available.Equal(d("100000")), "full refund, fee included, got %s", buyer.Available)
	assert.True(t, buyer.Locked.IsZero())

	// Seller and platform receive nothing.
	_, err = e.wallets.Get(ctx, "seller")
	assert.ErrorIs(t, err, wallet.ErrWalletNotFound)

	resolved, err := e.disputes.Get(ctx, dsp.ID)
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusResolvedBuyer, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)
}

func TestDisputeResolvedSeller(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("1000.00"))
	o := e.seedOrder(t, "seller", d("1000.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)

	dsp, err := e.svc.RaiseDispute(ctx, o.ID, "seller", dispute.ReasonPaymentIssue, "")
	require.NoError(t, err)

	res, err := e.svc.ResolveDispute(ctx, dsp.ID, ResolveSeller, "admin-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, res.Order.Status)

	seller, _ := e.wallets.Get(ctx, "seller")
	assert.True(t, seller.Available.Equal(d("975.00")), "got %s", seller.Available)
}

func TestDisputeResolvedSplit(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("1000.00"))
	o := e.seedOrder(t, "seller", d("1000.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)

	dsp, err := e.svc.RaiseDispute(ctx, o.ID, "buyer", dispute.ReasonDamaged, "half the goods unusable")
	require.NoError(t, err)

	// fee = 25.00, so shares must sum to 975.00
	shares := &SplitShares{BuyerShare: d("500.00"), SellerShare: d("475.00")}
	res, err := e.svc.ResolveDispute(ctx, dsp.ID, ResolveSplit, "admin-1", "partial damage", shares)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, res.Order.Status)

	buyer, _ := e.wallets.Get(ctx, "buyer")
	assert.True(t, buyer.Available.Equal(d("500.00")))
	seller, _ := e.wallets.Get(ctx, "seller")
	assert.True(t, seller.Available.Equal(d("475.00")))
	platform, _ := e.wallets.Get(ctx, PlatformOwner)
	assert.True(t, platform.Available.Equal(d("25.00")))
}

func TestSplitMustConserveAmount(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("1000.00"))
	o := e.seedOrder(t, "seller", d("1000.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)

	dsp, err := e.svc.RaiseDispute(ctx, o.ID, "buyer", dispute.ReasonOther, "")
	require.NoError(t, err)

	bad := &SplitShares{BuyerShare: d("500.00"), SellerShare: d("500.00")} // +fee > amount
	_, err = e.svc.ResolveDispute(ctx, dsp.ID, ResolveSplit, "admin-1", "", bad)
	assert.ErrorIs(t, err, ErrBadSplit)

	// Nothing moved and the dispute stays open.
	buyer, _ := e.wallets.Get(ctx, "buyer")
	assert.True(t, buyer.Locked.Equal(d("1000.00")))
	still, err := e.disputes.Get(ctx, dsp.ID)
	require.NoError(t, err)
	assert.False(t, still.Status.Resolved())
}

func TestSweepAutoCompletesOnce(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("200.00"))
	o := e.seedOrder(t, "seller", d("200.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)

	// Backdate the lock past the threshold.
	got, err := e.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	old := time.Now().Add(-8 * 24 * time.Hour)
	got.EscrowLockedAt = &old
	require.NoError(t, e.orders.Update(ctx, got))

	sweeper := NewSweeper(e.svc, e.orders, 7*24*time.Hour, time.Hour, slog.Default())

	completed, failed := sweeper.Sweep(ctx)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, failed)

	// Re-running the sweep is a no-op; the order is no longer IN_ESCROW.
	completed, failed = sweeper.Sweep(ctx)
	assert.Equal(t, 0, completed)
	assert.Equal(t, 0, failed)

	seller, _ := e.wallets.Get(ctx, "seller")
	assert.True(t, seller.Available.Equal(d("195.00")))
}

func TestSelfTradeRejected(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "seller", d("100000"))
	o := e.seedOrder(t, "seller", d("100.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "seller")
	assert.ErrorIs(t, err, ErrSelfTrade)

	got, err := e.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusActive, got.Status)

	w, _ := e.wallets.Get(ctx, "seller")
	assert.True(t, w.Available.Equal(d("100000")), "no state change on rejection")
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("99.99"))
	o := e.seedOrder(t, "seller", d("100.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	assert.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	got, _ := e.orders.Get(ctx, o.ID)
	assert.Equal(t, order.StatusActive, got.Status, "order must stay purchasable")
	_, err = e.svc.GetLock(ctx, o.ID)
	assert.ErrorIs(t, err, ErrLockNotFound)
}

func TestPurchaseTierLimit(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("500000"))
	o := e.seedOrder(t, "seller", d("300000")) // above the 200000 tier-1 limit

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	assert.ErrorIs(t, err, kyc.ErrTierLimitExceeded)
}

func TestPurchaseNonActiveOrder(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("1000.00"))
	e.seedWallet(t, "buyer2", d("1000.00"))
	o := e.seedOrder(t, "seller", d("100.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)

	_, err = e.svc.Purchase(ctx, o.ID, "buyer2")
	assert.ErrorIs(t, err, ErrOrderNotAvailable)
}

func TestFeeSnapshotImmutable(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("1000.00"))
	o := e.seedOrder(t, "seller", d("1000.00"))

	res, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)
	assert.True(t, res.Lock.PlatformFee.Equal(d("25.00")))

	// A fee change after lock creation must not touch the open lock.
	e.svc.cfg.FeePercent = d("10")

	out, err := e.svc.ConfirmDelivery(ctx, o.ID, "buyer")
	require.NoError(t, err)
	assert.True(t, out.Lock.PlatformFee.Equal(d("25.00")))

	seller, _ := e.wallets.Get(ctx, "seller")
	assert.True(t, seller.Available.Equal(d("975.00")), "payout uses the snapshotted fee")
}

func TestMutualCancelHandshake(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("300.00"))
	o := e.seedOrder(t, "seller", d("300.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)

	// First consent: no refund yet.
	res, err := e.svc.Cancel(ctx, o.ID, "buyer")
	require.NoError(t, err)
	assert.Nil(t, res.Lock)
	assert.True(t, res.Order.BuyerCancelRequested)

	buyer, _ := e.wallets.Get(ctx, "buyer")
	assert.True(t, buyer.Locked.Equal(d("300.00")), "funds stay locked on first consent")

	// Second consent triggers the refund.
	res, err = e.svc.Cancel(ctx, o.ID, "seller")
	require.NoError(t, err)
	require.NotNil(t, res.Lock)
	assert.Equal(t, order.StatusCancelled, res.Order.Status)
	assert.NotNil(t, res.Lock.RefundedAt)

	buyer, _ = e.wallets.Get(ctx, "buyer")
	assert.True(t, buyer.Available.Equal(d("300.00")))
	assert.True(t, buyer.Locked.IsZero())
}

func TestCancelRejectsStranger(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("100.00"))
	o := e.seedOrder(t, "seller", d("100.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)

	_, err = e.svc.Cancel(ctx, o.ID, "rando")
	assert.ErrorIs(t, err, ErrNotParty)
}

func TestUnilateralCancelPolicy(t *testing.T) {
	cfg := defaultConfig()
	cfg.RequireMutualCancel = false
	cfg.AllowBuyerCancel = true
	e := newEnv(t, cfg)
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("100.00"))
	o := e.seedOrder(t, "seller", d("100.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)

	res, err := e.svc.Cancel(ctx, o.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, res.Order.Status)

	// Seller cancel is not allowed under this policy.
	o2 := e.seedOrder(t, "seller", d("50.00"))
	require.NoError(t, e.wallets.Credit(ctx, "buyer", d("50.00"), wallet.EntryDeposit, "", "top-up"))
	_, err = e.svc.Purchase(ctx, o2.ID, "buyer")
	require.NoError(t, err)

	_, err = e.svc.Cancel(ctx, o2.ID, "seller")
	assert.ErrorIs(t, err, ErrCancelNotAgreed)
}

func TestDuplicateDisputeRejected(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("100.00"))
	o := e.seedOrder(t, "seller", d("100.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)

	_, err = e.svc.RaiseDispute(ctx, o.ID, "buyer", dispute.ReasonNotDelivered, "")
	require.NoError(t, err)

	_, err = e.svc.RaiseDispute(ctx, o.ID, "seller", dispute.ReasonPaymentIssue, "")
	var itErr *order.IllegalTransitionError
	assert.ErrorAs(t, err, &itErr, "order already DISPUTED")
}

func TestResolveDisputeTwiceRejected(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("100.00"))
	o := e.seedOrder(t, "seller", d("100.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)
	dsp, err := e.svc.RaiseDispute(ctx, o.ID, "buyer", dispute.ReasonOther, "")
	require.NoError(t, err)

	_, err = e.svc.ResolveDispute(ctx, dsp.ID, ResolveBuyer, "admin-1", "", nil)
	require.NoError(t, err)

	_, err = e.svc.ResolveDispute(ctx, dsp.ID, ResolveSeller, "admin-2", "", nil)
	assert.ErrorIs(t, err, dispute.ErrDisputeClosed)
}

func TestConcurrentCompletionRace(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("1000.00"))
	o := e.seedOrder(t, "seller", d("1000.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var settledCount int64
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		manual := i%2 == 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			var res *Result
			var err error
			if manual {
				res, err = e.svc.ConfirmDelivery(ctx, o.ID, "buyer")
			} else {
				res, err = e.svc.AutoComplete(ctx, o.ID)
			}
			if err != nil {
				t.Errorf("completion failed: %v", err)
				return
			}
			if !res.AlreadySettled {
				mu.Lock()
				settledCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, settledCount, "exactly one caller performs the transition")

	seller, _ := e.wallets.Get(ctx, "seller")
	assert.True(t, seller.Available.Equal(d("975.00")), "exactly one credit, got %s", seller.Available)

	got, _ := e.orders.Get(ctx, o.ID)
	assert.Equal(t, order.StatusCompleted, got.Status)
}

func TestConcurrentPurchaseSingleWinner(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	o := e.seedOrder(t, "seller", d("100.00"))
	buyers := []string{"b1", "b2", "b3", "b4", "b5"}
	for _, b := range buyers {
		e.seedWallet(t, b, d("100.00"))
	}

	var wg sync.WaitGroup
	var wins int64
	var mu sync.Mutex
	for _, b := range buyers {
		buyer := b
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.svc.Purchase(ctx, o.ID, buyer); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins, "exactly one buyer wins the order")

	held, err := e.store.HeldTotal(ctx)
	require.NoError(t, err)
	assert.True(t, held.Equal(d("100.00")), "exactly one lock exists")
}

func TestAuditTrailWritten(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("100.00"))
	o := e.seedOrder(t, "seller", d("100.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)
	_, err = e.svc.ConfirmDelivery(ctx, o.ID, "buyer")
	require.NoError(t, err)

	entries, err := e.auditLog.Query(ctx, o.ID, time.Time{}, time.Now().Add(time.Minute), "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "escrow.release", entries[0].Operation)
	assert.Equal(t, "escrow.purchase", entries[1].Operation)
}

func TestAutoCompleteAttributedToSystem(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("100.00"))
	o := e.seedOrder(t, "seller", d("100.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)

	_, err = e.svc.AutoComplete(ctx, o.ID)
	require.NoError(t, err)

	entries, err := e.auditLog.Query(ctx, o.ID, time.Time{}, time.Now().Add(time.Minute), "escrow.release", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "system", entries[0].ActorType)
	assert.Equal(t, "auto-complete", entries[0].ActorID)
}

func TestFrozenBuyerCannotPurchase(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("100.00"))
	require.NoError(t, e.wallets.SetStatus(ctx, "buyer", wallet.StatusFrozen))
	o := e.seedOrder(t, "seller", d("100.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	assert.ErrorIs(t, err, wallet.ErrWalletFrozen)
}

func TestFlagOverdueDisputes(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("100.00"))
	o := e.seedOrder(t, "seller", d("100.00"))
	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)

	dsp, err := e.svc.RaiseDispute(ctx, o.ID, "buyer", dispute.ReasonNotDelivered, "never arrived")
	require.NoError(t, err)

	// Still inside the review window: nothing to flag.
	flagged, err := e.svc.FlagOverdueDisputes(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, flagged)

	got, _ := e.disputes.Get(ctx, dsp.ID)
	assert.Equal(t, dispute.StatusOpen, got.Status)

	// Past the deadline the dispute is promoted, exactly once.
	overdue := time.Now().Add(defaultConfig().DisputeReviewAfter + time.Hour)
	flagged, err = e.svc.FlagOverdueDisputes(ctx, overdue)
	require.NoError(t, err)
	assert.Equal(t, 1, flagged)

	got, _ = e.disputes.Get(ctx, dsp.ID)
	assert.Equal(t, dispute.StatusUnderReview, got.Status)

	flagged, err = e.svc.FlagOverdueDisputes(ctx, overdue)
	require.NoError(t, err)
	assert.Equal(t, 0, flagged)
}

func TestAuditRecordsBalanceSnapshots(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("100.00"))
	o := e.seedOrder(t, "seller", d("100.00"))

	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)
	_, err = e.svc.ConfirmDelivery(ctx, o.ID, "buyer")
	require.NoError(t, err)

	entries, err := e.auditLog.Query(ctx, o.ID, time.Time{}, time.Now().Add(time.Minute), "escrow.purchase", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotEmpty(t, entries[0].BeforeState)
	require.NotEmpty(t, entries[0].AfterState)

	var before, after StateSnapshot
	require.NoError(t, json.Unmarshal([]byte(entries[0].BeforeState), &before))
	require.NoError(t, json.Unmarshal([]byte(entries[0].AfterState), &after))

	assert.Equal(t, string(order.StatusActive), before.OrderStatus)
	assert.Equal(t, string(order.StatusInEscrow), after.OrderStatus)
	require.Len(t, before.Balances, 1)
	assert.Equal(t, "buyer", before.Balances[0].Owner)
	assert.Equal(t, "100.00", before.Balances[0].Available)
	assert.Equal(t, "0.00", before.Balances[0].Locked)
	require.Len(t, after.Balances, 1)
	assert.Equal(t, "0.00", after.Balances[0].Available)
	assert.Equal(t, "100.00", after.Balances[0].Locked)

	// Release snapshots cover every wallet the settlement touched.
	entries, err = e.auditLog.Query(ctx, o.ID, time.Time{}, time.Now().Add(time.Minute), "escrow.release", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, json.Unmarshal([]byte(entries[0].AfterState), &after))

	byOwner := map[string]BalanceSnapshot{}
	for _, b := range after.Balances {
		byOwner[b.Owner] = b
	}
	assert.Equal(t, string(order.StatusCompleted), after.OrderStatus)
	assert.Equal(t, "97.50", byOwner["seller"].Available)
	assert.Equal(t, "2.50", byOwner[PlatformOwner].Available)
	assert.Equal(t, "0.00", byOwner["buyer"].Locked)
}

func TestResolveDisputeAfterSettlementRace(t *testing.T) {
	e := newEnv(t, defaultConfig())
	ctx := context.Background()

	e.seedWallet(t, "buyer", d("100.00"))
	o := e.seedOrder(t, "seller", d("100.00"))
	_, err := e.svc.Purchase(ctx, o.ID, "buyer")
	require.NoError(t, err)
	dsp, err := e.svc.RaiseDispute(ctx, o.ID, "buyer", dispute.ReasonNotDelivered, "never arrived")
	require.NoError(t, err)

	_, err = e.svc.ResolveDispute(ctx, dsp.ID, ResolveBuyer, "admin-1", "refund", nil)
	require.NoError(t, err)

	// Simulate a second admin whose status pre-check read the dispute
	// before the first resolution committed.
	stale, err := e.disputes.Get(ctx, dsp.ID)
	require.NoError(t, err)
	stale.Status = dispute.StatusOpen
	stale.ResolvedAt = nil
	require.NoError(t, e.disputes.Update(ctx, stale))

	_, err = e.svc.ResolveDispute(ctx, dsp.ID, ResolveSeller, "admin-2", "pay seller", nil)
	assert.ErrorIs(t, err, dispute.ErrDisputeClosed)

	// The first resolution's settlement stands untouched.
	buyer, _ := e.wallets.Get(ctx, "buyer")
	assert.True(t, buyer.Available.Equal(d("100.00")))
	_, err = e.wallets.Get(ctx, "seller")
	assert.ErrorIs(t, err, wallet.ErrWalletNotFound)
}
