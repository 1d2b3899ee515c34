package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealsafe/internal/audit"
	"github.com/mbd888/dealsafe/internal/dispute"
	"github.com/mbd888/dealsafe/internal/idgen"
	"github.com/mbd888/dealsafe/internal/kyc"
	"github.com/mbd888/dealsafe/internal/metrics"
	"github.com/mbd888/dealsafe/internal/money"
	"github.com/mbd888/dealsafe/internal/notify"
	"github.com/mbd888/dealsafe/internal/order"
	"github.com/mbd888/dealsafe/internal/retry"
	"github.com/mbd888/dealsafe/internal/syncutil"
	"github.com/mbd888/dealsafe/internal/traces"
)

// Resolution kinds for dispute decisions.
const (
	ResolveSeller = "seller"
	ResolveBuyer  = "buyer"
	ResolveSplit  = "split"
)

var ErrUnknownResolution = errors.New("unknown dispute resolution kind")

// Config is the escrow service's injected configuration. Values are
// read once at construction; the fee percentage is snapshotted into
// each lock at purchase time, so later changes never affect open locks.
type Config struct {
	FeePercent          decimal.Decimal
	AutoCompleteAfter   time.Duration
	DisputeReviewAfter  time.Duration
	AllowBuyerCancel    bool
	AllowSellerCancel   bool
	RequireMutualCancel bool
}

// Service orchestrates every money-moving operation. It is the sole
// writer of wallets and escrow locks; operations on the same order are
// serialized through a per-order mutex, and transient storage conflicts
// are retried a bounded number of times.
type Service struct {
	store    Store
	disputes dispute.Store
	tiers    kyc.TierService
	cfg      Config
	auditLog audit.Logger
	emitter  *notify.Emitter
	logger   *slog.Logger

	orderLocks syncutil.ShardedMutex

	maxRetries int
	retryDelay time.Duration
}

// NewService creates an escrow service.
func NewService(store Store, disputes dispute.Store, tiers kyc.TierService, cfg Config,
	auditLog audit.Logger, emitter *notify.Emitter, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		disputes:   disputes,
		tiers:      tiers,
		cfg:        cfg,
		auditLog:   auditLog,
		emitter:    emitter,
		logger:     logger,
		maxRetries: 3,
		retryDelay: 25 * time.Millisecond,
	}
}

// GetLock returns the escrow lock for an order.
func (s *Service) GetLock(ctx context.Context, orderID string) (*Lock, error) {
	return s.store.GetLock(ctx, orderID)
}

// Purchase locks the buyer's funds against the order. The platform fee
// is computed from the current configured percentage and frozen into
// the lock.
func (s *Service) Purchase(ctx context.Context, orderID, buyerID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.purchase",
		traces.OrderID(orderID), traces.WalletOwner(buyerID))
	defer span.End()

	unlock := s.orderLocks.Lock(orderID)
	defer unlock()

	res, err := s.doPurchase(ctx, orderID, buyerID)
	if err != nil {
		metrics.PurchasesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.PurchasesTotal.WithLabelValues("ok").Inc()
	s.updateHeldGauge(ctx)

	s.audit(ctx, orderID, "escrow.purchase", res.Lock.Amount, "", res)
	s.emitter.OrderPurchased(orderID, buyerID, res.Order.SellerID, money.Format(res.Lock.Amount))
	s.logger.Info("escrow locked",
		"order_id", orderID, "buyer", buyerID,
		"amount", money.Format(res.Lock.Amount), "fee", money.Format(res.Lock.PlatformFee))
	return res, nil
}

func (s *Service) doPurchase(ctx context.Context, orderID, buyerID string) (*Result, error) {
	var res *Result
	err := s.withRetry(ctx, func() error {
		fee, err := s.purchaseFee(ctx, orderID, buyerID)
		if err != nil {
			return err
		}
		res, err = s.store.Purchase(ctx, orderID, buyerID, fee)
		return err
	})
	return res, err
}

// purchaseFee pre-validates the purchase and computes the fee snapshot.
// The store re-validates inside its transaction; this pass exists to
// reject cheap failures before money is touched and to run the tier
// check outside the transaction scope.
func (s *Service) purchaseFee(ctx context.Context, orderID, buyerID string) (decimal.Decimal, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	if o.SellerID == buyerID {
		return decimal.Zero, ErrSelfTrade
	}
	if o.Status != order.StatusActive && o.Status != order.StatusPendingPayment {
		return decimal.Zero, ErrOrderNotAvailable
	}
	if err := s.tiers.CheckPurchase(ctx, buyerID, o.Price); err != nil {
		return decimal.Zero, err
	}
	return money.Fee(o.Price, s.cfg.FeePercent), nil
}

// ConfirmDelivery is the buyer's manual completion. Confirming an
// already-completed order is a no-op success, not an error: manual
// confirmation and the auto-complete sweep can race on the same order.
func (s *Service) ConfirmDelivery(ctx context.Context, orderID, callerID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.confirm_delivery",
		traces.OrderID(orderID), traces.Trigger("manual"))
	defer span.End()

	unlock := s.orderLocks.Lock(orderID)
	defer unlock()

	l, err := s.store.GetLock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if l.WalletOwner != callerID {
		return nil, ErrNotBuyer
	}

	return s.release(ctx, orderID, order.EventConfirm, nil, "manual")
}

// AutoComplete is the scheduler's system-identity completion, invoked
// when the order has sat in escrow past the configured threshold.
func (s *Service) AutoComplete(ctx context.Context, orderID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.auto_complete",
		traces.OrderID(orderID), traces.Trigger("auto"))
	defer span.End()

	ctx = audit.WithActor(ctx, "system", "auto-complete")

	unlock := s.orderLocks.Lock(orderID)
	defer unlock()

	return s.release(ctx, orderID, order.EventAutoComplete, nil, "auto")
}

// release runs the shared completion path for manual confirmation,
// auto-completion, and seller-favor dispute resolution.
func (s *Service) release(ctx context.Context, orderID string, event order.Event, d *dispute.Dispute, trigger string) (*Result, error) {
	var res *Result
	err := s.withRetry(ctx, func() error {
		var err error
		res, err = s.store.Release(ctx, orderID, event, d)
		return err
	})
	if err != nil {
		s.logFatalIfIntegrity(err, "release", orderID)
		return nil, err
	}
	if res.AlreadySettled {
		return res, nil
	}

	metrics.CompletionsTotal.WithLabelValues(trigger).Inc()
	metrics.EscrowDuration.Observe(time.Since(res.Lock.LockedAt).Seconds())
	s.updateHeldGauge(ctx)

	payout := res.Lock.Amount.Sub(res.Lock.PlatformFee)
	s.audit(ctx, orderID, "escrow.release", payout, trigger, res)
	s.emitter.OrderCompleted(orderID, trigger, money.Format(payout))
	s.logger.Info("escrow released",
		"order_id", orderID, "trigger", trigger,
		"payout", money.Format(payout), "fee", money.Format(res.Lock.PlatformFee))
	return res, nil
}

// Cancel refunds the buyer under the configured cancellation policy.
// With mutual consent required, each party's call records its consent;
// the refund fires once both have agreed.
func (s *Service) Cancel(ctx context.Context, orderID, requesterID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.cancel", traces.OrderID(orderID))
	defer span.End()

	unlock := s.orderLocks.Lock(orderID)
	defer unlock()

	l, err := s.store.GetLock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if l.Closed() {
		// Settled already; report the terminal state as-is.
		return s.refund(ctx, orderID, order.EventCancel, nil)
	}

	isBuyer := requesterID == l.WalletOwner
	if !isBuyer {
		o, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if requesterID != o.SellerID {
			return nil, ErrNotParty
		}
	}

	if !s.cfg.RequireMutualCancel {
		if isBuyer && !s.cfg.AllowBuyerCancel {
			return nil, ErrCancelNotAgreed
		}
		if !isBuyer && !s.cfg.AllowSellerCancel {
			return nil, ErrCancelNotAgreed
		}
		return s.refund(ctx, orderID, order.EventCancel, nil)
	}

	o, err := s.store.SetCancelRequested(ctx, orderID, isBuyer)
	if err != nil {
		return nil, err
	}
	if !(o.BuyerCancelRequested && o.SellerCancelRequested) {
		// First consent recorded; waiting on the other party.
		return &Result{Order: o}, nil
	}

	return s.refund(ctx, orderID, order.EventCancel, nil)
}

func (s *Service) refund(ctx context.Context, orderID string, event order.Event, d *dispute.Dispute) (*Result, error) {
	var res *Result
	err := s.withRetry(ctx, func() error {
		var err error
		res, err = s.store.Refund(ctx, orderID, event, d)
		return err
	})
	if err != nil {
		s.logFatalIfIntegrity(err, "refund", orderID)
		return nil, err
	}
	if res.AlreadySettled {
		return res, nil
	}

	trigger := "cancel"
	if d != nil {
		trigger = "dispute"
	}
	metrics.RefundsTotal.WithLabelValues(trigger).Inc()
	s.updateHeldGauge(ctx)

	s.audit(ctx, orderID, "escrow.refund", res.Lock.Amount, trigger, res)
	s.emitter.OrderCancelled(orderID, money.Format(res.Lock.Amount))
	s.logger.Info("escrow refunded", "order_id", orderID, "trigger", trigger,
		"amount", money.Format(res.Lock.Amount))
	return res, nil
}

// RaiseDispute freezes an escrowed order pending review.
func (s *Service) RaiseDispute(ctx context.Context, orderID, raiserID string, reason dispute.Reason, description string) (*dispute.Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.raise_dispute", traces.OrderID(orderID))
	defer span.End()

	if !reason.Valid() {
		return nil, fmt.Errorf("invalid dispute reason %q", reason)
	}

	unlock := s.orderLocks.Lock(orderID)
	defer unlock()

	l, err := s.store.GetLock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if raiserID != l.WalletOwner {
		o, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if raiserID != o.SellerID {
			return nil, ErrNotParty
		}
	}

	d := &dispute.Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		OrderID:     orderID,
		RaisedBy:    raiserID,
		Reason:      reason,
		Description: description,
		Status:      dispute.StatusOpen,
		OpenedAt:    time.Now(),
		ReviewBy:    time.Now().Add(s.cfg.DisputeReviewAfter),
	}

	var res *Result
	err = s.withRetry(ctx, func() error {
		var err error
		res, err = s.store.OpenDispute(ctx, d)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesOpenedTotal.Inc()
	s.audit(ctx, orderID, "dispute.open", res.Lock.Amount, string(reason), res)
	s.emitter.DisputeOpened(orderID, d.ID, raiserID, string(reason))
	s.logger.Info("dispute opened", "order_id", orderID, "dispute_id", d.ID, "raised_by", raiserID, "reason", reason)
	return d, nil
}

// GetDispute returns a dispute by ID.
func (s *Service) GetDispute(ctx context.Context, disputeID string) (*dispute.Dispute, error) {
	return s.disputes.Get(ctx, disputeID)
}

// ListUnresolvedDisputes returns disputes awaiting a decision.
func (s *Service) ListUnresolvedDisputes(ctx context.Context, limit int) ([]*dispute.Dispute, error) {
	return s.disputes.ListUnresolved(ctx, limit)
}

// MarkUnderReview moves an open dispute into active review.
func (s *Service) MarkUnderReview(ctx context.Context, disputeID, adminID string) (*dispute.Dispute, error) {
	d, err := s.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status.Resolved() {
		return nil, dispute.ErrDisputeClosed
	}
	d.Status = dispute.StatusUnderReview
	d.ResolvedBy = adminID
	if err := s.disputes.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// FlagOverdueDisputes moves open disputes past their review deadline
// into UNDER_REVIEW so they surface in the admin queue. Returns the
// number flagged; per-dispute failures abort the pass.
func (s *Service) FlagOverdueDisputes(ctx context.Context, now time.Time) (int, error) {
	open, err := s.disputes.ListUnresolved(ctx, 100)
	if err != nil {
		return 0, err
	}

	flagged := 0
	for _, d := range open {
		if d.Status != dispute.StatusOpen || d.ReviewBy.After(now) {
			continue
		}
		d.Status = dispute.StatusUnderReview
		if err := s.disputes.Update(ctx, d); err != nil {
			return flagged, err
		}
		flagged++
	}
	return flagged, nil
}

// SplitShares carries admin-specified absolute amounts for a partial
// resolution. BuyerShare + SellerShare + lock fee must equal the locked
// amount.
type SplitShares struct {
	BuyerShare  decimal.Decimal
	SellerShare decimal.Decimal
}

// ResolveDispute applies an admin decision. kind selects release
// (seller), refund (buyer), or split; the dispute row and the
// settlement commit in the same transaction.
func (s *Service) ResolveDispute(ctx context.Context, disputeID, kind, adminID, note string, shares *SplitShares) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.resolve_dispute", traces.DisputeID(disputeID))
	defer span.End()

	d, err := s.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status.Resolved() {
		return nil, dispute.ErrDisputeClosed
	}

	unlock := s.orderLocks.Lock(d.OrderID)
	defer unlock()

	now := time.Now()
	d.ResolvedBy = adminID
	d.Note = note
	d.ResolvedAt = &now

	var res *Result
	switch kind {
	case ResolveSeller:
		d.Status = dispute.StatusResolvedSeller
		res, err = s.release(ctx, d.OrderID, order.EventResolveSeller, d, "dispute")
	case ResolveBuyer:
		d.Status = dispute.StatusResolvedBuyer
		res, err = s.refund(ctx, d.OrderID, order.EventResolveBuyer, d)
	case ResolveSplit:
		if shares == nil {
			return nil, fmt.Errorf("%w: split requires explicit shares", ErrBadSplit)
		}
		d.Status = dispute.StatusResolvedRefund
		res, err = s.split(ctx, d.OrderID, shares.BuyerShare, shares.SellerShare, d)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResolution, kind)
	}
	if err != nil {
		return nil, err
	}
	if res.AlreadySettled {
		// Another resolution committed after our status pre-check; this
		// caller's decision was never applied.
		return nil, dispute.ErrDisputeClosed
	}

	metrics.DisputesResolvedTotal.WithLabelValues(kind).Inc()
	s.emitter.DisputeResolved(d.OrderID, d.ID, kind)
	s.logger.Info("dispute resolved", "dispute_id", d.ID, "order_id", d.OrderID, "resolution", kind, "admin", adminID)
	return res, nil
}

func (s *Service) split(ctx context.Context, orderID string, buyerShare, sellerShare decimal.Decimal, d *dispute.Dispute) (*Result, error) {
	var res *Result
	err := s.withRetry(ctx, func() error {
		var err error
		res, err = s.store.Split(ctx, orderID, buyerShare, sellerShare, d)
		return err
	})
	if err != nil {
		s.logFatalIfIntegrity(err, "split", orderID)
		return nil, err
	}
	if res.AlreadySettled {
		return res, nil
	}

	metrics.CompletionsTotal.WithLabelValues("dispute").Inc()
	s.updateHeldGauge(ctx)

	s.audit(ctx, orderID, "escrow.split", res.Lock.Amount, "dispute", res)
	s.logger.Info("escrow split",
		"order_id", orderID,
		"buyer_share", money.Format(buyerShare), "seller_share", money.Format(sellerShare),
		"fee", money.Format(res.Lock.PlatformFee))
	return res, nil
}

// withRetry retries transient conflicts; every other error is final.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, s.maxRetries, s.retryDelay, func() error {
		err := fn()
		if err == nil || errors.Is(err, ErrConflict) {
			return err
		}
		return retry.Permanent(err)
	})
}

func (s *Service) logFatalIfIntegrity(err error, op, orderID string) {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		// Never auto-corrected; requires administrative remediation.
		s.logger.Error("INTEGRITY VIOLATION", "op", op, "order_id", orderID, "error", err)
	}
}

func (s *Service) audit(ctx context.Context, orderID, operation string, amount decimal.Decimal, detail string, res *Result) {
	entry := &audit.Entry{
		Subject:     orderID,
		Operation:   operation,
		Amount:      money.Format(amount),
		Reference:   orderID,
		Description: detail,
	}
	if res.Before != nil {
		b, _ := json.Marshal(res.Before)
		entry.BeforeState = string(b)
	}
	if res.After != nil {
		b, _ := json.Marshal(res.After)
		entry.AfterState = string(b)
	}
	if err := audit.Record(ctx, s.auditLog, entry); err != nil {
		s.logger.Warn("audit write failed", "op", operation, "order_id", orderID, "error", err)
	}
}

func (s *Service) updateHeldGauge(ctx context.Context) {
	total, err := s.store.HeldTotal(ctx)
	if err != nil {
		return
	}
	f, _ := total.Float64()
	metrics.EscrowHeldAmount.Set(f)
}
