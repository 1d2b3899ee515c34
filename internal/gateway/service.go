package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealsafe/internal/audit"
	"github.com/mbd888/dealsafe/internal/idgen"
	"github.com/mbd888/dealsafe/internal/metrics"
	"github.com/mbd888/dealsafe/internal/money"
	"github.com/mbd888/dealsafe/internal/wallet"
)

// Withdrawal reports the state of a submitted withdrawal. Payouts are
// asynchronous at the processor; "pending" means funds are debited and
// the payout awaits confirmation by webhook or reconciliation.
type Withdrawal struct {
	PayoutID  string          `json:"payoutId"`
	GatewayID string          `json:"gatewayId,omitempty"`
	Owner     string          `json:"owner"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Service orchestrates withdrawals against a wallet store and the
// payment processor.
type Service struct {
	wallets     wallet.Store
	gw          Gateway
	auditLog    audit.Logger
	logger      *slog.Logger
	minWithdraw decimal.Decimal
}

// NewService creates a withdrawal service. A zero minWithdraw disables
// the minimum check.
func NewService(wallets wallet.Store, gw Gateway, auditLog audit.Logger, logger *slog.Logger, minWithdraw decimal.Decimal) *Service {
	return &Service{
		wallets:     wallets,
		gw:          gw,
		auditLog:    auditLog,
		logger:      logger,
		minWithdraw: minWithdraw,
	}
}

// Withdraw debits the owner's available balance and submits a payout.
// The debit happens first: a payout must never be submitted against
// funds the wallet does not hold. If the processor's answer is
// ambiguous the payout stays pending and reconciliation resolves it.
func (s *Service) Withdraw(ctx context.Context, owner string, amount decimal.Decimal) (*Withdrawal, error) {
	if s.minWithdraw.IsPositive() && amount.LessThan(s.minWithdraw) {
		return nil, ErrAmountTooSmall
	}

	w, err := s.wallets.Get(ctx, owner)
	if err != nil {
		return nil, err
	}

	payoutID := idgen.WithPrefix("out_")
	if err := s.wallets.DebitPending(ctx, owner, amount, payoutID, ""); err != nil {
		return nil, err
	}

	wd := &Withdrawal{
		PayoutID:  payoutID,
		Owner:     owner,
		Amount:    amount,
		Status:    "pending",
		CreatedAt: time.Now(),
	}

	gatewayID, err := s.gw.Payout(ctx, owner, amount, w.Currency, payoutID)
	if err != nil {
		if errors.Is(err, ErrPayoutRejected) {
			metrics.GatewayPayoutsTotal.WithLabelValues("rejected").Inc()
			if revertErr := s.wallets.RevertPending(ctx, payoutID); revertErr != nil {
				s.logger.Error("failed to revert rejected payout",
					"payout_id", payoutID, "owner", owner, "error", revertErr)
			}
			return nil, err
		}
		// Outcome unknown: the idempotency key ties any payout the
		// processor did create to this pending record. Reconciliation
		// reverts it if nothing ever surfaces.
		metrics.GatewayPayoutsTotal.WithLabelValues("unknown").Inc()
		s.logger.Warn("payout submission unconfirmed, left pending",
			"payout_id", payoutID, "owner", owner, "error", err)
		s.auditWithdraw(ctx, wd, w)
		return wd, nil
	}

	wd.GatewayID = gatewayID
	if err := s.wallets.AttachGateway(ctx, payoutID, gatewayID); err != nil {
		s.logger.Warn("failed to attach gateway id to pending payout",
			"payout_id", payoutID, "gateway_id", gatewayID, "error", err)
	}

	metrics.GatewayPayoutsTotal.WithLabelValues("submitted").Inc()
	s.auditWithdraw(ctx, wd, w)
	s.logger.Info("withdrawal submitted",
		"payout_id", payoutID, "gateway_id", gatewayID,
		"owner", owner, "amount", money.Format(amount))
	return wd, nil
}

func (s *Service) auditWithdraw(ctx context.Context, wd *Withdrawal, before *wallet.Wallet) {
	entry := &audit.Entry{
		Subject:     wd.Owner,
		Operation:   "wallet.withdraw",
		Amount:      money.Format(wd.Amount),
		Reference:   wd.PayoutID,
		Description: "payout " + wd.Status,
	}
	if before != nil {
		entry.BeforeState = wallet.BalanceState(before)
	}
	if after, err := s.wallets.Get(ctx, wd.Owner); err == nil {
		entry.AfterState = wallet.BalanceState(after)
	}
	if err := audit.Record(ctx, s.auditLog, entry); err != nil {
		s.logger.Warn("audit write failed", "op", "wallet.withdraw", "payout_id", wd.PayoutID, "error", err)
	}
}
