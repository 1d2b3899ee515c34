package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/dealsafe/internal/metrics"
	"github.com/mbd888/dealsafe/internal/wallet"
)

// Reconciler periodically resolves pending payouts the webhook never
// confirmed. Payouts with a known gateway ID are verified against the
// processor; payouts that never got one are reverted once they are old
// enough that a delayed submission can be ruled out.
type Reconciler struct {
	wallets    wallet.Store
	gw         Gateway
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewReconciler creates a pending-payout reconciler.
func NewReconciler(wallets wallet.Store, gw Gateway, interval, staleAfter time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		wallets:    wallets,
		gw:         gw,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the reconcile loop is active.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start begins the reconcile loop. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeReconcile(ctx)
		}
	}
}

// Stop signals the reconciler to stop.
func (r *Reconciler) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reconciler) safeReconcile(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in payout reconciliation", "panic", fmt.Sprint(rec))
		}
	}()
	r.Reconcile(ctx)
}

// Reconcile runs one pass and returns (settled, reverted) counts.
func (r *Reconciler) Reconcile(ctx context.Context) (settled, reverted int) {
	metrics.ReconcileRunsTotal.Inc()

	pending, err := r.wallets.ListPending(ctx)
	if err != nil {
		r.logger.Warn("failed to list pending payouts", "error", err)
		return 0, 0
	}

	for _, p := range pending {
		if p.GatewayID == "" {
			if time.Since(p.CreatedAt) < r.staleAfter {
				continue
			}
			// The submission never surfaced; give the funds back.
			if err := r.wallets.RevertPending(ctx, p.ID); err != nil {
				r.logger.Warn("failed to revert stale payout", "payout_id", p.ID, "error", err)
				continue
			}
			reverted++
			metrics.GatewayPayoutsTotal.WithLabelValues("stale").Inc()
			r.logger.Warn("stale payout reverted", "payout_id", p.ID, "owner", p.Owner)
			continue
		}

		outcome, err := r.gw.VerifyPayout(ctx, p.GatewayID)
		if err != nil {
			r.logger.Warn("payout verification failed", "payout_id", p.ID, "gateway_id", p.GatewayID, "error", err)
			continue
		}

		switch outcome {
		case OutcomeSucceeded:
			if err := r.wallets.SettlePending(ctx, p.ID); err != nil {
				r.logger.Warn("failed to settle payout", "payout_id", p.ID, "error", err)
				continue
			}
			settled++
			metrics.GatewayPayoutsTotal.WithLabelValues("succeeded").Inc()
		case OutcomeFailed:
			if err := r.wallets.RevertPending(ctx, p.ID); err != nil {
				r.logger.Warn("failed to revert payout", "payout_id", p.ID, "error", err)
				continue
			}
			reverted++
			metrics.GatewayPayoutsTotal.WithLabelValues("failed").Inc()
		case OutcomeUnknown:
			// Still in flight; next run.
		}
	}

	if settled > 0 || reverted > 0 {
		r.logger.Info("payout reconciliation finished",
			"pending", len(pending), "settled", settled, "reverted", reverted)
	}
	return settled, reverted
}
