package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/dealsafe/internal/metrics"
	"github.com/mbd888/dealsafe/internal/order"
)

// Sweeper periodically promotes overdue IN_ESCROW orders to COMPLETED
// through the same AutoComplete entrypoint a manual confirmation uses.
// Per-order failures are counted, not fatal; an order that fails this
// run stays eligible for the next one.
type Sweeper struct {
	service  *Service
	orders   order.Store
	after    time.Duration // escrow age threshold
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates an auto-completion sweeper.
func NewSweeper(service *Service, orders order.Store, after, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		orders:   orders,
		after:    after,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in auto-completion sweep", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one pass and returns (completed, failed) counts. Exported
// so an external cron trigger can invoke the same entrypoint.
func (s *Sweeper) Sweep(ctx context.Context) (completed, failed int) {
	metrics.SweepRunsTotal.Inc()

	cutoff := time.Now().Add(-s.after)
	eligible, err := s.orders.ListAutoCompletable(ctx, cutoff, 100)
	if err != nil {
		s.logger.Warn("failed to list auto-completable orders", "error", err)
		return 0, 0
	}

	for _, o := range eligible {
		res, err := s.service.AutoComplete(ctx, o.ID)
		if err != nil {
			failed++
			metrics.SweepOrdersTotal.WithLabelValues("failed").Inc()
			s.logger.Warn("auto-complete failed", "order_id", o.ID, "error", err)
			continue
		}
		if res.AlreadySettled {
			// Lost the race to a manual confirmation; nothing to do.
			metrics.SweepOrdersTotal.WithLabelValues("already_settled").Inc()
			continue
		}
		completed++
		metrics.SweepOrdersTotal.WithLabelValues("completed").Inc()
	}

	flagged, err := s.service.FlagOverdueDisputes(ctx, time.Now())
	if err != nil {
		s.logger.Warn("failed to flag overdue disputes", "error", err)
	}

	if completed > 0 || failed > 0 || flagged > 0 {
		s.logger.Info("auto-completion sweep finished",
			"eligible", len(eligible), "completed", completed, "failed", failed,
			"disputes_flagged", flagged)
	}
	return completed, failed
}
