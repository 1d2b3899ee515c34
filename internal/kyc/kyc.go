// Package kyc enforces verification-tier trade limits.
package kyc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrTierLimitExceeded is returned when an order amount exceeds the
// ceiling for the user's verification tier.
var ErrTierLimitExceeded = errors.New("order amount exceeds verification tier limit")

// Tier is a user's verification level. Higher tiers unlock larger trades.
type Tier int

const (
	Tier1 Tier = 1 // email verified
	Tier2 Tier = 2 // identity document verified
	Tier3 Tier = 3 // enhanced due diligence
)

// TierService checks whether a user's tier permits a trade of a given size.
type TierService interface {
	// CheckPurchase validates that userID may buy for amount.
	CheckPurchase(ctx context.Context, userID string, amount decimal.Decimal) error
	// CheckSell validates that userID may list/sell for amount.
	CheckSell(ctx context.Context, userID string, amount decimal.Decimal) error
	// TierOf reports the user's current tier.
	TierOf(ctx context.Context, userID string) (Tier, error)
	// SetTier records a tier change for a user (admin operation).
	SetTier(ctx context.Context, userID string, tier Tier) error
}

// Limits maps each tier to its per-order amount ceiling.
type Limits struct {
	Tier1 decimal.Decimal
	Tier2 decimal.Decimal
	Tier3 decimal.Decimal
}

// For returns the ceiling for a tier. Unknown tiers get the Tier1 ceiling.
func (l Limits) For(t Tier) decimal.Decimal {
	switch t {
	case Tier3:
		return l.Tier3
	case Tier2:
		return l.Tier2
	default:
		return l.Tier1
	}
}

// StaticService enforces tier limits using an in-memory user->tier
// directory. Users without a record default to Tier1.
type StaticService struct {
	limits Limits

	mu    sync.RWMutex
	tiers map[string]Tier
}

// NewStaticService creates a tier service with the given per-tier limits.
func NewStaticService(limits Limits) *StaticService {
	return &StaticService{
		limits: limits,
		tiers:  make(map[string]Tier),
	}
}

var _ TierService = (*StaticService)(nil)

func (s *StaticService) TierOf(_ context.Context, userID string) (Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tiers[userID]; ok {
		return t, nil
	}
	return Tier1, nil
}

func (s *StaticService) SetTier(_ context.Context, userID string, tier Tier) error {
	if tier < Tier1 || tier > Tier3 {
		return fmt.Errorf("invalid tier %d", tier)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[userID] = tier
	return nil
}

func (s *StaticService) CheckPurchase(ctx context.Context, userID string, amount decimal.Decimal) error {
	return s.check(ctx, userID, amount)
}

func (s *StaticService) CheckSell(ctx context.Context, userID string, amount decimal.Decimal) error {
	return s.check(ctx, userID, amount)
}

func (s *StaticService) check(ctx context.Context, userID string, amount decimal.Decimal) error {
	tier, err := s.TierOf(ctx, userID)
	if err != nil {
		return err
	}
	limit := s.limits.For(tier)
	if limit.IsPositive() && amount.GreaterThan(limit) {
		return fmt.Errorf("%w: tier %d limit %s, requested %s",
			ErrTierLimitExceeded, tier, limit.StringFixed(2), amount.StringFixed(2))
	}
	return nil
}
