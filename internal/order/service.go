package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealsafe/internal/idgen"
	"github.com/mbd888/dealsafe/internal/kyc"
)

var (
	ErrPriceOutOfRange = errors.New("price outside allowed order amount range")
	ErrNotSeller       = errors.New("only the seller may perform this action")
	ErrPriceLocked     = errors.New("price cannot change after purchase")
)

// Service covers listing management: creation, price edits before
// purchase, and delisting. Everything that moves money lives in the
// escrow service.
type Service struct {
	store  Store
	tiers  kyc.TierService
	min    decimal.Decimal
	max    decimal.Decimal
	logger *slog.Logger
}

// NewService creates an order service. min/max bound listing prices;
// a zero max disables the upper bound.
func NewService(store Store, tiers kyc.TierService, min, max decimal.Decimal, logger *slog.Logger) *Service {
	return &Service{store: store, tiers: tiers, min: min, max: max, logger: logger}
}

// Store returns the underlying store, for packages that compose over it.
func (s *Service) Store() Store { return s.store }

// Create lists a new order for the seller.
func (s *Service) Create(ctx context.Context, sellerID, title, description string, price decimal.Decimal, currency string) (*Order, error) {
	if err := s.checkPrice(price); err != nil {
		return nil, err
	}
	if err := s.tiers.CheckSell(ctx, sellerID, price); err != nil {
		return nil, err
	}
	if currency == "" {
		currency = "USD"
	}

	now := time.Now()
	o := &Order{
		ID:          idgen.WithPrefix("ord_"),
		SellerID:    sellerID,
		Title:       title,
		Description: description,
		Price:       price,
		Currency:    currency,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	s.logger.Info("order listed", "order_id", o.ID, "seller", sellerID, "price", price.StringFixed(2))
	return o, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// List returns orders matching the filter.
func (s *Service) List(ctx context.Context, f Filter) ([]*Order, error) {
	return s.store.List(ctx, f)
}

// UpdatePrice changes the price of an unsold listing. Price is fixed
// once escrow has locked.
func (s *Service) UpdatePrice(ctx context.Context, id, sellerID string, price decimal.Decimal) (*Order, error) {
	if err := s.checkPrice(price); err != nil {
		return nil, err
	}

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.SellerID != sellerID {
		return nil, ErrNotSeller
	}
	if o.EscrowLockedAt != nil || o.Status != StatusActive {
		return nil, ErrPriceLocked
	}

	o.Price = price
	o.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Delist cancels an unsold listing. No money moves; escrowed orders
// must go through the escrow service's cancel path instead.
func (s *Service) Delist(ctx context.Context, id, sellerID string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.SellerID != sellerID {
		return nil, ErrNotSeller
	}
	// Only unsold listings; escrowed orders carry locked funds.
	if o.Status != StatusActive {
		return nil, &IllegalTransitionError{From: o.Status, Event: EventCancel}
	}
	if err := o.Apply(EventCancel, time.Now()); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}
	s.logger.Info("order delisted", "order_id", o.ID, "seller", sellerID)
	return o, nil
}

func (s *Service) checkPrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrPriceOutOfRange)
	}
	if s.min.IsPositive() && price.LessThan(s.min) {
		return fmt.Errorf("%w: below minimum %s", ErrPriceOutOfRange, s.min.StringFixed(2))
	}
	if s.max.IsPositive() && price.GreaterThan(s.max) {
		return fmt.Errorf("%w: above maximum %s", ErrPriceOutOfRange, s.max.StringFixed(2))
	}
	return nil
}
