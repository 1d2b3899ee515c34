package order

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dealsafe/internal/kyc"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNextLegalTransitions(t *testing.T) {
	cases := []struct {
		from  Status
		event Event
		to    Status
	}{
		{StatusActive, EventPurchase, StatusInEscrow},
		{StatusActive, EventPaymentStart, StatusPendingPayment},
		{StatusPendingPayment, EventPurchase, StatusInEscrow},
		{StatusPendingPayment, EventPaymentExpired, StatusActive},
		{StatusInEscrow, EventConfirm, StatusCompleted},
		{StatusInEscrow, EventAutoComplete, StatusCompleted},
		{StatusInEscrow, EventCancel, StatusCancelled},
		{StatusInEscrow, EventDispute, StatusDisputed},
		{StatusDisputed, EventResolveSeller, StatusCompleted},
		{StatusDisputed, EventResolveSplit, StatusCompleted},
		{StatusDisputed, EventResolveBuyer, StatusCancelled},
	}
	for _, tc := range cases {
		got, err := Next(tc.from, tc.event)
		require.NoError(t, err, "%s + %s", tc.from, tc.event)
		assert.Equal(t, tc.to, got)
	}
}

func TestNextIllegalTransitions(t *testing.T) {
	cases := []struct {
		from  Status
		event Event
	}{
		{StatusCompleted, EventConfirm},
		{StatusCompleted, EventPurchase},
		{StatusCancelled, EventPurchase},
		{StatusActive, EventConfirm},
		{StatusActive, EventDispute},
		{StatusInEscrow, EventPurchase},
		{StatusDisputed, EventConfirm},
		{StatusDisputed, EventCancel},
	}
	for _, tc := range cases {
		_, err := Next(tc.from, tc.event)
		var itErr *IllegalTransitionError
		require.ErrorAs(t, err, &itErr, "%s + %s should be illegal", tc.from, tc.event)
		assert.Equal(t, tc.from, itErr.From)
		assert.Equal(t, tc.event, itErr.Event)
	}
}

func TestApplySetsTimestampsOnce(t *testing.T) {
	o := &Order{Status: StatusActive}
	now := time.Now()

	require.NoError(t, o.Apply(EventPurchase, now))
	require.NotNil(t, o.EscrowLockedAt)
	lockedAt := *o.EscrowLockedAt

	require.NoError(t, o.Apply(EventConfirm, now.Add(time.Hour)))
	assert.Equal(t, StatusCompleted, o.Status)
	require.NotNil(t, o.CompletedAt)
	assert.Equal(t, lockedAt, *o.EscrowLockedAt, "lock timestamp must not move")
	assert.Nil(t, o.CancelledAt)
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusInEscrow.Terminal())
	assert.False(t, StatusDisputed.Terminal())
}

func newTestService() *Service {
	tiers := kyc.NewStaticService(kyc.Limits{Tier1: d("100000")})
	return NewService(NewMemoryStore(), tiers, d("1.00"), d("100000"), slog.Default())
}

func TestCreateValidatesPriceRange(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Create(ctx, "seller-1", "widget", "", d("0.50"), "")
	assert.ErrorIs(t, err, ErrPriceOutOfRange)

	_, err = svc.Create(ctx, "seller-1", "widget", "", d("100000.01"), "")
	assert.ErrorIs(t, err, ErrPriceOutOfRange)

	o, err := svc.Create(ctx, "seller-1", "widget", "", d("100.00"), "")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, o.Status)
	assert.Equal(t, "USD", o.Currency)
}

func TestUpdatePriceOnlyBeforePurchase(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	o, err := svc.Create(ctx, "seller-1", "widget", "", d("100.00"), "")
	require.NoError(t, err)

	updated, err := svc.UpdatePrice(ctx, o.ID, "seller-1", d("150.00"))
	require.NoError(t, err)
	assert.True(t, updated.Price.Equal(d("150.00")))

	// Simulate purchase having locked escrow.
	updated.Status = StatusInEscrow
	now := time.Now()
	updated.EscrowLockedAt = &now
	require.NoError(t, svc.Store().Update(ctx, updated))

	_, err = svc.UpdatePrice(ctx, o.ID, "seller-1", d("200.00"))
	assert.ErrorIs(t, err, ErrPriceLocked)
}

func TestUpdatePriceRequiresSeller(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	o, err := svc.Create(ctx, "seller-1", "widget", "", d("100.00"), "")
	require.NoError(t, err)

	_, err = svc.UpdatePrice(ctx, o.ID, "someone-else", d("150.00"))
	assert.ErrorIs(t, err, ErrNotSeller)
}

func TestDelistOnlyActiveOrders(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	o, err := svc.Create(ctx, "seller-1", "widget", "", d("100.00"), "")
	require.NoError(t, err)

	delisted, err := svc.Delist(ctx, o.ID, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, delisted.Status)
	assert.NotNil(t, delisted.CancelledAt)

	// A second delist hits a terminal state.
	_, err = svc.Delist(ctx, o.ID, "seller-1")
	var itErr *IllegalTransitionError
	assert.ErrorAs(t, err, &itErr)
}

func TestListAutoCompletable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	old := time.Now().Add(-8 * 24 * time.Hour)
	recent := time.Now().Add(-time.Hour)

	for i, lockedAt := range []time.Time{old, recent} {
		la := lockedAt
		o := &Order{
			ID:             "ord_" + string(rune('a'+i)),
			SellerID:       "s",
			BuyerID:        "b",
			Price:          d("10.00"),
			Status:         StatusInEscrow,
			EscrowLockedAt: &la,
			CreatedAt:      la,
		}
		require.NoError(t, store.Create(ctx, o))
	}

	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	eligible, err := store.ListAutoCompletable(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, "ord_a", eligible[0].ID)
}
