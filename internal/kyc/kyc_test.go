package kyc

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits() Limits {
	return Limits{
		Tier1: decimal.RequireFromString("1000"),
		Tier2: decimal.RequireFromString("10000"),
		Tier3: decimal.RequireFromString("100000"),
	}
}

func TestCheckPurchaseDefaultsToTier1(t *testing.T) {
	s := NewStaticService(testLimits())
	ctx := context.Background()

	assert.NoError(t, s.CheckPurchase(ctx, "u1", decimal.RequireFromString("1000")))

	err := s.CheckPurchase(ctx, "u1", decimal.RequireFromString("1000.01"))
	assert.ErrorIs(t, err, ErrTierLimitExceeded)
}

func TestSetTierRaisesLimit(t *testing.T) {
	s := NewStaticService(testLimits())
	ctx := context.Background()

	require.NoError(t, s.SetTier(ctx, "u2", Tier2))

	assert.NoError(t, s.CheckSell(ctx, "u2", decimal.RequireFromString("5000")))
	assert.ErrorIs(t, s.CheckSell(ctx, "u2", decimal.RequireFromString("10000.01")), ErrTierLimitExceeded)
}

func TestSetTierRejectsInvalid(t *testing.T) {
	s := NewStaticService(testLimits())
	assert.Error(t, s.SetTier(context.Background(), "u3", Tier(7)))
}

func TestZeroLimitDisablesCheck(t *testing.T) {
	s := NewStaticService(Limits{})
	assert.NoError(t, s.CheckPurchase(context.Background(), "u4", decimal.RequireFromString("999999")))
}
