package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/payout"
)

// StripeGateway implements Gateway over the Stripe Payouts API.
type StripeGateway struct{}

// NewStripeGateway configures the global Stripe client key and returns
// a gateway.
func NewStripeGateway(secretKey string) *StripeGateway {
	stripe.Key = secretKey
	return &StripeGateway{}
}

var _ Gateway = (*StripeGateway)(nil)

// toCents converts a two-place decimal amount to minor units.
func toCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).IntPart()
}

func (g *StripeGateway) Payout(ctx context.Context, owner string, amount decimal.Decimal, currency, idempotencyKey string) (string, error) {
	params := &stripe.PayoutParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Amount:   stripe.Int64(toCents(amount)),
		Currency: stripe.String(currency),
	}
	params.IdempotencyKey = stripe.String(idempotencyKey)
	params.AddMetadata("owner", owner)
	params.AddMetadata("payout_id", idempotencyKey)

	p, err := payout.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeInvalidRequest {
			// The API rejected the request outright; no payout exists.
			return "", fmt.Errorf("%w: %s", ErrPayoutRejected, stripeErr.Msg)
		}
		// Transport failure or server error; the payout may or may not
		// have been created. The idempotency key makes a retry safe and
		// the reconciler cleans up if nothing ever surfaces.
		return "", fmt.Errorf("stripe payout submit: %w", err)
	}
	return p.ID, nil
}

func (g *StripeGateway) VerifyPayout(ctx context.Context, gatewayID string) (Outcome, error) {
	params := &stripe.PayoutParams{
		Params: stripe.Params{Context: ctx},
	}
	p, err := payout.Get(gatewayID, params)
	if err != nil {
		return OutcomeUnknown, fmt.Errorf("stripe payout lookup: %w", err)
	}

	switch p.Status {
	case stripe.PayoutStatusPaid:
		return OutcomeSucceeded, nil
	case stripe.PayoutStatusFailed, stripe.PayoutStatusCanceled:
		return OutcomeFailed, nil
	default:
		// pending, in_transit
		return OutcomeUnknown, nil
	}
}
