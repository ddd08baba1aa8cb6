package payments

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbento/servpay/internal/metrics"
)

// StripeGateway implements Gateway against the Stripe API. Transfers go to
// the provider's connected account; refunds reverse the original charge.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a gateway using the given secret key.
func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api}
}

func (g *StripeGateway) Transfer(ctx context.Context, req TransferRequest) error {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.ProviderAccountID),
		TransferGroup: stripe.String(req.Reference),
	}
	params.Context = ctx
	// Stripe deduplicates on the idempotency key, so a replayed Release
	// never double-pays the provider.
	params.SetIdempotencyKey(req.Reference)

	if _, err := g.api.Transfers.New(params); err != nil {
		metrics.GatewayCallsTotal.WithLabelValues("transfer", "error").Inc()
		return fmt.Errorf("%w: transfer %s: %v", ErrGateway, req.Reference, err)
	}
	metrics.GatewayCallsTotal.WithLabelValues("transfer", "ok").Inc()
	return nil
}

func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) error {
	params := &stripe.RefundParams{
		Charge: stripe.String(req.ChargeRef),
		Amount: stripe.Int64(req.AmountCents),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.Reference)

	if _, err := g.api.Refunds.New(params); err != nil {
		metrics.GatewayCallsTotal.WithLabelValues("refund", "error").Inc()
		return fmt.Errorf("%w: refund %s: %v", ErrGateway, req.Reference, err)
	}
	metrics.GatewayCallsTotal.WithLabelValues("refund", "ok").Inc()
	return nil
}

func (g *StripeGateway) LookupTransfer(ctx context.Context, reference string) (Status, error) {
	params := &stripe.TransferListParams{TransferGroup: stripe.String(reference)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	iter := g.api.Transfers.List(params)
	for iter.Next() {
		// A transfer exists under this group, so the earlier call took effect.
		return StatusSucceeded, nil
	}
	if err := iter.Err(); err != nil {
		return StatusUnknown, fmt.Errorf("%w: lookup %s: %v", ErrGateway, reference, err)
	}
	return StatusUnknown, nil
}
