// Package payments abstracts the processor primitives the escrow ledger
// needs: transfer a provider payout, refund a customer, and look up the
// outcome of a call whose result was lost.
package payments

import (
	"context"
	"errors"
)

// ErrGateway wraps any processor-side failure. Escrow operations fail
// closed on it: the transaction keeps its prior status and the caller may
// replay the operation idempotently.
var ErrGateway = errors.New("payment gateway error")

// Status is the processor's view of a money movement.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// TransferRequest moves a payout to a provider's connected account.
type TransferRequest struct {
	ProviderAccountID string
	AmountCents       int64
	Currency          string
	// Reference ties the transfer to an escrow transaction and doubles as
	// the processor-side idempotency key.
	Reference string
}

// RefundRequest returns funds to the customer for a charge.
type RefundRequest struct {
	ChargeRef   string
	AmountCents int64
	Currency    string
	Reference   string
}

// Gateway is the payment-processing collaborator.
type Gateway interface {
	// Transfer pays the provider. Safe to repeat with the same Reference.
	Transfer(ctx context.Context, req TransferRequest) error
	// Refund returns AmountCents of the original charge to the customer.
	Refund(ctx context.Context, req RefundRequest) error
	// LookupTransfer reports the processor's status for a reference whose
	// outcome was lost to a timeout. StatusUnknown means the processor has
	// no record, so the call never took effect.
	LookupTransfer(ctx context.Context, reference string) (Status, error)
}
