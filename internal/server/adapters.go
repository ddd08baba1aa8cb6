package server

import (
	"context"
	"errors"

	"github.com/mbento/servpay/internal/booking"
	"github.com/mbento/servpay/internal/dispute"
	"github.com/mbento/servpay/internal/escrow"
)

// disputeLedger adapts the escrow service to the dispute orchestrator's
// narrower ledger view.
type disputeLedger struct {
	escrow *escrow.Service
}

func (l disputeLedger) HoldForDispute(ctx context.Context, bookingID string) error {
	_, err := l.escrow.EnterDispute(ctx, bookingID)
	return err
}

func (l disputeLedger) Settle(ctx context.Context, bookingID string, customerPct, providerPct int, resolution string) error {
	_, err := l.escrow.ExitDispute(ctx, bookingID, escrow.Split{
		CustomerPct: customerPct,
		ProviderPct: providerPct,
	}, resolution)
	return err
}

func (l disputeLedger) Reinstate(ctx context.Context, bookingID string) error {
	_, err := l.escrow.ReinstateHold(ctx, bookingID)
	return err
}

// bookingDirectory adapts the booking service for dispute party lookups.
type bookingDirectory struct {
	bookings *booking.Service
}

func (d bookingDirectory) Parties(ctx context.Context, bookingID string) (string, string, error) {
	b, err := d.bookings.Get(ctx, bookingID)
	if err != nil {
		if errors.Is(err, booking.ErrBookingNotFound) {
			return "", "", dispute.ErrNotFound
		}
		return "", "", err
	}
	return b.CustomerID, b.ProviderID, nil
}
