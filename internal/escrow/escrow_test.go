package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbento/servpay/internal/payments"
)

func newTestService(t *testing.T) (*Service, *payments.FakeGateway) {
	t.Helper()
	gw := payments.NewFakeGateway()
	svc := NewService(NewMemoryStore(), gw, nil, Config{
		PlatformFeePct:    10,
		AutoReleaseWindow: 72 * time.Hour,
		Currency:          "usd",
	}, nil)
	return svc, gw
}

func openHeld(t *testing.T, svc *Service) *Transaction {
	t.Helper()
	txn, err := svc.OpenTransaction(context.Background(), "bkg1", "cust1", "prov1", 10000, "card", "ch_bkg1")
	require.NoError(t, err)
	return txn
}

func TestOpenComputesFee(t *testing.T) {
	svc, _ := newTestService(t)

	txn := openHeld(t, svc)
	assert.Equal(t, StatusHeld, txn.Status)
	assert.Equal(t, int64(10000), txn.AmountCents)
	assert.Equal(t, int64(1000), txn.PlatformFeeCents)
	assert.Equal(t, int64(9000), txn.ProviderCents)
	assert.WithinDuration(t, time.Now().Add(72*time.Hour), txn.AutoReleaseAt, time.Minute)

	// One active transaction per booking.
	_, err := svc.OpenTransaction(context.Background(), "bkg1", "cust1", "prov1", 5000, "card", "ch_x")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = svc.OpenTransaction(context.Background(), "bkg2", "cust1", "prov1", 0, "card", "ch_y")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestReleaseIsIdempotent(t *testing.T) {
	svc, gw := newTestService(t)
	ctx := context.Background()
	txn := openHeld(t, svc)

	require.NoError(t, svc.Release(ctx, "bkg1", "cust1"))
	require.NoError(t, svc.Release(ctx, "bkg1", "cust1"))
	require.NoError(t, svc.Release(ctx, "bkg1", "cust1"))

	// Exactly one payout despite three release calls.
	assert.Equal(t, 1, gw.TransferCount())
	req, ok := gw.TransferFor(txn.ID + ":release")
	require.True(t, ok)
	assert.Equal(t, int64(9000), req.AmountCents)
	assert.Equal(t, "prov1", req.ProviderAccountID)

	got, err := svc.GetByBooking(ctx, "bkg1")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	require.NotNil(t, got.ReleasedAt)
}

func TestReleaseGatewayFailureKeepsHeld(t *testing.T) {
	svc, gw := newTestService(t)
	ctx := context.Background()
	openHeld(t, svc)

	gw.FailTransfers = true
	err := svc.Release(ctx, "bkg1", "cust1")
	require.ErrorIs(t, err, payments.ErrGateway)

	got, err := svc.GetByBooking(ctx, "bkg1")
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, got.Status)
	assert.Nil(t, got.ReleasedAt)

	// Retry after the gateway recovers completes the release.
	gw.FailTransfers = false
	require.NoError(t, svc.Release(ctx, "bkg1", "cust1"))
	got, _ = svc.GetByBooking(ctx, "bkg1")
	assert.Equal(t, StatusReleased, got.Status)
}

func TestReleaseFromWrongStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	openHeld(t, svc)

	_, err := svc.EnterDispute(ctx, "bkg1")
	require.NoError(t, err)

	err = svc.Release(ctx, "bkg1", "cust1")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestInstantRailRefundFlow(t *testing.T) {
	svc, gw := newTestService(t)
	ctx := context.Background()
	txn, err := svc.OpenTransaction(ctx, "bkg1", "cust1", "prov1", 10000, "instant", "ch_bkg1")
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, "bkg1", "cust1"))

	// Only the customer, only after release.
	_, err = svc.RequestRefund(ctx, "bkg1", "prov1", "x")
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := svc.RequestRefund(ctx, "bkg1", "cust1", "service not delivered")
	require.NoError(t, err)
	assert.Equal(t, StatusRefundRequested, got.Status)
	assert.Equal(t, "service not delivered", got.RefundReason)

	got, err = svc.AcceptRefund(ctx, "bkg1", "prov1")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.Equal(t, int64(10000), got.RefundedCents)
	assert.Equal(t, 1, gw.RefundCount())
	_ = txn
}

func TestCardRailCannotRequestRefund(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	openHeld(t, svc)
	require.NoError(t, svc.Release(ctx, "bkg1", "cust1"))

	_, err := svc.RequestRefund(ctx, "bkg1", "cust1", "changed mind")
	assert.ErrorIs(t, err, ErrWrongRail)
}

func TestDeclineRefundReturnsToReleased(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.OpenTransaction(ctx, "bkg1", "cust1", "prov1", 10000, "instant", "ch_bkg1")
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, "bkg1", "cust1"))
	_, err = svc.RequestRefund(ctx, "bkg1", "cust1", "late")
	require.NoError(t, err)

	got, err := svc.DeclineRefund(ctx, "bkg1", "prov1")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
}

func TestPartialRefund(t *testing.T) {
	svc, gw := newTestService(t)
	ctx := context.Background()
	openHeld(t, svc)

	_, err := svc.PartialRefund(ctx, "bkg1", "prov1", 20000, "too much")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	got, err := svc.PartialRefund(ctx, "bkg1", "prov1", 3000, "arrived late")
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, got.Status)
	assert.Equal(t, int64(3000), got.RefundedCents)
	assert.Equal(t, 1, gw.RefundCount())

	// Refunding the remainder closes the transaction.
	got, err = svc.PartialRefund(ctx, "bkg1", "prov1", 7000, "full goodwill")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.Equal(t, int64(10000), got.RefundedCents)
}

func TestCancelRefundsInFull(t *testing.T) {
	svc, gw := newTestService(t)
	ctx := context.Background()
	txn := openHeld(t, svc)

	require.NoError(t, svc.Cancel(ctx, "bkg1", "cust1"))
	got, err := svc.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, int64(10000), got.RefundedCents)

	req, ok := gw.RefundFor(txn.ID + ":cancel")
	require.True(t, ok)
	assert.Equal(t, int64(10000), req.AmountCents)

	// The cancelled transaction no longer counts as active.
	err = svc.Cancel(ctx, "bkg1", "cust1")
	assert.ErrorIs(t, err, ErrNotFound)

	// A fresh hold can be opened for the booking.
	_, err = svc.OpenTransaction(ctx, "bkg1", "cust1", "prov1", 8000, "card", "ch_bkg1b")
	require.NoError(t, err)
}

func TestExitDisputeSplit(t *testing.T) {
	svc, gw := newTestService(t)
	ctx := context.Background()
	txn := openHeld(t, svc)

	_, err := svc.ExitDispute(ctx, "bkg1", Split{CustomerPct: 40, ProviderPct: 60}, "negotiated")
	assert.ErrorIs(t, err, ErrInvalidStatus) // not disputed yet

	_, err = svc.EnterDispute(ctx, "bkg1")
	require.NoError(t, err)

	_, err = svc.ExitDispute(ctx, "bkg1", Split{CustomerPct: 50, ProviderPct: 60}, "bad")
	assert.ErrorIs(t, err, ErrInvalidSplit)

	got, err := svc.ExitDispute(ctx, "bkg1", Split{CustomerPct: 40, ProviderPct: 60}, "negotiated")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)

	// 40% of the 10000 charge back to the customer.
	refund, ok := gw.RefundFor(txn.ID + ":dispute-refund")
	require.True(t, ok)
	assert.Equal(t, int64(4000), refund.AmountCents)

	// 60% of the provider share (9000 after fee) paid out.
	transfer, ok := gw.TransferFor(txn.ID + ":dispute-release")
	require.True(t, ok)
	assert.Equal(t, int64(5400), transfer.AmountCents)
}

func TestExitDisputeFullRefund(t *testing.T) {
	svc, gw := newTestService(t)
	ctx := context.Background()
	openHeld(t, svc)
	_, err := svc.EnterDispute(ctx, "bkg1")
	require.NoError(t, err)

	got, err := svc.ExitDispute(ctx, "bkg1", Split{CustomerPct: 100, ProviderPct: 0}, "full refund")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.Equal(t, 0, gw.TransferCount())
	assert.Equal(t, 1, gw.RefundCount())
}

func TestExitDisputeTransferFailureStaysDisputed(t *testing.T) {
	svc, gw := newTestService(t)
	ctx := context.Background()
	openHeld(t, svc)
	_, err := svc.EnterDispute(ctx, "bkg1")
	require.NoError(t, err)

	gw.FailTransfers = true
	_, err = svc.ExitDispute(ctx, "bkg1", Split{CustomerPct: 40, ProviderPct: 60}, "negotiated")
	require.ErrorIs(t, err, payments.ErrGateway)

	got, _ := svc.GetByBooking(ctx, "bkg1")
	assert.Equal(t, StatusDisputed, got.Status)

	// Retry completes; the refund is not duplicated on replay.
	gw.FailTransfers = false
	got, err = svc.ExitDispute(ctx, "bkg1", Split{CustomerPct: 40, ProviderPct: 60}, "negotiated")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.Equal(t, 1, gw.RefundCount())
	assert.Equal(t, int64(4000), got.RefundedCents)
}

func TestExitDisputeAfterPartialRefund(t *testing.T) {
	svc, gw := newTestService(t)
	ctx := context.Background()
	txn := openHeld(t, svc)

	_, err := svc.PartialRefund(ctx, "bkg1", "prov1", 5000, "goodwill")
	require.NoError(t, err)
	_, err = svc.EnterDispute(ctx, "bkg1")
	require.NoError(t, err)

	got, err := svc.ExitDispute(ctx, "bkg1", Split{CustomerPct: 100, ProviderPct: 0}, "full refund")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.Equal(t, int64(10000), got.RefundedCents)

	// The settlement refunds only what is still held; total refunds
	// across both gateway calls never exceed the original charge.
	refund, ok := gw.RefundFor(txn.ID + ":dispute-refund")
	require.True(t, ok)
	assert.Equal(t, int64(5000), refund.AmountCents)
}

func TestExitDisputeProviderShareNetOfRefunds(t *testing.T) {
	svc, gw := newTestService(t)
	ctx := context.Background()
	txn := openHeld(t, svc)

	_, err := svc.PartialRefund(ctx, "bkg1", "prov1", 5000, "goodwill")
	require.NoError(t, err)
	_, err = svc.EnterDispute(ctx, "bkg1")
	require.NoError(t, err)

	got, err := svc.ExitDispute(ctx, "bkg1", Split{CustomerPct: 0, ProviderPct: 100}, "provider wins")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.Equal(t, int64(5000), got.RefundedCents)

	// 9000 provider share minus the 5000 already refunded.
	transfer, ok := gw.TransferFor(txn.ID + ":dispute-release")
	require.True(t, ok)
	assert.Equal(t, int64(4000), transfer.AmountCents)
}

func TestReleaseAfterPartialRefundPaysNet(t *testing.T) {
	svc, gw := newTestService(t)
	ctx := context.Background()
	txn := openHeld(t, svc)

	_, err := svc.PartialRefund(ctx, "bkg1", "prov1", 3000, "arrived late")
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, "bkg1", "cust1"))

	req, ok := gw.TransferFor(txn.ID + ":release")
	require.True(t, ok)
	assert.Equal(t, int64(6000), req.AmountCents)
}

func TestReleaseReconcilesLostTransferAck(t *testing.T) {
	svc, gw := newTestService(t)
	ctx := context.Background()
	txn := openHeld(t, svc)

	// The payout goes through but the response is lost. The gateway's
	// own record confirms it, so the release still completes.
	gw.DropTransferAcks = true
	require.NoError(t, svc.Release(ctx, "bkg1", "cust1"))

	got, err := svc.GetByBooking(ctx, "bkg1")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.Equal(t, 1, gw.TransferCount())
	_, ok := gw.TransferFor(txn.ID + ":release")
	assert.True(t, ok)
}

func TestReinstateHold(t *testing.T) {
	svc, gw := newTestService(t)
	ctx := context.Background()
	openHeld(t, svc)

	_, err := svc.ReinstateHold(ctx, "bkg1")
	assert.ErrorIs(t, err, ErrInvalidStatus) // not disputed

	_, err = svc.EnterDispute(ctx, "bkg1")
	require.NoError(t, err)

	got, err := svc.ReinstateHold(ctx, "bkg1")
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, got.Status)
	assert.WithinDuration(t, time.Now().Add(72*time.Hour), got.AutoReleaseAt, time.Minute)
	assert.Equal(t, 0, gw.TransferCount())
	assert.Equal(t, 0, gw.RefundCount())
}

func TestAdminOverrides(t *testing.T) {
	svc, gw := newTestService(t)
	ctx := context.Background()
	txn := openHeld(t, svc)

	// Admin release works even from disputed.
	_, err := svc.EnterDispute(ctx, "bkg1")
	require.NoError(t, err)
	got, err := svc.AdminRelease(ctx, txn.ID, "admin1", "provider proved delivery")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.Equal(t, 1, gw.TransferCount())

	// Terminal transactions are untouchable.
	txn2, err := svc.OpenTransaction(ctx, "bkg2", "cust1", "prov1", 5000, "card", "ch_bkg2")
	require.NoError(t, err)
	_, err = svc.AdminRefund(ctx, txn2.ID, "admin1", "fraud")
	require.NoError(t, err)
	_, err = svc.AdminRelease(ctx, txn2.ID, "admin1", "oops")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	evs, err := svc.Events(ctx, txn.ID)
	require.NoError(t, err)
	var found bool
	for _, e := range evs {
		if e.Action == "admin_release" {
			found = true
			assert.Equal(t, "admin:admin1", e.Actor)
			assert.Equal(t, StatusDisputed, e.BeforeStatus)
			assert.Equal(t, StatusReleased, e.AfterStatus)
		}
	}
	assert.True(t, found, "admin_release event should be in the audit log")
}

func TestAuditLogRecordsTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	txn := openHeld(t, svc)
	require.NoError(t, svc.Release(ctx, "bkg1", "cust1"))

	evs, err := svc.Events(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "open", evs[0].Action)
	assert.Equal(t, "release", evs[1].Action)
	assert.Equal(t, StatusHeld, evs[1].BeforeStatus)
	assert.Equal(t, StatusReleased, evs[1].AfterStatus)
}
