package booking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	opened    []string
	released  []string
	cancelled []string
	openErr   error
}

func (f *fakeLedger) Open(ctx context.Context, bookingID, customerID, providerID string, amountCents int64, rail, chargeRef string) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = append(f.opened, bookingID)
	return nil
}

func (f *fakeLedger) Release(ctx context.Context, bookingID, actor string) error {
	f.released = append(f.released, bookingID)
	return nil
}

func (f *fakeLedger) Cancel(ctx context.Context, bookingID, actor string) error {
	f.cancelled = append(f.cancelled, bookingID)
	return nil
}

type fakeGate struct {
	allowed bool
	reason  string
}

func (f *fakeGate) Check(ctx context.Context, customerID, providerID string, amountCents int64) (bool, string, error) {
	return f.allowed, f.reason, nil
}

func futureWindow() Window {
	start := time.Now().Add(24 * time.Hour)
	return Window{Start: start, End: start.Add(2 * time.Hour)}
}

func newTestService(t *testing.T) (*Service, *fakeLedger, *fakeGate) {
	t.Helper()
	ledger := &fakeLedger{}
	gate := &fakeGate{allowed: true}
	svc := NewService(NewMemoryStore(), ledger, gate, nil, "usd")
	return svc, ledger, gate
}

func createBooking(t *testing.T, svc *Service, method PaymentMethod) *Booking {
	t.Helper()
	b, err := svc.Create(context.Background(), "cust1", CreateRequest{
		ServiceID:     "svc1",
		ProviderID:    "prov1",
		Window:        futureWindow(),
		PaymentMethod: method,
		TotalCents:    15000,
	})
	require.NoError(t, err)
	return b
}

func TestCreateBooking(t *testing.T) {
	svc, _, _ := newTestService(t)

	b := createBooking(t, svc, MethodCard)
	assert.Equal(t, StatusPending, b.Status)
	assert.Equal(t, "cust1", b.CustomerID)
	assert.Equal(t, int64(15000), b.TotalCents)
	assert.Equal(t, "usd", b.Currency)
}

func TestCreateBookingValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "cust1", CreateRequest{
		ProviderID: "prov1", Window: futureWindow(), PaymentMethod: MethodCard, TotalCents: 0,
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Create(ctx, "cust1", CreateRequest{
		ProviderID: "prov1",
		Window:     Window{Start: time.Now().Add(-2 * time.Hour), End: time.Now().Add(-time.Hour)},
		PaymentMethod: MethodCard, TotalCents: 100,
	})
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = svc.Create(ctx, "prov1", CreateRequest{
		ProviderID: "prov1", Window: futureWindow(), PaymentMethod: MethodCard, TotalCents: 100,
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestInstantRailGated(t *testing.T) {
	svc, _, gate := newTestService(t)
	gate.allowed = false
	gate.reason = "provider rating too low"

	_, err := svc.Create(context.Background(), "cust1", CreateRequest{
		ServiceID: "svc1", ProviderID: "prov1", Window: futureWindow(),
		PaymentMethod: MethodInstant, TotalCents: 5000,
	})
	require.ErrorIs(t, err, ErrEligibilityDenied)
	assert.Contains(t, err.Error(), "provider rating too low")

	// Card bookings never consult the gate.
	b := createBooking(t, svc, MethodCard)
	assert.Equal(t, StatusPending, b.Status)
}

func TestConfirmOpensEscrow(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()

	b := createBooking(t, svc, MethodCard)
	got, err := svc.Confirm(ctx, b.ID, "prov1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	require.NotNil(t, got.ConfirmedAt)
	assert.Equal(t, []string{b.ID}, ledger.opened)

	// Only the provider can confirm, and only once.
	_, err = svc.Confirm(ctx, b.ID, "cust1")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.Confirm(ctx, b.ID, "prov1")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestConfirmCashSkipsEscrow(t *testing.T) {
	svc, ledger, _ := newTestService(t)

	b := createBooking(t, svc, MethodCash)
	_, err := svc.Confirm(context.Background(), b.ID, "prov1")
	require.NoError(t, err)
	assert.Empty(t, ledger.opened)
}

func TestAlternativeWindow(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()

	b := createBooking(t, svc, MethodCard)
	alt := futureWindow()
	alt.Start = alt.Start.Add(48 * time.Hour)
	alt.End = alt.End.Add(48 * time.Hour)

	got, err := svc.ProposeAlternative(ctx, b.ID, "prov1", AlternativeRequest{Window: alt})
	require.NoError(t, err)
	require.NotNil(t, got.AltWindow)
	require.NotNil(t, got.AltExpiresAt)

	got, err = svc.AcceptAlternative(ctx, b.ID, "cust1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, alt.Start.Unix(), got.Window.Start.Unix())
	assert.Nil(t, got.AltWindow)
	assert.Equal(t, []string{b.ID}, ledger.opened)
}

func TestAcceptAlternativeExpired(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	b := createBooking(t, svc, MethodCard)
	_, err := svc.ProposeAlternative(ctx, b.ID, "prov1", AlternativeRequest{
		Window: futureWindow(), ExpiresIn: "1ns",
	})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	_, err = svc.AcceptAlternative(ctx, b.ID, "cust1")
	assert.ErrorIs(t, err, ErrAlternativeExpired)
}

func TestLifecycleToRelease(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()

	b := createBooking(t, svc, MethodCard)
	_, err := svc.Confirm(ctx, b.ID, "prov1")
	require.NoError(t, err)

	_, err = svc.Start(ctx, b.ID, "prov1")
	require.NoError(t, err)

	got, err := svc.Complete(ctx, b.ID, "prov1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Release happens on customer sign-off, not on completion.
	assert.Empty(t, ledger.released)
	_, err = svc.ConfirmCompletion(ctx, b.ID, "cust1")
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ledger.released)
}

func TestCancelRecordsParty(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()

	// Pending cancel: no escrow yet, nothing to cancel there.
	b := createBooking(t, svc, MethodCard)
	got, err := svc.Cancel(ctx, b.ID, "cust1", "changed plans")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, PartyCustomer, got.CancelledBy)
	assert.Empty(t, ledger.cancelled)

	// Confirmed cancel by provider refunds the held escrow.
	b2 := createBooking(t, svc, MethodCard)
	_, err = svc.Confirm(ctx, b2.ID, "prov1")
	require.NoError(t, err)
	got, err = svc.Cancel(ctx, b2.ID, "prov1", "")
	require.NoError(t, err)
	assert.Equal(t, PartyProvider, got.CancelledBy)
	assert.Equal(t, []string{b2.ID}, ledger.cancelled)

	// Terminal bookings cannot be cancelled again.
	_, err = svc.Cancel(ctx, b2.ID, "prov1", "")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestNoShow(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	b := createBooking(t, svc, MethodCard)
	_, err := svc.NoShow(ctx, b.ID, "prov1")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = svc.Confirm(ctx, b.ID, "prov1")
	require.NoError(t, err)
	got, err := svc.NoShow(ctx, b.ID, "prov1")
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, got.Status)
}

func TestReview(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	b := createBooking(t, svc, MethodCard)
	_, err := svc.Review(ctx, b.ID, "cust1", ReviewRequest{Rating: 5})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = svc.Confirm(ctx, b.ID, "prov1")
	require.NoError(t, err)
	_, err = svc.Start(ctx, b.ID, "prov1")
	require.NoError(t, err)
	_, err = svc.Complete(ctx, b.ID, "prov1")
	require.NoError(t, err)

	_, err = svc.Review(ctx, b.ID, "cust1", ReviewRequest{Rating: 6})
	assert.ErrorIs(t, err, ErrInvalidRating)
	_, err = svc.Review(ctx, b.ID, "prov1", ReviewRequest{Rating: 4})
	assert.ErrorIs(t, err, ErrForbidden)

	r, err := svc.Review(ctx, b.ID, "cust1", ReviewRequest{Rating: 4, Comment: "solid work"})
	require.NoError(t, err)
	assert.Equal(t, 4, r.Rating)

	_, err = svc.Review(ctx, b.ID, "cust1", ReviewRequest{Rating: 5})
	assert.ErrorIs(t, err, ErrAlreadyReviewed)

	avg, n, err := svc.store.ProviderRating(ctx, "prov1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.InDelta(t, 4.0, avg, 0.001)
}
