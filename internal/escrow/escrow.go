// Package escrow holds customer funds between payment capture and payout.
//
// Each transaction is anchored to one booking and moves through
// held → released/refunded/cancelled, with disputed and refund_requested
// as intermediate states. Amounts are integer cents; the platform fee is
// carved out at open time and the remainder is the provider's share.
// Every status change is recorded in an append-only event log.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbento/servpay/internal/idgen"
	"github.com/mbento/servpay/internal/metrics"
	"github.com/mbento/servpay/internal/notify"
	"github.com/mbento/servpay/internal/payments"
	"github.com/mbento/servpay/internal/syncutil"
	"github.com/mbento/servpay/internal/traces"
)

var (
	ErrNotFound      = errors.New("escrow transaction not found")
	ErrInvalidStatus = errors.New("invalid escrow status for this operation")
	ErrAlreadyExists = errors.New("active escrow transaction already exists for booking")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidSplit  = errors.New("split percentages must be 0-100 and sum to 100")
	ErrWrongRail     = errors.New("operation not available on this payment rail")
	ErrForbidden     = errors.New("not a party to this escrow transaction")
)

// Status represents the state of an escrow transaction.
type Status string

const (
	StatusHeld            Status = "held"
	StatusReleased        Status = "released"
	StatusDisputed        Status = "disputed"
	StatusRefundRequested Status = "refund_requested"
	StatusRefunded        Status = "refunded"
	StatusCancelled       Status = "cancelled"
)

// Transaction is one escrow hold for a booking.
type Transaction struct {
	ID               string     `json:"id"`
	BookingID        string     `json:"bookingId"`
	CustomerID       string     `json:"customerId"`
	ProviderID       string     `json:"providerId"`
	AmountCents      int64      `json:"amountCents"` // immutable after open
	PlatformFeeCents int64      `json:"platformFeeCents"`
	ProviderCents    int64      `json:"providerCents"` // amount - fee
	RefundedCents    int64      `json:"refundedCents"` // cumulative refunds to customer
	Currency         string     `json:"currency"`
	Rail             string     `json:"rail"` // card or instant
	ChargeRef        string     `json:"chargeRef"`
	Status           Status     `json:"status"`
	AutoReleaseAt    time.Time  `json:"autoReleaseAt"`
	RefundReason     string     `json:"refundReason,omitempty"`
	ReleasedAt       *time.Time `json:"releasedAt,omitempty"`
	RefundedAt       *time.Time `json:"refundedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// IsTerminal returns true once no further money movement is possible.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusRefunded || t.Status == StatusCancelled
}

// Event is one entry in the append-only escrow audit log.
type Event struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	Actor         string    `json:"actor"` // user ID, "admin:<id>" or "system"
	Action        string    `json:"action"`
	BeforeStatus  Status    `json:"beforeStatus"`
	AfterStatus   Status    `json:"afterStatus"`
	AmountCents   int64     `json:"amountCents,omitempty"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists escrow transactions and their audit events.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetActiveByBooking(ctx context.Context, bookingID string) (*Transaction, error)
	Update(ctx context.Context, t *Transaction) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)

	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, transactionID string) ([]*Event, error)
}

// Split divides the held amount between customer refund and provider
// payout as integer percentages summing to 100.
type Split struct {
	CustomerPct int `json:"customerPct"`
	ProviderPct int `json:"providerPct"`
}

// Valid reports whether the split is a well-formed percentage pair.
func (s Split) Valid() bool {
	return s.CustomerPct >= 0 && s.ProviderPct >= 0 && s.CustomerPct+s.ProviderPct == 100
}

// Config carries the tunable escrow policy.
type Config struct {
	PlatformFeePct    int
	AutoReleaseWindow time.Duration
	Currency          string
}

// Service implements escrow business logic. All money movement goes
// through the payment gateway; the service never mutates a transaction
// without holding its per-ID lock and re-reading current status.
type Service struct {
	store    Store
	gateway  payments.Gateway
	notifier *notify.Notifier
	cfg      Config
	logger   *slog.Logger
	locks    syncutil.KeyMutex
}

// NewService creates a new escrow service.
func NewService(store Store, gateway payments.Gateway, notifier *notify.Notifier, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		gateway:  gateway,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "escrow"),
	}
}

// Open creates a held transaction for a booking. The platform fee is
// locked in at open time so later fee changes never affect money already
// in escrow.
func (s *Service) Open(ctx context.Context, bookingID, customerID, providerID string, amountCents int64, rail, chargeRef string) error {
	_, err := s.OpenTransaction(ctx, bookingID, customerID, providerID, amountCents, rail, chargeRef)
	return err
}

// OpenTransaction is Open returning the created transaction.
func (s *Service) OpenTransaction(ctx context.Context, bookingID, customerID, providerID string, amountCents int64, rail, chargeRef string) (*Transaction, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	if rail != "card" && rail != "instant" {
		return nil, fmt.Errorf("%w: unknown rail %q", ErrInvalidAmount, rail)
	}

	unlock := s.locks.Lock("bkg:" + bookingID)
	defer unlock()

	if existing, err := s.store.GetActiveByBooking(ctx, bookingID); err == nil && existing != nil {
		return nil, ErrAlreadyExists
	}

	now := time.Now()
	fee := amountCents * int64(s.cfg.PlatformFeePct) / 100
	t := &Transaction{
		ID:               idgen.WithPrefix("esc_"),
		BookingID:        bookingID,
		CustomerID:       customerID,
		ProviderID:       providerID,
		AmountCents:      amountCents,
		PlatformFeeCents: fee,
		ProviderCents:    amountCents - fee,
		Currency:         s.cfg.Currency,
		Rail:             rail,
		ChargeRef:        chargeRef,
		Status:           StatusHeld,
		AutoReleaseAt:    now.Add(s.cfg.AutoReleaseWindow),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create escrow transaction: %w", err)
	}
	s.appendEvent(ctx, t, customerID, "open", "", StatusHeld, amountCents, "")

	metrics.EscrowsTotal.WithLabelValues(string(StatusHeld)).Inc()
	s.notifier.Notify(providerID, notify.EventEscrowOpened, map[string]any{
		"transactionId": t.ID, "bookingId": bookingID, "amountCents": amountCents,
	})
	s.logger.Info("escrow opened",
		"transaction_id", t.ID, "booking_id", bookingID, "amount_cents", amountCents, "rail", rail)
	return t, nil
}

// Release pays the provider their share of a held transaction. Calling
// Release on an already released transaction is a no-op success, and the
// gateway transfer is issued at most once per transaction.
func (s *Service) Release(ctx context.Context, bookingID, actor string) error {
	_, err := s.release(ctx, bookingID, actor, "release")
	return err
}

func (s *Service) release(ctx context.Context, bookingID, actor, action string) (_ *Transaction, retErr error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.BookingID(bookingID))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := s.locks.Lock("bkg:" + bookingID)
	defer unlock()

	t, err := s.store.GetActiveByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case StatusReleased:
		return t, nil // idempotent
	case StatusHeld:
	default:
		return nil, fmt.Errorf("%w: cannot release from %s", ErrInvalidStatus, t.Status)
	}

	// The payout is net of any partial refunds already returned to the
	// customer out of the provider's cut.
	payoutCents := t.ProviderCents - t.RefundedCents
	if payoutCents < 0 {
		payoutCents = 0
	}

	// One transfer per transaction: the reference doubles as the gateway
	// idempotency key, so even a crash between transfer and store update
	// cannot pay twice.
	if payoutCents > 0 {
		err = s.gateway.Transfer(ctx, payments.TransferRequest{
			ProviderAccountID: t.ProviderID,
			AmountCents:       payoutCents,
			Currency:          t.Currency,
			Reference:         t.ID + ":release",
		})
		if err != nil && !s.transferLanded(ctx, t.ID+":release") {
			s.logger.Error("escrow release transfer failed",
				"transaction_id", t.ID, "error", err)
			return nil, err
		}
	}

	now := time.Now()
	before := t.Status
	t.Status = StatusReleased
	t.ReleasedAt = &now
	t.UpdatedAt = now
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, t, actor, action, before, StatusReleased, payoutCents, "")

	metrics.EscrowsTotal.WithLabelValues(string(StatusReleased)).Inc()
	s.notifier.Notify(t.ProviderID, notify.EventEscrowReleased, map[string]any{
		"transactionId": t.ID, "amountCents": payoutCents,
	})
	s.logger.Info("escrow released",
		"transaction_id", t.ID, "provider_cents", payoutCents, "actor", actor)
	return t, nil
}

// RequestRefund asks for the money back after an instant-rail release.
// Card-rail customers dispute instead; released card funds are final.
func (s *Service) RequestRefund(ctx context.Context, bookingID, customerID, reason string) (*Transaction, error) {
	unlock := s.locks.Lock("bkg:" + bookingID)
	defer unlock()

	t, err := s.store.GetActiveByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if t.CustomerID != customerID {
		return nil, ErrForbidden
	}
	if t.Status != StatusReleased {
		return nil, fmt.Errorf("%w: refund request requires released, got %s", ErrInvalidStatus, t.Status)
	}
	if t.Rail != "instant" {
		return nil, ErrWrongRail
	}

	now := time.Now()
	before := t.Status
	t.Status = StatusRefundRequested
	t.RefundReason = reason
	t.UpdatedAt = now
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, t, customerID, "request_refund", before, StatusRefundRequested, 0, reason)

	s.notifier.Notify(t.ProviderID, notify.EventEscrowRefundRequested, map[string]any{
		"transactionId": t.ID, "reason": reason,
	})
	return t, nil
}

// AcceptRefund is the provider agreeing to return the funds. The full
// remaining amount goes back to the customer.
func (s *Service) AcceptRefund(ctx context.Context, bookingID, providerID string) (*Transaction, error) {
	unlock := s.locks.Lock("bkg:" + bookingID)
	defer unlock()

	t, err := s.store.GetActiveByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if t.ProviderID != providerID {
		return nil, ErrForbidden
	}
	if t.Status != StatusRefundRequested {
		return nil, fmt.Errorf("%w: accept requires refund_requested, got %s", ErrInvalidStatus, t.Status)
	}
	return s.refundAll(ctx, t, providerID, "accept_refund")
}

// refundAll sends the remaining balance back to the customer and closes
// the transaction. Caller holds the booking lock.
func (s *Service) refundAll(ctx context.Context, t *Transaction, actor, action string) (*Transaction, error) {
	remaining := t.AmountCents - t.RefundedCents
	if remaining > 0 {
		err := s.gateway.Refund(ctx, payments.RefundRequest{
			ChargeRef:   t.ChargeRef,
			AmountCents: remaining,
			Currency:    t.Currency,
			Reference:   t.ID + ":refund",
		})
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	before := t.Status
	t.RefundedCents = t.AmountCents
	t.Status = StatusRefunded
	t.RefundedAt = &now
	t.UpdatedAt = now
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, t, actor, action, before, StatusRefunded, remaining, "")

	metrics.EscrowsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	s.notifier.Notify(t.CustomerID, notify.EventEscrowRefunded, map[string]any{
		"transactionId": t.ID, "refundCents": remaining,
	})
	return t, nil
}

// DeclineRefund returns the transaction to released. The customer's
// remaining recourse is off-platform.
func (s *Service) DeclineRefund(ctx context.Context, bookingID, providerID string) (*Transaction, error) {
	unlock := s.locks.Lock("bkg:" + bookingID)
	defer unlock()

	t, err := s.store.GetActiveByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if t.ProviderID != providerID {
		return nil, ErrForbidden
	}
	if t.Status != StatusRefundRequested {
		return nil, fmt.Errorf("%w: decline requires refund_requested, got %s", ErrInvalidStatus, t.Status)
	}

	now := time.Now()
	before := t.Status
	t.Status = StatusReleased
	t.UpdatedAt = now
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, t, providerID, "decline_refund", before, StatusReleased, 0, "")
	return t, nil
}

// PartialRefund returns part of the held or released amount to the
// customer, initiated by the provider as a goodwill adjustment.
func (s *Service) PartialRefund(ctx context.Context, bookingID, providerID string, amountCents int64, reason string) (*Transaction, error) {
	unlock := s.locks.Lock("bkg:" + bookingID)
	defer unlock()

	t, err := s.store.GetActiveByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if t.ProviderID != providerID {
		return nil, ErrForbidden
	}
	if t.Status != StatusHeld && t.Status != StatusReleased {
		return nil, fmt.Errorf("%w: partial refund requires held or released, got %s", ErrInvalidStatus, t.Status)
	}
	if amountCents <= 0 || amountCents > t.AmountCents-t.RefundedCents {
		return nil, ErrInvalidAmount
	}

	err = s.gateway.Refund(ctx, payments.RefundRequest{
		ChargeRef:   t.ChargeRef,
		AmountCents: amountCents,
		Currency:    t.Currency,
		Reference:   fmt.Sprintf("%s:partial:%d", t.ID, t.RefundedCents+amountCents),
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	before := t.Status
	t.RefundedCents += amountCents
	t.UpdatedAt = now
	if t.RefundedCents >= t.AmountCents {
		t.Status = StatusRefunded
		t.RefundedAt = &now
	}
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, t, providerID, "partial_refund", before, t.Status, amountCents, reason)

	s.notifier.Notify(t.CustomerID, notify.EventEscrowPartialRefund, map[string]any{
		"transactionId": t.ID, "amountCents": amountCents,
	})
	return t, nil
}

// Cancel refunds a held transaction in full when the underlying booking
// is cancelled.
func (s *Service) Cancel(ctx context.Context, bookingID, actor string) error {
	unlock := s.locks.Lock("bkg:" + bookingID)
	defer unlock()

	t, err := s.store.GetActiveByBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if t.Status != StatusHeld {
		return fmt.Errorf("%w: cancel requires held, got %s", ErrInvalidStatus, t.Status)
	}

	remaining := t.AmountCents - t.RefundedCents
	if remaining > 0 {
		err = s.gateway.Refund(ctx, payments.RefundRequest{
			ChargeRef:   t.ChargeRef,
			AmountCents: remaining,
			Currency:    t.Currency,
			Reference:   t.ID + ":cancel",
		})
		if err != nil {
			return err
		}
	}

	now := time.Now()
	before := t.Status
	t.RefundedCents = t.AmountCents
	t.Status = StatusCancelled
	t.RefundedAt = &now
	t.UpdatedAt = now
	if err := s.store.Update(ctx, t); err != nil {
		return err
	}
	s.appendEvent(ctx, t, actor, "cancel", before, StatusCancelled, remaining, "")

	metrics.EscrowsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	return nil
}

// EnterDispute freezes a held transaction while a dispute runs. Funds in
// disputed state cannot be released, refunded or auto-released.
func (s *Service) EnterDispute(ctx context.Context, bookingID string) (*Transaction, error) {
	unlock := s.locks.Lock("bkg:" + bookingID)
	defer unlock()

	t, err := s.store.GetActiveByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusHeld {
		return nil, fmt.Errorf("%w: dispute requires held, got %s", ErrInvalidStatus, t.Status)
	}

	now := time.Now()
	before := t.Status
	t.Status = StatusDisputed
	t.UpdatedAt = now
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, t, "system", "enter_dispute", before, StatusDisputed, 0, "")

	metrics.EscrowsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	return t, nil
}

// ReinstateHold returns a disputed transaction to held when the dispute
// ends without a settlement. No money moves; the auto-release clock
// restarts so the funds do not release the instant they unfreeze.
func (s *Service) ReinstateHold(ctx context.Context, bookingID string) (*Transaction, error) {
	unlock := s.locks.Lock("bkg:" + bookingID)
	defer unlock()

	t, err := s.store.GetActiveByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: reinstate requires disputed, got %s", ErrInvalidStatus, t.Status)
	}

	now := time.Now()
	before := t.Status
	t.Status = StatusHeld
	t.AutoReleaseAt = now.Add(s.cfg.AutoReleaseWindow)
	t.UpdatedAt = now
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, t, "system", "reinstate_hold", before, StatusHeld, 0, "")
	return t, nil
}

// ExitDispute settles a disputed transaction per the resolved split. The
// customer share is refunded and the provider share (minus the platform
// fee) is transferred; both gateway calls use fixed idempotency
// references so a retry after partial failure completes rather than
// double-pays.
func (s *Service) ExitDispute(ctx context.Context, bookingID string, split Split, resolution string) (_ *Transaction, retErr error) {
	if !split.Valid() {
		return nil, ErrInvalidSplit
	}

	ctx, span := traces.StartSpan(ctx, "escrow.ExitDispute", traces.BookingID(bookingID),
		attribute.Int("split.customer_pct", split.CustomerPct),
		attribute.Int("split.provider_pct", split.ProviderPct))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := s.locks.Lock("bkg:" + bookingID)
	defer unlock()

	t, err := s.store.GetActiveByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: settle requires disputed, got %s", ErrInvalidStatus, t.Status)
	}

	// Prior partial refunds shrink the pool being settled. The customer
	// share comes off the remaining charge and the provider share off
	// what is left of their cut after those refunds.
	remaining := t.AmountCents - t.RefundedCents
	providerPool := t.ProviderCents - t.RefundedCents
	if providerPool < 0 {
		providerPool = 0
	}
	refundCents := remaining * int64(split.CustomerPct) / 100
	providerCents := providerPool * int64(split.ProviderPct) / 100

	if refundCents > 0 {
		err = s.gateway.Refund(ctx, payments.RefundRequest{
			ChargeRef:   t.ChargeRef,
			AmountCents: refundCents,
			Currency:    t.Currency,
			Reference:   t.ID + ":dispute-refund",
		})
		if err != nil {
			return nil, err
		}
	}
	if providerCents > 0 {
		err = s.gateway.Transfer(ctx, payments.TransferRequest{
			ProviderAccountID: t.ProviderID,
			AmountCents:       providerCents,
			Currency:          t.Currency,
			Reference:         t.ID + ":dispute-release",
		})
		if err != nil && !s.transferLanded(ctx, t.ID+":dispute-release") {
			// Status stays disputed; the next settle attempt replays the
			// refund against the gateway's dedup and retries the transfer.
			return nil, err
		}
	}

	now := time.Now()
	before := t.Status
	t.RefundedCents += refundCents
	t.UpdatedAt = now
	if split.CustomerPct == 100 {
		t.Status = StatusRefunded
		t.RefundedAt = &now
	} else {
		t.Status = StatusReleased
		t.ReleasedAt = &now
	}
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, t, "system", "exit_dispute", before, t.Status, refundCents, resolution)

	metrics.EscrowsTotal.WithLabelValues(string(t.Status)).Inc()
	s.notifier.Notify(t.CustomerID, notify.EventEscrowRefunded, map[string]any{
		"transactionId": t.ID, "refundCents": refundCents, "resolution": resolution,
	})
	s.logger.Info("escrow dispute settled",
		"transaction_id", t.ID, "customer_pct", split.CustomerPct, "provider_pct", split.ProviderPct)
	return t, nil
}

// AdminRelease forcibly pays the provider regardless of current
// non-terminal status. Audited with the acting admin.
func (s *Service) AdminRelease(ctx context.Context, transactionID, adminID, reason string) (*Transaction, error) {
	t, err := s.store.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock("bkg:" + t.BookingID)
	defer unlock()

	t, err = s.store.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return nil, fmt.Errorf("%w: transaction is terminal (%s)", ErrInvalidStatus, t.Status)
	}
	if t.Status == StatusReleased {
		return t, nil
	}

	payoutCents := t.ProviderCents - t.RefundedCents
	if payoutCents < 0 {
		payoutCents = 0
	}
	if payoutCents > 0 {
		err = s.gateway.Transfer(ctx, payments.TransferRequest{
			ProviderAccountID: t.ProviderID,
			AmountCents:       payoutCents,
			Currency:          t.Currency,
			Reference:         t.ID + ":release",
		})
		if err != nil && !s.transferLanded(ctx, t.ID+":release") {
			return nil, err
		}
	}

	now := time.Now()
	before := t.Status
	t.Status = StatusReleased
	t.ReleasedAt = &now
	t.UpdatedAt = now
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, t, "admin:"+adminID, "admin_release", before, StatusReleased, payoutCents, reason)
	s.logger.Warn("admin override release",
		"transaction_id", t.ID, "admin_id", adminID, "reason", reason)
	return t, nil
}

// AdminRefund forcibly returns the remaining funds to the customer
// regardless of current non-terminal status. Audited with the acting admin.
func (s *Service) AdminRefund(ctx context.Context, transactionID, adminID, reason string) (*Transaction, error) {
	t, err := s.store.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock("bkg:" + t.BookingID)
	defer unlock()

	t, err = s.store.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return nil, fmt.Errorf("%w: transaction is terminal (%s)", ErrInvalidStatus, t.Status)
	}

	remaining := t.AmountCents - t.RefundedCents
	if remaining > 0 {
		err = s.gateway.Refund(ctx, payments.RefundRequest{
			ChargeRef:   t.ChargeRef,
			AmountCents: remaining,
			Currency:    t.Currency,
			Reference:   t.ID + ":admin-refund",
		})
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	before := t.Status
	t.RefundedCents = t.AmountCents
	t.Status = StatusRefunded
	t.RefundedAt = &now
	t.UpdatedAt = now
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, t, "admin:"+adminID, "admin_refund", before, StatusRefunded, remaining, reason)

	metrics.EscrowsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	s.notifier.Notify(t.CustomerID, notify.EventEscrowRefunded, map[string]any{
		"transactionId": t.ID, "refundCents": remaining,
	})
	s.logger.Warn("admin override refund",
		"transaction_id", t.ID, "admin_id", adminID, "reason", reason)
	return t, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// GetByBooking returns the active transaction for a booking.
func (s *Service) GetByBooking(ctx context.Context, bookingID string) (*Transaction, error) {
	return s.store.GetActiveByBooking(ctx, bookingID)
}

// ListByUser returns transactions where the user is customer or provider.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// Events returns the audit log for a transaction.
func (s *Service) Events(ctx context.Context, transactionID string) ([]*Event, error) {
	return s.store.ListEvents(ctx, transactionID)
}

// transferLanded reconciles a failed transfer call against the gateway's
// own record. A timeout can lose the ack for a payout that went through;
// treating such a call as failed would strand the transaction, so we ask
// the processor before giving up.
func (s *Service) transferLanded(ctx context.Context, reference string) bool {
	st, err := s.gateway.LookupTransfer(ctx, reference)
	if err != nil {
		return false
	}
	if st == payments.StatusSucceeded {
		s.logger.Warn("transfer reconciled from gateway record", "reference", reference)
		return true
	}
	return false
}

// appendEvent writes an audit entry. Audit failures are logged, never
// fatal: the money movement has already happened.
func (s *Service) appendEvent(ctx context.Context, t *Transaction, actor, action string, before, after Status, amountCents int64, note string) {
	e := &Event{
		ID:            idgen.WithPrefix("eev_"),
		TransactionID: t.ID,
		Actor:         actor,
		Action:        action,
		BeforeStatus:  before,
		AfterStatus:   after,
		AmountCents:   amountCents,
		Note:          note,
		CreatedAt:     time.Now(),
	}
	if err := s.store.AppendEvent(ctx, e); err != nil {
		s.logger.Error("failed to append escrow event",
			"transaction_id", t.ID, "action", action, "error", err)
	}
}
