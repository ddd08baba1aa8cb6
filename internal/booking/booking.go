// Package booking owns the lifecycle of a service engagement between a
// customer and a provider.
//
// Flow:
//  1. Customer books a service → pending
//  2. Provider confirms (or proposes an alternative window) → confirmed
//  3. Provider starts the work → in_progress
//  4. Provider marks it done → completed; customer confirmation releases escrow
//  5. Either party may cancel while non-terminal; no-shows are recorded
//
// Every escrow transaction and dispute is anchored to exactly one booking.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbento/servpay/internal/idgen"
	"github.com/mbento/servpay/internal/metrics"
	"github.com/mbento/servpay/internal/notify"
	"github.com/mbento/servpay/internal/syncutil"
)

var (
	ErrBookingNotFound    = errors.New("booking not found")
	ErrInvalidStatus      = errors.New("invalid booking status for this operation")
	ErrForbidden          = errors.New("not a party to this booking")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidWindow      = errors.New("invalid time window")
	ErrAlternativeExpired = errors.New("alternative window offer has expired")
	ErrAlreadyReviewed    = errors.New("booking already reviewed")
	ErrEligibilityDenied  = errors.New("instant rail not available")
	ErrInvalidRating      = errors.New("rating must be between 1 and 5")
)

// Status represents the state of a booking.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// PaymentMethod is the rail the customer pays over.
type PaymentMethod string

const (
	MethodCard    PaymentMethod = "card"
	MethodInstant PaymentMethod = "instant"
	MethodCash    PaymentMethod = "cash"
)

// Party identifies which side of a booking acted.
type Party string

const (
	PartyCustomer Party = "customer"
	PartyProvider Party = "provider"
)

// Window is a requested service time window.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether the window is well-formed and not in the past.
func (w Window) Valid(now time.Time) bool {
	return !w.Start.IsZero() && w.End.After(w.Start) && w.End.After(now)
}

// Booking represents one engagement between a customer and a provider.
type Booking struct {
	ID            string        `json:"id"`
	CustomerID    string        `json:"customerId"`
	ProviderID    string        `json:"providerId"`
	ServiceID     string        `json:"serviceId"`
	PaymentMethod PaymentMethod `json:"paymentMethod"`
	Status        Status        `json:"status"`
	Window        Window        `json:"window"`
	AltWindow     *Window       `json:"altWindow,omitempty"`
	AltExpiresAt  *time.Time    `json:"altExpiresAt,omitempty"`
	TotalCents    int64         `json:"totalCents"`
	Currency      string        `json:"currency"`
	CancelledBy   Party         `json:"cancelledBy,omitempty"`
	CancelReason  string        `json:"cancelReason,omitempty"`
	ConfirmedAt   *time.Time    `json:"confirmedAt,omitempty"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// IsTerminal returns true if the booking is in a final state.
func (b *Booking) IsTerminal() bool {
	switch b.Status {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// PartyOf returns the role userID plays on this booking, or "".
func (b *Booking) PartyOf(userID string) Party {
	switch userID {
	case b.CustomerID:
		return PartyCustomer
	case b.ProviderID:
		return PartyProvider
	}
	return ""
}

// Review is a customer rating of a completed booking. Ratings feed the
// provider trust snapshot used by the instant-rail gate.
type Review struct {
	ID         string    `json:"id"`
	BookingID  string    `json:"bookingId"`
	CustomerID string    `json:"customerId"`
	ProviderID string    `json:"providerId"`
	Rating     int       `json:"rating"` // 1-5
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists bookings and reviews.
type Store interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id string) (*Booking, error)
	Update(ctx context.Context, b *Booking) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error)

	CreateReview(ctx context.Context, r *Review) error
	GetReviewByBooking(ctx context.Context, bookingID string) (*Review, error)

	// History queries backing the trust snapshot.
	CountCompletedByProvider(ctx context.Context, providerID string) (int, error)
	CountCustomerCancelledByProvider(ctx context.Context, providerID string) (int, error)
	HasCompletedCardBooking(ctx context.Context, customerID, providerID string) (bool, error)
	ProviderRating(ctx context.Context, providerID string) (avg float64, count int, err error)
}

// EscrowLedger is the escrow collaborator: open a hold when a non-cash
// booking confirms, release on customer confirmation, cancel on
// cancellation while still held.
type EscrowLedger interface {
	Open(ctx context.Context, bookingID, customerID, providerID string, amountCents int64, rail, chargeRef string) error
	Release(ctx context.Context, bookingID, actor string) error
	Cancel(ctx context.Context, bookingID, actor string) error
}

// Gate decides whether the instant rail may be used for this booking.
type Gate interface {
	Check(ctx context.Context, customerID, providerID string, amountCents int64) (allowed bool, reason string, err error)
}

// ChargeRefFunc resolves the processor charge reference for a confirmed
// booking (set by the payment capture flow, out of scope here).
type ChargeRefFunc func(bookingID string) string

// CreateRequest contains the parameters for creating a booking.
type CreateRequest struct {
	ServiceID     string        `json:"serviceId" binding:"required"`
	ProviderID    string        `json:"providerId" binding:"required"`
	Window        Window        `json:"window" binding:"required"`
	PaymentMethod PaymentMethod `json:"paymentMethod" binding:"required"`
	TotalCents    int64         `json:"totalCents" binding:"required"`
}

// AlternativeRequest proposes a different time window.
type AlternativeRequest struct {
	Window    Window `json:"window" binding:"required"`
	ExpiresIn string `json:"expiresIn"` // duration string, default 24h
}

// CancelRequest records why a booking was cancelled.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// ReviewRequest rates a completed booking.
type ReviewRequest struct {
	Rating  int    `json:"rating" binding:"required"`
	Comment string `json:"comment"`
}

// Service implements booking business logic.
type Service struct {
	store     Store
	escrow    EscrowLedger
	gate      Gate
	notifier  *notify.Notifier
	chargeRef ChargeRefFunc
	currency  string
	locks     syncutil.KeyMutex
}

// NewService creates a new booking service.
func NewService(store Store, escrow EscrowLedger, gate Gate, notifier *notify.Notifier, currency string) *Service {
	return &Service{
		store:    store,
		escrow:   escrow,
		gate:     gate,
		notifier: notifier,
		currency: currency,
		chargeRef: func(bookingID string) string {
			return "ch_" + bookingID
		},
	}
}

// WithChargeRef overrides how processor charge references are resolved.
func (s *Service) WithChargeRef(fn ChargeRefFunc) *Service {
	s.chargeRef = fn
	return s
}

// Create places a new booking. Instant-rail bookings are created only when
// the eligibility gate allows them; the gate result is never cached.
func (s *Service) Create(ctx context.Context, customerID string, req CreateRequest) (*Booking, error) {
	if customerID == req.ProviderID {
		return nil, fmt.Errorf("%w: customer and provider cannot be the same user", ErrForbidden)
	}
	if req.TotalCents <= 0 {
		return nil, ErrInvalidAmount
	}
	now := time.Now()
	if !req.Window.Valid(now) {
		return nil, ErrInvalidWindow
	}
	switch req.PaymentMethod {
	case MethodCard, MethodInstant, MethodCash:
	default:
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrInvalidAmount, req.PaymentMethod)
	}

	if req.PaymentMethod == MethodInstant {
		allowed, reason, err := s.gate.Check(ctx, customerID, req.ProviderID, req.TotalCents)
		if err != nil {
			return nil, fmt.Errorf("eligibility check failed: %w", err)
		}
		if !allowed {
			return nil, fmt.Errorf("%w: %s", ErrEligibilityDenied, reason)
		}
	}

	b := &Booking{
		ID:            idgen.WithPrefix("bkg_"),
		CustomerID:    customerID,
		ProviderID:    req.ProviderID,
		ServiceID:     req.ServiceID,
		PaymentMethod: req.PaymentMethod,
		Status:        StatusPending,
		Window:        req.Window,
		TotalCents:    req.TotalCents,
		Currency:      s.currency,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create booking: %w", err)
	}

	metrics.BookingsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.notifier.Notify(b.ProviderID, notify.EventBookingRequested, map[string]any{
		"bookingId": b.ID, "status": string(b.Status),
	})
	return b, nil
}

// Confirm accepts a pending booking. Non-cash bookings open an escrow hold
// for the full amount.
func (s *Service) Confirm(ctx context.Context, bookingID, callerID string) (*Booking, error) {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.ProviderID != callerID {
		return nil, ErrForbidden
	}
	if b.Status != StatusPending {
		return nil, ErrInvalidStatus
	}
	return s.confirm(ctx, b)
}

// AcceptAlternative confirms a pending booking using the provider's
// proposed alternative window.
func (s *Service) AcceptAlternative(ctx context.Context, bookingID, callerID string) (*Booking, error) {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.CustomerID != callerID {
		return nil, ErrForbidden
	}
	if b.Status != StatusPending || b.AltWindow == nil {
		return nil, ErrInvalidStatus
	}
	if b.AltExpiresAt != nil && time.Now().After(*b.AltExpiresAt) {
		return nil, ErrAlternativeExpired
	}

	b.Window = *b.AltWindow
	b.AltWindow = nil
	b.AltExpiresAt = nil
	return s.confirm(ctx, b)
}

func (s *Service) confirm(ctx context.Context, b *Booking) (*Booking, error) {
	// Escrow first: a confirmation without a hold would let the engagement
	// proceed unfunded.
	if b.PaymentMethod != MethodCash {
		err := s.escrow.Open(ctx, b.ID, b.CustomerID, b.ProviderID, b.TotalCents,
			string(b.PaymentMethod), s.chargeRef(b.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to open escrow: %w", err)
		}
	}

	now := time.Now()
	b.Status = StatusConfirmed
	b.ConfirmedAt = &now
	b.UpdatedAt = now
	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}

	metrics.BookingsTotal.WithLabelValues(string(StatusConfirmed)).Inc()
	s.notifier.Notify(b.CustomerID, notify.EventBookingConfirmed, map[string]any{
		"bookingId": b.ID, "window": b.Window,
	})
	return b, nil
}

// ProposeAlternative lets the provider offer a different window for a
// pending booking. The offer carries its own expiry.
func (s *Service) ProposeAlternative(ctx context.Context, bookingID, callerID string, req AlternativeRequest) (*Booking, error) {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.ProviderID != callerID {
		return nil, ErrForbidden
	}
	if b.Status != StatusPending {
		return nil, ErrInvalidStatus
	}
	now := time.Now()
	if !req.Window.Valid(now) {
		return nil, ErrInvalidWindow
	}

	expiresIn := 24 * time.Hour
	if req.ExpiresIn != "" {
		if d, err := time.ParseDuration(req.ExpiresIn); err == nil && d > 0 {
			expiresIn = d
		}
	}
	expiry := now.Add(expiresIn)

	b.AltWindow = &req.Window
	b.AltExpiresAt = &expiry
	b.UpdatedAt = now
	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}

	s.notifier.Notify(b.CustomerID, notify.EventBookingAlternative, map[string]any{
		"bookingId": b.ID, "window": req.Window, "expiresAt": expiry,
	})
	return b, nil
}

// Start moves a confirmed booking to in_progress.
func (s *Service) Start(ctx context.Context, bookingID, callerID string) (*Booking, error) {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.ProviderID != callerID {
		return nil, ErrForbidden
	}
	if b.Status != StatusConfirmed {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	b.Status = StatusInProgress
	b.UpdatedAt = now
	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}

	metrics.BookingsTotal.WithLabelValues(string(StatusInProgress)).Inc()
	s.notifier.Notify(b.CustomerID, notify.EventBookingStarted, map[string]any{"bookingId": b.ID})
	return b, nil
}

// Complete marks the work done. Funds stay held until the customer
// confirms completion or the escrow grace window lapses.
func (s *Service) Complete(ctx context.Context, bookingID, callerID string) (*Booking, error) {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.ProviderID != callerID {
		return nil, ErrForbidden
	}
	if b.Status != StatusInProgress {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	b.Status = StatusCompleted
	b.CompletedAt = &now
	b.UpdatedAt = now
	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}

	metrics.BookingsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	s.notifier.Notify(b.CustomerID, notify.EventBookingCompleted, map[string]any{"bookingId": b.ID})
	return b, nil
}

// ConfirmCompletion is the customer's sign-off on a completed booking and
// triggers the escrow release.
func (s *Service) ConfirmCompletion(ctx context.Context, bookingID, callerID string) (*Booking, error) {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.CustomerID != callerID {
		return nil, ErrForbidden
	}
	if b.Status != StatusCompleted {
		return nil, ErrInvalidStatus
	}

	if b.PaymentMethod != MethodCash {
		if err := s.escrow.Release(ctx, b.ID, callerID); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Cancel ends a non-terminal booking and records who cancelled. A held
// escrow transaction is cancelled (refunded in full) in the same operation.
func (s *Service) Cancel(ctx context.Context, bookingID, callerID, reason string) (*Booking, error) {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	party := b.PartyOf(callerID)
	if party == "" {
		return nil, ErrForbidden
	}
	if b.IsTerminal() {
		return nil, ErrInvalidStatus
	}

	if b.PaymentMethod != MethodCash && b.Status != StatusPending {
		if err := s.escrow.Cancel(ctx, b.ID, callerID); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	b.Status = StatusCancelled
	b.CancelledBy = party
	b.CancelReason = reason
	b.UpdatedAt = now
	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}

	metrics.BookingsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	other := b.ProviderID
	if party == PartyProvider {
		other = b.CustomerID
	}
	s.notifier.Notify(other, notify.EventBookingCancelled, map[string]any{
		"bookingId": b.ID, "cancelledBy": string(party),
	})
	return b, nil
}

// NoShow records that the customer never appeared. Funds stay held and
// auto-release to the provider after the grace window.
func (s *Service) NoShow(ctx context.Context, bookingID, callerID string) (*Booking, error) {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.ProviderID != callerID {
		return nil, ErrForbidden
	}
	if b.Status != StatusConfirmed && b.Status != StatusInProgress {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	b.Status = StatusNoShow
	b.UpdatedAt = now
	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}

	metrics.BookingsTotal.WithLabelValues(string(StatusNoShow)).Inc()
	s.notifier.Notify(b.CustomerID, notify.EventBookingNoShow, map[string]any{"bookingId": b.ID})
	return b, nil
}

// Review records the customer's one rating of a completed booking.
func (s *Service) Review(ctx context.Context, bookingID, callerID string, req ReviewRequest) (*Review, error) {
	if req.Rating < 1 || req.Rating > 5 {
		return nil, ErrInvalidRating
	}

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.CustomerID != callerID {
		return nil, ErrForbidden
	}
	if b.Status != StatusCompleted {
		return nil, ErrInvalidStatus
	}
	if _, err := s.store.GetReviewByBooking(ctx, bookingID); err == nil {
		return nil, ErrAlreadyReviewed
	}

	r := &Review{
		ID:         idgen.WithPrefix("rev_"),
		BookingID:  b.ID,
		CustomerID: b.CustomerID,
		ProviderID: b.ProviderID,
		Rating:     req.Rating,
		Comment:    req.Comment,
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreateReview(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns a booking by ID.
func (s *Service) Get(ctx context.Context, id string) (*Booking, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns bookings where the user is customer or provider.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}
