// Package eligibility decides whether a booking may use the instant
// payment rail. The rail has weaker chargeback protection, so it is
// gated on the provider's trust history. The decision is recomputed from
// live history on every call; every input is mutable, so caching a
// verdict would let a stale pass leak through.
package eligibility

import (
	"context"
	"fmt"
	"time"

	"github.com/mbento/servpay/internal/metrics"
)

// Check outcomes, ordered. The first failing check's reason is returned
// so user-facing messaging stays deterministic.
const (
	ReasonRatingTooLow    = "rating too low"
	ReasonAmountTooHigh   = "amount exceeds instant-rail limit"
	ReasonTooFewCompleted = "provider too new"
	ReasonAccountTooNew   = "provider account too new"
	ReasonDisputeRate     = "provider dispute rate too high"
	ReasonNoPriorCard     = "requires a prior card booking with this provider"
)

// Thresholds for the ordered checks. All boundaries are inclusive.
const (
	MinTrustScore      = 4.0
	MinCompleted       = 5
	MinAccountAgeDays  = 30
	MaxDisputeRate     = 0.10
	baselineTrustScore = 3.0
)

// TrustSnapshot is the provider's aggregate history at decision time.
type TrustSnapshot struct {
	ProviderID          string  `json:"providerId"`
	TrustScore          float64 `json:"trustScore"`
	ReviewCount         int     `json:"reviewCount"`
	CompletedBookings   int     `json:"completedBookings"`
	CustomerCancelled   int     `json:"customerCancelled"`
	AccountAgeDays      int     `json:"accountAgeDays"`
	DisputeRate         float64 `json:"disputeRate"`
	HasPriorCardBooking bool    `json:"hasPriorCardBooking"`
}

// Result is the gate's verdict. Reason is set only when denied.
type Result struct {
	Allowed  bool          `json:"allowed"`
	Reason   string        `json:"reason,omitempty"`
	Snapshot TrustSnapshot `json:"details"`
}

// History supplies the live inputs for a trust snapshot.
type History interface {
	ProviderRating(ctx context.Context, providerID string) (avg float64, count int, err error)
	CountCompletedByProvider(ctx context.Context, providerID string) (int, error)
	CountCustomerCancelledByProvider(ctx context.Context, providerID string) (int, error)
	HasCompletedCardBooking(ctx context.Context, customerID, providerID string) (bool, error)
}

// AccountDirectory resolves when a user account was created.
type AccountDirectory interface {
	CreatedAt(ctx context.Context, userID string) (time.Time, error)
}

// Gate evaluates instant-rail eligibility.
type Gate struct {
	history         History
	accounts        AccountDirectory
	maxAmountCents  int64
	now             func() time.Time
}

// NewGate creates an eligibility gate. maxAmountCents is the instant-rail
// ceiling in minor units.
func NewGate(history History, accounts AccountDirectory, maxAmountCents int64) *Gate {
	return &Gate{
		history:        history,
		accounts:       accounts,
		maxAmountCents: maxAmountCents,
		now:            time.Now,
	}
}

// Check implements booking.Gate.
func (g *Gate) Check(ctx context.Context, customerID, providerID string, amountCents int64) (bool, string, error) {
	res, err := g.CheckEligibility(ctx, customerID, providerID, amountCents)
	if err != nil {
		return false, "", err
	}
	return res.Allowed, res.Reason, nil
}

// CheckEligibility computes the trust snapshot and runs the ordered
// checks, returning the first failing reason.
func (g *Gate) CheckEligibility(ctx context.Context, customerID, providerID string, amountCents int64) (*Result, error) {
	snap, err := g.snapshot(ctx, customerID, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to build trust snapshot: %w", err)
	}

	res := &Result{Snapshot: *snap}
	switch {
	case snap.TrustScore < MinTrustScore:
		res.Reason = ReasonRatingTooLow
	case amountCents > g.maxAmountCents:
		res.Reason = ReasonAmountTooHigh
	case snap.CompletedBookings < MinCompleted:
		res.Reason = ReasonTooFewCompleted
	case snap.AccountAgeDays < MinAccountAgeDays:
		res.Reason = ReasonAccountTooNew
	case snap.DisputeRate > MaxDisputeRate:
		res.Reason = ReasonDisputeRate
	case !snap.HasPriorCardBooking:
		res.Reason = ReasonNoPriorCard
	default:
		res.Allowed = true
	}

	label := res.Reason
	if res.Allowed {
		label = "allowed"
	}
	metrics.EligibilityChecksTotal.WithLabelValues(label).Inc()
	return res, nil
}

func (g *Gate) snapshot(ctx context.Context, customerID, providerID string) (*TrustSnapshot, error) {
	rating, reviews, err := g.history.ProviderRating(ctx, providerID)
	if err != nil {
		return nil, err
	}
	completed, err := g.history.CountCompletedByProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	cancelled, err := g.history.CountCustomerCancelledByProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	priorCard, err := g.history.HasCompletedCardBooking(ctx, customerID, providerID)
	if err != nil {
		return nil, err
	}
	createdAt, err := g.accounts.CreatedAt(ctx, providerID)
	if err != nil {
		return nil, err
	}

	score := rating
	if reviews == 0 && completed >= MinCompleted {
		// Established providers with no reviews yet get a neutral baseline
		// rather than a zero score.
		score = baselineTrustScore
	}

	var disputeRate float64
	if completed+cancelled > 0 {
		disputeRate = float64(cancelled) / float64(completed+cancelled)
	}

	return &TrustSnapshot{
		ProviderID:          providerID,
		TrustScore:          score,
		ReviewCount:         reviews,
		CompletedBookings:   completed,
		CustomerCancelled:   cancelled,
		AccountAgeDays:      int(g.now().Sub(createdAt).Hours() / 24),
		DisputeRate:         disputeRate,
		HasPriorCardBooking: priorCard,
	}, nil
}
