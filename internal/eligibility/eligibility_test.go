package eligibility

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	rating      float64
	reviews     int
	completed   int
	cancelled   int
	priorCard   bool
}

func (f *fakeHistory) ProviderRating(context.Context, string) (float64, int, error) {
	return f.rating, f.reviews, nil
}
func (f *fakeHistory) CountCompletedByProvider(context.Context, string) (int, error) {
	return f.completed, nil
}
func (f *fakeHistory) CountCustomerCancelledByProvider(context.Context, string) (int, error) {
	return f.cancelled, nil
}
func (f *fakeHistory) HasCompletedCardBooking(context.Context, string, string) (bool, error) {
	return f.priorCard, nil
}

// passingHistory satisfies every check with room to spare.
func passingHistory() *fakeHistory {
	return &fakeHistory{rating: 4.8, reviews: 12, completed: 20, cancelled: 0, priorCard: true}
}

func newTestGate(h *fakeHistory, accountAgeDays int) *Gate {
	accounts := NewMemoryAccounts()
	accounts.Register("prov1", time.Now().AddDate(0, 0, -accountAgeDays))
	return NewGate(h, accounts, 20000)
}

func check(t *testing.T, g *Gate, amount int64) *Result {
	t.Helper()
	res, err := g.CheckEligibility(context.Background(), "cust1", "prov1", amount)
	require.NoError(t, err)
	return res
}

func TestAllChecksPass(t *testing.T) {
	g := newTestGate(passingHistory(), 365)
	res := check(t, g, 5000)
	assert.True(t, res.Allowed)
	assert.Empty(t, res.Reason)
}

func TestFirstFailingReasonWins(t *testing.T) {
	// Rating fails and the amount also exceeds the limit; the rating
	// reason must win because it is checked first.
	h := passingHistory()
	h.rating = 3.9
	g := newTestGate(h, 365)

	res := check(t, g, 5000)
	require.False(t, res.Allowed)
	assert.Equal(t, ReasonRatingTooLow, res.Reason)

	res = check(t, g, 25000)
	assert.Equal(t, ReasonRatingTooLow, res.Reason)
}

func TestOrderedReasons(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *fakeHistory)
		age    int
		amount int64
		reason string
	}{
		{"amount over limit", func(h *fakeHistory) {}, 365, 20001, ReasonAmountTooHigh},
		{"too few completed", func(h *fakeHistory) { h.completed = 4 }, 365, 5000, ReasonTooFewCompleted},
		{"account too new", func(h *fakeHistory) {}, 29, 5000, ReasonAccountTooNew},
		{"dispute rate too high", func(h *fakeHistory) { h.completed = 8; h.cancelled = 2 }, 365, 5000, ReasonDisputeRate},
		{"no prior card booking", func(h *fakeHistory) { h.priorCard = false }, 365, 5000, ReasonNoPriorCard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := passingHistory()
			tt.mutate(h)
			res := check(t, newTestGate(h, tt.age), tt.amount)
			require.False(t, res.Allowed)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestInclusiveBoundaries(t *testing.T) {
	// Every threshold value exactly at its boundary must pass.
	h := &fakeHistory{rating: 4.0, reviews: 3, completed: 5, cancelled: 0, priorCard: true}
	g := newTestGate(h, 30)

	res := check(t, g, 20000)
	require.True(t, res.Allowed, "reason: %s", res.Reason)

	// Dispute rate exactly 0.10 is still acceptable: 1 cancelled against
	// 9 completed.
	h2 := &fakeHistory{rating: 4.0, reviews: 3, completed: 9, cancelled: 1, priorCard: true}
	res = check(t, newTestGate(h2, 30), 20000)
	assert.True(t, res.Allowed, "reason: %s", res.Reason)
}

func TestBaselineScoreWithoutReviews(t *testing.T) {
	// Established provider with no reviews gets the 3.0 baseline, which
	// still fails the 4.0 bar.
	h := &fakeHistory{rating: 0, reviews: 0, completed: 10, priorCard: true}
	res := check(t, newTestGate(h, 365), 5000)
	require.False(t, res.Allowed)
	assert.Equal(t, ReasonRatingTooLow, res.Reason)
	assert.InDelta(t, 3.0, res.Snapshot.TrustScore, 0.001)

	// Brand-new provider with no reviews keeps a zero score.
	h2 := &fakeHistory{rating: 0, reviews: 0, completed: 2, priorCard: true}
	res = check(t, newTestGate(h2, 365), 5000)
	assert.InDelta(t, 0.0, res.Snapshot.TrustScore, 0.001)
}

func TestSnapshotDetails(t *testing.T) {
	h := &fakeHistory{rating: 4.5, reviews: 6, completed: 8, cancelled: 2, priorCard: true}
	res := check(t, newTestGate(h, 100), 5000)

	snap := res.Snapshot
	assert.Equal(t, "prov1", snap.ProviderID)
	assert.Equal(t, 8, snap.CompletedBookings)
	assert.Equal(t, 2, snap.CustomerCancelled)
	assert.InDelta(t, 0.2, snap.DisputeRate, 0.001)
	assert.Equal(t, 100, snap.AccountAgeDays)
}

func TestResultNeverCachedAcrossCalls(t *testing.T) {
	// The same gate re-reads history each call: flipping an input flips
	// the verdict immediately.
	h := passingHistory()
	g := newTestGate(h, 365)

	assert.True(t, check(t, g, 5000).Allowed)
	h.rating = 2.0
	res := check(t, g, 5000)
	require.False(t, res.Allowed)
	assert.Equal(t, ReasonRatingTooLow, res.Reason)
}
