package booking

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*Booking
	reviews  map[string]*Review // keyed by booking ID
}

// NewMemoryStore creates a new in-memory booking store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*Booking),
		reviews:  make(map[string]*Review),
	}
}

func (s *MemoryStore) Create(ctx context.Context, b *Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.bookings[b.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, b *Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; !ok {
		return ErrBookingNotFound
	}
	cp := *b
	s.bookings[b.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Booking
	for _, b := range s.bookings {
		if b.CustomerID == userID || b.ProviderID == userID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return strings.Compare(out[i].ID, out[j].ID) < 0
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateReview(ctx context.Context, r *Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reviews[r.BookingID]; ok {
		return ErrAlreadyReviewed
	}
	cp := *r
	s.reviews[r.BookingID] = &cp
	return nil
}

func (s *MemoryStore) GetReviewByBooking(ctx context.Context, bookingID string) (*Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reviews[bookingID]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) CountCompletedByProvider(ctx context.Context, providerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, b := range s.bookings {
		if b.ProviderID == providerID && b.Status == StatusCompleted {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountCustomerCancelledByProvider(ctx context.Context, providerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, b := range s.bookings {
		if b.ProviderID == providerID && b.Status == StatusCancelled && b.CancelledBy == PartyCustomer {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) HasCompletedCardBooking(ctx context.Context, customerID, providerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bookings {
		if b.CustomerID == customerID && b.ProviderID == providerID &&
			b.Status == StatusCompleted && b.PaymentMethod == MethodCard {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ProviderRating(ctx context.Context, providerID string) (float64, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, n := 0, 0
	for _, r := range s.reviews {
		if r.ProviderID == providerID {
			sum += r.Rating
			n++
		}
	}
	if n == 0 {
		return 0, 0, nil
	}
	return float64(sum) / float64(n), n, nil
}
