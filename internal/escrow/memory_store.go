package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	txns   map[string]*Transaction
	events map[string][]*Event // keyed by transaction ID
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:   make(map[string]*Transaction),
		events: make(map[string][]*Event),
	}
}

func (s *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.txns[t.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// GetActiveByBooking returns the most recent non-terminal transaction
// for the booking. Released transactions remain visible so post-release
// refund flows can find them; refunded and cancelled ones do not block a
// fresh hold.
func (s *MemoryStore) GetActiveByBooking(ctx context.Context, bookingID string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Transaction
	for _, t := range s.txns {
		if t.BookingID != bookingID || t.IsTerminal() {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, t *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txns[t.ID]; !ok {
		return ErrNotFound
	}
	cp := *t
	s.txns[t.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, t := range s.txns {
		if t.CustomerID == userID || t.ProviderID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, t := range s.txns {
		if t.Status == StatusHeld && t.AutoReleaseAt.Before(before) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AutoReleaseAt.Before(out[j].AutoReleaseAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.events[e.TransactionID] = append(s.events[e.TransactionID], &cp)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, transactionID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[transactionID]
	out := make([]*Event, len(evs))
	for i, e := range evs {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}
