package dispute

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	disputes  map[string]*Dispute
	responses map[string]*Response
	options   map[string]*Option
	decisions map[string]*Decision // keyed by dispute ID
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes:  make(map[string]*Dispute),
		responses: make(map[string]*Response),
		options:   make(map[string]*Option),
		decisions: make(map[string]*Decision),
	}
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	cp.EvidenceURLs = append([]string(nil), d.EvidenceURLs...)
	return &cp
}

func (s *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disputes[d.ID] = copyDispute(d)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDispute(d), nil
}

func (s *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[d.ID]; !ok {
		return ErrNotFound
	}
	s.disputes[d.ID] = copyDispute(d)
	return nil
}

func (s *MemoryStore) GetActiveByBooking(ctx context.Context, bookingID string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.disputes {
		if d.BookingID == bookingID && !d.Status.IsTerminal() {
			return copyDispute(d), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Dispute
	for _, d := range s.disputes {
		if d.CustomerID == userID || d.ProviderID == userID {
			out = append(out, copyDispute(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) listLapsed(match func(*Dispute) bool, limit int) []*Dispute {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Dispute
	for _, d := range s.disputes {
		if match(d) {
			out = append(out, copyDispute(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) ListLapsedPhase1(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	return s.listLapsed(func(d *Dispute) bool {
		return (d.Status == StatusOpen || d.Status == StatusNegotiating) &&
			d.Phase1Deadline != nil && d.Phase1Deadline.Before(before)
	}, limit), nil
}

func (s *MemoryStore) ListLapsedPhase2(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	return s.listLapsed(func(d *Dispute) bool {
		return d.Status == StatusMediation &&
			d.Phase2Deadline != nil && d.Phase2Deadline.Before(before)
	}, limit), nil
}

func (s *MemoryStore) ListLapsedPhase3(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	return s.listLapsed(func(d *Dispute) bool {
		return d.Status == StatusArbitration &&
			d.Phase3Deadline != nil && d.Phase3Deadline.Before(before)
	}, limit), nil
}

func (s *MemoryStore) AppendResponse(ctx context.Context, r *Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.responses[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetResponse(ctx context.Context, id string) (*Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.responses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListResponses(ctx context.Context, disputeID string) ([]*Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Response
	for _, r := range s.responses {
		if r.DisputeID == disputeID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CreateOption(ctx context.Context, o *Option) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.options[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOption(ctx context.Context, id string) (*Option, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.options[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOptions(ctx context.Context, disputeID string) ([]*Option, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Option
	for _, o := range s.options {
		if o.DisputeID == disputeID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateDecision(ctx context.Context, d *Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	cp.KeyFactors = append([]string(nil), d.KeyFactors...)
	s.decisions[d.DisputeID] = &cp
	return nil
}

func (s *MemoryStore) GetDecisionByDispute(ctx context.Context, disputeID string) (*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[disputeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	cp.KeyFactors = append([]string(nil), d.KeyFactors...)
	return &cp, nil
}

func (s *MemoryStore) UpdateDecision(ctx context.Context, d *Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.decisions[d.DisputeID]; !ok {
		return ErrNotFound
	}
	cp := *d
	cp.KeyFactors = append([]string(nil), d.KeyFactors...)
	s.decisions[d.DisputeID] = &cp
	return nil
}
