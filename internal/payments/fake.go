package payments

import (
	"context"
	"sync"
)

// FakeGateway is an in-memory gateway for development mode and tests.
// It records each primitive once per reference, mirroring the processor's
// idempotency-key deduplication.
type FakeGateway struct {
	mu        sync.Mutex
	transfers map[string]TransferRequest
	refunds   map[string]RefundRequest

	// FailTransfers / FailRefunds make the next calls fail with ErrGateway.
	FailTransfers bool
	FailRefunds   bool
	// DropTransferAcks executes transfers but reports ErrGateway, the way
	// a timeout loses the response to a call that went through.
	DropTransferAcks bool
}

// NewFakeGateway creates an empty fake gateway.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		transfers: make(map[string]TransferRequest),
		refunds:   make(map[string]RefundRequest),
	}
}

func (g *FakeGateway) Transfer(_ context.Context, req TransferRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailTransfers {
		return ErrGateway
	}
	if _, done := g.transfers[req.Reference]; done {
		return nil
	}
	g.transfers[req.Reference] = req
	if g.DropTransferAcks {
		return ErrGateway
	}
	return nil
}

func (g *FakeGateway) Refund(_ context.Context, req RefundRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailRefunds {
		return ErrGateway
	}
	if _, done := g.refunds[req.Reference]; done {
		return nil
	}
	g.refunds[req.Reference] = req
	return nil
}

func (g *FakeGateway) LookupTransfer(_ context.Context, reference string) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.transfers[reference]; ok {
		return StatusSucceeded, nil
	}
	return StatusUnknown, nil
}

// TransferCount returns how many distinct transfers were executed.
func (g *FakeGateway) TransferCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.transfers)
}

// RefundCount returns how many distinct refunds were executed.
func (g *FakeGateway) RefundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

// TransferFor returns the recorded transfer for a reference, if any.
func (g *FakeGateway) TransferFor(reference string) (TransferRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.transfers[reference]
	return req, ok
}

// RefundFor returns the recorded refund for a reference, if any.
func (g *FakeGateway) RefundFor(reference string) (RefundRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.refunds[reference]
	return req, ok
}
