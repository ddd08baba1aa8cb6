// Package dispute runs the three-phase resolution process for a booking
// whose escrow funds are contested.
//
// Phase 1 (negotiation): the parties trade refund-percentage counter
// offers; acceptance settles immediately. Phase 2 (ai_mediation): an
// advisor proposes 2-4 split options; if both parties pick the same one
// it settles. Phase 3 (arbitration): the advisor issues a binding
// decision which either party accepts, or buys out of at a penalty.
// Each phase carries a deadline; lapsing moves the dispute forward, so a
// dispute can never stall indefinitely while funds sit frozen.
package dispute

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("dispute not found")
	ErrConflict       = errors.New("dispute is not in the required phase")
	ErrForbidden      = errors.New("not a party to this dispute")
	ErrAlreadyExists  = errors.New("active dispute already exists for booking")
	ErrInvalidPercent = errors.New("refund percent must be between 0 and 100")
	ErrTooEarly       = errors.New("escalation not yet available")
	ErrAdvisor        = errors.New("advisor unavailable")
	ErrInvalidOption  = errors.New("option does not belong to this dispute")
	ErrOwnOffer       = errors.New("cannot accept your own counter-offer")
)

// Status is the dispute's lifecycle state. The resolved_* values are
// terminal and record which phase produced the settlement.
type Status string

const (
	StatusOpen        Status = "open"        // phase 1, no responses yet
	StatusNegotiating Status = "negotiating" // phase 1, offers on the table
	StatusMediation   Status = "ai_mediation"
	StatusArbitration Status = "arbitration"

	StatusResolvedNegotiation Status = "resolved_negotiation"
	StatusResolvedMediation   Status = "resolved_mediation"
	StatusResolvedDecision    Status = "resolved_decision"
	StatusResolvedExternal    Status = "resolved_external"

	// StatusClosed marks a dispute withdrawn by its raiser during phase 1.
	// The escrow hold is reinstated untouched.
	StatusClosed Status = "closed"
)

// IsTerminal reports whether no further dispute activity is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusResolvedNegotiation, StatusResolvedMediation, StatusResolvedDecision, StatusResolvedExternal, StatusClosed:
		return true
	}
	return false
}

// Role identifies which side of the booking a participant is on.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
)

// Dispute is one contested booking moving through the phases.
type Dispute struct {
	ID           string   `json:"id"`
	BookingID    string   `json:"bookingId"`
	CustomerID   string   `json:"customerId"`
	ProviderID   string   `json:"providerId"`
	RaisedBy     Role     `json:"raisedBy"`
	Reason       string   `json:"reason"`
	Description  string   `json:"description"`
	EvidenceURLs []string `json:"evidenceUrls,omitempty"`
	Status       Status   `json:"status"`

	Phase1Deadline *time.Time `json:"phase1Deadline,omitempty"`
	Phase2Deadline *time.Time `json:"phase2Deadline,omitempty"`
	Phase3Deadline *time.Time `json:"phase3Deadline,omitempty"`

	// Final split, set once on resolution.
	FinalCustomerPct *int       `json:"finalCustomerPct,omitempty"`
	FinalProviderPct *int       `json:"finalProviderPct,omitempty"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PartyOf returns the role userID plays on this dispute, or "".
func (d *Dispute) PartyOf(userID string) Role {
	switch userID {
	case d.CustomerID:
		return RoleCustomer
	case d.ProviderID:
		return RoleProvider
	}
	return ""
}

// otherParty returns the user ID of the opposite side.
func (d *Dispute) otherParty(userID string) string {
	if userID == d.CustomerID {
		return d.ProviderID
	}
	return d.CustomerID
}

// ResponseType classifies entries in a dispute's response log.
type ResponseType string

const (
	ResponseCounterOffer    ResponseType = "counter_offer"
	ResponseAcceptOffer     ResponseType = "accept_offer"
	ResponseEscalation      ResponseType = "escalation_request"
	ResponseOptionSelection ResponseType = "option_selection"
	ResponseDecisionAccept  ResponseType = "decision_acceptance"
	ResponseExternal        ResponseType = "external_resolution"
	ResponseWithdrawal      ResponseType = "withdrawal"
)

// Response is one immutable entry in the dispute's response log.
type Response struct {
	ID               string       `json:"id"`
	DisputeID        string       `json:"disputeId"`
	UserID           string       `json:"userId"`
	Role             Role         `json:"role"`
	Type             ResponseType `json:"type"`
	RefundPercent    *int         `json:"refundPercent,omitempty"`    // counter offers
	SelectedOptionID string       `json:"selectedOptionId,omitempty"` // option selections
	Message          string       `json:"message,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// Option is one advisor-proposed split in phase 2, persisted verbatim.
type Option struct {
	ID          string    `json:"id"`
	DisputeID   string    `json:"disputeId"`
	CustomerPct int       `json:"customerPct"`
	ProviderPct int       `json:"providerPct"`
	Rationale   string    `json:"rationale"`
	CreatedAt   time.Time `json:"createdAt"`
}

// DecisionStatus tracks what happened to a phase-3 decision.
type DecisionStatus string

const (
	DecisionPending            DecisionStatus = "pending"
	DecisionExecuted           DecisionStatus = "executed"
	DecisionOverriddenExternal DecisionStatus = "overridden_external"
)

// Decision is the binding phase-3 split. Immutable once written except
// for its status.
type Decision struct {
	ID          string         `json:"id"`
	DisputeID   string         `json:"disputeId"`
	CustomerPct int            `json:"customerPct"`
	ProviderPct int            `json:"providerPct"`
	Summary     string         `json:"summary"`
	Reasoning   string         `json:"reasoning"`
	KeyFactors  []string       `json:"keyFactors,omitempty"`
	Status      DecisionStatus `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Store persists disputes, responses, options and decisions.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	GetActiveByBooking(ctx context.Context, bookingID string) (*Dispute, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error)

	// Deadline sweeps, one per phase.
	ListLapsedPhase1(ctx context.Context, before time.Time, limit int) ([]*Dispute, error)
	ListLapsedPhase2(ctx context.Context, before time.Time, limit int) ([]*Dispute, error)
	ListLapsedPhase3(ctx context.Context, before time.Time, limit int) ([]*Dispute, error)

	AppendResponse(ctx context.Context, r *Response) error
	GetResponse(ctx context.Context, id string) (*Response, error)
	ListResponses(ctx context.Context, disputeID string) ([]*Response, error)

	CreateOption(ctx context.Context, o *Option) error
	GetOption(ctx context.Context, id string) (*Option, error)
	ListOptions(ctx context.Context, disputeID string) ([]*Option, error)

	CreateDecision(ctx context.Context, d *Decision) error
	GetDecisionByDispute(ctx context.Context, disputeID string) (*Decision, error)
	UpdateDecision(ctx context.Context, d *Decision) error
}

// Ledger is the escrow collaborator. HoldForDispute freezes the
// booking's funds, Settle applies the final split and unfreezes, and
// Reinstate unfreezes without moving any money when a dispute is
// withdrawn.
type Ledger interface {
	HoldForDispute(ctx context.Context, bookingID string) error
	Settle(ctx context.Context, bookingID string, customerPct, providerPct int, resolution string) error
	Reinstate(ctx context.Context, bookingID string) error
}

// BookingDirectory resolves the parties of a booking.
type BookingDirectory interface {
	Parties(ctx context.Context, bookingID string) (customerID, providerID string, err error)
}

// ProposedOption is an advisor suggestion before persistence.
type ProposedOption struct {
	CustomerPct int
	ProviderPct int
	Rationale   string
}

// ProposedDecision is the advisor's binding ruling before persistence.
type ProposedDecision struct {
	CustomerPct int
	ProviderPct int
	Summary     string
	Reasoning   string
	KeyFactors  []string
}

// Advisor produces mediation options and the binding decision.
type Advisor interface {
	ProposeOptions(ctx context.Context, d *Dispute, responses []*Response) ([]ProposedOption, error)
	Decide(ctx context.Context, d *Dispute, responses []*Response, options []*Option) (*ProposedDecision, error)
}
