package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbento/servpay/internal/idgen"
	"github.com/mbento/servpay/internal/metrics"
	"github.com/mbento/servpay/internal/notify"
	"github.com/mbento/servpay/internal/syncutil"
	"github.com/mbento/servpay/internal/traces"
	"github.com/mbento/servpay/internal/validation"
)

// Config carries the tunable phase policy.
type Config struct {
	// NegotiationWindow bounds phase 1; lapsing auto-escalates.
	NegotiationWindow time.Duration
	// NegotiationMinElapsed is the earliest a party may voluntarily
	// escalate out of phase 1.
	NegotiationMinElapsed time.Duration
	// MediationWindow bounds phase 2; lapsing escalates to arbitration.
	MediationWindow time.Duration
	// DecisionReviewWindow bounds phase 3; lapsing executes the decision.
	DecisionReviewWindow time.Duration
	// ExternalPenaltyPct is forfeited from the share of the party that
	// opts out of the binding decision.
	ExternalPenaltyPct int
}

// Service orchestrates dispute resolution. All mutations hold the
// per-dispute lock and re-check the phase against the transition table
// immediately before the terminal write, so concurrent actions (accept
// vs escalate, select vs lapse) cannot both settle.
type Service struct {
	store    Store
	ledger   Ledger
	bookings BookingDirectory
	advisor  Advisor
	notifier *notify.Notifier
	cfg      Config
	logger   *slog.Logger
	locks    syncutil.KeyMutex
}

// NewService creates a dispute service.
func NewService(store Store, ledger Ledger, bookings BookingDirectory, advisor Advisor, notifier *notify.Notifier, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		ledger:   ledger,
		bookings: bookings,
		advisor:  advisor,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "dispute"),
	}
}

// OpenRequest starts a dispute over a booking.
type OpenRequest struct {
	BookingID    string   `json:"bookingId" binding:"required"`
	Reason       string   `json:"reason" binding:"required"`
	Description  string   `json:"description"`
	EvidenceURLs []string `json:"evidenceUrls"`
}

// Open raises a dispute. The booking's escrow funds must currently be
// held; they are frozen for the duration of the process.
func (s *Service) Open(ctx context.Context, userID string, req OpenRequest) (*Dispute, error) {
	customerID, providerID, err := s.bookings.Parties(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}
	var role Role
	switch userID {
	case customerID:
		role = RoleCustomer
	case providerID:
		role = RoleProvider
	default:
		return nil, ErrForbidden
	}

	evidence := validation.SanitizeURLs(req.EvidenceURLs)

	unlock := s.locks.Lock("bkg:" + req.BookingID)
	defer unlock()

	if existing, err := s.store.GetActiveByBooking(ctx, req.BookingID); err == nil && existing != nil {
		return nil, ErrAlreadyExists
	}

	// Freeze the funds first. If the escrow is not held (already
	// released, refunded or disputed) this fails and no dispute exists.
	if err := s.ledger.HoldForDispute(ctx, req.BookingID); err != nil {
		return nil, err
	}

	now := time.Now()
	deadline := now.Add(s.cfg.NegotiationWindow)
	d := &Dispute{
		ID:             idgen.WithPrefix("dsp_"),
		BookingID:      req.BookingID,
		CustomerID:     customerID,
		ProviderID:     providerID,
		RaisedBy:       role,
		Reason:         validation.SanitizeString(req.Reason, 200),
		Description:    validation.SanitizeString(req.Description, 4000),
		EvidenceURLs:   evidence,
		Status:         StatusOpen,
		Phase1Deadline: &deadline,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues(string(StatusOpen)).Inc()
	s.notifier.Notify(d.otherParty(userID), notify.EventDisputeOpened, map[string]any{
		"disputeId": d.ID, "bookingId": d.BookingID, "reason": d.Reason,
	})
	s.logger.Info("dispute opened",
		"dispute_id", d.ID, "booking_id", d.BookingID, "raised_by", string(role))
	return d, nil
}

// SubmitCounterOffer appends a phase-1 refund proposal. refundPercent is
// the share of the charge the customer would get back.
func (s *Service) SubmitCounterOffer(ctx context.Context, disputeID, userID string, refundPercent int, message string) (*Response, error) {
	if refundPercent < 0 || refundPercent > 100 {
		return nil, ErrInvalidPercent
	}

	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, role, err := s.loadForParty(ctx, disputeID, userID)
	if err != nil {
		return nil, err
	}
	next, err := nextStatus(d.Status, evCounterOffer)
	if err != nil {
		return nil, err
	}

	pct := refundPercent
	r := &Response{
		ID:            idgen.WithPrefix("drs_"),
		DisputeID:     d.ID,
		UserID:        userID,
		Role:          role,
		Type:          ResponseCounterOffer,
		RefundPercent: &pct,
		Message:       validation.SanitizeString(message, 1000),
		CreatedAt:     time.Now(),
	}
	if err := s.store.AppendResponse(ctx, r); err != nil {
		return nil, err
	}

	if d.Status != next {
		d.Status = next
		d.UpdatedAt = r.CreatedAt
		if err := s.store.Update(ctx, d); err != nil {
			return nil, err
		}
	}

	s.notifier.Notify(d.otherParty(userID), notify.EventDisputeCounterOffer, map[string]any{
		"disputeId": d.ID, "refundPercent": refundPercent,
	})
	return r, nil
}

// AcceptCounterOffer resolves phase 1 on the other party's proposal and
// settles the escrow with the offered split.
func (s *Service) AcceptCounterOffer(ctx context.Context, disputeID, userID, responseID string) (*Dispute, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, role, err := s.loadForParty(ctx, disputeID, userID)
	if err != nil {
		return nil, err
	}
	next, err := nextStatus(d.Status, evAcceptOffer)
	if err != nil {
		return nil, err
	}

	offer, err := s.store.GetResponse(ctx, responseID)
	if err != nil {
		return nil, err
	}
	if offer.DisputeID != d.ID || offer.Type != ResponseCounterOffer || offer.RefundPercent == nil {
		return nil, fmt.Errorf("%w: response %s is not a counter-offer on this dispute", ErrConflict, responseID)
	}
	if offer.UserID == userID {
		return nil, ErrOwnOffer
	}

	accept := &Response{
		ID:        idgen.WithPrefix("drs_"),
		DisputeID: d.ID,
		UserID:    userID,
		Role:      role,
		Type:      ResponseAcceptOffer,
		Message:   responseID,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendResponse(ctx, accept); err != nil {
		return nil, err
	}

	customerPct := *offer.RefundPercent
	return s.resolve(ctx, d, next, customerPct, 100-customerPct, "negotiated settlement")
}

// Withdraw closes a dispute at the raiser's request while negotiation is
// still running. The escrow hold is reinstated untouched; later phases
// are past the point of unilaterally walking away.
func (s *Service) Withdraw(ctx context.Context, disputeID, userID string) (*Dispute, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, role, err := s.loadForParty(ctx, disputeID, userID)
	if err != nil {
		return nil, err
	}
	if role != d.RaisedBy {
		return nil, ErrForbidden
	}
	next, err := nextStatus(d.Status, evWithdraw)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.Reinstate(ctx, d.BookingID); err != nil {
		return nil, err
	}

	now := time.Now()
	wd := &Response{
		ID:        idgen.WithPrefix("drs_"),
		DisputeID: d.ID,
		UserID:    userID,
		Role:      role,
		Type:      ResponseWithdrawal,
		CreatedAt: now,
	}
	if err := s.store.AppendResponse(ctx, wd); err != nil {
		return nil, err
	}

	d.Status = next
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(next)).Inc()
	s.notifier.Notify(d.otherParty(userID), notify.EventDisputeResolved, map[string]any{
		"disputeId": d.ID, "status": string(next),
	})
	s.logger.Info("dispute withdrawn", "dispute_id", d.ID, "by", userID)
	return d, nil
}

// RequestEscalation moves phase 1 to mediation at a party's request,
// available once the negotiation floor time or the phase deadline has
// passed, whichever is earlier.
func (s *Service) RequestEscalation(ctx context.Context, disputeID, userID string) (*Dispute, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, role, err := s.loadForParty(ctx, disputeID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := nextStatus(d.Status, evEscalate); err != nil {
		return nil, err
	}

	now := time.Now()
	earliest := d.CreatedAt.Add(s.cfg.NegotiationMinElapsed)
	if d.Phase1Deadline != nil && d.Phase1Deadline.Before(earliest) {
		earliest = *d.Phase1Deadline
	}
	if now.Before(earliest) {
		return nil, fmt.Errorf("%w: escalation opens at %s", ErrTooEarly, earliest.Format(time.RFC3339))
	}

	req := &Response{
		ID:        idgen.WithPrefix("drs_"),
		DisputeID: d.ID,
		UserID:    userID,
		Role:      role,
		Type:      ResponseEscalation,
		CreatedAt: now,
	}
	if err := s.store.AppendResponse(ctx, req); err != nil {
		return nil, err
	}
	return s.escalateToMediation(ctx, d)
}

// escalateToMediation enters phase 2: fetch advisor options, persist
// them verbatim, start the phase-2 clock. Caller holds the lock.
func (s *Service) escalateToMediation(ctx context.Context, d *Dispute) (*Dispute, error) {
	next, err := nextStatus(d.Status, evEscalate)
	if err != nil {
		return nil, err
	}

	responses, err := s.store.ListResponses(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	proposed, err := s.advisor.ProposeOptions(ctx, d, responses)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdvisor, err)
	}
	if len(proposed) < 2 || len(proposed) > 4 {
		return nil, fmt.Errorf("%w: expected 2-4 options, got %d", ErrAdvisor, len(proposed))
	}
	now := time.Now()
	for _, p := range proposed {
		if !validation.ValidSplit(p.CustomerPct, p.ProviderPct) {
			return nil, fmt.Errorf("%w: option split %d/%d invalid", ErrAdvisor, p.CustomerPct, p.ProviderPct)
		}
	}
	for _, p := range proposed {
		o := &Option{
			ID:          idgen.WithPrefix("opt_"),
			DisputeID:   d.ID,
			CustomerPct: p.CustomerPct,
			ProviderPct: p.ProviderPct,
			Rationale:   p.Rationale,
			CreatedAt:   now,
		}
		if err := s.store.CreateOption(ctx, o); err != nil {
			return nil, err
		}
	}

	deadline := now.Add(s.cfg.MediationWindow)
	d.Status = next
	d.Phase2Deadline = &deadline
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(StatusMediation)).Inc()
	for _, uid := range []string{d.CustomerID, d.ProviderID} {
		s.notifier.Notify(uid, notify.EventDisputeOptionsReady, map[string]any{
			"disputeId": d.ID, "optionCount": len(proposed),
		})
	}
	s.logger.Info("dispute escalated to mediation", "dispute_id", d.ID)
	return d, nil
}

// SelectOption records a party's phase-2 choice. When both parties'
// latest selections agree the dispute settles on that option.
func (s *Service) SelectOption(ctx context.Context, disputeID, userID, optionID string) (*Dispute, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, role, err := s.loadForParty(ctx, disputeID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := nextStatus(d.Status, evSelectOption); err != nil {
		return nil, err
	}

	opt, err := s.store.GetOption(ctx, optionID)
	if err != nil {
		return nil, err
	}
	if opt.DisputeID != d.ID {
		return nil, ErrInvalidOption
	}

	sel := &Response{
		ID:               idgen.WithPrefix("drs_"),
		DisputeID:        d.ID,
		UserID:           userID,
		Role:             role,
		Type:             ResponseOptionSelection,
		SelectedOptionID: optionID,
		CreatedAt:        time.Now(),
	}
	if err := s.store.AppendResponse(ctx, sel); err != nil {
		return nil, err
	}

	converged, err := s.selectionsConverge(ctx, d, optionID)
	if err != nil {
		return nil, err
	}
	if !converged {
		d.UpdatedAt = sel.CreatedAt
		if err := s.store.Update(ctx, d); err != nil {
			return nil, err
		}
		return d, nil
	}

	next, err := nextStatus(d.Status, evConverge)
	if err != nil {
		return nil, err
	}
	return s.resolve(ctx, d, next, opt.CustomerPct, opt.ProviderPct, "mediated settlement")
}

// selectionsConverge reports whether both roles' most recent selections
// reference optionID.
func (s *Service) selectionsConverge(ctx context.Context, d *Dispute, optionID string) (bool, error) {
	responses, err := s.store.ListResponses(ctx, d.ID)
	if err != nil {
		return false, err
	}
	latest := map[Role]string{}
	for _, r := range responses {
		if r.Type == ResponseOptionSelection {
			latest[r.Role] = r.SelectedOptionID
		}
	}
	return latest[RoleCustomer] == optionID && latest[RoleProvider] == optionID, nil
}

// escalateToArbitration enters phase 3 with a binding advisor decision.
// Caller holds the lock.
func (s *Service) escalateToArbitration(ctx context.Context, d *Dispute) (*Dispute, error) {
	next, err := nextStatus(d.Status, evPhase2Lapse)
	if err != nil {
		return nil, err
	}

	responses, err := s.store.ListResponses(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	options, err := s.store.ListOptions(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	proposed, err := s.advisor.Decide(ctx, d, responses, options)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdvisor, err)
	}
	if !validation.ValidSplit(proposed.CustomerPct, proposed.ProviderPct) {
		return nil, fmt.Errorf("%w: decision split %d/%d invalid", ErrAdvisor, proposed.CustomerPct, proposed.ProviderPct)
	}

	now := time.Now()
	dec := &Decision{
		ID:          idgen.WithPrefix("dec_"),
		DisputeID:   d.ID,
		CustomerPct: proposed.CustomerPct,
		ProviderPct: proposed.ProviderPct,
		Summary:     proposed.Summary,
		Reasoning:   proposed.Reasoning,
		KeyFactors:  proposed.KeyFactors,
		Status:      DecisionPending,
		CreatedAt:   now,
	}
	if err := s.store.CreateDecision(ctx, dec); err != nil {
		return nil, err
	}

	deadline := now.Add(s.cfg.DecisionReviewWindow)
	d.Status = next
	d.Phase3Deadline = &deadline
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(StatusArbitration)).Inc()
	for _, uid := range []string{d.CustomerID, d.ProviderID} {
		s.notifier.Notify(uid, notify.EventDisputeDecisionReady, map[string]any{
			"disputeId": d.ID, "decisionId": dec.ID,
		})
	}
	s.logger.Info("dispute escalated to arbitration", "dispute_id", d.ID)
	return d, nil
}

// AcceptDecision executes the binding decision at a party's request.
func (s *Service) AcceptDecision(ctx context.Context, disputeID, userID string) (*Dispute, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, role, err := s.loadForParty(ctx, disputeID, userID)
	if err != nil {
		return nil, err
	}
	ack := &Response{
		ID:        idgen.WithPrefix("drs_"),
		DisputeID: disputeID,
		UserID:    userID,
		Role:      role,
		Type:      ResponseDecisionAccept,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendResponse(ctx, ack); err != nil {
		return nil, err
	}
	return s.executeDecision(ctx, d, evAcceptDecision)
}

// executeDecision settles on the stored decision split. Caller holds the
// lock. Used for both party acceptance and review-deadline lapse.
func (s *Service) executeDecision(ctx context.Context, d *Dispute, ev event) (*Dispute, error) {
	next, err := nextStatus(d.Status, ev)
	if err != nil {
		return nil, err
	}
	dec, err := s.store.GetDecisionByDispute(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	resolved, err := s.resolve(ctx, d, next, dec.CustomerPct, dec.ProviderPct, "binding decision")
	if err != nil {
		return nil, err
	}
	dec.Status = DecisionExecuted
	if err := s.store.UpdateDecision(ctx, dec); err != nil {
		s.logger.Error("failed to mark decision executed", "decision_id", dec.ID, "error", err)
	}
	return resolved, nil
}

// ChooseExternalResolution opts out of the binding decision in favor of
// an off-platform process. The choosing party forfeits a configured
// percentage of their decided share to the other side.
func (s *Service) ChooseExternalResolution(ctx context.Context, disputeID, userID string) (*Dispute, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, role, err := s.loadForParty(ctx, disputeID, userID)
	if err != nil {
		return nil, err
	}
	next, err := nextStatus(d.Status, evExternal)
	if err != nil {
		return nil, err
	}
	dec, err := s.store.GetDecisionByDispute(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	customerPct, providerPct := dec.CustomerPct, dec.ProviderPct
	if role == RoleCustomer {
		customerPct = max(0, customerPct-s.cfg.ExternalPenaltyPct)
		providerPct = 100 - customerPct
	} else {
		providerPct = max(0, providerPct-s.cfg.ExternalPenaltyPct)
		customerPct = 100 - providerPct
	}

	opt := &Response{
		ID:        idgen.WithPrefix("drs_"),
		DisputeID: disputeID,
		UserID:    userID,
		Role:      role,
		Type:      ResponseExternal,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendResponse(ctx, opt); err != nil {
		return nil, err
	}

	resolved, err := s.resolve(ctx, d, next, customerPct, providerPct, "external resolution")
	if err != nil {
		return nil, err
	}
	dec.Status = DecisionOverriddenExternal
	if err := s.store.UpdateDecision(ctx, dec); err != nil {
		s.logger.Error("failed to mark decision overridden", "decision_id", dec.ID, "error", err)
	}
	return resolved, nil
}

// resolve settles the escrow and marks the dispute terminal in the same
// logical operation. Caller holds the lock and has already validated the
// transition. A dispute is never left resolved while its escrow
// transaction stays disputed: the ledger settles first, and only then is
// the terminal status written.
func (s *Service) resolve(ctx context.Context, d *Dispute, next Status, customerPct, providerPct int, resolution string) (_ *Dispute, retErr error) {
	if !validation.ValidSplit(customerPct, providerPct) {
		return nil, ErrInvalidPercent
	}

	ctx, span := traces.StartSpan(ctx, "dispute.resolve",
		traces.DisputeID(d.ID), traces.BookingID(d.BookingID))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if err := s.ledger.Settle(ctx, d.BookingID, customerPct, providerPct, resolution); err != nil {
		return nil, err
	}

	now := time.Now()
	d.Status = next
	d.FinalCustomerPct = &customerPct
	d.FinalProviderPct = &providerPct
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		// The money has moved; losing the dispute status write would strand
		// a settled escrow behind a non-terminal dispute.
		s.logger.Error("dispute resolved but status write failed",
			"dispute_id", d.ID, "error", err)
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(next)).Inc()
	for _, uid := range []string{d.CustomerID, d.ProviderID} {
		s.notifier.Notify(uid, notify.EventDisputeResolved, map[string]any{
			"disputeId": d.ID, "status": string(next),
			"customerPct": customerPct, "providerPct": providerPct,
		})
	}
	s.logger.Info("dispute resolved",
		"dispute_id", d.ID, "status", string(next),
		"customer_pct", customerPct, "provider_pct", providerPct)
	return d, nil
}

// loadForParty fetches a dispute and authorizes the caller.
func (s *Service) loadForParty(ctx context.Context, disputeID, userID string) (*Dispute, Role, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, "", err
	}
	role := d.PartyOf(userID)
	if role == "" {
		return nil, "", ErrForbidden
	}
	return d, role, nil
}

// Get returns a dispute with its responses, options and decision.
func (s *Service) Get(ctx context.Context, disputeID, userID string) (*Dispute, []*Response, []*Option, *Decision, error) {
	d, _, err := s.loadForParty(ctx, disputeID, userID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	responses, err := s.store.ListResponses(ctx, disputeID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	options, err := s.store.ListOptions(ctx, disputeID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	decision, err := s.store.GetDecisionByDispute(ctx, disputeID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, nil, nil, err
	}
	return d, responses, options, decision, nil
}

// ListByUser returns disputes the user is a party to.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}
