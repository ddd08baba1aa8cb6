package dispute

import "fmt"

// event is a thing that can happen to a dispute. Transitions are driven
// off an explicit table so an illegal phase/event pair is a single
// lookup failure, not a missed branch.
type event string

const (
	evCounterOffer   event = "counter_offer"
	evAcceptOffer    event = "accept_offer"
	evEscalate       event = "escalate"
	evSelectOption   event = "select_option"
	evConverge       event = "converge"
	evPhase2Lapse    event = "phase2_lapse"
	evAcceptDecision event = "accept_decision"
	evExternal       event = "external_resolution"
	evPhase3Lapse    event = "phase3_lapse"
	evWithdraw       event = "withdraw"
)

// transitions is the phase × event table. A missing entry means the
// event is illegal in that phase.
var transitions = map[Status]map[event]Status{
	StatusOpen: {
		evCounterOffer: StatusNegotiating,
		evAcceptOffer:  StatusResolvedNegotiation,
		evEscalate:     StatusMediation,
		evWithdraw:     StatusClosed,
	},
	StatusNegotiating: {
		evCounterOffer: StatusNegotiating,
		evAcceptOffer:  StatusResolvedNegotiation,
		evEscalate:     StatusMediation,
		evWithdraw:     StatusClosed,
	},
	StatusMediation: {
		evSelectOption: StatusMediation,
		evConverge:     StatusResolvedMediation,
		evPhase2Lapse:  StatusArbitration,
	},
	StatusArbitration: {
		evAcceptDecision: StatusResolvedDecision,
		evExternal:       StatusResolvedExternal,
		evPhase3Lapse:    StatusResolvedDecision,
	},
}

// nextStatus resolves the table, rejecting illegal transitions.
func nextStatus(cur Status, ev event) (Status, error) {
	next, ok := transitions[cur][ev]
	if !ok {
		return "", fmt.Errorf("%w: %s in %s", ErrConflict, ev, cur)
	}
	return next, nil
}
