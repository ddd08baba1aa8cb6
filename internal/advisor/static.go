package advisor

import (
	"context"
	"fmt"

	"github.com/mbento/servpay/internal/dispute"
)

// Static is a rule-based advisor used in development mode and as a
// fallback when no advisor service is configured. It anchors its splits
// on the parties' own negotiation positions when they exist.
type Static struct{}

// NewStatic creates the rule-based advisor.
func NewStatic() *Static {
	return &Static{}
}

// latestOffers returns each role's most recent counter-offer percent.
func latestOffers(responses []*dispute.Response) map[dispute.Role]int {
	out := map[dispute.Role]int{}
	for _, r := range responses {
		if r.Type == dispute.ResponseCounterOffer && r.RefundPercent != nil {
			out[r.Role] = *r.RefundPercent
		}
	}
	return out
}

// ProposeOptions implements dispute.Advisor. When both parties have
// stated positions the options bracket them; otherwise a generic spread.
func (Static) ProposeOptions(_ context.Context, _ *dispute.Dispute, responses []*dispute.Response) ([]dispute.ProposedOption, error) {
	offers := latestOffers(responses)
	custPct, custOK := offers[dispute.RoleCustomer]
	provPct, provOK := offers[dispute.RoleProvider]

	if custOK && provOK {
		mid := (custPct + provPct) / 2
		return dedupeOptions([]dispute.ProposedOption{
			{CustomerPct: provPct, ProviderPct: 100 - provPct, Rationale: "provider's last position"},
			{CustomerPct: mid, ProviderPct: 100 - mid, Rationale: "midpoint of the parties' positions"},
			{CustomerPct: custPct, ProviderPct: 100 - custPct, Rationale: "customer's last position"},
		}), nil
	}

	return []dispute.ProposedOption{
		{CustomerPct: 25, ProviderPct: 75, Rationale: "minor service shortfall"},
		{CustomerPct: 50, ProviderPct: 50, Rationale: "shared responsibility"},
		{CustomerPct: 75, ProviderPct: 25, Rationale: "substantial service shortfall"},
	}, nil
}

// Decide implements dispute.Advisor: the midpoint of stated positions,
// or an even split absent any.
func (Static) Decide(_ context.Context, _ *dispute.Dispute, responses []*dispute.Response, _ []*dispute.Option) (*dispute.ProposedDecision, error) {
	offers := latestOffers(responses)
	custPct, custOK := offers[dispute.RoleCustomer]
	provPct, provOK := offers[dispute.RoleProvider]

	pct := 50
	reasoning := "no negotiation positions on record, splitting evenly"
	if custOK && provOK {
		pct = (custPct + provPct) / 2
		reasoning = fmt.Sprintf("midpoint of customer position %d%% and provider position %d%%", custPct, provPct)
	} else if custOK {
		pct = custPct / 2
		reasoning = fmt.Sprintf("halving the customer's uncontested position of %d%%", custPct)
	} else if provOK {
		pct = provPct
		reasoning = fmt.Sprintf("provider's own offer of %d%% stands", provPct)
	}

	return &dispute.ProposedDecision{
		CustomerPct: pct,
		ProviderPct: 100 - pct,
		Summary:     fmt.Sprintf("%d%% refund to the customer", pct),
		Reasoning:   reasoning,
		KeyFactors:  []string{"negotiation history"},
	}, nil
}

// dedupeOptions drops duplicate splits while keeping at least two
// options, padding with an even split when the positions coincide.
func dedupeOptions(opts []dispute.ProposedOption) []dispute.ProposedOption {
	seen := map[int]bool{}
	var out []dispute.ProposedOption
	for _, o := range opts {
		if !seen[o.CustomerPct] {
			seen[o.CustomerPct] = true
			out = append(out, o)
		}
	}
	if len(out) < 2 {
		for _, pct := range []int{50, 25} {
			if !seen[pct] {
				seen[pct] = true
				out = append(out, dispute.ProposedOption{
					CustomerPct: pct, ProviderPct: 100 - pct, Rationale: "alternative split",
				})
				if len(out) >= 2 {
					break
				}
			}
		}
	}
	return out
}
