// Package advisor talks to the AI mediation service that proposes
// resolution options and binding decisions for disputes. A static
// rule-based advisor serves as the development-mode and outage fallback.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbento/servpay/internal/circuitbreaker"
	"github.com/mbento/servpay/internal/dispute"
)

// Client calls the advisor service over HTTP JSON. Calls run behind a
// circuit breaker so a struggling advisor degrades escalations instead
// of hammering it; deadline sweeps retry on their next pass.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewClient creates an advisor client for the given base URL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 20 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger.With("component", "advisor"),
	}
}

type disputeContext struct {
	DisputeID    string   `json:"disputeId"`
	Reason       string   `json:"reason"`
	Description  string   `json:"description"`
	EvidenceURLs []string `json:"evidenceUrls,omitempty"`
	RaisedBy     string   `json:"raisedBy"`
}

type responseEntry struct {
	Role          string `json:"role"`
	Type          string `json:"type"`
	RefundPercent *int   `json:"refundPercent,omitempty"`
	Message       string `json:"message,omitempty"`
}

type optionsRequest struct {
	Dispute   disputeContext  `json:"dispute"`
	Responses []responseEntry `json:"responses"`
}

type optionsResponse struct {
	Options []struct {
		CustomerPct int    `json:"customerPct"`
		ProviderPct int    `json:"providerPct"`
		Rationale   string `json:"rationale"`
	} `json:"options"`
}

type decideRequest struct {
	Dispute   disputeContext  `json:"dispute"`
	Responses []responseEntry `json:"responses"`
	Options   []struct {
		CustomerPct int    `json:"customerPct"`
		ProviderPct int    `json:"providerPct"`
		Rationale   string `json:"rationale"`
	} `json:"options"`
}

type decideResponse struct {
	Decision struct {
		CustomerPct int      `json:"customerPct"`
		ProviderPct int      `json:"providerPct"`
		Summary     string   `json:"summary"`
		Reasoning   string   `json:"reasoning"`
		KeyFactors  []string `json:"keyFactors"`
	} `json:"decision"`
}

func toContext(d *dispute.Dispute) disputeContext {
	return disputeContext{
		DisputeID:    d.ID,
		Reason:       d.Reason,
		Description:  d.Description,
		EvidenceURLs: d.EvidenceURLs,
		RaisedBy:     string(d.RaisedBy),
	}
}

func toEntries(responses []*dispute.Response) []responseEntry {
	out := make([]responseEntry, 0, len(responses))
	for _, r := range responses {
		out = append(out, responseEntry{
			Role:          string(r.Role),
			Type:          string(r.Type),
			RefundPercent: r.RefundPercent,
			Message:       r.Message,
		})
	}
	return out
}

// ProposeOptions implements dispute.Advisor.
func (c *Client) ProposeOptions(ctx context.Context, d *dispute.Dispute, responses []*dispute.Response) ([]dispute.ProposedOption, error) {
	req := optionsRequest{Dispute: toContext(d), Responses: toEntries(responses)}
	var resp optionsResponse
	if err := c.post(ctx, "propose_options", "/v1/disputes/options", req, &resp); err != nil {
		return nil, err
	}
	out := make([]dispute.ProposedOption, 0, len(resp.Options))
	for _, o := range resp.Options {
		out = append(out, dispute.ProposedOption{
			CustomerPct: o.CustomerPct,
			ProviderPct: o.ProviderPct,
			Rationale:   o.Rationale,
		})
	}
	return out, nil
}

// Decide implements dispute.Advisor.
func (c *Client) Decide(ctx context.Context, d *dispute.Dispute, responses []*dispute.Response, options []*dispute.Option) (*dispute.ProposedDecision, error) {
	req := decideRequest{Dispute: toContext(d), Responses: toEntries(responses)}
	for _, o := range options {
		req.Options = append(req.Options, struct {
			CustomerPct int    `json:"customerPct"`
			ProviderPct int    `json:"providerPct"`
			Rationale   string `json:"rationale"`
		}{o.CustomerPct, o.ProviderPct, o.Rationale})
	}

	var resp decideResponse
	if err := c.post(ctx, "decide", "/v1/disputes/decision", req, &resp); err != nil {
		return nil, err
	}
	return &dispute.ProposedDecision{
		CustomerPct: resp.Decision.CustomerPct,
		ProviderPct: resp.Decision.ProviderPct,
		Summary:     resp.Decision.Summary,
		Reasoning:   resp.Decision.Reasoning,
		KeyFactors:  resp.Decision.KeyFactors,
	}, nil
}

func (c *Client) post(ctx context.Context, operation, path string, body, out any) error {
	return c.breaker.Do(operation, func() error {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode advisor request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("advisor request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("advisor returned %d: %s", resp.StatusCode, string(b))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode advisor response: %w", err)
		}
		return nil
	})
}
