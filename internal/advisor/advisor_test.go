package advisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbento/servpay/internal/dispute"
)

func pctPtr(p int) *int { return &p }

func testDispute() *dispute.Dispute {
	return &dispute.Dispute{
		ID:       "dsp_1",
		Reason:   "no show",
		RaisedBy: dispute.RoleCustomer,
	}
}

func TestClientProposeOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/disputes/options", r.URL.Path)
		var req optionsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "dsp_1", req.Dispute.DisputeID)
		require.Len(t, req.Responses, 1)
		assert.Equal(t, 40, *req.Responses[0].RefundPercent)

		json.NewEncoder(w).Encode(map[string]any{
			"options": []map[string]any{
				{"customerPct": 30, "providerPct": 70, "rationale": "a"},
				{"customerPct": 60, "providerPct": 40, "rationale": "b"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	responses := []*dispute.Response{{
		Role: dispute.RoleCustomer, Type: dispute.ResponseCounterOffer, RefundPercent: pctPtr(40),
	}}
	opts, err := c.ProposeOptions(context.Background(), testDispute(), responses)
	require.NoError(t, err)
	require.Len(t, opts, 2)
	assert.Equal(t, 30, opts[0].CustomerPct)
	assert.Equal(t, "b", opts[1].Rationale)
}

func TestClientDecide(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/disputes/decision", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"decision": map[string]any{
				"customerPct": 45, "providerPct": 55,
				"summary": "partial refund", "reasoning": "late delivery",
				"keyFactors": []string{"timeliness"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	dec, err := c.Decide(context.Background(), testDispute(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 45, dec.CustomerPct)
	assert.Equal(t, 55, dec.ProviderPct)
	assert.Equal(t, []string{"timeliness"}, dec.KeyFactors)
}

func TestClientSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	_, err := c.ProposeOptions(context.Background(), testDispute(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestStaticBracketsPositions(t *testing.T) {
	s := NewStatic()
	responses := []*dispute.Response{
		{Role: dispute.RoleCustomer, Type: dispute.ResponseCounterOffer, RefundPercent: pctPtr(80)},
		{Role: dispute.RoleProvider, Type: dispute.ResponseCounterOffer, RefundPercent: pctPtr(20)},
	}
	opts, err := s.ProposeOptions(context.Background(), testDispute(), responses)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(opts), 2)
	for _, o := range opts {
		assert.Equal(t, 100, o.CustomerPct+o.ProviderPct)
	}
	assert.Equal(t, 20, opts[0].CustomerPct)
	assert.Equal(t, 50, opts[1].CustomerPct)
	assert.Equal(t, 80, opts[2].CustomerPct)
}

func TestStaticDefaultSpread(t *testing.T) {
	s := NewStatic()
	opts, err := s.ProposeOptions(context.Background(), testDispute(), nil)
	require.NoError(t, err)
	require.Len(t, opts, 3)

	dec, err := s.Decide(context.Background(), testDispute(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 50, dec.CustomerPct)
}

func TestStaticDecideMidpoint(t *testing.T) {
	s := NewStatic()
	responses := []*dispute.Response{
		{Role: dispute.RoleCustomer, Type: dispute.ResponseCounterOffer, RefundPercent: pctPtr(70)},
		{Role: dispute.RoleProvider, Type: dispute.ResponseCounterOffer, RefundPercent: pctPtr(30)},
	}
	dec, err := s.Decide(context.Background(), testDispute(), responses, nil)
	require.NoError(t, err)
	assert.Equal(t, 50, dec.CustomerPct)
	assert.Equal(t, 50, dec.ProviderPct)
}
