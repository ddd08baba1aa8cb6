package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbento/servpay/internal/config"
	"github.com/mbento/servpay/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns an in-memory configuration: no database, fake
// payment gateway, static advisor.
func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		Currency:              "usd",
		PlatformFeePct:        10,
		AutoReleaseWindow:     72 * time.Hour,
		InstantRailMaxCents:   20_000,
		NegotiationWindow:     48 * time.Hour,
		NegotiationMinElapsed: 12 * time.Hour,
		MediationWindow:       48 * time.Hour,
		DecisionReviewWindow:  72 * time.Hour,
		ExternalPenaltyPct:    10,
		AdminSecret:           "test-admin-secret",
		RateLimitRPM:          10_000,
		IdempotencyTTL:        time.Hour,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), logging.New("error", "text"))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// do issues a request as the given user and decodes the JSON response.
func do(t *testing.T, s *Server, method, path, userID, body string) (int, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
		}
	}
	return w.Code, resp
}

// ---------------------------------------------------------------------------
// Health endpoints
// ---------------------------------------------------------------------------

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	code, resp := do(t, s, "GET", "/health/live", "", "")
	if code != http.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
	if resp["status"] != "ok" {
		t.Errorf("Expected status 'ok', got %v", resp["status"])
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// In-memory mode has no database checker, so readiness passes.
	code, resp := do(t, s, "GET", "/health/ready", "", "")
	if code != http.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
	if resp["healthy"] != true {
		t.Errorf("Expected healthy true, got %v", resp["healthy"])
	}
}

// ---------------------------------------------------------------------------
// Route registration
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"POST:/v1/bookings",
		"POST:/v1/bookings/:id/confirm",
		"POST:/v1/bookings/:id/confirm-completion",
		"POST:/v1/bookings/:id/review",
		"GET:/v1/escrow/:id",
		"GET:/v1/escrow/:id/events",
		"POST:/v1/escrow/bookings/:bookingId/refund-request",
		"GET:/v1/eligibility/check",
		"POST:/v1/disputes",
		"POST:/v1/disputes/:id/counter-offer",
		"POST:/v1/disputes/:id/withdraw",
		"POST:/v1/disputes/:id/escalate",
		"POST:/v1/disputes/:id/external-resolution",
		"POST:/admin/escrow/:id/release",
		"POST:/admin/escrow/:id/refund",
		"GET:/metrics",
		"GET:/v1/ws",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func TestAPIRequiresActor(t *testing.T) {
	s := newTestServer(t)

	code, _ := do(t, s, "GET", "/v1/bookings", "", "")
	if code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without X-User-ID, got %d", code)
	}
}

func TestAdminRequiresSecret(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/admin/escrow/txn1/release", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without admin secret, got %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/admin/escrow/txn1/release", nil)
	req.Header.Set("X-Admin-Secret", "wrong")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong admin secret, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// End-to-end booking lifecycle
// ---------------------------------------------------------------------------

func bookingBody(method string, cents int64) string {
	start := time.Now().Add(24 * time.Hour).Format(time.RFC3339)
	end := time.Now().Add(26 * time.Hour).Format(time.RFC3339)
	return fmt.Sprintf(`{"serviceId":"svc1","providerId":"prov1","paymentMethod":%q,"totalCents":%d,"window":{"start":%q,"end":%q}}`,
		method, cents, start, end)
}

func TestBookingLifecycleEndToEnd(t *testing.T) {
	s := newTestServer(t)

	code, resp := do(t, s, "POST", "/v1/bookings", "cust1", bookingBody("card", 10_000))
	if code != http.StatusCreated {
		t.Fatalf("Expected 201 creating booking, got %d: %v", code, resp)
	}
	id, _ := resp["id"].(string)
	if id == "" {
		t.Fatal("Expected booking id in response")
	}

	steps := []struct {
		path string
		user string
	}{
		{"/confirm", "prov1"},
		{"/start", "prov1"},
		{"/complete", "prov1"},
		{"/confirm-completion", "cust1"},
	}
	for _, step := range steps {
		code, resp = do(t, s, "POST", "/v1/bookings/"+id+step.path, step.user, "")
		if code != http.StatusOK {
			t.Fatalf("Expected 200 on %s, got %d: %v", step.path, code, resp)
		}
	}
	if resp["status"] != "completed" {
		t.Errorf("Expected booking completed, got %v", resp["status"])
	}

	// Funds were held at confirmation and released on the customer's
	// sign-off.
	code, resp = do(t, s, "GET", "/v1/escrow", "prov1", "")
	if code != http.StatusOK {
		t.Fatalf("Expected 200 listing escrow, got %d: %v", code, resp)
	}
	txns, _ := resp["transactions"].([]any)
	if len(txns) != 1 {
		t.Fatalf("Expected 1 escrow transaction, got %d", len(txns))
	}
	txn := txns[0].(map[string]any)
	if txn["status"] != "released" {
		t.Errorf("Expected escrow released, got %v", txn["status"])
	}
	if txn["providerCents"] != float64(9_000) {
		t.Errorf("Expected providerCents 9000 after 10%% fee, got %v", txn["providerCents"])
	}
}

func TestInstantRailGatedOverHTTP(t *testing.T) {
	s := newTestServer(t)

	// A provider with no history fails the gate; the booking is refused
	// before any record is written.
	code, resp := do(t, s, "POST", "/v1/bookings", "cust1", bookingBody("instant", 5_000))
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422 for ungated instant booking, got %d: %v", code, resp)
	}

	code, resp = do(t, s, "GET", "/v1/bookings", "cust1", "")
	if code != http.StatusOK {
		t.Fatalf("Expected 200 listing bookings, got %d", code)
	}
	if resp["count"] != float64(0) {
		t.Errorf("Expected no bookings after refusal, got %v", resp["count"])
	}
}

func TestEligibilityCheckEndpoint(t *testing.T) {
	s := newTestServer(t)

	code, resp := do(t, s, "GET", "/v1/eligibility/check?providerId=prov1&amountCents=5000", "cust1", "")
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", code, resp)
	}
	if resp["allowed"] != false {
		t.Errorf("Expected allowed false for unknown provider, got %v", resp["allowed"])
	}
	if resp["reason"] == "" || resp["reason"] == nil {
		t.Error("Expected a denial reason")
	}
}

// ---------------------------------------------------------------------------
// Idempotent replay
// ---------------------------------------------------------------------------

func TestIdempotentBookingCreate(t *testing.T) {
	s := newTestServer(t)
	body := bookingBody("card", 8_000)

	send := func() (*httptest.ResponseRecorder, map[string]any) {
		req := httptest.NewRequest("POST", "/v1/bookings", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-ID", "cust1")
		req.Header.Set("Idempotency-Key", "create-once")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		var resp map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to parse response: %v", err)
		}
		return w, resp
	}

	w1, first := send()
	if w1.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w1.Code)
	}
	w2, second := send()
	if w2.Code != http.StatusCreated {
		t.Fatalf("Expected replayed 201, got %d", w2.Code)
	}
	if w2.Header().Get("Idempotency-Replayed") != "true" {
		t.Error("Expected replay marker on second response")
	}
	if first["id"] != second["id"] {
		t.Errorf("Expected identical booking: %v vs %v", first["id"], second["id"])
	}

	code, resp := do(t, s, "GET", "/v1/bookings", "cust1", "")
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if resp["count"] != float64(1) {
		t.Errorf("Expected 1 booking after replay, got %v", resp["count"])
	}
}

// ---------------------------------------------------------------------------
// Dispute over HTTP
// ---------------------------------------------------------------------------

func TestDisputeOverHTTP(t *testing.T) {
	s := newTestServer(t)

	_, resp := do(t, s, "POST", "/v1/bookings", "cust1", bookingBody("card", 10_000))
	id, _ := resp["id"].(string)
	for _, step := range []struct{ path, user string }{
		{"/confirm", "prov1"}, {"/start", "prov1"}, {"/complete", "prov1"},
	} {
		do(t, s, "POST", "/v1/bookings/"+id+step.path, step.user, "")
	}

	body := fmt.Sprintf(`{"bookingId":%q,"reason":"no-show","description":"provider never arrived"}`, id)
	code, resp := do(t, s, "POST", "/v1/disputes", "cust1", body)
	if code != http.StatusCreated {
		t.Fatalf("Expected 201 opening dispute, got %d: %v", code, resp)
	}
	disputeID, _ := resp["id"].(string)

	code, resp = do(t, s, "POST", "/v1/disputes/"+disputeID+"/counter-offer",
		"prov1", `{"refundPercent":30,"message":"traffic delay, partial refund offered"}`)
	if code != http.StatusOK {
		t.Fatalf("Expected 200 on counter-offer, got %d: %v", code, resp)
	}

	code, resp = do(t, s, "POST", "/v1/disputes/"+disputeID+"/accept-offer", "cust1", "")
	if code != http.StatusOK {
		t.Fatalf("Expected 200 accepting offer, got %d: %v", code, resp)
	}
	if resp["status"] != "resolved_negotiation" {
		t.Errorf("Expected resolved_negotiation, got %v", resp["status"])
	}

	// The held funds settled per the accepted 30% offer.
	code, resp = do(t, s, "GET", "/v1/escrow", "cust1", "")
	if code != http.StatusOK {
		t.Fatalf("Expected 200 listing escrow, got %d", code)
	}
	txns, _ := resp["transactions"].([]any)
	if len(txns) != 1 {
		t.Fatalf("Expected 1 escrow transaction, got %d", len(txns))
	}
	if status := txns[0].(map[string]any)["status"]; status != "released" {
		t.Errorf("Expected escrow released after partial settlement, got %v", status)
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestEscalationStrictlyRateLimited(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 3; i++ {
		code, _ := do(t, s, "POST", "/v1/disputes/dsp_none/escalate", "cust1", "")
		if code != http.StatusNotFound {
			t.Fatalf("Call %d: expected 404, got %d", i+1, code)
		}
	}
	code, resp := do(t, s, "POST", "/v1/disputes/dsp_none/escalate", "cust1", "")
	if code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 once the burst is spent, got %d", code)
	}
	if resp["retry_after"] == nil {
		t.Error("Expected retry_after in the rate limit response")
	}

	// The tight budget is per mutation class, not global: ordinary
	// routes stay usable for the same actor.
	code, _ = do(t, s, "GET", "/v1/bookings", "cust1", "")
	if code == http.StatusTooManyRequests {
		t.Errorf("General routes must not share the strict budget, got %d", code)
	}
}

func TestAdminRoutesRateLimited(t *testing.T) {
	s := newTestServer(t)

	call := func() int {
		req := httptest.NewRequest("POST", "/admin/escrow/esc_none/release", nil)
		req.Header.Set("X-Admin-Secret", "test-admin-secret")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		return w.Code
	}
	for i := 0; i < 3; i++ {
		if code := call(); code == http.StatusTooManyRequests {
			t.Fatalf("Call %d: limited inside the burst", i+1)
		}
	}
	if code := call(); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 on the admin class, got %d", code)
	}
}

// ---------------------------------------------------------------------------
// 404
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	code, _ := do(t, s, "GET", "/v1/nonexistent", "cust1", "")
	if code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", code)
	}
}
