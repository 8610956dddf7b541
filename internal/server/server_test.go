package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stayza/stayza/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing (in-memory storage)
func testConfig() *config.Config {
	return &config.Config{
		Port:                   "0",
		Env:                    "development",
		LogLevel:               "error",
		GatewayProvider:        "paystack",
		GatewayBaseURL:         "https://api.paystack.co",
		GatewayWebhookSecret:   "whsec_test",
		GatewayTimeout:         time.Second,
		JWTSecret:              "test-jwt-secret",
		PlatformServiceFeeBps:  350,
		ProcessingFeeBps:       150,
		ProcessingFeeBpsByMode: map[string]int64{
			"card": 150,
			"bank": 100,
		},
		BaseCommissionBps:       1000,
		MinCommissionBps:        250,
		CancellationCutoffHours: 24,
		RefundTiers: []config.RefundTier{
			{Name: "EARLY", MinHours: 72, CustomerBps: 9000, RealtorBps: 700, PlatformBps: 300},
			{Name: "MEDIUM", MinHours: 24, CustomerBps: 7000, RealtorBps: 2000, PlatformBps: 1000},
			{Name: "LATE", MinHours: 0, CustomerBps: 0, RealtorBps: 8000, PlatformBps: 2000},
		},
		GuestDisputeWindow:   time.Hour,
		RealtorDisputeWindow: 4*time.Hour + 10*time.Minute,
		TransferRetryCap:     2,
		VerifyCallTimeout:    time.Second,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessBeforeRun(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/readyz", nil)
	s.router.ServeHTTP(w, req)

	// Run() hasn't started the sweep timers yet
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestBookingRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := map[string]bool{
		"POST:/v1/bookings":                   false,
		"GET:/v1/bookings/:id":                false,
		"GET:/v1/bookings/:id/ledger":         false,
		"GET:/v1/bookings/:id/windows":        false,
		"GET:/v1/bookings/:id/cancel-preview": false,
		"POST:/v1/bookings/:id/cancel":        false,
		"POST:/v1/bookings/:id/checkin":       false,
		"POST:/v1/bookings/:id/checkout":      false,
		"POST:/v1/bookings/:id/dispute":       false,
		"POST:/v1/bookings/:id/damage-claim":  false,
		"POST:/v1/admin/bookings/:id/resolve": false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := expected[key]; ok {
			expected[key] = true
		}
	}

	for route, found := range expected {
		if !found {
			t.Errorf("Booking route %s not registered", route)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/healthz",
		"GET:/readyz",
		"POST:/v1/quotes/preview",
		"GET:/v1/realtors/:id/releases",
		"GET:/metrics",
		"GET:/ws",
		"POST:/webhooks/gateway",
		"GET:/v1/properties/:id",
		"POST:/v1/notifications/subscriptions",
		"GET:/v1/admin/settlement/webhooks",
		"GET:/v1/admin/settlement/escalations",
		"PUT:/v1/admin/properties",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Auth and booking flow
// ---------------------------------------------------------------------------

func TestBookingRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/bookings", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestDevTokenAndBookingCreation(t *testing.T) {
	s := newTestServer(t)

	// Mint a dev token
	w := httptest.NewRecorder()
	body := `{"actorId":"cus_0123456789abcdef01234567","role":"customer"}`
	req := httptest.NewRequest("POST", "/v1/auth/token", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("token mint failed: %d %s", w.Code, w.Body.String())
	}
	var tokenResp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &tokenResp); err != nil || tokenResp.Token == "" {
		t.Fatalf("no token in response: %s", w.Body.String())
	}

	// Book the seeded demo property
	checkIn := time.Now().Add(96 * time.Hour).UTC().Format(time.RFC3339)
	checkOut := time.Now().Add(144 * time.Hour).UTC().Format(time.RFC3339)
	bookingBody := `{"propertyId":"prop_0123456789abcdef01234567","checkIn":"` + checkIn +
		`","checkOut":"` + checkOut + `","processingMode":"card"}`

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/bookings", strings.NewReader(bookingBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tokenResp.Token)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Booking struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"booking"`
		Payment struct {
			Reference string `json:"reference"`
		} `json:"payment"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Booking.Status != "PENDING" {
		t.Errorf("Expected PENDING booking, got %q", resp.Booking.Status)
	}
	if resp.Payment.Reference == "" {
		t.Error("Expected a payment reference")
	}
}

func TestQuotePreviewNeedsNoAuth(t *testing.T) {
	s := newTestServer(t)

	checkIn := time.Now().Add(96 * time.Hour).UTC().Format(time.RFC3339)
	checkOut := time.Now().Add(144 * time.Hour).UTC().Format(time.RFC3339)
	body := `{"propertyId":"prop_0123456789abcdef01234567","checkIn":"` + checkIn +
		`","checkOut":"` + checkOut + `","processingMode":"card"}`

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/quotes/preview", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Quote struct {
			TotalPayable int64 `json:"totalPayable"`
		} `json:"quote"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Quote.TotalPayable <= 0 {
		t.Errorf("Expected a positive total, got %d", resp.Quote.TotalPayable)
	}
}

func TestQuotePreviewUnknownPropertyIs404(t *testing.T) {
	s := newTestServer(t)

	checkIn := time.Now().Add(96 * time.Hour).UTC().Format(time.RFC3339)
	checkOut := time.Now().Add(144 * time.Hour).UTC().Format(time.RFC3339)
	body := `{"propertyId":"prop_ffffffffffffffffffffffff","checkIn":"` + checkIn +
		`","checkOut":"` + checkOut + `"}`

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/quotes/preview", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Error != "not_found" {
		t.Errorf("error = %q, want not_found", resp.Error)
	}
}

func TestAdminRouteRejectsNonAdmin(t *testing.T) {
	s := newTestServer(t)

	// Customer token
	w := httptest.NewRecorder()
	body := `{"actorId":"cus_0123456789abcdef01234567","role":"customer"}`
	req := httptest.NewRequest("POST", "/v1/auth/token", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)
	var tokenResp struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &tokenResp)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/admin/settlement/escalations", nil)
	req.Header.Set("Authorization", "Bearer "+tokenResp.Token)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
