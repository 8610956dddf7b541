package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// --- Webhook parsing ---

func TestParseEventChargeSuccess(t *testing.T) {
	body := []byte(`{
		"event": "charge.success",
		"data": {
			"reference": "pay_abc123",
			"amount": 140250,
			"currency": "NGN",
			"channel": "card",
			"paid_at": "2026-08-30T10:00:00Z"
		}
	}`)

	evt, err := ParseEvent(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cs, ok := evt.(ChargeSucceeded)
	if !ok {
		t.Fatalf("expected ChargeSucceeded, got %T", evt)
	}
	if cs.Reference != "pay_abc123" {
		t.Errorf("reference = %s", cs.Reference)
	}
	if cs.Amount != 140250 {
		t.Errorf("amount = %d", cs.Amount)
	}
	if cs.Channel != "card" {
		t.Errorf("channel = %s", cs.Channel)
	}
	if evt.Kind() != "charge.success" || evt.Ref() != "pay_abc123" {
		t.Errorf("kind/ref = %s/%s", evt.Kind(), evt.Ref())
	}
}

func TestParseEventTransferVariants(t *testing.T) {
	tests := []struct {
		event string
		want  string
	}{
		{"transfer.success", "TransferSucceeded"},
		{"transfer.failed", "TransferFailed"},
		{"transfer.reversed", "TransferReversed"},
		{"charge.failed", "ChargeFailed"},
	}
	for _, tc := range tests {
		body := []byte(`{"event": "` + tc.event + `", "data": {"reference": "trf_1", "gateway_response": "insufficient balance"}}`)
		evt, err := ParseEvent(body)
		if err != nil {
			t.Fatalf("%s: %v", tc.event, err)
		}
		if evt.Kind() != tc.event {
			t.Errorf("%s: kind = %s", tc.event, evt.Kind())
		}
	}
}

func TestParseEventUnknownType(t *testing.T) {
	body := []byte(`{"event": "subscription.create", "data": {"reference": "sub_1"}}`)
	_, err := ParseEvent(body)
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestParseEventMissingReference(t *testing.T) {
	_, err := ParseEvent([]byte(`{"event": "charge.success", "data": {}}`))
	if err == nil {
		t.Fatal("expected error for missing reference")
	}
}

func TestParseEventMalformed(t *testing.T) {
	_, err := ParseEvent([]byte(`not json`))
	if err == nil {
		t.Fatal("expected error for malformed body")
	}
}

// --- Signatures ---

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"event":"charge.success"}`)

	sig := Sign(secret, body)
	if !VerifySignature(secret, body, sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature(secret, body, sig+"00") {
		t.Error("tampered signature accepted")
	}
	if VerifySignature(secret, []byte(`{"event":"charge.failed"}`), sig) {
		t.Error("signature over different body accepted")
	}
	if VerifySignature(secret, body, "") {
		t.Error("empty signature accepted")
	}
	if VerifySignature("", body, sig) {
		t.Error("empty secret accepted")
	}
}

// --- REST client ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestRESTClientVerifyCharge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/verify/pay_1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk_test" {
			t.Errorf("missing auth header")
		}
		w.Write([]byte(`{"status": true, "data": {"reference": "pay_1", "status": "success", "amount": 140250, "currency": "NGN"}}`))
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "sk_test", time.Second, testLogger())
	st, err := c.VerifyCharge(context.Background(), "pay_1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if st.Status != StatusSuccess || st.Amount != 140250 {
		t.Errorf("got %+v", st)
	}
}

func TestRESTClientNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "sk_test", time.Second, testLogger())
	_, err := c.VerifyTransfer(context.Background(), "trf_missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRESTClientTransferRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status": false, "message": "insufficient balance"}`))
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "sk_test", time.Second, testLogger())
	_, err := c.InitiateTransfer(context.Background(), TransferRequest{
		Reference: "trf_1", Recipient: "rcp_1", Amount: 9000, Currency: "NGN",
	})
	if !errors.Is(err, ErrTransferRejected) {
		t.Fatalf("expected ErrTransferRejected, got %v", err)
	}
}

func TestRESTClientBreakerOpensOnServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "sk_test", time.Second, testLogger())
	for i := 0; i < 10; i++ {
		_, err := c.VerifyCharge(context.Background(), "pay_1")
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("attempt %d: expected ErrUnavailable, got %v", i, err)
		}
	}
}

func TestRESTClientRejectionsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "sk_test", time.Second, testLogger())
	for i := 0; i < 10; i++ {
		if _, err := c.VerifyCharge(context.Background(), "pay_x"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("attempt %d: expected ErrNotFound, got %v", i, err)
		}
	}
}
