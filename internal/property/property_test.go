package property

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stayza/stayza/internal/booking"
	"github.com/stayza/stayza/internal/money"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	p := &booking.Property{
		ID:              "prop_0123456789abcdef01234567",
		RealtorID:       "rl_0123456789abcdef01234567",
		NightlyPrice:    money.Amount(50000),
		CleaningFee:     money.Amount(5000),
		SecurityDeposit: money.Amount(20000),
		Currency:        "NGN",
		Active:          true,
	}
	if err := store.Upsert(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.Property(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.NightlyPrice != p.NightlyPrice || got.RealtorID != p.RealtorID {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	// Mutating the returned copy must not touch the stored record.
	got.Active = false
	again, _ := store.Property(ctx, p.ID)
	if !again.Active {
		t.Fatal("store returned a shared pointer")
	}

	if _, err := store.Property(ctx, "prop_ffffffffffffffffffffffff"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertPropertyValidation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	h := NewHandler(store)

	router := gin.New()
	h.RegisterAdminRoutes(router)

	cases := []struct {
		name string
		body map[string]any
		code int
	}{
		{
			name: "valid",
			body: map[string]any{
				"id": "prop_0123456789abcdef01234567", "realtorId": "rl_0123456789abcdef01234567",
				"nightlyPrice": 50000, "cleaningFee": 5000, "securityDeposit": 20000,
				"currency": "NGN", "active": true,
			},
			code: http.StatusOK,
		},
		{
			name: "bad id",
			body: map[string]any{
				"id": "not an id", "realtorId": "rl_0123456789abcdef01234567",
				"nightlyPrice": 50000, "currency": "NGN",
			},
			code: http.StatusBadRequest,
		},
		{
			name: "negative deposit",
			body: map[string]any{
				"id": "prop_0123456789abcdef01234567", "realtorId": "rl_0123456789abcdef01234567",
				"nightlyPrice": 50000, "securityDeposit": -1, "currency": "NGN",
			},
			code: http.StatusBadRequest,
		},
		{
			name: "bad currency",
			body: map[string]any{
				"id": "prop_0123456789abcdef01234567", "realtorId": "rl_0123456789abcdef01234567",
				"nightlyPrice": 50000, "currency": "naira",
			},
			code: http.StatusBadRequest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, _ := json.Marshal(tc.body)
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPut, "/properties", bytes.NewReader(raw))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)
			if w.Code != tc.code {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tc.code, w.Body.String())
			}
		})
	}
}
