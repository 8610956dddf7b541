package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/stayza/stayza/internal/money"
)

// RESTClient talks to a Paystack-style REST API. All calls go through a
// circuit breaker so a dead provider fails fast instead of tying up
// webhook workers on timeouts.
type RESTClient struct {
	baseURL   string
	secretKey string
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
}

// NewRESTClient creates a provider client with the given call timeout.
func NewRESTClient(baseURL, secretKey string, timeout time.Duration, logger *slog.Logger) *RESTClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("gateway circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Definitive provider answers must not trip the breaker.
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrTransferRejected)
		},
	})
	return &RESTClient{
		baseURL:   baseURL,
		secretKey: secretKey,
		client:    &http.Client{Timeout: timeout},
		breaker:   cb,
		logger:    logger,
	}
}

// restEnvelope is the provider's response wrapper.
type restEnvelope struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
	} `json:"data"`
}

func (c *RESTClient) VerifyCharge(ctx context.Context, reference string) (*ChargeStatus, error) {
	env, raw, err := c.call(ctx, http.MethodGet, "/transaction/verify/"+reference, nil)
	if err != nil {
		return nil, err
	}
	return &ChargeStatus{
		Reference: env.Data.Reference,
		Status:    normalizeStatus(env.Data.Status),
		Amount:    money.Amount(env.Data.Amount),
		Currency:  env.Data.Currency,
		Raw:       raw,
	}, nil
}

func (c *RESTClient) VerifyTransfer(ctx context.Context, reference string) (*TransferStatus, error) {
	env, raw, err := c.call(ctx, http.MethodGet, "/transfer/verify/"+reference, nil)
	if err != nil {
		return nil, err
	}
	return &TransferStatus{
		Reference: env.Data.Reference,
		Status:    normalizeStatus(env.Data.Status),
		Amount:    money.Amount(env.Data.Amount),
		Currency:  env.Data.Currency,
		Raw:       raw,
	}, nil
}

func (c *RESTClient) InitiateTransfer(ctx context.Context, req TransferRequest) (*TransferStatus, error) {
	payload := map[string]any{
		"source":    "balance",
		"reference": req.Reference,
		"recipient": req.Recipient,
		"amount":    int64(req.Amount),
		"currency":  req.Currency,
		"reason":    req.Reason,
	}
	env, raw, err := c.call(ctx, http.MethodPost, "/transfer", payload)
	if err != nil {
		return nil, err
	}
	status := normalizeStatus(env.Data.Status)
	ref := env.Data.Reference
	if ref == "" {
		ref = req.Reference
	}
	return &TransferStatus{
		Reference: ref,
		Status:    status,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Raw:       raw,
	}, nil
}

func (c *RESTClient) call(ctx context.Context, method, path string, body any) (*restEnvelope, []byte, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.do(ctx, method, path, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return nil, nil, err
	}
	resp := result.(*restResponse)
	return resp.env, resp.raw, nil
}

type restResponse struct {
	env *restEnvelope
	raw []byte
}

func (c *RESTClient) do(ctx context.Context, method, path string, body any) (*restResponse, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: provider returned %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: provider returned %d: %s", ErrTransferRejected, resp.StatusCode, raw)
	}

	var env restEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}
	return &restResponse{env: &env, raw: raw}, nil
}

func normalizeStatus(s string) string {
	switch s {
	case "success", "succeeded":
		return StatusSuccess
	case "failed", "reversed", "abandoned":
		return StatusFailed
	default:
		return StatusPending
	}
}

var _ Client = (*RESTClient)(nil)
