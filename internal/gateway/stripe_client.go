package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/stayza/stayza/internal/money"
)

// StripeClient implements Client on top of the official Stripe SDK.
// Selected with GATEWAY_PROVIDER=stripe.
type StripeClient struct {
	api *client.API
}

func NewStripeClient(secretKey string) *StripeClient {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeClient{api: api}
}

func (c *StripeClient) VerifyCharge(ctx context.Context, reference string) (*ChargeStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := c.api.PaymentIntents.Get(reference, params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	status := StatusPending
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSuccess
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}
	return &ChargeStatus{
		Reference: pi.ID,
		Status:    status,
		Amount:    money.Amount(pi.Amount),
		Currency:  string(pi.Currency),
		Raw:       pi.LastResponse.RawJSON,
	}, nil
}

func (c *StripeClient) VerifyTransfer(ctx context.Context, reference string) (*TransferStatus, error) {
	params := &stripe.TransferParams{}
	params.Context = ctx
	tr, err := c.api.Transfers.Get(reference, params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	status := StatusSuccess
	if tr.Reversed {
		status = StatusFailed
	}
	return &TransferStatus{
		Reference: tr.ID,
		Status:    status,
		Amount:    money.Amount(tr.Amount),
		Currency:  string(tr.Currency),
		Raw:       tr.LastResponse.RawJSON,
	}, nil
}

func (c *StripeClient) InitiateTransfer(ctx context.Context, req TransferRequest) (*TransferStatus, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(int64(req.Amount)),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.Recipient),
		TransferGroup: stripe.String(req.Reference),
	}
	params.Context = ctx
	// Our reference doubles as the provider idempotency key so a
	// re-driven transfer cannot pay out twice.
	params.SetIdempotencyKey(req.Reference)

	tr, err := c.api.Transfers.New(params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	return &TransferStatus{
		Reference: req.Reference,
		Status:    StatusSuccess,
		Amount:    money.Amount(tr.Amount),
		Currency:  string(tr.Currency),
		Raw:       tr.LastResponse.RawJSON,
	}, nil
}

func mapStripeErr(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusNotFound:
			return ErrNotFound
		case se.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %s", ErrUnavailable, se.Msg)
		default:
			return fmt.Errorf("%w: %s", ErrTransferRejected, se.Msg)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

var _ Client = (*StripeClient)(nil)
