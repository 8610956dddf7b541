// Package gateway talks to the external payment provider.
//
// Two providers are supported: a Paystack-style REST API (the default)
// and Stripe via its official SDK. Both are hidden behind the Client
// interface so settlement code never branches on provider.
package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/stayza/stayza/internal/money"
)

var (
	ErrNotFound         = errors.New("gateway record not found")
	ErrUnavailable      = errors.New("gateway unavailable")
	ErrTransferRejected = errors.New("gateway rejected transfer")
	ErrUnknownProvider  = errors.New("unknown gateway provider")
)

// Charge and transfer statuses as reported by the provider.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusPending = "pending"
)

// ChargeStatus is the provider's view of a charge.
type ChargeStatus struct {
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Amount    money.Amount    `json:"amount"`
	Currency  string          `json:"currency"`
	Raw       json.RawMessage `json:"-"`
}

// TransferStatus is the provider's view of a payout transfer.
type TransferStatus struct {
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Amount    money.Amount    `json:"amount"`
	Currency  string          `json:"currency"`
	Raw       json.RawMessage `json:"-"`
}

// TransferRequest initiates a payout to a customer or realtor account.
type TransferRequest struct {
	Reference string       `json:"reference"`
	Recipient string       `json:"recipient"`
	Amount    money.Amount `json:"amount"`
	Currency  string       `json:"currency"`
	Reason    string       `json:"reason,omitempty"`
}

// Client is the outbound provider API used by settlement.
type Client interface {
	VerifyCharge(ctx context.Context, reference string) (*ChargeStatus, error)
	VerifyTransfer(ctx context.Context, reference string) (*TransferStatus, error)
	InitiateTransfer(ctx context.Context, req TransferRequest) (*TransferStatus, error)
}
