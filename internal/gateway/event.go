package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stayza/stayza/internal/money"
)

// ErrUnknownEvent marks webhook event types the engine does not act on.
// Handlers acknowledge these so the provider stops redelivering them.
var ErrUnknownEvent = errors.New("unknown webhook event type")

// Event is one inbound webhook notification, already narrowed to a
// concrete variant. Switch on the concrete type to handle it.
type Event interface {
	// Kind returns the provider's event name, e.g. "charge.success".
	Kind() string
	// Reference returns the charge or transfer reference the event is about.
	Ref() string
}

// ChargeSucceeded reports a customer charge that cleared.
type ChargeSucceeded struct {
	Reference string
	Amount    money.Amount
	Currency  string
	Channel   string
	PaidAt    time.Time
	Raw       json.RawMessage
}

func (e ChargeSucceeded) Kind() string { return "charge.success" }
func (e ChargeSucceeded) Ref() string  { return e.Reference }

// ChargeFailed reports a customer charge that did not clear.
type ChargeFailed struct {
	Reference string
	Reason    string
	Raw       json.RawMessage
}

func (e ChargeFailed) Kind() string { return "charge.failed" }
func (e ChargeFailed) Ref() string  { return e.Reference }

// TransferSucceeded confirms an outbound payout.
type TransferSucceeded struct {
	Reference string
	Amount    money.Amount
	Currency  string
	Raw       json.RawMessage
}

func (e TransferSucceeded) Kind() string { return "transfer.success" }
func (e TransferSucceeded) Ref() string  { return e.Reference }

// TransferFailed reports an outbound payout the provider could not complete.
type TransferFailed struct {
	Reference string
	Reason    string
	Raw       json.RawMessage
}

func (e TransferFailed) Kind() string { return "transfer.failed" }
func (e TransferFailed) Ref() string  { return e.Reference }

// TransferReversed reports a payout that was clawed back after success.
type TransferReversed struct {
	Reference string
	Reason    string
	Raw       json.RawMessage
}

func (e TransferReversed) Kind() string { return "transfer.reversed" }
func (e TransferReversed) Ref() string  { return e.Reference }

// envelope is the provider's wire shape.
type envelope struct {
	Event string `json:"event"`
	Data  struct {
		Reference     string `json:"reference"`
		Amount        int64  `json:"amount"`
		Currency      string `json:"currency"`
		Channel       string `json:"channel"`
		PaidAt        string `json:"paid_at"`
		GatewayReason string `json:"gateway_response"`
	} `json:"data"`
}

// ParseEvent decodes a webhook body into its typed variant.
// Event types outside the settlement set return ErrUnknownEvent.
func ParseEvent(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}
	if env.Data.Reference == "" {
		return nil, fmt.Errorf("webhook event %q missing reference", env.Event)
	}

	switch env.Event {
	case "charge.success":
		paidAt, _ := time.Parse(time.RFC3339, env.Data.PaidAt)
		return ChargeSucceeded{
			Reference: env.Data.Reference,
			Amount:    money.Amount(env.Data.Amount),
			Currency:  env.Data.Currency,
			Channel:   env.Data.Channel,
			PaidAt:    paidAt,
			Raw:       body,
		}, nil
	case "charge.failed":
		return ChargeFailed{
			Reference: env.Data.Reference,
			Reason:    env.Data.GatewayReason,
			Raw:       body,
		}, nil
	case "transfer.success":
		return TransferSucceeded{
			Reference: env.Data.Reference,
			Amount:    money.Amount(env.Data.Amount),
			Currency:  env.Data.Currency,
			Raw:       body,
		}, nil
	case "transfer.failed":
		return TransferFailed{
			Reference: env.Data.Reference,
			Reason:    env.Data.GatewayReason,
			Raw:       body,
		}, nil
	case "transfer.reversed":
		return TransferReversed{
			Reference: env.Data.Reference,
			Reason:    env.Data.GatewayReason,
			Raw:       body,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event)
	}
}
