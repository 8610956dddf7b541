// Package settlement consumes payment gateway notifications and drives
// money movement to completion.
//
// Every inbound notification is journaled as a WebhookEvent keyed by
// "{provider}-{eventType}-{reference}". The processed marker is written
// only after all side effects have been applied, so a crash mid-handler
// causes a redelivery to rerun the handler rather than lose the event.
// Handlers are idempotent at the payment and ledger level, which makes
// the rerun safe.
//
// Outbound payouts are tracked as Transfer rows, one per attempt. When
// the gateway reports a failed transfer for a critical release, the
// worker verifies the terminal status, retries under a fresh reference
// up to a configured cap, and escalates to operations beyond it.
package settlement

import (
	"errors"
	"time"

	"github.com/stayza/stayza/internal/money"
)

var (
	ErrEventNotFound    = errors.New("webhook event not found")
	ErrDuplicateEvent   = errors.New("event already processed")
	ErrTransferNotFound = errors.New("transfer not found")
)

// Webhook event journal statuses.
const (
	EventProcessed = "PROCESSED"
	EventFailed    = "FAILED"
	EventDuplicate = "DUPLICATE"
)

// Transfer attempt statuses.
const (
	TransferPending   = "PENDING"   // initiated, awaiting gateway confirmation
	TransferRetrying  = "RETRYING"  // fresh attempt after a prior failure
	TransferConfirmed = "CONFIRMED" // gateway reported success
	TransferRecovered = "RECOVERED" // reported failed, verification showed success
	TransferRetried   = "RETRIED"   // superseded by a newer attempt
	TransferFailed    = "FAILED"    // terminal failure, non-critical
	TransferEscalated = "ESCALATED" // terminal failure past retry cap, needs a human
)

// EventKey builds the idempotency key for an inbound notification.
func EventKey(provider, eventType, reference string) string {
	return provider + "-" + eventType + "-" + reference
}

// WebhookEvent is one journaled gateway notification.
type WebhookEvent struct {
	ID        string    `json:"id"`
	EventID   string    `json:"eventId"` // idempotency key, see EventKey
	Provider  string    `json:"provider"`
	EventType string    `json:"eventType"`
	Reference string    `json:"reference"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Payload   []byte    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Transfer is one payout attempt against the gateway.
type Transfer struct {
	Reference     string       `json:"reference"`
	BookingID     string       `json:"bookingId"`
	LedgerEventID string       `json:"ledgerEventId"`
	Recipient     string       `json:"recipient"`
	Amount        money.Amount `json:"amount"`
	Currency      string       `json:"currency"`
	Reason        string       `json:"reason"`
	Critical      bool         `json:"critical"`
	Status        string       `json:"status"`
	Attempts      int          `json:"attempts"`
	PrevReference string       `json:"prevReference,omitempty"`
	Detail        string       `json:"detail,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// Active reports whether the transfer is still awaiting a gateway verdict.
func (t *Transfer) Active() bool {
	return t.Status == TransferPending || t.Status == TransferRetrying
}

// Store persists the webhook journal and transfer attempts.
type Store interface {
	// SeenProcessed reports whether an event with this key has already
	// reached PROCESSED.
	SeenProcessed(eventID string) (bool, error)
	// Record journals an event outcome. Recording a second PROCESSED row
	// for the same eventID fails with ErrDuplicateEvent.
	Record(e *WebhookEvent) error
	ListEvents(limit int) ([]*WebhookEvent, error)

	CreateTransfer(t *Transfer) error
	GetTransfer(reference string) (*Transfer, error)
	UpdateTransfer(t *Transfer) error
	// ListStale returns active transfers last touched before the cutoff.
	ListStale(before time.Time) ([]*Transfer, error)
	ListEscalated(limit int) ([]*Transfer, error)
}
