// Package ledger is the append-only record of escrow fund movements.
//
// Every business action that moves money writes exactly one Event per
// movement, in the same transaction as the state change that caused it
// (see AppendTx). Events are never deleted and their financial fields
// (amount, parties, type) are never updated; the only mutable part is
// the provider-result metadata a settlement confirmation attaches later.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/stayza/stayza/internal/money"
)

var ErrEventNotFound = errors.New("ledger event not found")

// EventType identifies the business meaning of a fund movement.
type EventType string

const (
	EventHoldRoomFee              EventType = "HOLD_ROOM_FEE"
	EventHoldSecurityDeposit      EventType = "HOLD_SECURITY_DEPOSIT"
	EventReleaseCleaningFee       EventType = "RELEASE_CLEANING_FEE"
	EventCollectServiceFee        EventType = "COLLECT_SERVICE_FEE"
	EventReleaseRoomFeeSplit      EventType = "RELEASE_ROOM_FEE_SPLIT"
	EventReleaseDepositToCustomer EventType = "RELEASE_DEPOSIT_TO_CUSTOMER"
	EventPayRealtorFromDeposit    EventType = "PAY_REALTOR_FROM_DEPOSIT"
	EventRefundRoomFee            EventType = "REFUND_ROOM_FEE"
	EventRealtorCancelShare       EventType = "REALTOR_CANCEL_SHARE"
	EventPlatformCancelShare      EventType = "PLATFORM_CANCEL_SHARE"
)

// Critical reports whether a failed or reversed transfer for this event
// type is a settlement incident requiring verification, bounded retry
// and eventual escalation.
func (t EventType) Critical() bool {
	switch t {
	case EventReleaseRoomFeeSplit, EventReleaseDepositToCustomer, EventPayRealtorFromDeposit:
		return true
	}
	return false
}

// Party names one side of a fund movement.
type Party string

const (
	PartyCustomer        Party = "CUSTOMER"
	PartyEscrow          Party = "ESCROW"
	PartyPlatformWallet  Party = "PLATFORM_WALLET"
	PartyRealtorWallet   Party = "REALTOR_WALLET"
	PartyExternalGateway Party = "EXTERNAL_GATEWAY"
)

// Provider-result states attached to an event by settlement processing.
const (
	ProviderConfirmed = "confirmed"
	ProviderFailed    = "failed"
	ProviderReversed  = "reversed"
	ProviderRecovered = "recovered"
	ProviderEscalated = "escalated"
)

// Event is one immutable fund movement.
type Event struct {
	ID             string       `json:"id"`
	BookingID      string       `json:"bookingId"`
	Type           EventType    `json:"eventType"`
	Amount         money.Amount `json:"amount"`
	Currency       string       `json:"currency"`
	FromParty      Party        `json:"fromParty"`
	ToParty        Party        `json:"toParty"`
	CounterpartyID string       `json:"counterpartyId,omitempty"` // customer or realtor user id
	Reference      string       `json:"reference,omitempty"`      // gateway transfer/charge reference
	ProviderStatus string       `json:"providerStatus,omitempty"`
	ProviderRaw    string       `json:"providerRaw,omitempty"`
	Attempts       int          `json:"attempts,omitempty"` // transfer attempts recorded by settlement
	Notes          string       `json:"notes,omitempty"`
	TriggeredBy    string       `json:"triggeredBy"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Sums aggregates a booking's escrow movements.
type Sums struct {
	IntoEscrow  money.Amount `json:"intoEscrow"`
	OutOfEscrow money.Amount `json:"outOfEscrow"`
}

// Outstanding is what is still held in escrow.
func (s Sums) Outstanding() money.Amount {
	return s.IntoEscrow - s.OutOfEscrow
}

// Store persists ledger events. There is deliberately no update or
// delete of financial fields; UpdateProviderResult touches only the
// settlement metadata columns.
type Store interface {
	Append(ctx context.Context, e *Event) error
	Timeline(ctx context.Context, bookingID string) ([]*Event, error) // newest first
	GetByReference(ctx context.Context, reference string) (*Event, error)
	UpdateProviderResult(ctx context.Context, id, status, raw string, attempts int) error
	Sums(ctx context.Context, bookingID string) (Sums, error)
	// ReleasedToRealtor sums every credit into the realtor's wallet,
	// cleaning fees and cancellation and deposit awards included.
	ReleasedToRealtor(ctx context.Context, realtorID string, from, to time.Time) (money.Amount, error)
	// RoomFeeVolume sums only completed room-fee splits. This feeds
	// the commission tier lookup, where deposit awards and cleaning
	// fees must not count as earning volume.
	RoomFeeVolume(ctx context.Context, realtorID string, from, to time.Time) (money.Amount, error)
}

// accumulate folds an event into booking sums.
func accumulate(s *Sums, e *Event) {
	if e.ToParty == PartyEscrow {
		s.IntoEscrow += e.Amount
	}
	if e.FromParty == PartyEscrow {
		s.OutOfEscrow += e.Amount
	}
}
