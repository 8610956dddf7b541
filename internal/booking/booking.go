// Package booking drives a reservation through its lifecycle and is the
// only writer of escrow state.
//
// Flow:
//  1. Guest books → quote frozen, booking PENDING, payment INITIATED
//  2. Gateway confirms the charge → booking ACTIVE, funds held in escrow
//  3. Check-in confirmed → guest dispute window opens (1h)
//  4. Window expires cleanly → room fee split released realtor/platform
//  5. Guest checks out → realtor dispute window opens (4h10m)
//  6. Window expires cleanly → deposit released, booking COMPLETED
//
// Cancellation before check-in routes through the refund engine; disputes
// and damage claims park the booking in DISPUTED until an admin resolves.
package booking

import (
	"context"
	"errors"
	"time"

	"github.com/stayza/stayza/internal/ledger"
	"github.com/stayza/stayza/internal/money"
	"github.com/stayza/stayza/internal/quote"
	"github.com/stayza/stayza/internal/window"
)

var (
	ErrBookingNotFound  = errors.New("booking not found")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrPropertyNotFound = errors.New("property not found")
	ErrInvalidDates     = errors.New("invalid booking dates")
	ErrDatesUnavailable = errors.New("dates unavailable for this property")
	ErrInvalidStatus    = errors.New("invalid booking status for this operation")
	ErrUnauthorized     = errors.New("not authorized for this booking operation")
	ErrAlreadyFinalized = errors.New("payment already finalized")
	ErrAmountMismatch   = errors.New("charged amount does not match the frozen quote")
	ErrWindowClosed     = errors.New("dispute window has closed")
	ErrCancelTooLate    = errors.New("cancellation is no longer possible")
	ErrClaimTooLarge    = errors.New("damage claim exceeds the security deposit")
	ErrConcurrentUpdate = errors.New("booking changed since it was read")
)

// Status is the booking's top-level lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusDisputed  Status = "DISPUTED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// StayStatus tracks the guest's physical stay, orthogonal to Status.
// Empty until check-in is confirmed.
type StayStatus string

const (
	StayNone       StayStatus = ""
	StayCheckedIn  StayStatus = "CHECKED_IN"
	StayCheckedOut StayStatus = "CHECKED_OUT"
)

// PaymentStatus is the payment's settlement state.
type PaymentStatus string

const (
	PaymentInitiated         PaymentStatus = "INITIATED"
	PaymentHeld              PaymentStatus = "HELD"
	PaymentPartiallyReleased PaymentStatus = "PARTIALLY_RELEASED"
	PaymentSettled           PaymentStatus = "SETTLED"
	PaymentFailed            PaymentStatus = "FAILED"
)

// ValidCombination enumerates the legal (status, stayStatus, paymentStatus)
// triples. Every transition re-checks its result against this table.
func ValidCombination(s Status, stay StayStatus, pay PaymentStatus) bool {
	switch s {
	case StatusPending:
		return stay == StayNone && (pay == PaymentInitiated || pay == PaymentFailed)
	case StatusActive:
		return pay == PaymentHeld || pay == PaymentPartiallyReleased
	case StatusDisputed:
		return stay != StayNone && (pay == PaymentHeld || pay == PaymentPartiallyReleased)
	case StatusCompleted:
		return stay == StayCheckedOut && pay == PaymentSettled
	case StatusCancelled:
		return stay == StayNone && (pay == PaymentFailed || pay == PaymentSettled)
	}
	return false
}

// DamageClaim is a realtor's claim against the security deposit.
type DamageClaim struct {
	Amount   money.Amount `json:"amount"`
	Reason   string       `json:"reason"`
	FiledBy  string       `json:"filedBy"`
	FiledAt  time.Time    `json:"filedAt"`
	Resolved bool         `json:"resolved"`
}

// Booking is one reservation. Blocked calendar placeholders are bookings
// too, marked by Blocked, with no payment and a zero quote.
type Booking struct {
	ID         string `json:"id"`
	PropertyID string `json:"propertyId"`
	CustomerID string `json:"customerId,omitempty"`
	RealtorID  string `json:"realtorId"`

	CheckIn  time.Time `json:"checkIn"`
	CheckOut time.Time `json:"checkOut"`
	Nights   int64     `json:"nights"`

	Status     Status     `json:"status"`
	StayStatus StayStatus `json:"stayStatus,omitempty"`
	Blocked    bool       `json:"blocked,omitempty"`

	Quote    quote.Quote `json:"quote"`
	Currency string      `json:"currency"`

	GuestWindow   window.Descriptor `json:"-"`
	RealtorWindow window.Descriptor `json:"-"`

	CheckedInAt  *time.Time `json:"checkedInAt,omitempty"`
	CheckedOutAt *time.Time `json:"checkedOutAt,omitempty"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`

	DisputeReason string       `json:"disputeReason,omitempty"`
	DamageClaim   *DamageClaim `json:"damageClaim,omitempty"`
	Notes         string       `json:"notes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// readUpdatedAt snapshots UpdatedAt at read time. ApplyTransition
	// uses it as an optimistic predicate so two replicas racing on the
	// same row cannot both commit.
	readUpdatedAt time.Time
}

// IsTerminal reports whether the booking reached a final state.
func (b *Booking) IsTerminal() bool {
	return b.Status == StatusCompleted || b.Status == StatusCancelled
}

// Payment is the single charge backing a booking.
type Payment struct {
	ID        string        `json:"id"`
	BookingID string        `json:"bookingId"`
	Reference string        `json:"reference"`
	Status    PaymentStatus `json:"status"`
	Amount    money.Amount  `json:"amount"`
	Currency  string        `json:"currency"`
	Channel   string        `json:"channel,omitempty"`

	RoomFeeInEscrow bool       `json:"roomFeeInEscrow"`
	PaidAt          *time.Time `json:"paidAt,omitempty"`

	TransferReference   string     `json:"transferReference,omitempty"`
	TransferInitiatedAt *time.Time `json:"transferInitiatedAt,omitempty"`
	TransferCompletedAt *time.Time `json:"transferCompletedAt,omitempty"`
	TransferFailed      bool       `json:"transferFailed,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	readUpdatedAt time.Time
}

// Store persists bookings and payments. ApplyTransition commits a state
// change together with its ledger entries in one transaction; stores
// must write the entries through the same transactional boundary so the
// ledger and booking state cannot diverge. The booking and payment
// passed to ApplyTransition must come from a read on the same store:
// the commit is predicated on the row being unchanged since that read
// and fails with ErrConcurrentUpdate when another writer got there
// first.
type Store interface {
	Create(ctx context.Context, b *Booking, p *Payment) error
	Get(ctx context.Context, id string) (*Booking, error)
	GetPayment(ctx context.Context, bookingID string) (*Payment, error)
	GetByReference(ctx context.Context, reference string) (*Booking, *Payment, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Booking, error)
	ListByRealtor(ctx context.Context, realtorID string, limit int) ([]*Booking, error)
	ListOverlapping(ctx context.Context, propertyID string, checkIn, checkOut time.Time) ([]*Booking, error)
	ListReleasable(ctx context.Context, before time.Time, limit int) ([]*Booking, error)
	ApplyTransition(ctx context.Context, b *Booking, p *Payment, entries []*ledger.Event) error
}

// Property is the slice of the external listing record the engine reads.
type Property struct {
	ID              string
	RealtorID       string
	NightlyPrice    money.Amount
	CleaningFee     money.Amount
	SecurityDeposit money.Amount
	Currency        string
	Active          bool
}

// PropertySource reads property pricing from the listing collaborator.
type PropertySource interface {
	Property(ctx context.Context, id string) (*Property, error)
}

// VolumeSource reads a realtor's trailing confirmed room-fee volume.
type VolumeSource interface {
	TrailingVolume(ctx context.Context, realtorID string, at time.Time) (money.Amount, error)
}

// PayoutRequest asks the settlement layer to move funds out of the
// platform to an external account.
type PayoutRequest struct {
	Reference     string
	BookingID     string
	LedgerEventID string
	Recipient     string
	Amount        money.Amount
	Currency      string
	Reason        string
	CriticalEvent bool
}

// PayoutInitiator starts outbound transfers. Initiation failures are the
// settlement layer's to retry; the booking transition has already
// committed by the time payouts fire.
type PayoutInitiator interface {
	InitiatePayout(ctx context.Context, req PayoutRequest) error
}

// Notifier receives notification-worthy lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, event, bookingID string, fields map[string]any)
}
