package booking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stayza/stayza/internal/config"
	"github.com/stayza/stayza/internal/idgen"
	"github.com/stayza/stayza/internal/ledger"
	"github.com/stayza/stayza/internal/metrics"
	"github.com/stayza/stayza/internal/money"
	"github.com/stayza/stayza/internal/quote"
	"github.com/stayza/stayza/internal/refund"
	"github.com/stayza/stayza/internal/traces"
	"github.com/stayza/stayza/internal/window"
)

// Service implements the booking lifecycle.
type Service struct {
	store      Store
	ledger     ledger.Store
	properties PropertySource
	volume     VolumeSource
	payouts    PayoutInitiator
	notifier   Notifier

	rates   quote.Rates
	refunds *refund.Engine

	guestWindow   time.Duration
	realtorWindow time.Duration

	logger *slog.Logger
	locks  sync.Map // per-booking ID locks to serialize transitions
	now    func() time.Time
}

// NewService creates a booking service.
func NewService(store Store, led ledger.Store, props PropertySource, vol VolumeSource,
	rates quote.Rates, refunds *refund.Engine, logger *slog.Logger) *Service {
	return &Service{
		store:         store,
		ledger:        led,
		properties:    props,
		volume:        vol,
		rates:         rates,
		refunds:       refunds,
		guestWindow:   config.DefaultGuestDisputeWindow,
		realtorWindow: config.DefaultRealtorDisputeWindow,
		logger:        logger,
		now:           time.Now,
	}
}

// WithWindows overrides the dispute window durations.
func (s *Service) WithWindows(guest, realtor time.Duration) *Service {
	s.guestWindow = guest
	s.realtorWindow = realtor
	return s
}

// WithPayouts adds an outbound transfer initiator.
func (s *Service) WithPayouts(p PayoutInitiator) *Service {
	s.payouts = p
	return s
}

// WithNotifier adds a lifecycle event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// bookingLock returns a mutex for the given booking ID.
// This serializes transitions racing for the same booking (duplicate
// webhook deliveries, a double-clicked cancel, a sweep vs. a dispute).
func (s *Service) bookingLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// apply re-checks the resulting state triple against the legal-combination
// table, then commits. Blocked placeholders carry no payment and skip the
// table.
func (s *Service) apply(ctx context.Context, b *Booking, p *Payment, entries []*ledger.Event) error {
	if !b.Blocked {
		pay := p
		if pay == nil {
			var err error
			pay, err = s.store.GetPayment(ctx, b.ID)
			if err != nil {
				return err
			}
		}
		if !ValidCombination(b.Status, b.StayStatus, pay.Status) {
			return fmt.Errorf("%w: illegal state %s/%s/%s",
				ErrInvalidStatus, b.Status, b.StayStatus, pay.Status)
		}
	}
	return s.store.ApplyTransition(ctx, b, p, entries)
}

func (s *Service) notify(ctx context.Context, event, bookingID string, fields map[string]any) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, event, bookingID, fields)
	}
}

// record counts a committed transition and its ledger entries.
func (s *Service) record(outcome string, entries []*ledger.Event) {
	if outcome != "" {
		metrics.BookingsTotal.WithLabelValues(outcome).Inc()
	}
	for _, e := range entries {
		metrics.LedgerEventsTotal.WithLabelValues(string(e.Type)).Inc()
	}
}

func (s *Service) event(b *Booking, t ledger.EventType, amount money.Amount, from, to ledger.Party, triggeredBy string) *ledger.Event {
	return &ledger.Event{
		ID:          idgen.WithPrefix("evt_"),
		BookingID:   b.ID,
		Type:        t,
		Amount:      amount,
		Currency:    b.Currency,
		FromParty:   from,
		ToParty:     to,
		TriggeredBy: triggeredBy,
		CreatedAt:   s.now(),
	}
}

// initiatePayouts asks settlement to move committed releases out to
// external accounts. The transition is already durable; initiation
// failures are retried by the settlement sweep, so errors are only logged.
func (s *Service) initiatePayouts(ctx context.Context, b *Booking, entries []*ledger.Event) {
	if s.payouts == nil {
		return
	}
	for _, e := range entries {
		var recipient string
		switch e.ToParty {
		case ledger.PartyRealtorWallet:
			recipient = b.RealtorID
		case ledger.PartyCustomer:
			recipient = b.CustomerID
		default:
			continue
		}
		if e.Amount <= 0 || e.Reference == "" {
			continue
		}
		err := s.payouts.InitiatePayout(ctx, PayoutRequest{
			Reference:     e.Reference,
			BookingID:     b.ID,
			LedgerEventID: e.ID,
			Recipient:     recipient,
			Amount:        e.Amount,
			Currency:      e.Currency,
			Reason:        string(e.Type),
			CriticalEvent: e.Type.Critical(),
		})
		if err != nil {
			s.logger.Warn("payout initiation failed, settlement sweep will retry",
				"bookingId", b.ID, "reference", e.Reference, "error", err)
		}
	}
}

// CreateRequest contains the parameters for creating a booking.
type CreateRequest struct {
	PropertyID     string `json:"propertyId" binding:"required"`
	CheckIn        string `json:"checkIn" binding:"required"`  // RFC3339
	CheckOut       string `json:"checkOut" binding:"required"` // RFC3339
	ProcessingMode string `json:"processingMode"`
}

// Create freezes a quote and opens a PENDING booking awaiting payment.
func (s *Service) Create(ctx context.Context, customerID string, req CreateRequest) (*Booking, *Payment, error) {
	ctx, span := traces.StartSpan(ctx, "booking.Create", traces.PropertyID(req.PropertyID))
	defer span.End()

	checkIn, checkOut, nights, err := parseStay(req.CheckIn, req.CheckOut, s.now())
	if err != nil {
		return nil, nil, err
	}

	prop, err := s.properties.Property(ctx, req.PropertyID)
	if err != nil {
		return nil, nil, err
	}
	if !prop.Active {
		return nil, nil, ErrDatesUnavailable
	}

	overlapping, err := s.store.ListOverlapping(ctx, prop.ID, checkIn, checkOut)
	if err != nil {
		return nil, nil, fmt.Errorf("checking availability: %w", err)
	}
	if len(overlapping) > 0 {
		return nil, nil, ErrDatesUnavailable
	}

	volume, err := s.volume.TrailingVolume(ctx, prop.RealtorID, s.now())
	if err != nil {
		// A missing aggregate must not block booking; zero volume gives
		// the realtor no commission reduction, never a worse guest price.
		s.logger.Warn("trailing volume lookup failed, freezing zero volume",
			"realtorId", prop.RealtorID, "error", err)
		volume = 0
	}

	q, err := quote.Compute(quote.Input{
		NightlyPrice:    prop.NightlyPrice,
		Nights:          nights,
		CleaningFee:     prop.CleaningFee,
		SecurityDeposit: prop.SecurityDeposit,
		TrailingVolume:  volume,
		ProcessingMode:  req.ProcessingMode,
	}, s.rates)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	b := &Booking{
		ID:         idgen.WithPrefix("bk_"),
		PropertyID: prop.ID,
		CustomerID: customerID,
		RealtorID:  prop.RealtorID,
		CheckIn:    checkIn,
		CheckOut:   checkOut,
		Nights:     nights,
		Status:     StatusPending,
		Quote:      q,
		Currency:   prop.Currency,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	p := &Payment{
		ID:        idgen.WithPrefix("pmt_"),
		BookingID: b.ID,
		Reference: idgen.WithPrefix("pay_"),
		Status:    PaymentInitiated,
		Amount:    q.TotalPayable,
		Currency:  prop.Currency,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, b, p); err != nil {
		return nil, nil, fmt.Errorf("creating booking: %w", err)
	}

	s.record("created", nil)
	s.notify(ctx, "booking.created", b.ID, map[string]any{
		"customerId": customerID, "propertyId": prop.ID, "total": q.TotalPayable,
	})
	return b, p, nil
}

// PreviewQuote computes the quote a stay would freeze, without creating
// anything. The trailing volume is read live, so the preview can drift
// from a later Create if the realtor crosses a tier boundary in between.
func (s *Service) PreviewQuote(ctx context.Context, req CreateRequest) (*quote.Quote, error) {
	_, _, nights, err := parseStay(req.CheckIn, req.CheckOut, s.now())
	if err != nil {
		return nil, err
	}

	prop, err := s.properties.Property(ctx, req.PropertyID)
	if err != nil {
		return nil, err
	}
	if !prop.Active {
		return nil, ErrDatesUnavailable
	}

	volume, err := s.volume.TrailingVolume(ctx, prop.RealtorID, s.now())
	if err != nil {
		volume = 0
	}

	q, err := quote.Compute(quote.Input{
		NightlyPrice:    prop.NightlyPrice,
		Nights:          nights,
		CleaningFee:     prop.CleaningFee,
		SecurityDeposit: prop.SecurityDeposit,
		TrailingVolume:  volume,
		ProcessingMode:  req.ProcessingMode,
	}, s.rates)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// RealtorReleases sums the room-fee amounts released to a realtor over
// a window, for payout reconciliation.
func (s *Service) RealtorReleases(ctx context.Context, realtorID string, from, to time.Time) (money.Amount, error) {
	return s.ledger.ReleasedToRealtor(ctx, realtorID, from, to)
}

// BlockRequest reserves calendar dates without a paying guest.
type BlockRequest struct {
	PropertyID string `json:"propertyId" binding:"required"`
	CheckIn    string `json:"checkIn" binding:"required"`
	CheckOut   string `json:"checkOut" binding:"required"`
	Note       string `json:"note"`
}

// CreateBlock creates a zero-value placeholder booking that keeps the
// dates from being booked. Only the property's realtor may block.
func (s *Service) CreateBlock(ctx context.Context, realtorID string, req BlockRequest) (*Booking, error) {
	checkIn, checkOut, nights, err := parseStay(req.CheckIn, req.CheckOut, s.now())
	if err != nil {
		return nil, err
	}

	prop, err := s.properties.Property(ctx, req.PropertyID)
	if err != nil {
		return nil, err
	}
	if prop.RealtorID != realtorID {
		return nil, ErrUnauthorized
	}

	overlapping, err := s.store.ListOverlapping(ctx, prop.ID, checkIn, checkOut)
	if err != nil {
		return nil, fmt.Errorf("checking availability: %w", err)
	}
	if len(overlapping) > 0 {
		return nil, ErrDatesUnavailable
	}

	now := s.now()
	b := &Booking{
		ID:         idgen.WithPrefix("bk_"),
		PropertyID: prop.ID,
		RealtorID:  realtorID,
		CheckIn:    checkIn,
		CheckOut:   checkOut,
		Nights:     nights,
		Status:     StatusActive,
		Blocked:    true,
		Currency:   prop.Currency,
		Notes:      req.Note,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, b, nil); err != nil {
		return nil, fmt.Errorf("creating blocked booking: %w", err)
	}
	return b, nil
}

// Get returns a booking by ID.
func (s *Service) Get(ctx context.Context, id string) (*Booking, error) {
	return s.store.Get(ctx, id)
}

// GetPayment returns the payment backing a booking.
func (s *Service) GetPayment(ctx context.Context, bookingID string) (*Payment, error) {
	return s.store.GetPayment(ctx, bookingID)
}

// Timeline returns the booking's ledger, newest first.
func (s *Service) Timeline(ctx context.Context, bookingID string) ([]*ledger.Event, error) {
	if _, err := s.store.Get(ctx, bookingID); err != nil {
		return nil, err
	}
	return s.ledger.Timeline(ctx, bookingID)
}

// FinalizePayment moves a PENDING booking to ACTIVE once the gateway
// confirms the charge, holding the funds in escrow. Already-finalized
// payments return ErrAlreadyFinalized so replays can be logged and
// skipped rather than re-applied.
func (s *Service) FinalizePayment(ctx context.Context, reference string, amount money.Amount, channel, raw string) (*Booking, error) {
	ctx, span := traces.StartSpan(ctx, "booking.FinalizePayment",
		traces.Reference(reference), traces.Amount(int64(amount)))
	defer span.End()

	b, _, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	mu := s.bookingLock(b.ID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read inside the lock; a duplicate delivery may have won the race.
	b, err = s.store.Get(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetPayment(ctx, b.ID)
	if err != nil {
		return nil, err
	}

	if p.Status != PaymentInitiated {
		return nil, ErrAlreadyFinalized
	}
	if b.Status != StatusPending {
		return nil, ErrInvalidStatus
	}
	if amount != p.Amount {
		return nil, fmt.Errorf("%w: charged %d, quoted %d", ErrAmountMismatch, amount, p.Amount)
	}

	now := s.now()
	b.Status = StatusActive
	b.UpdatedAt = now
	p.Status = PaymentHeld
	p.PaidAt = &now
	p.Channel = channel
	p.RoomFeeInEscrow = true
	p.UpdatedAt = now

	hold := s.event(b, ledger.EventHoldRoomFee, b.Quote.RoomFee, ledger.PartyCustomer, ledger.PartyEscrow, "gateway")
	hold.Reference = reference
	hold.ProviderRaw = raw

	entries := []*ledger.Event{hold}
	if b.Quote.SecurityDeposit > 0 {
		e := s.event(b, ledger.EventHoldSecurityDeposit, b.Quote.SecurityDeposit, ledger.PartyCustomer, ledger.PartyEscrow, "gateway")
		e.Reference = reference
		entries = append(entries, e)
	}
	if b.Quote.CleaningFee > 0 {
		e := s.event(b, ledger.EventReleaseCleaningFee, b.Quote.CleaningFee, ledger.PartyCustomer, ledger.PartyRealtorWallet, "gateway")
		e.CounterpartyID = b.RealtorID
		e.Reference = idgen.WithPrefix("trf_")
		entries = append(entries, e)
	}
	entries = append(entries,
		s.event(b, ledger.EventCollectServiceFee, b.Quote.ServiceFee, ledger.PartyCustomer, ledger.PartyPlatformWallet, "gateway"))

	if err := s.apply(ctx, b, p, entries); err != nil {
		return nil, fmt.Errorf("finalizing payment: %w", err)
	}

	s.record("confirmed", entries)
	s.initiatePayouts(ctx, b, entries)
	s.notify(ctx, "booking.confirmed", b.ID, map[string]any{
		"customerId": b.CustomerID, "realtorId": b.RealtorID, "amount": amount,
	})
	return b, nil
}

// FailPayment marks a pending payment FAILED and cancels the booking.
// Finalized payments ignore late failure notifications.
func (s *Service) FailPayment(ctx context.Context, reference, reason string) (*Booking, error) {
	b, _, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	mu := s.bookingLock(b.ID)
	mu.Lock()
	defer mu.Unlock()

	b, err = s.store.Get(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetPayment(ctx, b.ID)
	if err != nil {
		return nil, err
	}

	if p.Status != PaymentInitiated {
		return nil, ErrAlreadyFinalized
	}

	now := s.now()
	p.Status = PaymentFailed
	p.UpdatedAt = now
	b.Status = StatusCancelled
	b.CancelledAt = &now
	b.Notes = appendNote(b.Notes, "payment failed: "+reason)
	b.UpdatedAt = now

	if err := s.apply(ctx, b, p, nil); err != nil {
		return nil, fmt.Errorf("failing payment: %w", err)
	}

	s.record("payment_failed", nil)
	s.notify(ctx, "booking.payment_failed", b.ID, map[string]any{"reason": reason})
	return b, nil
}

// ConfirmCheckIn records the guest's arrival and opens the guest dispute
// window. Either the guest or the property's realtor may confirm.
func (s *Service) ConfirmCheckIn(ctx context.Context, id, actorID string) (*Booking, error) {
	mu := s.bookingLock(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != b.CustomerID && actorID != b.RealtorID {
		return nil, ErrUnauthorized
	}
	if b.Status != StatusActive || b.Blocked {
		return nil, ErrInvalidStatus
	}
	if b.StayStatus != StayNone {
		return nil, ErrInvalidStatus
	}

	now := s.now()
	b.StayStatus = StayCheckedIn
	b.CheckedInAt = &now
	b.GuestWindow = window.Open(now, s.guestWindow)
	b.UpdatedAt = now

	if err := s.apply(ctx, b, nil, nil); err != nil {
		return nil, fmt.Errorf("confirming check-in: %w", err)
	}

	s.notify(ctx, "booking.checked_in", b.ID, map[string]any{
		"guestWindowClosesAt": b.GuestWindow.Deadline,
	})
	return b, nil
}

// CheckOut records the guest's departure and opens the realtor dispute
// window. Only the guest may check out, exactly once.
func (s *Service) CheckOut(ctx context.Context, id, actorID string) (*Booking, error) {
	mu := s.bookingLock(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != b.CustomerID {
		return nil, ErrUnauthorized
	}
	if b.Status != StatusActive || b.StayStatus != StayCheckedIn {
		return nil, ErrInvalidStatus
	}
	if b.CheckedOutAt != nil {
		return nil, ErrInvalidStatus
	}

	now := s.now()
	b.StayStatus = StayCheckedOut
	b.CheckedOutAt = &now
	b.RealtorWindow = window.Open(now, s.realtorWindow)
	b.UpdatedAt = now

	if err := s.apply(ctx, b, nil, nil); err != nil {
		return nil, fmt.Errorf("checking out: %w", err)
	}

	s.notify(ctx, "booking.checked_out", b.ID, map[string]any{
		"realtorWindowClosesAt": b.RealtorWindow.Deadline,
	})
	return b, nil
}

// WindowsResponse reports both dispute windows' state at a given instant.
type WindowsResponse struct {
	Guest   *window.Status `json:"guestWindow,omitempty"`
	Realtor *window.Status `json:"realtorWindow,omitempty"`
}

// Windows evaluates the booking's dispute windows now.
func (s *Service) Windows(ctx context.Context, id string) (*WindowsResponse, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var resp WindowsResponse
	if !b.GuestWindow.Deadline.IsZero() {
		st := b.GuestWindow.At(now)
		resp.Guest = &st
	}
	if !b.RealtorWindow.Deadline.IsZero() {
		st := b.RealtorWindow.At(now)
		resp.Realtor = &st
	}
	return &resp, nil
}

// OpenGuestDispute files a guest complaint about the stay inside the
// guest dispute window, parking the room fee until an admin resolves.
func (s *Service) OpenGuestDispute(ctx context.Context, id, actorID, reason string) (*Booking, error) {
	mu := s.bookingLock(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != b.CustomerID {
		return nil, ErrUnauthorized
	}
	if b.Status != StatusActive || b.StayStatus == StayNone {
		return nil, ErrInvalidStatus
	}
	if b.GuestWindow.Deadline.IsZero() {
		return nil, ErrInvalidStatus
	}
	if !b.GuestWindow.At(s.now()).CanOpen {
		return nil, ErrWindowClosed
	}

	now := s.now()
	b.Status = StatusDisputed
	b.GuestWindow.Opened = true
	b.DisputeReason = reason
	b.UpdatedAt = now

	if err := s.apply(ctx, b, nil, nil); err != nil {
		return nil, fmt.Errorf("opening dispute: %w", err)
	}

	s.record("disputed", nil)
	s.notify(ctx, "booking.disputed", b.ID, map[string]any{"reason": reason, "by": "guest"})
	return b, nil
}

// DamageClaimRequest is a realtor's claim against the deposit.
type DamageClaimRequest struct {
	Amount money.Amount `json:"amount" binding:"required"`
	Reason string       `json:"reason" binding:"required"`
}

// FileDamageClaim lets the realtor claim against the security deposit
// inside the realtor dispute window, after checkout.
func (s *Service) FileDamageClaim(ctx context.Context, id, actorID string, req DamageClaimRequest) (*Booking, error) {
	mu := s.bookingLock(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != b.RealtorID {
		return nil, ErrUnauthorized
	}
	if b.Status != StatusActive || b.StayStatus != StayCheckedOut {
		return nil, ErrInvalidStatus
	}
	if b.RealtorWindow.Deadline.IsZero() {
		return nil, ErrInvalidStatus
	}
	if !b.RealtorWindow.At(s.now()).CanOpen {
		return nil, ErrWindowClosed
	}
	if req.Amount <= 0 || req.Amount > b.Quote.SecurityDeposit {
		return nil, ErrClaimTooLarge
	}

	now := s.now()
	b.Status = StatusDisputed
	b.RealtorWindow.Opened = true
	b.DamageClaim = &DamageClaim{
		Amount:  req.Amount,
		Reason:  req.Reason,
		FiledBy: actorID,
		FiledAt: now,
	}
	b.UpdatedAt = now

	if err := s.apply(ctx, b, nil, nil); err != nil {
		return nil, fmt.Errorf("filing damage claim: %w", err)
	}

	s.record("disputed", nil)
	s.notify(ctx, "booking.disputed", b.ID, map[string]any{
		"by": "realtor", "claimAmount": req.Amount,
	})
	return b, nil
}

// ResolveRequest is an admin's dispute decision.
//
// For a guest dispute, Resolution is "refund_customer" (room fee back to
// the guest) or "release_split" (room fee released normally). For a
// damage claim, AwardRealtor is paid from the deposit and the remainder
// returned to the guest.
type ResolveRequest struct {
	Resolution   string       `json:"resolution"`
	AwardRealtor money.Amount `json:"awardRealtor"`
	Note         string       `json:"note"`
}

// ResolveDispute settles whichever claim parked the booking in DISPUTED.
func (s *Service) ResolveDispute(ctx context.Context, id, adminID string, req ResolveRequest) (*Booking, error) {
	mu := s.bookingLock(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}
	p, err := s.store.GetPayment(ctx, b.ID)
	if err != nil {
		return nil, err
	}

	if b.DamageClaim != nil && !b.DamageClaim.Resolved {
		return s.resolveDamageClaim(ctx, b, p, adminID, req)
	}
	return s.resolveGuestDispute(ctx, b, p, adminID, req)
}

func (s *Service) resolveGuestDispute(ctx context.Context, b *Booking, p *Payment, adminID string, req ResolveRequest) (*Booking, error) {
	if !p.RoomFeeInEscrow {
		return nil, ErrInvalidStatus
	}

	now := s.now()
	var entries []*ledger.Event
	switch req.Resolution {
	case "refund_customer":
		e := s.event(b, ledger.EventRefundRoomFee, b.Quote.RoomFee, ledger.PartyEscrow, ledger.PartyCustomer, adminID)
		e.CounterpartyID = b.CustomerID
		e.Reference = idgen.WithPrefix("trf_")
		entries = append(entries, e)
	case "release_split":
		entries = s.roomFeeSplitEntries(b, adminID)
	default:
		return nil, fmt.Errorf("%w: unknown resolution %q", ErrInvalidStatus, req.Resolution)
	}

	b.Status = StatusActive
	b.Notes = appendNote(b.Notes, "dispute resolved ("+req.Resolution+"): "+req.Note)
	b.UpdatedAt = now
	p.Status = PaymentPartiallyReleased
	p.RoomFeeInEscrow = false
	p.UpdatedAt = now

	if err := s.apply(ctx, b, p, entries); err != nil {
		return nil, fmt.Errorf("resolving dispute: %w", err)
	}

	s.record("dispute_resolved", entries)
	s.initiatePayouts(ctx, b, entries)
	s.notify(ctx, "booking.dispute_resolved", b.ID, map[string]any{"resolution": req.Resolution})
	return b, nil
}

func (s *Service) resolveDamageClaim(ctx context.Context, b *Booking, p *Payment, adminID string, req ResolveRequest) (*Booking, error) {
	award := req.AwardRealtor
	if award < 0 || award > b.Quote.SecurityDeposit {
		return nil, ErrClaimTooLarge
	}

	now := s.now()
	var entries []*ledger.Event
	if award > 0 {
		e := s.event(b, ledger.EventPayRealtorFromDeposit, award, ledger.PartyEscrow, ledger.PartyRealtorWallet, adminID)
		e.CounterpartyID = b.RealtorID
		e.Reference = idgen.WithPrefix("trf_")
		entries = append(entries, e)
	}
	if remainder := b.Quote.SecurityDeposit - award; remainder > 0 {
		e := s.event(b, ledger.EventReleaseDepositToCustomer, remainder, ledger.PartyEscrow, ledger.PartyCustomer, adminID)
		e.CounterpartyID = b.CustomerID
		e.Reference = idgen.WithPrefix("trf_")
		entries = append(entries, e)
	}

	b.DamageClaim.Resolved = true
	b.Notes = appendNote(b.Notes, "damage claim resolved: "+req.Note)
	b.UpdatedAt = now

	if p.RoomFeeInEscrow {
		// Deposit settled but the room fee release is still owed; the
		// sweep finishes it once the guest window state allows.
		b.Status = StatusActive
		p.Status = PaymentPartiallyReleased
	} else {
		b.Status = StatusCompleted
		p.Status = PaymentSettled
	}
	p.UpdatedAt = now

	if err := s.apply(ctx, b, p, entries); err != nil {
		return nil, fmt.Errorf("resolving damage claim: %w", err)
	}

	s.record("dispute_resolved", entries)
	s.initiatePayouts(ctx, b, entries)
	s.notify(ctx, "booking.dispute_resolved", b.ID, map[string]any{"awardRealtor": award})
	return b, nil
}

// PreviewCancellation computes the refund the guest would receive if
// they cancelled now. Read-only.
func (s *Service) PreviewCancellation(ctx context.Context, id string) (*refund.Calculation, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Blocked || b.IsTerminal() || b.StayStatus != StayNone {
		return nil, ErrInvalidStatus
	}
	calc := s.refunds.Compute(refundBreakdown(b), b.CheckIn, s.now())
	return &calc, nil
}

// Cancel cancels a booking. Guests cancel paid bookings through the
// refund tiers; realtors cancel their own blocked placeholders.
func (s *Service) Cancel(ctx context.Context, id, actorID string) (*Booking, error) {
	ctx, span := traces.StartSpan(ctx, "booking.Cancel", traces.BookingID(id))
	defer span.End()

	mu := s.bookingLock(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.IsTerminal() {
		return nil, ErrInvalidStatus
	}

	if b.Blocked {
		if actorID != b.RealtorID {
			return nil, ErrUnauthorized
		}
		now := s.now()
		b.Status = StatusCancelled
		b.CancelledAt = &now
		b.UpdatedAt = now
		if err := s.apply(ctx, b, nil, nil); err != nil {
			return nil, fmt.Errorf("cancelling block: %w", err)
		}
		return b, nil
	}

	if actorID != b.CustomerID {
		return nil, ErrUnauthorized
	}
	if b.StayStatus != StayNone || b.Status == StatusDisputed {
		return nil, ErrInvalidStatus
	}

	now := s.now()

	if b.Status == StatusPending {
		p, err := s.store.GetPayment(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		b.Status = StatusCancelled
		b.CancelledAt = &now
		b.UpdatedAt = now
		p.Status = PaymentFailed
		p.UpdatedAt = now
		if err := s.apply(ctx, b, p, nil); err != nil {
			return nil, fmt.Errorf("cancelling booking: %w", err)
		}
		s.record("cancelled", nil)
		s.notify(ctx, "booking.cancelled", b.ID, map[string]any{"tier": "UNPAID"})
		return b, nil
	}

	// ACTIVE, pre-check-in: drain escrow per the refund tier.
	calc := s.refunds.Compute(refundBreakdown(b), b.CheckIn, now)
	if !calc.CanCancel {
		return nil, ErrCancelTooLate
	}

	p, err := s.store.GetPayment(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if p.Status != PaymentHeld {
		return nil, ErrInvalidStatus
	}

	var entries []*ledger.Event
	if calc.CustomerRoomRefund > 0 {
		e := s.event(b, ledger.EventRefundRoomFee, calc.CustomerRoomRefund, ledger.PartyEscrow, ledger.PartyCustomer, actorID)
		e.CounterpartyID = b.CustomerID
		e.Reference = idgen.WithPrefix("trf_")
		entries = append(entries, e)
	}
	if calc.RealtorRoomShare > 0 {
		e := s.event(b, ledger.EventRealtorCancelShare, calc.RealtorRoomShare, ledger.PartyEscrow, ledger.PartyRealtorWallet, actorID)
		e.CounterpartyID = b.RealtorID
		e.Reference = idgen.WithPrefix("trf_")
		entries = append(entries, e)
	}
	if calc.PlatformRoomShare > 0 {
		entries = append(entries,
			s.event(b, ledger.EventPlatformCancelShare, calc.PlatformRoomShare, ledger.PartyEscrow, ledger.PartyPlatformWallet, actorID))
	}
	if calc.DepositRefund > 0 {
		e := s.event(b, ledger.EventReleaseDepositToCustomer, calc.DepositRefund, ledger.PartyEscrow, ledger.PartyCustomer, actorID)
		e.CounterpartyID = b.CustomerID
		e.Reference = idgen.WithPrefix("trf_")
		entries = append(entries, e)
	}

	b.Status = StatusCancelled
	b.CancelledAt = &now
	b.Notes = appendNote(b.Notes, "cancelled in tier "+calc.Tier)
	b.UpdatedAt = now
	p.Status = PaymentSettled
	p.RoomFeeInEscrow = false
	p.UpdatedAt = now

	if err := s.apply(ctx, b, p, entries); err != nil {
		return nil, fmt.Errorf("cancelling booking: %w", err)
	}

	s.record("cancelled", entries)
	s.initiatePayouts(ctx, b, entries)
	s.notify(ctx, "booking.cancelled", b.ID, map[string]any{
		"tier": calc.Tier, "customerRefund": calc.CustomerTotal,
	})
	return b, nil
}

// ReleaseRoomFee releases the held room fee as the realtor/platform
// split once the guest dispute window has expired unopened. Called by
// the sweep; guards re-check under the booking lock.
func (s *Service) ReleaseRoomFee(ctx context.Context, id string) (*Booking, error) {
	mu := s.bookingLock(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetPayment(ctx, b.ID)
	if err != nil {
		return nil, err
	}

	if b.Status != StatusActive || !p.RoomFeeInEscrow || p.Status != PaymentHeld {
		return nil, ErrInvalidStatus
	}
	if b.GuestWindow.Deadline.IsZero() || b.GuestWindow.Opened {
		return nil, ErrInvalidStatus
	}
	if !b.GuestWindow.At(s.now()).Expired {
		return nil, ErrInvalidStatus
	}

	now := s.now()
	entries := s.roomFeeSplitEntries(b, "system")

	b.UpdatedAt = now
	p.Status = PaymentPartiallyReleased
	p.RoomFeeInEscrow = false
	p.TransferReference = entries[0].Reference
	p.TransferInitiatedAt = &now
	p.UpdatedAt = now

	if err := s.apply(ctx, b, p, entries); err != nil {
		return nil, fmt.Errorf("releasing room fee: %w", err)
	}

	s.record("", entries)
	s.initiatePayouts(ctx, b, entries)
	s.notify(ctx, "payout.initiated", b.ID, map[string]any{
		"realtorId": b.RealtorID, "amount": b.Quote.RealtorRoomShare(),
	})
	return b, nil
}

// ReleaseDeposit returns the security deposit to the guest once the
// realtor dispute window has expired unopened, completing the booking.
func (s *Service) ReleaseDeposit(ctx context.Context, id string) (*Booking, error) {
	mu := s.bookingLock(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetPayment(ctx, b.ID)
	if err != nil {
		return nil, err
	}

	if b.Status != StatusActive || b.StayStatus != StayCheckedOut {
		return nil, ErrInvalidStatus
	}
	if p.Status != PaymentPartiallyReleased || p.RoomFeeInEscrow {
		return nil, ErrInvalidStatus
	}
	if b.RealtorWindow.Deadline.IsZero() || b.RealtorWindow.Opened {
		return nil, ErrInvalidStatus
	}
	if !b.RealtorWindow.At(s.now()).Expired {
		return nil, ErrInvalidStatus
	}

	now := s.now()
	var entries []*ledger.Event
	if b.Quote.SecurityDeposit > 0 {
		e := s.event(b, ledger.EventReleaseDepositToCustomer, b.Quote.SecurityDeposit, ledger.PartyEscrow, ledger.PartyCustomer, "system")
		e.CounterpartyID = b.CustomerID
		e.Reference = idgen.WithPrefix("trf_")
		entries = append(entries, e)
	}

	b.Status = StatusCompleted
	b.UpdatedAt = now
	p.Status = PaymentSettled
	p.UpdatedAt = now

	if err := s.apply(ctx, b, p, entries); err != nil {
		return nil, fmt.Errorf("releasing deposit: %w", err)
	}

	s.record("completed", entries)
	s.initiatePayouts(ctx, b, entries)
	s.notify(ctx, "booking.completed", b.ID, map[string]any{
		"depositRefund": b.Quote.SecurityDeposit,
	})
	return b, nil
}

// ListByCustomer returns a customer's bookings.
func (s *Service) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Booking, error) {
	return s.store.ListByCustomer(ctx, customerID, limit)
}

// ListByRealtor returns a realtor's bookings.
func (s *Service) ListByRealtor(ctx context.Context, realtorID string, limit int) ([]*Booking, error) {
	return s.store.ListByRealtor(ctx, realtorID, limit)
}

// roomFeeSplitEntries builds the two RELEASE_ROOM_FEE_SPLIT legs using
// the frozen commission snapshot.
func (s *Service) roomFeeSplitEntries(b *Booking, triggeredBy string) []*ledger.Event {
	realtorLeg := s.event(b, ledger.EventReleaseRoomFeeSplit, b.Quote.RealtorRoomShare(), ledger.PartyEscrow, ledger.PartyRealtorWallet, triggeredBy)
	realtorLeg.CounterpartyID = b.RealtorID
	realtorLeg.Reference = idgen.WithPrefix("trf_")

	entries := []*ledger.Event{realtorLeg}
	if b.Quote.PlatformFee > 0 {
		entries = append(entries,
			s.event(b, ledger.EventReleaseRoomFeeSplit, b.Quote.PlatformFee, ledger.PartyEscrow, ledger.PartyPlatformWallet, triggeredBy))
	}
	return entries
}

func refundBreakdown(b *Booking) refund.Breakdown {
	return refund.Breakdown{
		RoomFee:         b.Quote.RoomFee,
		CleaningFee:     b.Quote.CleaningFee,
		SecurityDeposit: b.Quote.SecurityDeposit,
		ServiceFee:      b.Quote.ServiceFee,
	}
}

func parseStay(checkInStr, checkOutStr string, now time.Time) (checkIn, checkOut time.Time, nights int64, err error) {
	checkIn, err = time.Parse(time.RFC3339, checkInStr)
	if err != nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("%w: bad check-in: %v", ErrInvalidDates, err)
	}
	checkOut, err = time.Parse(time.RFC3339, checkOutStr)
	if err != nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("%w: bad check-out: %v", ErrInvalidDates, err)
	}
	if !checkIn.Before(checkOut) {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("%w: check-out must be after check-in", ErrInvalidDates)
	}
	if checkIn.Before(now) {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("%w: check-in is in the past", ErrInvalidDates)
	}
	d := checkOut.Sub(checkIn)
	nights = int64(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		nights++
	}
	return checkIn, checkOut, nights, nil
}

func appendNote(notes, add string) string {
	if notes == "" {
		return add
	}
	return notes + "; " + add
}
