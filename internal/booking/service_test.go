package booking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stayza/stayza/internal/ledger"
	"github.com/stayza/stayza/internal/money"
	"github.com/stayza/stayza/internal/quote"
	"github.com/stayza/stayza/internal/refund"
)

// --- test fixtures ---

type fakeProps struct {
	props map[string]*Property
}

func (f *fakeProps) Property(ctx context.Context, id string) (*Property, error) {
	p, ok := f.props[id]
	if !ok {
		return nil, ErrPropertyNotFound
	}
	return p, nil
}

type fakeVolume struct {
	volume money.Amount
	err    error
}

func (f *fakeVolume) TrailingVolume(ctx context.Context, realtorID string, at time.Time) (money.Amount, error) {
	return f.volume, f.err
}

type capturingPayouts struct {
	mu   sync.Mutex
	reqs []PayoutRequest
}

func (c *capturingPayouts) InitiatePayout(ctx context.Context, req PayoutRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testRates() quote.Rates {
	return quote.Rates{
		PlatformServiceFeeBps: 350,
		ProcessingFeeBps:      map[string]int64{"card": 150, "bank": 100},
		DefaultProcessingBps:  150,
		BaseCommissionBps:     1000,
		MinCommissionBps:      250,
	}
}

func testRefundEngine() *refund.Engine {
	return refund.NewEngine([]refund.Tier{
		{Name: "EARLY", MinHours: 72, CustomerBps: 9000, RealtorBps: 700, PlatformBps: 300},
		{Name: "MEDIUM", MinHours: 24, CustomerBps: 7000, RealtorBps: 2000, PlatformBps: 1000},
		{Name: "LATE", MinHours: 0, CustomerBps: 0, RealtorBps: 8000, PlatformBps: 2000},
	})
}

type harness struct {
	service *Service
	store   *MemoryStore
	ledger  *ledger.MemoryStore
	payouts *capturingPayouts
	clock   *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	led := ledger.NewMemoryStore()
	store := NewMemoryStore(led)
	props := &fakeProps{props: map[string]*Property{
		"prop_1": {
			ID:              "prop_1",
			RealtorID:       "rl_1",
			NightlyPrice:    50000,
			CleaningFee:     5000,
			SecurityDeposit: 20000,
			Currency:        "NGN",
			Active:          true,
		},
	}}
	payouts := &capturingPayouts{}
	clock := &testClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(discard{}, nil))

	svc := NewService(store, led, props, &fakeVolume{}, testRates(), testRefundEngine(), logger).
		WithPayouts(payouts)
	svc.now = clock.now

	return &harness{service: svc, store: store, ledger: led, payouts: payouts, clock: clock}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// book creates a booking checking in the given duration from now.
func (h *harness) book(t *testing.T, in time.Duration) (*Booking, *Payment) {
	t.Helper()
	checkIn := h.clock.now().Add(in)
	b, p, err := h.service.Create(context.Background(), "cus_1", CreateRequest{
		PropertyID:     "prop_1",
		CheckIn:        checkIn.Format(time.RFC3339),
		CheckOut:       checkIn.Add(48 * time.Hour).Format(time.RFC3339),
		ProcessingMode: "card",
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return b, p
}

func (h *harness) pay(t *testing.T, p *Payment) *Booking {
	t.Helper()
	b, err := h.service.FinalizePayment(context.Background(), p.Reference, p.Amount, "card", `{"status":"success"}`)
	if err != nil {
		t.Fatalf("finalize payment: %v", err)
	}
	return b
}

func (h *harness) eventAmounts(t *testing.T, bookingID string) map[ledger.EventType][]money.Amount {
	t.Helper()
	events, err := h.ledger.Timeline(context.Background(), bookingID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	out := make(map[ledger.EventType][]money.Amount)
	for _, e := range events {
		out[e.Type] = append(out[e.Type], e.Amount)
	}
	return out
}

// --- creation ---

func TestCreateFreezesQuote(t *testing.T) {
	h := newHarness(t)
	b, p := h.book(t, 96*time.Hour)

	if b.Status != StatusPending {
		t.Errorf("status = %s", b.Status)
	}
	if p.Status != PaymentInitiated {
		t.Errorf("payment status = %s", p.Status)
	}
	if b.Quote.RoomFee != 100000 {
		t.Errorf("roomFee = %d", b.Quote.RoomFee)
	}
	// 5% of roomFee+cleaningFee = 5% of 105,000
	if b.Quote.ServiceFee != 5250 {
		t.Errorf("serviceFee = %d", b.Quote.ServiceFee)
	}
	if b.Quote.PlatformFee != 10000 {
		t.Errorf("platformFee = %d", b.Quote.PlatformFee)
	}
	if p.Amount != 130250 {
		t.Errorf("total = %d", p.Amount)
	}
	if b.Nights != 2 {
		t.Errorf("nights = %d", b.Nights)
	}
}

func TestPreviewQuoteMatchesCreate(t *testing.T) {
	h := newHarness(t)
	checkIn := h.clock.now().Add(96 * time.Hour)
	req := CreateRequest{
		PropertyID:     "prop_1",
		CheckIn:        checkIn.Format(time.RFC3339),
		CheckOut:       checkIn.Add(48 * time.Hour).Format(time.RFC3339),
		ProcessingMode: "card",
	}

	q, err := h.service.PreviewQuote(context.Background(), req)
	if err != nil {
		t.Fatalf("preview quote: %v", err)
	}

	b, _, err := h.service.Create(context.Background(), "cus_1", req)
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	if *q != b.Quote {
		t.Errorf("preview %+v != frozen %+v", *q, b.Quote)
	}
}

func TestPreviewQuoteLeavesNoState(t *testing.T) {
	h := newHarness(t)
	checkIn := h.clock.now().Add(96 * time.Hour)
	if _, err := h.service.PreviewQuote(context.Background(), CreateRequest{
		PropertyID: "prop_1",
		CheckIn:    checkIn.Format(time.RFC3339),
		CheckOut:   checkIn.Add(48 * time.Hour).Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("preview quote: %v", err)
	}

	// The dates must still be bookable.
	h.book(t, 96*time.Hour)
}

func TestCreateRejectsOverlappingDates(t *testing.T) {
	h := newHarness(t)
	h.book(t, 96*time.Hour)

	checkIn := h.clock.now().Add(120 * time.Hour) // inside the first stay
	_, _, err := h.service.Create(context.Background(), "cus_2", CreateRequest{
		PropertyID: "prop_1",
		CheckIn:    checkIn.Format(time.RFC3339),
		CheckOut:   checkIn.Add(24 * time.Hour).Format(time.RFC3339),
	})
	if !errors.Is(err, ErrDatesUnavailable) {
		t.Fatalf("expected ErrDatesUnavailable, got %v", err)
	}
}

func TestCreateRejectsPastCheckIn(t *testing.T) {
	h := newHarness(t)
	checkIn := h.clock.now().Add(-24 * time.Hour)
	_, _, err := h.service.Create(context.Background(), "cus_1", CreateRequest{
		PropertyID: "prop_1",
		CheckIn:    checkIn.Format(time.RFC3339),
		CheckOut:   checkIn.Add(48 * time.Hour).Format(time.RFC3339),
	})
	if !errors.Is(err, ErrInvalidDates) {
		t.Fatalf("expected ErrInvalidDates, got %v", err)
	}
}

func TestApplyRejectsIllegalStateTriple(t *testing.T) {
	h := newHarness(t)
	_, p := h.book(t, 96*time.Hour)
	b := h.pay(t, p)

	// COMPLETED without checkout and with funds still held is not a
	// legal triple; the commit path must refuse it.
	b.Status = StatusCompleted
	err := h.service.apply(context.Background(), b, nil, nil)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}

	stored, getErr := h.store.Get(context.Background(), b.ID)
	if getErr != nil {
		t.Fatalf("get booking: %v", getErr)
	}
	if stored.Status != StatusActive {
		t.Errorf("status = %s, want ACTIVE (write must not commit)", stored.Status)
	}
}

func TestApplyTransitionRejectsStaleRead(t *testing.T) {
	h := newHarness(t)
	created, _ := h.book(t, 96*time.Hour)
	ctx := context.Background()

	// Two writers read the same revision.
	first, err := h.store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := h.store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	first.Notes = "first writer"
	first.UpdatedAt = h.clock.now().Add(time.Second)
	if err := h.store.ApplyTransition(ctx, first, nil, nil); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// The loser's view is stale; its commit must not land.
	second.Notes = "second writer"
	second.UpdatedAt = h.clock.now().Add(2 * time.Second)
	err = h.store.ApplyTransition(ctx, second, nil, nil)
	if !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}

	stored, err := h.store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Notes != "first writer" {
		t.Errorf("notes = %q, want the winning write", stored.Notes)
	}
}

// --- payment finalization ---

func TestFinalizePaymentActivatesAndHolds(t *testing.T) {
	h := newHarness(t)
	_, p := h.book(t, 96*time.Hour)
	b := h.pay(t, p)

	if b.Status != StatusActive {
		t.Errorf("status = %s", b.Status)
	}
	p2, _ := h.store.GetPayment(context.Background(), b.ID)
	if p2.Status != PaymentHeld || !p2.RoomFeeInEscrow || p2.PaidAt == nil {
		t.Errorf("payment = %+v", p2)
	}

	amounts := h.eventAmounts(t, b.ID)
	checks := []struct {
		typ  ledger.EventType
		want money.Amount
	}{
		{ledger.EventHoldRoomFee, 100000},
		{ledger.EventHoldSecurityDeposit, 20000},
		{ledger.EventReleaseCleaningFee, 5000},
		{ledger.EventCollectServiceFee, 5250},
	}
	for _, c := range checks {
		got := amounts[c.typ]
		if len(got) != 1 || got[0] != c.want {
			t.Errorf("%s = %v, want [%d]", c.typ, got, c.want)
		}
	}
}

func TestFinalizePaymentIsIdempotent(t *testing.T) {
	h := newHarness(t)
	_, p := h.book(t, 96*time.Hour)
	h.pay(t, p)

	_, err := h.service.FinalizePayment(context.Background(), p.Reference, p.Amount, "card", "")
	if !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}

	events, _ := h.ledger.Timeline(context.Background(), p.BookingID)
	if len(events) != 4 {
		t.Errorf("expected 4 ledger events, got %d", len(events))
	}
}

func TestFinalizePaymentConcurrentDeliveries(t *testing.T) {
	h := newHarness(t)
	_, p := h.book(t, 96*time.Hour)

	var wg sync.WaitGroup
	var successes int32
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.service.FinalizePayment(context.Background(), p.Reference, p.Amount, "card", ""); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly 1 successful finalization, got %d", successes)
	}
	events, _ := h.ledger.Timeline(context.Background(), p.BookingID)
	if len(events) != 4 {
		t.Errorf("expected 4 ledger events, got %d", len(events))
	}
}

func TestFinalizePaymentAmountMismatch(t *testing.T) {
	h := newHarness(t)
	_, p := h.book(t, 96*time.Hour)

	_, err := h.service.FinalizePayment(context.Background(), p.Reference, p.Amount-1, "card", "")
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	b, _ := h.store.Get(context.Background(), p.BookingID)
	if b.Status != StatusPending {
		t.Errorf("status = %s, mismatch must not activate", b.Status)
	}
}

func TestFailPaymentCancelsPending(t *testing.T) {
	h := newHarness(t)
	b, p := h.book(t, 96*time.Hour)

	if _, err := h.service.FailPayment(context.Background(), p.Reference, "card declined"); err != nil {
		t.Fatalf("fail payment: %v", err)
	}
	b2, _ := h.store.Get(context.Background(), b.ID)
	if b2.Status != StatusCancelled {
		t.Errorf("status = %s", b2.Status)
	}

	// A late failure for a finalized payment is ignored.
	h2 := newHarness(t)
	_, p2 := h2.book(t, 96*time.Hour)
	h2.pay(t, p2)
	if _, err := h2.service.FailPayment(context.Background(), p2.Reference, "late failure"); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

// --- stay lifecycle ---

func TestCheckInOpensGuestWindow(t *testing.T) {
	h := newHarness(t)
	_, p := h.book(t, 96*time.Hour)
	b := h.pay(t, p)

	h.clock.advance(96 * time.Hour)
	b2, err := h.service.ConfirmCheckIn(context.Background(), b.ID, "cus_1")
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if b2.StayStatus != StayCheckedIn {
		t.Errorf("stayStatus = %s", b2.StayStatus)
	}
	wantDeadline := h.clock.now().Add(time.Hour)
	if !b2.GuestWindow.Deadline.Equal(wantDeadline) {
		t.Errorf("guest deadline = %v, want %v", b2.GuestWindow.Deadline, wantDeadline)
	}

	if _, err := h.service.ConfirmCheckIn(context.Background(), b.ID, "cus_1"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("second check-in should conflict, got %v", err)
	}
}

func TestCheckInRejectsStranger(t *testing.T) {
	h := newHarness(t)
	_, p := h.book(t, 96*time.Hour)
	b := h.pay(t, p)

	if _, err := h.service.ConfirmCheckIn(context.Background(), b.ID, "cus_other"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	// The realtor may confirm on the guest's behalf.
	if _, err := h.service.ConfirmCheckIn(context.Background(), b.ID, "rl_1"); err != nil {
		t.Fatalf("realtor check-in: %v", err)
	}
}

func TestCheckOutGuestOnly(t *testing.T) {
	h := newHarness(t)
	_, p := h.book(t, 96*time.Hour)
	b := h.pay(t, p)
	h.clock.advance(96 * time.Hour)
	h.service.ConfirmCheckIn(context.Background(), b.ID, "cus_1")

	if _, err := h.service.CheckOut(context.Background(), b.ID, "rl_1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("realtor checkout should be rejected, got %v", err)
	}

	h.clock.advance(48 * time.Hour)
	b2, err := h.service.CheckOut(context.Background(), b.ID, "cus_1")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	wantDeadline := h.clock.now().Add(4*time.Hour + 10*time.Minute)
	if !b2.RealtorWindow.Deadline.Equal(wantDeadline) {
		t.Errorf("realtor deadline = %v, want %v", b2.RealtorWindow.Deadline, wantDeadline)
	}

	if _, err := h.service.CheckOut(context.Background(), b.ID, "cus_1"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("second checkout should conflict, got %v", err)
	}
}

// --- releases ---

// Full happy path: pay, check in, window expires, room fee split
// released; check out, window expires, deposit released, COMPLETED.
func TestHappyPathReleases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, p := h.book(t, 96*time.Hour)
	b := h.pay(t, p)

	h.clock.advance(96 * time.Hour)
	h.service.ConfirmCheckIn(ctx, b.ID, "cus_1")

	// Guest window still open: release refuses.
	if _, err := h.service.ReleaseRoomFee(ctx, b.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("early release should conflict, got %v", err)
	}

	h.clock.advance(61 * time.Minute)
	if _, err := h.service.ReleaseRoomFee(ctx, b.ID); err != nil {
		t.Fatalf("release room fee: %v", err)
	}

	amounts := h.eventAmounts(t, b.ID)
	split := amounts[ledger.EventReleaseRoomFeeSplit]
	if len(split) != 2 || split[0]+split[1] != 100000 {
		t.Fatalf("split = %v", split)
	}
	p2, _ := h.store.GetPayment(ctx, b.ID)
	if p2.Status != PaymentPartiallyReleased || p2.RoomFeeInEscrow {
		t.Errorf("payment = %+v", p2)
	}

	// Double release refuses.
	if _, err := h.service.ReleaseRoomFee(ctx, b.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("double release should conflict, got %v", err)
	}

	h.clock.advance(40 * time.Hour)
	h.service.CheckOut(ctx, b.ID, "cus_1")
	h.clock.advance(4*time.Hour + 11*time.Minute)
	if _, err := h.service.ReleaseDeposit(ctx, b.ID); err != nil {
		t.Fatalf("release deposit: %v", err)
	}

	b2, _ := h.store.Get(ctx, b.ID)
	if b2.Status != StatusCompleted {
		t.Errorf("status = %s", b2.Status)
	}
	p3, _ := h.store.GetPayment(ctx, b.ID)
	if p3.Status != PaymentSettled {
		t.Errorf("payment status = %s", p3.Status)
	}

	sums, _ := h.ledger.Sums(ctx, b.ID)
	if sums.Outstanding() != 0 {
		t.Errorf("escrow not empty at completion: %d", sums.Outstanding())
	}

	// Critical payouts carried transfer references.
	var critical int
	for _, req := range h.payouts.reqs {
		if req.CriticalEvent {
			critical++
		}
	}
	if critical != 2 {
		t.Errorf("expected 2 critical payouts (room split, deposit), got %d", critical)
	}
}

func TestSweepPerformsReleases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, p := h.book(t, 96*time.Hour)
	b := h.pay(t, p)
	h.clock.advance(96 * time.Hour)
	h.service.ConfirmCheckIn(ctx, b.ID, "cus_1")
	h.clock.advance(2 * time.Hour)

	timer := NewTimer(h.service, h.store, slog.New(slog.NewTextHandler(discard{}, nil)))
	timer.Sweep(ctx)

	p2, _ := h.store.GetPayment(ctx, b.ID)
	if p2.Status != PaymentPartiallyReleased {
		t.Fatalf("sweep did not release room fee, payment = %s", p2.Status)
	}

	h.service.CheckOut(ctx, b.ID, "cus_1")
	h.clock.advance(5 * time.Hour)
	timer.Sweep(ctx)

	b2, _ := h.store.Get(ctx, b.ID)
	if b2.Status != StatusCompleted {
		t.Fatalf("sweep did not complete booking, status = %s", b2.Status)
	}
}

// --- cancellation ---

func TestCancelEarlyTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, p := h.book(t, 96*time.Hour)
	b := h.pay(t, p)

	// 96h out: EARLY tier, 90/7/3.
	b2, err := h.service.Cancel(ctx, b.ID, "cus_1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if b2.Status != StatusCancelled {
		t.Errorf("status = %s", b2.Status)
	}

	amounts := h.eventAmounts(t, b.ID)
	if got := amounts[ledger.EventRefundRoomFee]; len(got) != 1 || got[0] != 90000 {
		t.Errorf("customer refund = %v", got)
	}
	if got := amounts[ledger.EventRealtorCancelShare]; len(got) != 1 || got[0] != 7000 {
		t.Errorf("realtor share = %v", got)
	}
	if got := amounts[ledger.EventPlatformCancelShare]; len(got) != 1 || got[0] != 3000 {
		t.Errorf("platform share = %v", got)
	}
	if got := amounts[ledger.EventReleaseDepositToCustomer]; len(got) != 1 || got[0] != 20000 {
		t.Errorf("deposit refund = %v", got)
	}

	sums, _ := h.ledger.Sums(ctx, b.ID)
	if sums.Outstanding() != 0 {
		t.Errorf("escrow not drained: %d", sums.Outstanding())
	}
	p2, _ := h.store.GetPayment(ctx, b.ID)
	if p2.Status != PaymentSettled {
		t.Errorf("payment status = %s", p2.Status)
	}
}

func TestCancelLateTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, p := h.book(t, 10*time.Hour)
	b := h.pay(t, p)

	// 10h out: LATE tier, room fee forfeited, deposit returned.
	if _, err := h.service.Cancel(ctx, b.ID, "cus_1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	amounts := h.eventAmounts(t, b.ID)
	if got := amounts[ledger.EventRefundRoomFee]; len(got) != 0 {
		t.Errorf("unexpected room refund: %v", got)
	}
	if got := amounts[ledger.EventRealtorCancelShare]; len(got) != 1 || got[0] != 80000 {
		t.Errorf("realtor share = %v", got)
	}
	if got := amounts[ledger.EventPlatformCancelShare]; len(got) != 1 || got[0] != 20000 {
		t.Errorf("platform share = %v", got)
	}
	if got := amounts[ledger.EventReleaseDepositToCustomer]; len(got) != 1 || got[0] != 20000 {
		t.Errorf("deposit refund = %v", got)
	}
}

func TestCancelAfterCheckInDenied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, p := h.book(t, 2*time.Hour)
	b := h.pay(t, p)
	h.clock.advance(2 * time.Hour)
	h.service.ConfirmCheckIn(ctx, b.ID, "cus_1")

	if _, err := h.service.Cancel(ctx, b.ID, "cus_1"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus after check-in, got %v", err)
	}
}

func TestCancelDoubleClick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, p := h.book(t, 96*time.Hour)
	b := h.pay(t, p)

	if _, err := h.service.Cancel(ctx, b.ID, "cus_1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := h.service.Cancel(ctx, b.ID, "cus_1"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("second cancel should conflict, got %v", err)
	}
}

func TestPreviewCancellationDoesNotMutate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, p := h.book(t, 96*time.Hour)
	b := h.pay(t, p)

	calc, err := h.service.PreviewCancellation(ctx, b.ID)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if calc.Tier != "EARLY" || calc.CustomerRoomRefund != 90000 {
		t.Errorf("calc = %+v", calc)
	}

	b2, _ := h.store.Get(ctx, b.ID)
	if b2.Status != StatusActive {
		t.Errorf("preview mutated status to %s", b2.Status)
	}
	events, _ := h.ledger.Timeline(ctx, b.ID)
	if len(events) != 4 {
		t.Errorf("preview wrote ledger entries: %d", len(events))
	}
}

// --- disputes ---

func TestGuestDisputeBlocksRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, p := h.book(t, 2*time.Hour)
	b := h.pay(t, p)
	h.clock.advance(2 * time.Hour)
	h.service.ConfirmCheckIn(ctx, b.ID, "cus_1")

	h.clock.advance(30 * time.Minute)
	if _, err := h.service.OpenGuestDispute(ctx, b.ID, "cus_1", "no hot water"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	// Window deadline passes, but the opened flag blocks the release.
	h.clock.advance(time.Hour)
	if _, err := h.service.ReleaseRoomFee(ctx, b.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("release during dispute should conflict, got %v", err)
	}

	// Admin refunds the guest.
	if _, err := h.service.ResolveDispute(ctx, b.ID, "adm_1", ResolveRequest{Resolution: "refund_customer"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	amounts := h.eventAmounts(t, b.ID)
	if got := amounts[ledger.EventRefundRoomFee]; len(got) != 1 || got[0] != 100000 {
		t.Errorf("room refund = %v", got)
	}
	b2, _ := h.store.Get(ctx, b.ID)
	if b2.Status != StatusActive {
		t.Errorf("status after resolution = %s", b2.Status)
	}
}

func TestGuestDisputeAfterWindowRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, p := h.book(t, 2*time.Hour)
	b := h.pay(t, p)
	h.clock.advance(2 * time.Hour)
	h.service.ConfirmCheckIn(ctx, b.ID, "cus_1")

	h.clock.advance(61 * time.Minute)
	if _, err := h.service.OpenGuestDispute(ctx, b.ID, "cus_1", "too late"); !errors.Is(err, ErrWindowClosed) {
		t.Fatalf("expected ErrWindowClosed, got %v", err)
	}
}

func TestDamageClaimAwardsDeposit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, p := h.book(t, 2*time.Hour)
	b := h.pay(t, p)
	h.clock.advance(2 * time.Hour)
	h.service.ConfirmCheckIn(ctx, b.ID, "cus_1")
	h.clock.advance(2 * time.Hour)
	h.service.ReleaseRoomFee(ctx, b.ID)
	h.clock.advance(22 * time.Hour)
	h.service.CheckOut(ctx, b.ID, "cus_1")

	h.clock.advance(time.Hour)
	if _, err := h.service.FileDamageClaim(ctx, b.ID, "rl_1", DamageClaimRequest{
		Amount: 12000, Reason: "broken table",
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Claim over the deposit is rejected up front.
	if _, err := h.service.FileDamageClaim(ctx, b.ID, "rl_1", DamageClaimRequest{
		Amount: 50000, Reason: "too much",
	}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("second claim should conflict, got %v", err)
	}

	b2, err := h.service.ResolveDispute(ctx, b.ID, "adm_1", ResolveRequest{AwardRealtor: 12000})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if b2.Status != StatusCompleted {
		t.Errorf("status = %s", b2.Status)
	}

	amounts := h.eventAmounts(t, b.ID)
	if got := amounts[ledger.EventPayRealtorFromDeposit]; len(got) != 1 || got[0] != 12000 {
		t.Errorf("realtor award = %v", got)
	}
	if got := amounts[ledger.EventReleaseDepositToCustomer]; len(got) != 1 || got[0] != 8000 {
		t.Errorf("deposit remainder = %v", got)
	}

	sums, _ := h.ledger.Sums(ctx, b.ID)
	if sums.Outstanding() != 0 {
		t.Errorf("escrow not drained: %d", sums.Outstanding())
	}
}

// --- blocked dates ---

func TestBlockedDatesReserveCalendar(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	checkIn := h.clock.now().Add(96 * time.Hour)
	blk, err := h.service.CreateBlock(ctx, "rl_1", BlockRequest{
		PropertyID: "prop_1",
		CheckIn:    checkIn.Format(time.RFC3339),
		CheckOut:   checkIn.Add(48 * time.Hour).Format(time.RFC3339),
		Note:       "renovation",
	})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if !blk.Blocked || blk.Status != StatusActive {
		t.Errorf("block = %+v", blk)
	}

	// A guest cannot book the blocked dates.
	_, _, err = h.service.Create(ctx, "cus_1", CreateRequest{
		PropertyID: "prop_1",
		CheckIn:    checkIn.Format(time.RFC3339),
		CheckOut:   checkIn.Add(24 * time.Hour).Format(time.RFC3339),
	})
	if !errors.Is(err, ErrDatesUnavailable) {
		t.Fatalf("expected ErrDatesUnavailable, got %v", err)
	}

	// Only the owning realtor can block or cancel the block.
	if _, err := h.service.CreateBlock(ctx, "rl_2", BlockRequest{
		PropertyID: "prop_1",
		CheckIn:    checkIn.Add(200 * time.Hour).Format(time.RFC3339),
		CheckOut:   checkIn.Add(224 * time.Hour).Format(time.RFC3339),
	}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.service.Cancel(ctx, blk.ID, "cus_1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.service.Cancel(ctx, blk.ID, "rl_1"); err != nil {
		t.Fatalf("cancel block: %v", err)
	}
}

// --- windows endpoint ---

func TestWindowsReport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, p := h.book(t, 2*time.Hour)
	b := h.pay(t, p)

	w, err := h.service.Windows(ctx, b.ID)
	if err != nil {
		t.Fatalf("windows: %v", err)
	}
	if w.Guest != nil || w.Realtor != nil {
		t.Errorf("windows before check-in = %+v", w)
	}

	h.clock.advance(2 * time.Hour)
	h.service.ConfirmCheckIn(ctx, b.ID, "cus_1")

	h.clock.advance(30 * time.Minute)
	w, _ = h.service.Windows(ctx, b.ID)
	if w.Guest == nil || w.Guest.Expired || !w.Guest.CanOpen {
		t.Errorf("guest window at +30m = %+v", w.Guest)
	}

	h.clock.advance(31 * time.Minute)
	w, _ = h.service.Windows(ctx, b.ID)
	if !w.Guest.Expired || w.Guest.CanOpen {
		t.Errorf("guest window at +61m = %+v", w.Guest)
	}
}

// --- state table ---

func TestValidCombination(t *testing.T) {
	valid := []struct {
		s    Status
		stay StayStatus
		pay  PaymentStatus
	}{
		{StatusPending, StayNone, PaymentInitiated},
		{StatusActive, StayNone, PaymentHeld},
		{StatusActive, StayCheckedIn, PaymentHeld},
		{StatusActive, StayCheckedOut, PaymentPartiallyReleased},
		{StatusDisputed, StayCheckedIn, PaymentHeld},
		{StatusCompleted, StayCheckedOut, PaymentSettled},
		{StatusCancelled, StayNone, PaymentSettled},
		{StatusCancelled, StayNone, PaymentFailed},
	}
	for _, c := range valid {
		if !ValidCombination(c.s, c.stay, c.pay) {
			t.Errorf("(%s, %q, %s) should be valid", c.s, c.stay, c.pay)
		}
	}

	invalid := []struct {
		s    Status
		stay StayStatus
		pay  PaymentStatus
	}{
		{StatusPending, StayCheckedIn, PaymentInitiated},
		{StatusPending, StayNone, PaymentHeld},
		{StatusCompleted, StayNone, PaymentSettled},
		{StatusCompleted, StayCheckedOut, PaymentHeld},
		{StatusDisputed, StayNone, PaymentHeld},
		{StatusCancelled, StayCheckedOut, PaymentSettled},
	}
	for _, c := range invalid {
		if ValidCombination(c.s, c.stay, c.pay) {
			t.Errorf("(%s, %q, %s) should be invalid", c.s, c.stay, c.pay)
		}
	}
}
