package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stayza/stayza/internal/booking"
	"github.com/stayza/stayza/internal/config"
	"github.com/stayza/stayza/internal/gateway"
	"github.com/stayza/stayza/internal/idgen"
	"github.com/stayza/stayza/internal/ledger"
	"github.com/stayza/stayza/internal/metrics"
	"github.com/stayza/stayza/internal/retry"
	"github.com/stayza/stayza/internal/traces"
)

// Worker applies gateway notifications to bookings, the ledger, and the
// transfer log. It also implements booking.PayoutInitiator, so releases
// decided by the booking service flow through the same transfer log.
type Worker struct {
	store         Store
	ledger        ledger.Store
	bookings      *booking.Service
	client        gateway.Client
	notifier      booking.Notifier
	provider      string
	retryCap      int
	verifyTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

var _ booking.PayoutInitiator = (*Worker)(nil)

func NewWorker(store Store, led ledger.Store, bookings *booking.Service, client gateway.Client, provider string, logger *slog.Logger) *Worker {
	return &Worker{
		store:         store,
		ledger:        led,
		bookings:      bookings,
		client:        client,
		provider:      provider,
		retryCap:      config.DefaultTransferRetryCap,
		verifyTimeout: config.DefaultVerifyCallTimeout,
		logger:        logger,
		now:           time.Now,
	}
}

// WithNotifier attaches an operations notifier for escalations.
func (w *Worker) WithNotifier(n booking.Notifier) *Worker {
	w.notifier = n
	return w
}

// WithRetryCap overrides the automatic retry ceiling for failed
// critical transfers.
func (w *Worker) WithRetryCap(n int) *Worker {
	w.retryCap = n
	return w
}

// WithVerifyTimeout bounds the synchronous verification call made when
// a critical transfer is reported failed.
func (w *Worker) WithVerifyTimeout(d time.Duration) *Worker {
	w.verifyTimeout = d
	return w
}

// Process applies one verified, parsed notification. The PROCESSED
// journal row is written only after every side effect has been applied;
// if Process returns an error the caller should respond non-2xx so the
// provider redelivers.
func (w *Worker) Process(ctx context.Context, evt gateway.Event, payload []byte) (*WebhookEvent, error) {
	key := EventKey(w.provider, evt.Kind(), evt.Ref())

	ctx, span := traces.StartSpan(ctx, "settlement.Process",
		traces.EventType(evt.Kind()), traces.Reference(evt.Ref()))
	defer span.End()

	seen, err := w.store.SeenProcessed(key)
	if err != nil {
		return nil, fmt.Errorf("check processed marker: %w", err)
	}
	if seen {
		return w.record(evt, payload, EventDuplicate, "already processed")
	}

	var detail string
	switch e := evt.(type) {
	case gateway.ChargeSucceeded:
		detail, err = w.applyChargeSuccess(ctx, e)
	case gateway.ChargeFailed:
		detail, err = w.applyChargeFailure(ctx, e)
	case gateway.TransferSucceeded:
		detail, err = w.applyTransferSuccess(ctx, e)
	case gateway.TransferFailed:
		detail, err = w.applyTransferFailure(ctx, e.Reference, e.Reason, string(e.Raw), ledger.ProviderFailed)
	case gateway.TransferReversed:
		detail, err = w.applyTransferFailure(ctx, e.Reference, e.Reason, string(e.Raw), ledger.ProviderReversed)
	default:
		detail = "no handler for event type"
	}
	if errors.Is(err, booking.ErrAmountMismatch) {
		// Redelivering cannot change the charged amount, so bouncing the
		// event would only make the provider replay it forever. Journal
		// the failure, flag it for a human, and acknowledge.
		metrics.SettlementIncidentsTotal.Inc()
		w.logger.Error("charge amount mismatch", "eventId", key, "error", err)
		if w.notifier != nil {
			w.notifier.Notify(ctx, "settlement.amount_mismatch", "", map[string]any{
				"reference": evt.Ref(),
				"detail":    err.Error(),
				"urgent":    true,
			})
		}
		return w.record(evt, payload, EventFailed, err.Error())
	}
	if err != nil {
		w.logger.Error("webhook processing failed",
			"eventId", key, "error", err)
		if _, recErr := w.record(evt, payload, EventFailed, err.Error()); recErr != nil {
			w.logger.Error("failed to journal webhook failure", "eventId", key, "error", recErr)
		}
		return nil, err
	}

	rec, err := w.record(evt, payload, EventProcessed, detail)
	if errors.Is(err, ErrDuplicateEvent) {
		// A concurrent delivery committed its marker first. Side effects
		// are idempotent, so the duplicate run changed nothing.
		return w.record(evt, payload, EventDuplicate, "lost processing race")
	}
	return rec, err
}

func (w *Worker) record(evt gateway.Event, payload []byte, status, detail string) (*WebhookEvent, error) {
	rec := &WebhookEvent{
		ID:        idgen.WithPrefix("wh_"),
		EventID:   EventKey(w.provider, evt.Kind(), evt.Ref()),
		Provider:  w.provider,
		EventType: evt.Kind(),
		Reference: evt.Ref(),
		Status:    status,
		Detail:    detail,
		Payload:   payload,
		CreatedAt: w.now(),
	}
	if err := w.store.Record(rec); err != nil {
		return nil, err
	}
	metrics.WebhooksTotal.WithLabelValues(status).Inc()
	return rec, nil
}

func (w *Worker) applyChargeSuccess(ctx context.Context, e gateway.ChargeSucceeded) (string, error) {
	_, err := w.bookings.FinalizePayment(ctx, e.Reference, e.Amount, e.Channel, string(e.Raw))
	if errors.Is(err, booking.ErrAlreadyFinalized) {
		return "payment already finalized", nil
	}
	if err != nil {
		return "", fmt.Errorf("finalize payment %s: %w", e.Reference, err)
	}
	return "", nil
}

func (w *Worker) applyChargeFailure(ctx context.Context, e gateway.ChargeFailed) (string, error) {
	_, err := w.bookings.FailPayment(ctx, e.Reference, e.Reason)
	if errors.Is(err, booking.ErrAlreadyFinalized) {
		return "payment already finalized", nil
	}
	if err != nil {
		return "", fmt.Errorf("fail payment %s: %w", e.Reference, err)
	}
	return "", nil
}

func (w *Worker) applyTransferSuccess(ctx context.Context, e gateway.TransferSucceeded) (string, error) {
	t, err := w.store.GetTransfer(e.Reference)
	if errors.Is(err, ErrTransferNotFound) {
		w.logger.Warn("transfer confirmation for unknown reference", "reference", e.Reference)
		return "unknown transfer reference", nil
	}
	if err != nil {
		return "", err
	}
	if !t.Active() {
		return "transfer already resolved", nil
	}
	return "", w.confirmTransfer(ctx, t, string(e.Raw))
}

func (w *Worker) confirmTransfer(ctx context.Context, t *Transfer, raw string) error {
	if t.LedgerEventID != "" {
		err := w.ledger.UpdateProviderResult(ctx, t.LedgerEventID, ledger.ProviderConfirmed, raw, t.Attempts+1)
		if err != nil {
			return fmt.Errorf("confirm ledger event %s: %w", t.LedgerEventID, err)
		}
	}
	t.Status = TransferConfirmed
	t.UpdatedAt = w.now()
	if err := w.store.UpdateTransfer(t); err != nil {
		return err
	}
	w.logger.Info("transfer confirmed",
		"reference", t.Reference, "bookingId", t.BookingID, "amount", t.Amount)
	return nil
}

func (w *Worker) applyTransferFailure(ctx context.Context, reference, reason, raw, providerStatus string) (string, error) {
	t, err := w.store.GetTransfer(reference)
	if errors.Is(err, ErrTransferNotFound) {
		w.logger.Warn("transfer failure for unknown reference", "reference", reference)
		return "unknown transfer reference", nil
	}
	if err != nil {
		return "", err
	}
	if !t.Active() {
		return "transfer already resolved", nil
	}
	return w.resolveFailure(ctx, t, reason, raw, providerStatus)
}

// resolveFailure decides what a reported transfer failure becomes. For
// critical releases it verifies against the provider first, then either
// retries under a fresh reference or escalates past the cap.
func (w *Worker) resolveFailure(ctx context.Context, t *Transfer, reason, raw, providerStatus string) (string, error) {
	if !t.Critical {
		t.Status = TransferFailed
		t.Detail = reason
		t.UpdatedAt = w.now()
		if err := w.store.UpdateTransfer(t); err != nil {
			return "", err
		}
		if t.LedgerEventID != "" {
			err := w.ledger.UpdateProviderResult(ctx, t.LedgerEventID, providerStatus, raw, t.Attempts+1)
			if err != nil {
				return "", err
			}
		}
		w.logger.Warn("non-critical transfer failed",
			"reference", t.Reference, "bookingId", t.BookingID, "reason", reason)
		return "transfer marked failed", nil
	}

	// The failure report may be stale or spurious; ask the provider for
	// the terminal status before burning a retry.
	vctx, cancel := context.WithTimeout(ctx, w.verifyTimeout)
	st, err := w.verify(vctx, t.Reference)
	cancel()
	if err == nil && st.Status == gateway.StatusSuccess {
		if t.LedgerEventID != "" {
			err := w.ledger.UpdateProviderResult(ctx, t.LedgerEventID, ledger.ProviderRecovered, string(st.Raw), t.Attempts+1)
			if err != nil {
				return "", err
			}
		}
		t.Status = TransferRecovered
		t.UpdatedAt = w.now()
		if err := w.store.UpdateTransfer(t); err != nil {
			return "", err
		}
		w.logger.Info("transfer recovered on verification",
			"reference", t.Reference, "bookingId", t.BookingID)
		return "verification showed success", nil
	}
	if err != nil {
		w.logger.Warn("transfer verification failed, trusting the failure report",
			"reference", t.Reference, "error", err)
	}

	if t.Attempts >= w.retryCap {
		return w.escalate(ctx, t, reason, raw)
	}
	return w.retryTransfer(ctx, t, reason, raw, providerStatus)
}

func (w *Worker) retryTransfer(ctx context.Context, t *Transfer, reason, raw, providerStatus string) (string, error) {
	if t.LedgerEventID != "" {
		err := w.ledger.UpdateProviderResult(ctx, t.LedgerEventID, providerStatus, raw, t.Attempts+1)
		if err != nil {
			return "", err
		}
	}

	t.Status = TransferRetried
	t.Detail = reason
	t.UpdatedAt = w.now()
	if err := w.store.UpdateTransfer(t); err != nil {
		return "", err
	}

	// A fresh reference so the provider does not collapse the retry into
	// the failed attempt via its idempotency cache.
	next := &Transfer{
		Reference:     idgen.WithPrefix("trf_"),
		BookingID:     t.BookingID,
		LedgerEventID: t.LedgerEventID,
		Recipient:     t.Recipient,
		Amount:        t.Amount,
		Currency:      t.Currency,
		Reason:        t.Reason,
		Critical:      true,
		Status:        TransferRetrying,
		Attempts:      t.Attempts + 1,
		PrevReference: t.Reference,
		CreatedAt:     w.now(),
		UpdatedAt:     w.now(),
	}
	if err := w.store.CreateTransfer(next); err != nil {
		return "", err
	}
	metrics.TransferRetriesTotal.Inc()
	w.logger.Warn("retrying failed transfer",
		"bookingId", t.BookingID, "failedReference", t.Reference,
		"retryReference", next.Reference, "attempt", next.Attempts)

	err := w.initiate(ctx, gateway.TransferRequest{
		Reference: next.Reference,
		Recipient: next.Recipient,
		Amount:    next.Amount,
		Currency:  next.Currency,
		Reason:    next.Reason,
	})
	if err != nil {
		// The row is already journaled; the sweep re-drives it.
		w.logger.Warn("retry initiation failed, sweep will re-drive",
			"reference", next.Reference, "error", err)
	}
	return fmt.Sprintf("retried as %s", next.Reference), nil
}

// verify asks the provider for a transfer's terminal status. Transient
// outages are retried within the caller's deadline; anything else is
// final.
func (w *Worker) verify(ctx context.Context, reference string) (*gateway.TransferStatus, error) {
	var st *gateway.TransferStatus
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var verr error
		st, verr = w.client.VerifyTransfer(ctx, reference)
		if verr != nil && !errors.Is(verr, gateway.ErrUnavailable) {
			return retry.Permanent(verr)
		}
		return verr
	})
	return st, err
}

// initiate sends a transfer to the provider, absorbing brief outages.
// A rejection is the provider's answer, not an outage, and is never
// retried here; redelivery runs through the failed-transfer path under
// a fresh reference.
func (w *Worker) initiate(ctx context.Context, req gateway.TransferRequest) error {
	return retry.Do(ctx, 2, 500*time.Millisecond, func() error {
		_, err := w.client.InitiateTransfer(ctx, req)
		if errors.Is(err, gateway.ErrTransferRejected) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (w *Worker) escalate(ctx context.Context, t *Transfer, reason, raw string) (string, error) {
	if t.LedgerEventID != "" {
		err := w.ledger.UpdateProviderResult(ctx, t.LedgerEventID, ledger.ProviderEscalated, raw, t.Attempts+1)
		if err != nil {
			return "", err
		}
	}
	t.Status = TransferEscalated
	t.Detail = reason
	t.UpdatedAt = w.now()
	if err := w.store.UpdateTransfer(t); err != nil {
		return "", err
	}
	metrics.SettlementIncidentsTotal.Inc()
	w.logger.Error("transfer escalated after retry cap",
		"reference", t.Reference, "bookingId", t.BookingID,
		"amount", t.Amount, "attempts", t.Attempts+1, "reason", reason)
	if w.notifier != nil {
		w.notifier.Notify(ctx, "settlement.escalated", t.BookingID, map[string]any{
			"reference": t.Reference,
			"recipient": t.Recipient,
			"amount":    int64(t.Amount),
			"currency":  t.Currency,
			"attempts":  t.Attempts + 1,
			"reason":    reason,
			"urgent":    true,
		})
	}
	return "escalated for manual resolution", nil
}

// InitiatePayout journals a pending transfer row and asks the provider
// to move the money. Initiation failures leave the row pending for the
// sweep to re-drive.
func (w *Worker) InitiatePayout(ctx context.Context, req booking.PayoutRequest) error {
	ctx, span := traces.StartSpan(ctx, "settlement.InitiatePayout",
		traces.Reference(req.Reference), traces.BookingID(req.BookingID),
		traces.Amount(int64(req.Amount)))
	defer span.End()

	t := &Transfer{
		Reference:     req.Reference,
		BookingID:     req.BookingID,
		LedgerEventID: req.LedgerEventID,
		Recipient:     req.Recipient,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Reason:        req.Reason,
		Critical:      req.CriticalEvent,
		Status:        TransferPending,
		CreatedAt:     w.now(),
		UpdatedAt:     w.now(),
	}
	if err := w.store.CreateTransfer(t); err != nil {
		return fmt.Errorf("journal transfer %s: %w", req.Reference, err)
	}

	err := w.initiate(ctx, gateway.TransferRequest{
		Reference: req.Reference,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Reason:    req.Reason,
	})
	if err != nil {
		return fmt.Errorf("initiate transfer %s: %w", req.Reference, err)
	}
	return nil
}

// SweepStale re-drives active transfers the gateway has gone quiet on.
// Called by the settlement timer.
func (w *Worker) SweepStale(ctx context.Context, olderThan time.Duration) {
	stale, err := w.store.ListStale(w.now().Add(-olderThan))
	if err != nil {
		w.logger.Error("stale transfer sweep failed", "error", err)
		return
	}

	for _, t := range stale {
		vctx, cancel := context.WithTimeout(ctx, w.verifyTimeout)
		st, err := w.verify(vctx, t.Reference)
		cancel()

		switch {
		case err == nil && st.Status == gateway.StatusSuccess:
			if err := w.confirmTransfer(ctx, t, string(st.Raw)); err != nil {
				w.logger.Error("confirm swept transfer", "reference", t.Reference, "error", err)
			}
		case err == nil && st.Status == gateway.StatusFailed:
			if _, err := w.resolveFailure(ctx, t, "failed on verification", string(st.Raw), ledger.ProviderFailed); err != nil {
				w.logger.Error("resolve swept transfer", "reference", t.Reference, "error", err)
			}
		case errors.Is(err, gateway.ErrNotFound):
			// The provider never saw the initiation. Re-send under the
			// same reference; it doubles as the provider idempotency key.
			w.reinitiate(ctx, t)
		default:
			// Still pending or provider unreachable. Touch the row so the
			// next sweep does not hammer it immediately.
			t.UpdatedAt = w.now()
			if err := w.store.UpdateTransfer(t); err != nil {
				w.logger.Error("touch swept transfer", "reference", t.Reference, "error", err)
			}
		}
	}
}

func (w *Worker) reinitiate(ctx context.Context, t *Transfer) {
	t.UpdatedAt = w.now()
	if err := w.store.UpdateTransfer(t); err != nil {
		w.logger.Error("touch swept transfer", "reference", t.Reference, "error", err)
		return
	}
	err := w.initiate(ctx, gateway.TransferRequest{
		Reference: t.Reference,
		Recipient: t.Recipient,
		Amount:    t.Amount,
		Currency:  t.Currency,
		Reason:    t.Reason,
	})
	if err != nil {
		w.logger.Warn("re-initiation failed, will retry on next sweep",
			"reference", t.Reference, "error", err)
		return
	}
	w.logger.Info("re-initiated unseen transfer", "reference", t.Reference, "bookingId", t.BookingID)
}

// Events returns recent journal rows, newest first.
func (w *Worker) Events(limit int) ([]*WebhookEvent, error) {
	return w.store.ListEvents(limit)
}

// Escalated returns transfers awaiting manual resolution, newest first.
func (w *Worker) Escalated(limit int) ([]*Transfer, error) {
	return w.store.ListEscalated(limit)
}
