package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically sweeps for expired dispute windows and performs the
// releases they gate.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new release sweep timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in release sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep finds bookings whose window state owes a release and applies it.
// The service re-checks every guard under the booking lock, so two
// concurrent sweeps cannot double-release.
func (t *Timer) Sweep(ctx context.Context) {
	now := t.service.now()

	due, err := t.store.ListReleasable(ctx, now, 100)
	if err != nil {
		t.logger.Warn("failed to list releasable bookings", "error", err)
		return
	}

	for _, b := range due {
		guestDue := !b.GuestWindow.Deadline.IsZero() && !b.GuestWindow.Opened &&
			b.GuestWindow.At(now).Expired
		if guestDue {
			if _, err := t.service.ReleaseRoomFee(ctx, b.ID); err != nil {
				if !errors.Is(err, ErrInvalidStatus) && !errors.Is(err, ErrConcurrentUpdate) {
					t.logger.Warn("failed to release room fee", "bookingId", b.ID, "error", err)
				}
			} else {
				t.logger.Info("released room fee split", "bookingId", b.ID, "realtorId", b.RealtorID)
			}
		}

		realtorDue := b.StayStatus == StayCheckedOut &&
			!b.RealtorWindow.Deadline.IsZero() && !b.RealtorWindow.Opened &&
			b.RealtorWindow.At(now).Expired
		if realtorDue {
			if _, err := t.service.ReleaseDeposit(ctx, b.ID); err != nil {
				if !errors.Is(err, ErrInvalidStatus) && !errors.Is(err, ErrConcurrentUpdate) {
					t.logger.Warn("failed to release deposit", "bookingId", b.ID, "error", err)
				}
			} else {
				t.logger.Info("released deposit, booking completed", "bookingId", b.ID)
			}
		}
	}
}
