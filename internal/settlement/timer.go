package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically re-drives transfers the gateway has gone quiet on.
type Timer struct {
	worker     *Worker
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates a new settlement sweep timer.
func NewTimer(worker *Worker, logger *slog.Logger) *Timer {
	return &Timer{
		worker:     worker,
		interval:   time.Minute,
		staleAfter: 2 * time.Minute,
		logger:     logger,
		stop:       make(chan struct{}),
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
			t.logger.Error("panic in settlement sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.worker.SweepStale(ctx, t.staleAfter)
}
