package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stayza/stayza/internal/idgen"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stayza",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stayza",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

// Emitter adapts the dispatcher to the lifecycle notifier the booking
// and settlement services expect. All methods are fire-and-forget:
// errors are logged but never returned, a slow subscriber must not
// stall a money movement.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new notification emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// Notify dispatches one lifecycle event to subscribers.
func (e *Emitter) Notify(ctx context.Context, event, bookingID string, fields map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	notifyEmitTotal.WithLabelValues(event).Inc()

	urgent, _ := fields["urgent"].(bool)
	msg := &Message{
		ID:        idgen.WithPrefix("msg_"),
		Type:      EventType(event),
		BookingID: bookingID,
		Urgent:    urgent,
		Timestamp: time.Now(),
		Data:      fields,
	}

	// Detach from the request context; delivery outlives the transition
	// and is bounded by the dispatcher's client timeout.
	if err := e.d.Dispatch(context.Background(), msg); err != nil {
		notifyEmitErrors.WithLabelValues(event).Inc()
		e.logger.Warn("notification dispatch failed",
			"event", event, "bookingId", bookingID, "error", err)
	}
}
