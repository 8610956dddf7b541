package realtime

import (
	"context"
	"time"
)

// Feed adapts the hub to the lifecycle notifier interface so booking
// and settlement transitions land on the operator stream.
type Feed struct {
	hub *Hub
}

// NewFeed creates a notifier that broadcasts into the hub.
func NewFeed(h *Hub) *Feed {
	return &Feed{hub: h}
}

// Notify broadcasts one lifecycle event. Escalations get their own
// event type so dashboards can alert on them without filtering.
func (f *Feed) Notify(ctx context.Context, event, bookingID string, fields map[string]any) {
	if f == nil || f.hub == nil {
		return
	}

	data := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		data[k] = v
	}
	data["event"] = event
	data["bookingId"] = bookingID

	eventType := EventBookingUpdate
	if event == "settlement.escalated" {
		eventType = EventEscalation
	}

	f.hub.Broadcast(&Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	})
}
