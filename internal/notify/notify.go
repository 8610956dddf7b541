// Package notify pushes booking lifecycle and settlement events to
// subscriber URLs.
//
// Realtors and internal tooling register webhook URLs to hear about:
// - Booking confirmations, cancellations, and completions
// - Disputes opening and resolving
// - Payouts, and settlement escalations that need a human
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// EventType names a notification event.
type EventType string

const (
	EventBookingCreated       EventType = "booking.created"
	EventBookingConfirmed     EventType = "booking.confirmed"
	EventBookingPaymentFailed EventType = "booking.payment_failed"
	EventBookingDisputed      EventType = "booking.disputed"
	EventDisputeResolved      EventType = "booking.dispute_resolved"
	EventBookingCancelled     EventType = "booking.cancelled"
	EventBookingCompleted     EventType = "booking.completed"
	EventPayoutInitiated      EventType = "payout.initiated"
	EventSettlementEscalated  EventType = "settlement.escalated"
)

// A subscription is disabled after this many deliveries fail in a row.
const maxConsecutiveFailures = 10

// Message is one outbound notification.
type Message struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	BookingID string         `json:"bookingId,omitempty"`
	Urgent    bool           `json:"urgent,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is a registered webhook target.
type Subscription struct {
	ID                  string      `json:"id"`
	OwnerID             string      `json:"ownerId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // HMAC signing key
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"-"`
}

// Store persists notification subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByOwner(ctx context.Context, ownerID string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends notifications to subscribers.
type Dispatcher struct {
	store  Store
	client *http.Client
}

// NewDispatcher creates a new notification dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Dispatch sends a message to every active subscriber of its event type.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) error {
	subs, err := d.store.GetByEvent(ctx, msg.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		// Send async to avoid blocking the lifecycle transition.
		go d.send(ctx, sub, msg)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, msg *Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal message")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.updateError(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stayza-Event", string(msg.Type))
	req.Header.Set("X-Stayza-Timestamp", fmt.Sprintf("%d", msg.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Stayza-Signature", d.sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.updateSuccess(ctx, sub)
	} else {
		d.updateError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
	}
	d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory implementation for testing.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *MemoryStore) GetByOwner(ctx context.Context, ownerID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.OwnerID == ownerID {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, sub)
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
