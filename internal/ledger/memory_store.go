package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/stayza/stayza/internal/money"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
	byRef  map[string]*Event
	byID   map[string]*Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRef: make(map[string]*Event),
		byID:  make(map[string]*Event),
	}
}

func (m *MemoryStore) Append(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events = append(m.events, &cp)
	m.byID[cp.ID] = &cp
	if cp.Reference != "" {
		m.byRef[cp.Reference] = &cp
	}
	return nil
}

func (m *MemoryStore) Timeline(ctx context.Context, bookingID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].BookingID == bookingID {
			cp := *m.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, reference string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byRef[reference]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) UpdateProviderResult(ctx context.Context, id, status, raw string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return ErrEventNotFound
	}
	e.ProviderStatus = status
	if raw != "" {
		e.ProviderRaw = raw
	}
	e.Attempts = attempts
	return nil
}

func (m *MemoryStore) Sums(ctx context.Context, bookingID string) (Sums, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Sums
	for _, e := range m.events {
		if e.BookingID == bookingID {
			accumulate(&s, e)
		}
	}
	return s, nil
}

func (m *MemoryStore) ReleasedToRealtor(ctx context.Context, realtorID string, from, to time.Time) (money.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total money.Amount
	for _, e := range m.events {
		if e.ToParty != PartyRealtorWallet || e.CounterpartyID != realtorID {
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		total += e.Amount
	}
	return total, nil
}

func (m *MemoryStore) RoomFeeVolume(ctx context.Context, realtorID string, from, to time.Time) (money.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total money.Amount
	for _, e := range m.events {
		if e.Type != EventReleaseRoomFeeSplit {
			continue
		}
		if e.ToParty != PartyRealtorWallet || e.CounterpartyID != realtorID {
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		total += e.Amount
	}
	return total, nil
}

var _ Store = (*MemoryStore)(nil)
