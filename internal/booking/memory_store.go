package booking

import (
	"context"
	"sync"
	"time"

	"github.com/stayza/stayza/internal/ledger"
)

// MemoryStore is an in-memory Store for tests and local development.
// A ledger sink must be attached so transitions land their entries the
// same way the transactional store does.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*Booking
	payments map[string]*Payment // keyed by booking ID
	byRef    map[string]string   // payment reference -> booking ID
	ledger   ledger.Store
}

func NewMemoryStore(led ledger.Store) *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*Booking),
		payments: make(map[string]*Payment),
		byRef:    make(map[string]string),
		ledger:   led,
	}
}

func (m *MemoryStore) Create(ctx context.Context, b *Booking, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bc := *b
	m.bookings[b.ID] = &bc
	if p != nil {
		pc := *p
		m.payments[p.BookingID] = &pc
		m.byRef[p.Reference] = p.BookingID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := *b
	cp.readUpdatedAt = cp.UpdatedAt
	return &cp, nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, bookingID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[bookingID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	cp.readUpdatedAt = cp.UpdatedAt
	return &cp, nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, reference string) (*Booking, *Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRef[reference]
	if !ok {
		return nil, nil, ErrPaymentNotFound
	}
	b := *m.bookings[id]
	b.readUpdatedAt = b.UpdatedAt
	p := *m.payments[id]
	p.readUpdatedAt = p.UpdatedAt
	return &b, &p, nil
}

func (m *MemoryStore) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Booking
	for _, b := range m.bookings {
		if b.CustomerID == customerID {
			cp := *b
			cp.readUpdatedAt = cp.UpdatedAt
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ListByRealtor(ctx context.Context, realtorID string, limit int) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Booking
	for _, b := range m.bookings {
		if b.RealtorID == realtorID {
			cp := *b
			cp.readUpdatedAt = cp.UpdatedAt
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ListOverlapping(ctx context.Context, propertyID string, checkIn, checkOut time.Time) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Booking
	for _, b := range m.bookings {
		if b.PropertyID != propertyID || b.IsTerminal() {
			continue
		}
		if b.CheckIn.Before(checkOut) && checkIn.Before(b.CheckOut) {
			cp := *b
			cp.readUpdatedAt = cp.UpdatedAt
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListReleasable(ctx context.Context, before time.Time, limit int) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Booking
	for _, b := range m.bookings {
		if b.Status != StatusActive || b.Blocked {
			continue
		}
		p, ok := m.payments[b.ID]
		if !ok {
			continue
		}
		roomDue := p.RoomFeeInEscrow && !b.GuestWindow.Deadline.IsZero() &&
			!b.GuestWindow.Opened && !before.Before(b.GuestWindow.Deadline)
		depositDue := b.StayStatus == StayCheckedOut && !b.RealtorWindow.Deadline.IsZero() &&
			!b.RealtorWindow.Opened && !before.Before(b.RealtorWindow.Deadline) &&
			p.Status != PaymentSettled
		if roomDue || depositDue {
			cp := *b
			cp.readUpdatedAt = cp.UpdatedAt
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ApplyTransition(ctx context.Context, b *Booking, p *Payment, entries []*ledger.Event) error {
	m.mu.Lock()
	cur, ok := m.bookings[b.ID]
	if !ok {
		m.mu.Unlock()
		return ErrBookingNotFound
	}
	if !cur.UpdatedAt.Equal(b.readUpdatedAt) {
		m.mu.Unlock()
		return ErrConcurrentUpdate
	}
	bc := *b
	m.bookings[b.ID] = &bc
	if p != nil {
		if curPay, ok := m.payments[p.BookingID]; ok && !curPay.UpdatedAt.Equal(p.readUpdatedAt) {
			m.mu.Unlock()
			return ErrConcurrentUpdate
		}
		pc := *p
		m.payments[p.BookingID] = &pc
	}
	m.mu.Unlock()

	for _, e := range entries {
		if err := m.ledger.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
