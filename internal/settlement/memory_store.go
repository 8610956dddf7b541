package settlement

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []*WebhookEvent
	processed map[string]bool // eventID -> has a PROCESSED row
	transfers map[string]*Transfer
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processed: make(map[string]bool),
		transfers: make(map[string]*Transfer),
	}
}

func (s *MemoryStore) SeenProcessed(eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processed[eventID], nil
}

func (s *MemoryStore) Record(e *WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Status == EventProcessed {
		if s.processed[e.EventID] {
			return ErrDuplicateEvent
		}
		s.processed[e.EventID] = true
	}
	cp := *e
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) ListEvents(limit int) ([]*WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*WebhookEvent, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.events[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) CreateTransfer(t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.transfers[t.Reference] = &cp
	return nil
}

func (s *MemoryStore) GetTransfer(reference string) (*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[reference]
	if !ok {
		return nil, ErrTransferNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpdateTransfer(t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transfers[t.Reference]; !ok {
		return ErrTransferNotFound
	}
	cp := *t
	s.transfers[t.Reference] = &cp
	return nil
}

func (s *MemoryStore) ListStale(before time.Time) ([]*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Transfer
	for _, t := range s.transfers {
		if t.Active() && t.UpdatedAt.Before(before) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) ListEscalated(limit int) ([]*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Transfer
	for _, t := range s.transfers {
		if t.Status == TransferEscalated {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
