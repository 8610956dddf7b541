package property

import (
	"context"
	"sort"
	"sync"

	"github.com/stayza/stayza/internal/booking"
)

// MemoryStore is an in-memory catalog for development and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	properties map[string]*booking.Property
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{properties: make(map[string]*booking.Property)}
}

func (s *MemoryStore) Property(_ context.Context, id string) (*booking.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.properties[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Upsert(_ context.Context, p *booking.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.properties[p.ID] = &cp
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*booking.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*booking.Property, 0, len(s.properties))
	for _, p := range s.properties {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
