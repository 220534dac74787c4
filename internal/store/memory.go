package store

import (
	"context"
	"fmt"
	"sync"

	"quantbt/internal/domain"
)

// Compile-time interface check.
var _ OrderStore = (*MemoryStore)(nil)

// MemoryStore is an in-process OrderStore. It is the default backend for
// backtests that do not need orders persisted.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]domain.Order)}
}

func (s *MemoryStore) SaveOrder(_ context.Context, o *domain.Order) (string, error) {
	s.mu.Lock()
	s.orders[o.ID] = *o
	s.mu.Unlock()
	return o.ID, nil
}

func (s *MemoryStore) BatchUpdateStatus(_ context.Context, updates []StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		if _, ok := s.orders[u.OrderID]; !ok {
			return fmt.Errorf("order %s: %w", u.OrderID, ErrNotFound)
		}
	}
	for _, u := range updates {
		o := s.orders[u.OrderID]
		o.Status = u.Status
		o.FilledQty = u.FilledQty
		o.FilledAvgPrice = u.FilledAvgPrice
		o.RejectReason = u.RejectReason
		o.UpdatedAt = u.UpdatedAt
		s.orders[u.OrderID] = o
	}
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	s.mu.RLock()
	out := make([]domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	s.mu.RUnlock()
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
