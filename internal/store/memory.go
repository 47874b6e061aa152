package store

import (
	"context"
	"sync"
)

// MemStore is the in-memory reference implementation of Store.
// Insertion order is preserved for GetAll/Find. Safe for concurrent use.
type MemStore[T any] struct {
	mu      sync.RWMutex
	records map[string]T
	order   []string

	locks *KeyLock
}

// NewMemStore creates an empty in-memory store.
func NewMemStore[T any]() *MemStore[T] {
	return &MemStore[T]{
		records: make(map[string]T),
		locks:   NewKeyLock(),
	}
}

func (s *MemStore[T]) Get(_ context.Context, id string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return rec, nil
}

func (s *MemStore[T]) GetAll(_ context.Context) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]T, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out, nil
}

func (s *MemStore[T]) Find(_ context.Context, pred func(T) bool) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []T
	for _, id := range s.order {
		if rec := s.records[id]; pred(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemStore[T]) Create(_ context.Context, id string, rec T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; exists {
		return ErrDuplicate
	}
	s.records[id] = rec
	s.order = append(s.order, id)
	return nil
}

func (s *MemStore[T]) Update(_ context.Context, id string, mutate func(*T)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	mutate(&rec)
	s.records[id] = rec
	return rec, nil
}

func (s *MemStore[T]) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return nil
	}
	delete(s.records, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemStore[T]) Size(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *MemStore[T]) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]T)
	s.order = nil
	return nil
}

func (s *MemStore[T]) WithLock(ctx context.Context, key string, fn func() error) error {
	return s.locks.WithLock(ctx, key, fn)
}
