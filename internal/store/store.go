// Package store provides the generic record store used by every registry:
// an ordered-insertion mapping from string id to a record, with a per-key
// advisory lock for serializing compound read-modify-write sequences.
//
// Two interchangeable backends exist: the in-memory Store in this package
// (the reference implementation) and the Postgres-backed store in store/pg.
// The contract is identical except that the remote backend may report
// transient failures (ErrTransient) that the caller retries.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no record exists under the requested id.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned by Create when the id is already taken.
	ErrDuplicate = errors.New("duplicate record id")

	// ErrTransient wraps backend failures that are safe to retry
	// (connection drops, serialization conflicts). The in-memory backend
	// never returns it.
	ErrTransient = errors.New("transient store failure")
)

// Store is the generic record store contract. T is the record type; records
// are stored by value and returned by value, so callers never share mutable
// state with the store.
type Store[T any] interface {
	// Get returns the record under id, or ErrNotFound.
	Get(ctx context.Context, id string) (T, error)

	// GetAll returns all records in insertion order.
	GetAll(ctx context.Context) ([]T, error)

	// Find returns the records matching pred, in insertion order.
	Find(ctx context.Context, pred func(T) bool) ([]T, error)

	// Create inserts a new record under id. Fails with ErrDuplicate if the
	// id is already present.
	Create(ctx context.Context, id string, rec T) error

	// Update applies mutate to the record under id and persists the result.
	// Fails with ErrNotFound if the id is missing. The mutation is applied
	// to a copy; other readers never observe a half-applied record.
	Update(ctx context.Context, id string, mutate func(*T)) (T, error)

	// Delete removes the record under id. Missing ids are not an error.
	Delete(ctx context.Context, id string) error

	// Size returns the number of stored records.
	Size(ctx context.Context) (int, error)

	// Clear removes every record.
	Clear(ctx context.Context) error

	// WithLock runs fn while holding the advisory lock for key, serializing
	// callers contending on the same key. Locks are cooperative and not
	// reentrant; the lock is released on every exit path, including when fn
	// fails or panics.
	WithLock(ctx context.Context, key string, fn func() error) error
}
