package store

import (
	"context"
	"sync"
)

// KeyLock serializes callers contending on the same string key. Entries are
// reference-counted and dropped once the last waiter releases, so the set of
// tracked keys stays bounded by the number of in-flight lock holders.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*keyLockEntry
}

type keyLockEntry struct {
	mu      sync.Mutex
	waiters int
}

// NewKeyLock creates an empty key lock set.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*keyLockEntry)}
}

// WithLock runs fn while holding the lock for key. The lock is released on
// all exit paths, including when fn fails or panics. Not reentrant: calling
// WithLock for the same key from within fn deadlocks.
func (k *KeyLock) WithLock(ctx context.Context, key string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyLockEntry{}
		k.locks[key] = entry
	}
	entry.waiters++
	k.mu.Unlock()

	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()

		k.mu.Lock()
		entry.waiters--
		if entry.waiters == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}()

	return fn()
}
