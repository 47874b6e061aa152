// Package queue provides per-key serial FIFO processing: items enqueued
// under the same key are handled strictly sequentially in enqueue order,
// while distinct keys are processed concurrently. The engine keys the queue
// by conversation id.
package queue

import (
	"context"
	"sync"
)

// Handler processes one dequeued item. It is awaited end-to-end before the
// next item for the same key begins.
type Handler[T any] func(ctx context.Context, item T) error

type pending[T any] struct {
	ctx    context.Context
	item   T
	result chan error
}

type keyQueue[T any] struct {
	items   []pending[T]
	running bool
}

// Queue is a keyed FIFO with a single worker per active key. Queue records
// are dropped when a worker finishes its drain and finds the queue empty.
type Queue[T any] struct {
	handler Handler[T]

	mu     sync.Mutex
	queues map[string]*keyQueue[T]
}

// New creates a queue with the given handler.
func New[T any](handler Handler[T]) *Queue[T] {
	return &Queue[T]{
		handler: handler,
		queues:  make(map[string]*keyQueue[T]),
	}
}

// Enqueue appends item under key and returns a future resolved with the
// handler's result. If no worker is active for the key, one is started. The
// handler runs under ctx, not under the context of whichever caller happened
// to start the worker.
func (q *Queue[T]) Enqueue(ctx context.Context, key string, item T) <-chan error {
	p := pending[T]{ctx: ctx, item: item, result: make(chan error, 1)}

	q.mu.Lock()
	kq, ok := q.queues[key]
	if !ok {
		kq = &keyQueue[T]{}
		q.queues[key] = kq
	}
	kq.items = append(kq.items, p)
	startWorker := !kq.running
	if startWorker {
		kq.running = true
	}
	q.mu.Unlock()

	if startWorker {
		go q.drain(key)
	}
	return p.result
}

// drain pops items for key in insertion order until the queue is empty, then
// removes the queue record and exits. Each item is invoked with the context
// it was enqueued with.
func (q *Queue[T]) drain(key string) {
	for {
		q.mu.Lock()
		kq := q.queues[key]
		if len(kq.items) == 0 {
			delete(q.queues, key)
			q.mu.Unlock()
			return
		}
		p := kq.items[0]
		kq.items = kq.items[1:]
		q.mu.Unlock()

		p.result <- q.invoke(p.ctx, p.item)
	}
}

func (q *Queue[T]) invoke(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return q.handler(ctx, item)
}

// Len reports the number of items waiting under key (excluding the one
// currently being handled).
func (q *Queue[T]) Len(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if kq, ok := q.queues[key]; ok {
		return len(kq.items)
	}
	return 0
}

// ActiveKeys reports how many keys currently have a worker or waiting items.
func (q *Queue[T]) ActiveKeys() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}

// PanicError wraps a panic recovered from a handler so the enqueuer's future
// still resolves.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return "handler panicked" }
