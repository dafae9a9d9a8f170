// Package util holds small concurrency primitives shared by the client.
package util

import (
	"context"
	"sync"
)

// Future is a broadcast-once result cell. It is completed at most once and
// every subscriber observes the same value and error.
//
// Subscribers registered before completion are invoked in subscription order
// on the goroutine that completes the future. Subscribers registered after
// completion are invoked immediately on the subscribing goroutine.
type Future[T any] struct {
	mu          sync.Mutex
	done        chan struct{}
	completed   bool
	value       T
	err         error
	subscribers []func(T, error)
}

// NewFuture creates a pending future
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future that is already resolved with value and err
func Completed[T any](value T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Complete(value, err)
	return f
}

// Complete resolves the future. It reports false, and does nothing, when the
// future was already completed.
func (f *Future[T]) Complete(value T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.value = value
	f.err = err
	subs := f.subscribers
	f.subscribers = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range subs {
		fn(value, err)
	}
	return true
}

// Resolve completes the future successfully
func (f *Future[T]) Resolve(value T) bool {
	return f.Complete(value, nil)
}

// Fail completes the future with err
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.Complete(zero, err)
}

// Subscribe registers fn to receive the outcome
func (f *Future[T]) Subscribe(fn func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.subscribers = append(f.subscribers, fn)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	fn(value, err)
}

// Done returns a channel closed on completion
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has been completed
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the completion error, or nil while the future is pending
func (f *Future[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until the future completes or ctx is done
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
