package ratelimit

import (
	"context"
	"sync"
)

// Future is the caller-facing handle for submitted work. It resolves exactly
// once, when the admission loop finishes executing the operation.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Wait blocks until the operation completes or the context is canceled.
// Cancellation abandons the wait; it does not abort the in-flight operation.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done exposes the completion channel for select loops.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[T]) resolve(value T) {
	f.once.Do(func() {
		f.value = value
		close(f.done)
	})
}

func (f *Future[T]) reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}
