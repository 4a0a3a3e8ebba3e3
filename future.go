package rabbitkit

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/glimte/rabbitkit/contracts"
)

// Future is the pending result of an asynchronous create operation
type Future[T any] struct {
	done   chan struct{}
	result contracts.Result[T]
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(value T, err error) {
	if err != nil {
		f.result = contracts.Failed[T](err)
	} else {
		f.result = contracts.OK(value)
	}
	close(f.done)
}

// Done is closed once the result is available
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the operation completes or ctx is done. A ctx expiry
// yields a failed result; the operation itself keeps running.
func (f *Future[T]) Wait(ctx context.Context) contracts.Result[T] {
	select {
	case <-f.done:
		return f.result
	case <-ctx.Done():
		return contracts.Failed[T](ctx.Err())
	}
}

// Result returns the result without blocking. ok is false while pending.
func (f *Future[T]) Result() (contracts.Result[T], bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return contracts.Result[T]{}, false
	}
}

// runAsync queues op on the owner's worker pool and returns at once. The
// submit itself happens off the caller's goroutine because a busy pool
// blocks Submit until a worker frees up.
func runAsync[T any](owner *Context, op func() (T, error)) *Future[T] {
	f := newFuture[T]()
	go func() {
		err := owner.submit(func() {
			defer func() {
				if r := recover(); r != nil {
					owner.logger.Error("async operation panicked", "panic", r, "stack", string(debug.Stack()))
					var zero T
					f.complete(zero, fmt.Errorf("%w: %v", ErrAsyncPanic, r))
				}
			}()
			value, err := op()
			f.complete(value, err)
		})
		if err != nil {
			var zero T
			f.complete(zero, err)
		}
	}()
	return f
}
