package uow

import (
	"context"
	"fmt"
)

// Future is the result of an operation started on its own goroutine.
// It is completed exactly once and may be awaited any number of times.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Go runs fn on a new goroutine and returns a Future for its result.
// A panic inside fn completes the Future with an error instead of crashing the process.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				f.complete(zero, fmt.Errorf("uow: panic in asynchronous operation: %v", r))
			}
		}()
		v, err := fn()
		f.complete(v, err)
	}()
	return f
}

// Completed returns a Future that is already resolved with v and err.
func Completed[T any](v T, err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	f.complete(v, err)
	return f
}

func (f *Future[T]) complete(v T, err error) {
	f.value = v
	f.err = err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the Future completes or ctx is done. Cancelling ctx
// abandons the wait only; the underlying operation keeps running.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result blocks until the Future completes, regardless of any context. Code that
// releases resources the operation uses waits with Result.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}
