package engine

import (
	"context"
	"sync"
)

// Future is the eventual result of work running on a worker goroutine.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// Go starts fn on a new goroutine and returns its future.
// The worker pool is unbounded: each call gets its own goroutine.
// A panic in fn resolves the future with a *PanicError.
func Go[T any](ctx context.Context, op string, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		var (
			val T
			err error
		)
		defer func() {
			if v := recover(); v != nil {
				err = &PanicError{Op: op, Value: v}
			}
			f.resolve(val, err)
		}()
		val, err = fn(ctx)
	}()
	return f
}

// Resolved returns a future that is already complete.
func Resolved[T any](val T, err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	f.resolve(val, err)
	return f
}

func (f *Future[T]) resolve(val T, err error) {
	f.once.Do(func() {
		f.val, f.err = val, err
		close(f.done)
	})
}

// Done is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the result is available or ctx is done.
// Cancelling ctx abandons the wait, not the work.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
