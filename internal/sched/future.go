package sched

import (
	"context"
	"sync"
)

// Future is a pending operation a caller can wait on without blocking a
// thread of its own.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// Go starts fn on s and returns its pending result. fn receives ctx.
func Go[T any](ctx context.Context, s *Scheduler, name string, fn func(context.Context) (T, error)) *Future[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	f := &Future[T]{done: make(chan struct{})}
	task := s.Spawn(name, func() error {
		v, err := fn(ctx)
		f.resolve(v, err)
		return err
	})
	go func() {
		<-task.Done()
		// Panics skip resolve inside fn; surface them here.
		var zero T
		f.resolve(zero, task.Err())
	}()
	return f
}

// Resolved returns a future that is already complete.
func Resolved[T any](v T, err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	f.resolve(v, err)
	return f
}

func (f *Future[T]) resolve(v T, err error) {
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
	})
}

// Done is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome without blocking. ok is false while pending.
func (f *Future[T]) Result() (v T, ok bool, err error) {
	select {
	case <-f.done:
		return f.val, true, f.err
	default:
		return v, false, nil
	}
}

// Wait blocks until the result is available or ctx ends. A context error does
// not cancel the operation itself.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
