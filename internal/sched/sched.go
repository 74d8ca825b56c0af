// Package sched provides the process-wide task scheduler every pingd server
// runs its background work on.
package sched

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"pkt.systems/pingd/internal/svcfields"
	"pkt.systems/pslog"
)

// Options configures a Scheduler.
type Options struct {
	// Workers bounds how many Admit operations execute concurrently.
	// Zero selects runtime.GOMAXPROCS(0).
	Workers int
	// Logger receives task panics and lifecycle diagnostics.
	Logger pslog.Logger
}

// Scheduler runs spawned tasks on the Go runtime and bounds admitted
// operations to a fixed number of workers.
type Scheduler struct {
	workers int
	sem     *semaphore.Weighted
	logger  pslog.Logger
	live    atomic.Int64
	seq     atomic.Uint64
}

var defaultScheduler = sync.OnceValue(func() *Scheduler {
	return New(Options{})
})

// Default returns the process-wide scheduler, creating it on first use.
func Default() *Scheduler {
	s := defaultScheduler()
	if s == nil {
		panic("sched: process scheduler unavailable")
	}
	return s
}

// New constructs an independent scheduler.
func New(opts Options) *Scheduler {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Scheduler{
		workers: workers,
		sem:     semaphore.NewWeighted(int64(workers)),
		logger:  svcfields.WithSubsystem(opts.Logger, "sched"),
	}
}

// Workers reports the Admit worker bound.
func (s *Scheduler) Workers() int {
	return s.workers
}

// Live returns the number of spawned tasks that have not completed yet.
func (s *Scheduler) Live() int {
	return int(s.live.Load())
}

// Spawn runs fn in the background and returns its join handle. It returns as
// soon as the task is scheduled. A panic inside fn completes the task with a
// *PanicError.
func (s *Scheduler) Spawn(name string, fn func() error) *Task {
	t := &Task{
		name: name,
		id:   s.seq.Add(1),
		done: make(chan struct{}),
	}
	s.live.Add(1)
	go func() {
		defer close(t.done)
		defer s.live.Add(-1)
		t.err = s.protect(name, fn)
	}()
	s.logger.Trace("sched.task.spawned", "task", name, "task_id", t.id)
	return t
}

// BlockOn runs fn on the calling goroutine and returns its result, turning a
// panic into a *PanicError. It never takes a worker slot, so a long drain in
// one caller cannot hold up blocking calls made by others.
func (s *Scheduler) BlockOn(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.protect("block_on", func() error { return fn(ctx) })
}

// Admit runs fn on the calling goroutine while holding one of the scheduler's
// worker slots. When ctx ends before a slot becomes free the context error is
// returned and fn never runs. fn must be short-lived: it keeps its slot until
// it returns.
func (s *Scheduler) Admit(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	return s.protect("admit", func() error { return fn(ctx) })
}

func (s *Scheduler) protect(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Task: name, Value: r, Stack: debug.Stack()}
			s.logger.Error("sched.task.panic", "task", name, "panic", fmt.Sprint(r))
			err = perr
		}
	}()
	return fn()
}

// Task is the join handle of a spawned task.
type Task struct {
	name string
	id   uint64
	done chan struct{}
	err  error
}

// Name returns the name given at spawn time.
func (t *Task) Name() string {
	return t.name
}

// Done is closed once the task has completed.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task result. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task completes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PanicError reports a recovered panic from a scheduled task.
type PanicError struct {
	Task  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("sched: task %s panicked: %v", e.Task, e.Value)
}

// Unwrap exposes the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
