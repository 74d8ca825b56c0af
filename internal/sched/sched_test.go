package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Fatal("expected Default to return the same scheduler")
	}
	if a.Workers() <= 0 {
		t.Fatalf("expected positive worker count, got %d", a.Workers())
	}
}

func TestSpawnReportsResult(t *testing.T) {
	s := New(Options{Workers: 2})
	boom := errors.New("boom")
	task := s.Spawn("fails", func() error { return boom })
	if err := task.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if task.Name() != "fails" {
		t.Fatalf("unexpected task name %q", task.Name())
	}
	ok := s.Spawn("ok", func() error { return nil })
	<-ok.Done()
	if err := ok.Err(); err != nil {
		t.Fatalf("expected nil result, got %v", err)
	}
}

func TestSpawnRecoversPanics(t *testing.T) {
	s := New(Options{})
	task := s.Spawn("panics", func() error { panic("kaboom") })
	err := task.Wait(context.Background())
	var perr *PanicError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PanicError, got %T %v", err, err)
	}
	if perr.Task != "panics" || perr.Value != "kaboom" {
		t.Fatalf("unexpected panic error %+v", perr)
	}
	if len(perr.Stack) == 0 {
		t.Fatal("expected stack to be captured")
	}
}

func TestSpawnReturnsBeforeTaskRuns(t *testing.T) {
	s := New(Options{})
	release := make(chan struct{})
	task := s.Spawn("blocked", func() error {
		<-release
		return nil
	})
	if s.Live() != 1 {
		t.Fatalf("expected one live task, got %d", s.Live())
	}
	select {
	case <-task.Done():
		t.Fatal("task completed before release")
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := task.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)
	if err := task.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	waitFor(t, time.Second, func() bool { return s.Live() == 0 })
}

func TestAdmitBoundsWorkers(t *testing.T) {
	s := New(Options{Workers: 2})
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Admit(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("admit: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := peak.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrent workers, saw %d", got)
	}
}

func TestAdmitHonoursContextWhileQueued(t *testing.T) {
	s := New(Options{Workers: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Admit(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := s.Admit(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	close(release)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if ran {
		t.Fatal("queued operation must not run after its context ended")
	}
}

func TestBlockOnNeverWaitsForWorkers(t *testing.T) {
	s := New(Options{Workers: 1})
	release := make(chan struct{})
	stalled := make(chan struct{})
	go func() {
		_ = s.BlockOn(context.Background(), func(context.Context) error {
			close(stalled)
			<-release
			return nil
		})
	}()
	<-stalled
	defer close(release)

	done := make(chan error, 1)
	go func() {
		done <- s.BlockOn(context.Background(), func(context.Context) error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("block on: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("BlockOn waited behind a stalled caller")
	}
	if err := s.Admit(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("admit while BlockOn is stalled: %v", err)
	}
}

func TestBlockOnRecoversPanics(t *testing.T) {
	s := New(Options{})
	err := s.BlockOn(context.Background(), func(context.Context) error { panic(errors.New("inner")) })
	var perr *PanicError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if perr.Unwrap() == nil || perr.Unwrap().Error() != "inner" {
		t.Fatalf("expected unwrap to expose inner error, got %v", perr.Unwrap())
	}
}

func TestFutureResolves(t *testing.T) {
	s := New(Options{})
	release := make(chan struct{})
	f := Go(context.Background(), s, "answer", func(context.Context) (int, error) {
		<-release
		return 42, nil
	})
	if _, ok, _ := f.Result(); ok {
		t.Fatal("expected pending future")
	}
	close(release)
	v, err := f.Wait(context.Background())
	if err != nil || v != 42 {
		t.Fatalf("expected 42, got %d %v", v, err)
	}
	v, ok, err := f.Result()
	if !ok || err != nil || v != 42 {
		t.Fatalf("unexpected result %d %v %v", v, ok, err)
	}
}

func TestFuturePanicSurfacesAsError(t *testing.T) {
	s := New(Options{})
	f := Go(context.Background(), s, "panics", func(context.Context) (string, error) {
		panic("nope")
	})
	_, err := f.Wait(context.Background())
	var perr *PanicError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PanicError, got %v", err)
	}
}

func TestResolvedFuture(t *testing.T) {
	boom := errors.New("boom")
	f := Resolved(0, boom)
	select {
	case <-f.Done():
	default:
		t.Fatal("expected resolved future to be done")
	}
	if _, err := f.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
