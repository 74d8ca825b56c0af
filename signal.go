package pingd

import (
	"context"
	"sync/atomic"
)

// ShutdownSender is the single-use capability that asks a service task to
// shut down gracefully. Only the first Send has an effect.
type ShutdownSender struct {
	sent atomic.Bool
	ch   chan context.Context
}

type shutdownReceiver struct {
	ch <-chan context.Context
}

func newShutdownSignal() (*ShutdownSender, *shutdownReceiver) {
	ch := make(chan context.Context, 1)
	return &ShutdownSender{ch: ch}, &shutdownReceiver{ch: ch}
}

// Send delivers the shutdown request. ctx bounds the drain phase: when it
// ends, connections still in flight are closed forcibly. Send never blocks
// and returns ErrSignalConsumed on every call after the first.
func (s *ShutdownSender) Send(ctx context.Context) error {
	if s == nil {
		return ErrSignalConsumed
	}
	if !s.sent.CompareAndSwap(false, true) {
		return ErrSignalConsumed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ch <- ctx
	return nil
}

// Sent reports whether the signal has been consumed.
func (s *ShutdownSender) Sent() bool {
	return s != nil && s.sent.Load()
}

func (r *shutdownReceiver) recv() <-chan context.Context {
	return r.ch
}
