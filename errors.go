package pingd

import (
	"errors"
	"fmt"
)

var (
	// ErrServerRunning is returned by Start when a service task was already spawned.
	ErrServerRunning = errors.New("pingd: server is running")
	// ErrServerNotRunning is returned by Stop when the server was never started
	// or has already been stopped.
	ErrServerNotRunning = errors.New("pingd: server is not running")
	// ErrServerClosed is returned by Start after Close released an unstarted server.
	ErrServerClosed = errors.New("pingd: server closed")
	// ErrTaskFailed wraps abnormal service task termination (panic or failed join).
	ErrTaskFailed = errors.New("pingd: service task failed")
	// ErrSignalConsumed is returned when a ShutdownSender is used twice.
	ErrSignalConsumed = errors.New("pingd: shutdown signal already sent")
	// ErrInvalidPort reports a port outside 0-65535.
	ErrInvalidPort = errors.New("pingd: invalid port")
	// ErrServeInUse is returned by NewServerFrom for a Serve that already
	// belongs to a server, was released, or came with another sender.
	ErrServeInUse = errors.New("pingd: serve already in use")
)

// BindError reports that the listening socket could not be bound.
type BindError struct {
	// Addr is the address that was requested.
	Addr string
	// Holder describes the process owning the port when it could be resolved.
	Holder string
	// Err is the underlying I/O error.
	Err error
}

func (e *BindError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("pingd: bind %s: %v (held by %s)", e.Addr, e.Err, e.Holder)
	}
	return fmt.Sprintf("pingd: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// ServeError reports a listener-level failure that ended the service task
// while it was serving.
type ServeError struct {
	Err error
}

func (e *ServeError) Error() string {
	return fmt.Sprintf("pingd: serve: %v", e.Err)
}

func (e *ServeError) Unwrap() error {
	return e.Err
}

func taskFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrTaskFailed, err)
}
