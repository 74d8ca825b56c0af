package binding

import (
	"errors"

	"pkt.systems/pingd"
	"pkt.systems/pingd/internal/sched"
)

// Kind classifies errors surfaced to foreign callers.
type Kind int

const (
	// KindIO covers bind and serve I/O failures.
	KindIO Kind = iota + 1
	// KindInvalidState reports a lifecycle call made in the wrong state.
	KindInvalidState
	// KindTask reports abnormal termination of the service task.
	KindTask
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IOError"
	case KindInvalidState:
		return "InvalidServerState"
	case KindTask:
		return "Exception"
	default:
		return "Unknown"
	}
}

const (
	msgServerRunning    = "Server is running"
	msgServerNotRunning = "Server is not running"
)

// Error is the foreign-facing error. Message is the text shown to the host
// language; Err keeps the original error for errors.Is/As.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Translate maps a pingd error to its foreign form. nil stays nil.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	switch {
	case errors.Is(err, pingd.ErrServerRunning):
		return &Error{Kind: KindInvalidState, Message: msgServerRunning, Err: err}
	case errors.Is(err, pingd.ErrServerNotRunning), errors.Is(err, pingd.ErrServerClosed):
		return &Error{Kind: KindInvalidState, Message: msgServerNotRunning, Err: err}
	}
	var perr *sched.PanicError
	if errors.Is(err, pingd.ErrTaskFailed) || errors.As(err, &perr) {
		return &Error{Kind: KindTask, Message: err.Error(), Err: err}
	}
	return &Error{Kind: KindIO, Message: err.Error(), Err: err}
}

// KindOf returns the Kind of err, or zero when err is nil.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var be *Error
	if errors.As(Translate(err), &be) {
		return be.Kind
	}
	return KindIO
}
