package main

import (
	"errors"
	"sync"

	"pkt.systems/pingd/binding"
)

const (
	codeOK            = 0
	codeInvalidHandle = -1
)

var (
	lastErrMu sync.Mutex
	lastErr   string
)

// recordError stores err as the last error and returns its C error code.
func recordError(err error) int {
	if err == nil {
		return codeOK
	}
	err = binding.Translate(err)
	lastErrMu.Lock()
	lastErr = err.Error()
	lastErrMu.Unlock()
	var be *binding.Error
	if errors.As(err, &be) {
		return int(be.Kind)
	}
	return int(binding.KindIO)
}

func recordInvalidHandle() int {
	lastErrMu.Lock()
	lastErr = "invalid server handle"
	lastErrMu.Unlock()
	return codeInvalidHandle
}

// copyLastError writes the NUL-terminated last error into dst, truncating as
// needed, and returns the full message length.
func copyLastError(dst []byte) int {
	lastErrMu.Lock()
	msg := lastErr
	lastErrMu.Unlock()
	if len(dst) > 0 {
		n := copy(dst[:len(dst)-1], msg)
		dst[n] = 0
	}
	return len(msg)
}

func statusCode(status string) int {
	switch status {
	case "built":
		return 0
	case "running":
		return 1
	default:
		return 2
	}
}
