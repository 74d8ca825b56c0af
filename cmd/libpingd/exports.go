//go:build cgo

package main

/*
#include <stddef.h>
#include <stdint.h>
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"

	"pkt.systems/pingd/binding"
)

func lookup(h C.uintptr_t) (*binding.Server, bool) {
	if h == 0 {
		return nil, false
	}
	defer func() { _ = recover() }()
	s, ok := cgo.Handle(h).Value().(*binding.Server)
	return s, ok
}

// pingd_new binds 0.0.0.0:port and starts serving. On success *out receives
// an opaque server handle that must be released with pingd_free.
//
//export pingd_new
func pingd_new(port C.int, out *C.uintptr_t) C.int {
	if out == nil {
		return C.int(recordInvalidHandle())
	}
	s, err := binding.New(int(port))
	if err != nil {
		return C.int(recordError(err))
	}
	*out = C.uintptr_t(cgo.NewHandle(s))
	return codeOK
}

// pingd_status returns 1 while running, 2 once stopped, -1 for a bad handle.
//
//export pingd_status
func pingd_status(h C.uintptr_t) C.int {
	s, ok := lookup(h)
	if !ok {
		return C.int(recordInvalidHandle())
	}
	return C.int(statusCode(s.Status()))
}

// pingd_port returns the bound port, or -1 for a bad handle.
//
//export pingd_port
func pingd_port(h C.uintptr_t) C.int {
	s, ok := lookup(h)
	if !ok {
		return C.int(recordInvalidHandle())
	}
	return C.int(s.Port())
}

// pingd_stop shuts the server down gracefully, blocking until drained.
//
//export pingd_stop
func pingd_stop(h C.uintptr_t) C.int {
	s, ok := lookup(h)
	if !ok {
		return C.int(recordInvalidHandle())
	}
	return C.int(recordError(s.Stop()))
}

// pingd_free stops the server if needed and invalidates the handle.
//
//export pingd_free
func pingd_free(h C.uintptr_t) C.int {
	s, ok := lookup(h)
	if !ok {
		return C.int(recordInvalidHandle())
	}
	err := s.Close()
	cgo.Handle(h).Delete()
	return C.int(recordError(err))
}

// pingd_last_error copies the last error message into buf (NUL-terminated,
// truncated to len bytes) and returns the untruncated message length.
//
//export pingd_last_error
func pingd_last_error(buf *C.char, n C.size_t) C.size_t {
	var dst []byte
	if buf != nil && n > 0 {
		dst = unsafe.Slice((*byte)(unsafe.Pointer(buf)), int(n))
	}
	return C.size_t(copyLastError(dst))
}
