//go:build !unix

package pingd

import (
	"errors"
	"syscall"
)

func socketControl(cfg Config) func(network, address string, c syscall.RawConn) error {
	if !cfg.ReusePort {
		return nil
	}
	return func(string, string, syscall.RawConn) error {
		return errors.New("SO_REUSEPORT is not supported on this platform")
	}
}
