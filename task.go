package pingd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// run is the service task body. It serves until the shutdown signal arrives,
// then stops accepting and drains in-flight requests. It returns nil after a
// clean drain, the drain context error when connections had to be closed
// forcibly, or a *ServeError when the listener failed while serving.
func (s *Serve) run() error {
	start := time.Now()
	s.logger.Info("server.lifecycle.serving", "addr", s.addr)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpSrv.Serve(s.ln)
	}()
	// Close is a no-op after a clean drain and releases the listener when
	// run unwinds through a panic.
	defer s.httpSrv.Close()

	var err error
	select {
	case drainCtx := <-s.rx.recv():
		err = s.drain(drainCtx)
		if serr := <-serveErr; err == nil && !errors.Is(serr, http.ErrServerClosed) {
			err = &ServeError{Err: serr}
		}
	case serr := <-serveErr:
		_ = s.httpSrv.Close()
		s.logger.Error("server.lifecycle.serve_failed", "addr", s.addr, "error", serr)
		err = &ServeError{Err: serr}
	}

	s.releaseOnce.Do(func() {
		if terr := s.shutdownTelemetry(); terr != nil {
			s.logger.Warn("server.lifecycle.telemetry_shutdown_failed", "error", terr)
		}
	})
	if err != nil {
		s.logger.Warn("server.lifecycle.stopped", "addr", s.addr, "uptime", time.Since(start), "error", err)
		return err
	}
	s.logger.Info("server.lifecycle.stopped", "addr", s.addr, "uptime", time.Since(start))
	return nil
}

func (s *Serve) drain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if grace := s.cfg.ShutdownGrace; grace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}
	s.logger.Info("server.lifecycle.draining", "addr", s.addr)
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		_ = s.httpSrv.Close()
		s.logger.Warn("server.lifecycle.drain_forced", "addr", s.addr, "error", err)
		return fmt.Errorf("pingd: drain: %w", err)
	}
	return nil
}
