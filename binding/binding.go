// Package binding exposes pingd to synchronous foreign callers (C hosts,
// language extensions) that cannot drive goroutines themselves.
//
// Construction binds and starts in one step, so a binding Server is never
// observed in the built state. Every call either blocks the caller through
// the process scheduler (New, Stop) or hands back a sched.Future (NewAsync,
// StopAsync). Construction is admitted against the scheduler's worker bound;
// stops never are, so a slow drain on one server cannot hold up another. A
// Server that becomes unreachable while running is stopped by a cleanup
// attached to it; Close releases it deterministically.
package binding

import (
	"context"
	"os"
	"runtime"
	"sync"

	"pkt.systems/pingd"
	"pkt.systems/pingd/internal/sched"
	"pkt.systems/pingd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultPort is the port used by the foreign default constructor.
const DefaultPort = pingd.DefaultPort

var (
	loggerMu sync.RWMutex
	logger   pslog.Logger
)

var envLogger = sync.OnceValue(func() pslog.Logger {
	return pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("PINGD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.Disabled}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "pingd")
})

// SetLogger replaces the logger used by servers created afterwards. nil
// restores the environment-configured logger (PINGD_LOG_*, disabled unless set).
func SetLogger(l pslog.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

func currentLogger() pslog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		l = envLogger()
	}
	return svcfields.WithSubsystem(l, "binding")
}

// Server is a running pingd server owned by a foreign caller.
type Server struct {
	inner   *handle
	cleanup runtime.Cleanup
}

// handle carries everything the disposal cleanup needs; it must never point
// back at its Server.
type handle struct {
	srv    *pingd.Server
	logger pslog.Logger
}

// New binds 0.0.0.0:port, starts serving and returns once the server is
// running. It blocks the calling thread on the process scheduler.
func New(port int) (*Server, error) {
	return Open(context.Background(), portConfig(port))
}

// NewAsync is the non-blocking form of New.
func NewAsync(ctx context.Context, port int) *sched.Future[*Server] {
	return OpenAsync(ctx, portConfig(port))
}

// Open is New with a full configuration.
func Open(ctx context.Context, cfg pingd.Config, opts ...pingd.Option) (*Server, error) {
	var s *Server
	err := sched.Default().Admit(ctx, func(ctx context.Context) error {
		var err error
		s, err = open(ctx, cfg, opts)
		return err
	})
	if err != nil {
		return nil, Translate(err)
	}
	return s, nil
}

// OpenAsync is the non-blocking form of Open.
func OpenAsync(ctx context.Context, cfg pingd.Config, opts ...pingd.Option) *sched.Future[*Server] {
	return sched.Go(ctx, sched.Default(), "pingd.binding.open", func(ctx context.Context) (*Server, error) {
		var s *Server
		err := sched.Default().Admit(ctx, func(ctx context.Context) error {
			var err error
			s, err = open(ctx, cfg, opts)
			return err
		})
		return s, Translate(err)
	})
}

func portConfig(port int) pingd.Config {
	return pingd.Config{Port: port, PortSet: true}
}

func open(ctx context.Context, cfg pingd.Config, opts []pingd.Option) (*Server, error) {
	log := currentLogger()
	srv, err := pingd.NewServer(ctx, cfg, append([]pingd.Option{pingd.WithLogger(log)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(); err != nil {
		_ = srv.Close()
		return nil, err
	}
	h := &handle{srv: srv, logger: log}
	s := &Server{inner: h}
	s.cleanup = runtime.AddCleanup(s, (*handle).disposeAsync, h)
	return s, nil
}

// disposeAsync runs in the runtime's cleanup goroutine, which is shared by
// the whole process, so the stop is handed to a scheduler task.
func (h *handle) disposeAsync() {
	sched.Default().Spawn("pingd.binding.dispose", func() error {
		h.dispose()
		return nil
	})
}

// dispose stops a server whose owner disappeared without stopping it.
// Failures can only be logged.
func (h *handle) dispose() {
	if h.srv.Status() != pingd.StatusRunning {
		return
	}
	h.logger.Warn("binding.dispose.stopping", "addr", h.srv.Addr())
	err := sched.Default().BlockOn(context.Background(), h.srv.Stop)
	if err != nil && KindOf(err) != KindInvalidState {
		h.logger.Error("binding.dispose.stop_failed", "addr", h.srv.Addr(), "error", err)
	}
}

// Status returns "running" or "stopped". It never blocks.
func (s *Server) Status() string {
	status := s.inner.srv.Status().String()
	runtime.KeepAlive(s)
	return status
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	return s.inner.srv.Port()
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	return s.inner.srv.Addr()
}

// Stop shuts the server down gracefully, blocking the calling thread until
// the service task has drained. A second call fails with KindInvalidState.
func (s *Server) Stop() error {
	err := sched.Default().BlockOn(context.Background(), s.inner.srv.Stop)
	runtime.KeepAlive(s)
	return Translate(err)
}

// StopAsync is the non-blocking form of Stop. ctx bounds the drain phase.
func (s *Server) StopAsync(ctx context.Context) *sched.Future[struct{}] {
	h := s.inner
	return sched.Go(ctx, sched.Default(), "pingd.binding.stop", func(ctx context.Context) (struct{}, error) {
		// s stays reachable until the stop completes.
		defer runtime.KeepAlive(s)
		return struct{}{}, Translate(h.srv.Stop(ctx))
	})
}

// Close releases the server: it is stopped if still running and the disposal
// cleanup is cancelled. Close is idempotent.
func (s *Server) Close() error {
	s.cleanup.Stop()
	err := sched.Default().BlockOn(context.Background(), func(context.Context) error {
		return s.inner.srv.Close()
	})
	runtime.KeepAlive(s)
	return Translate(err)
}
