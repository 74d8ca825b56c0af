package pingd

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pingd/internal/sched"
	"pkt.systems/pslog"
)

// Server is the lifecycle handle of one listener: built, running, stopped.
//
// The references it holds encode the state. A Serve artifact is present until
// Start consumes it; the shutdown sender and task handle are present from Start
// until Stop takes them. Status reads them without locking.
type Server struct {
	id     string
	cfg    Config
	logger pslog.Logger
	sched  *sched.Scheduler
	port   int
	addr   string
	url    string
	tel    *telemetry

	startMu       sync.Mutex
	pendingSender *ShutdownSender
	released      bool

	serve  atomic.Pointer[Serve]
	sender atomic.Pointer[ShutdownSender]
	task   atomic.Pointer[sched.Task]

	done     chan struct{}
	doneOnce sync.Once

	transitions metric.Int64Counter
}

// NewServer binds the listener described by cfg and returns a Built server.
// Nothing is served until Start is called; connections made in between wait
// in the listen queue.
// Example:
//
//	srv, err := pingd.NewServer(ctx, pingd.Config{Port: 3000})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop(context.Background())
func NewServer(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	cfg, o := applyOptions(cfg, opts)
	serve, sender, err := build(ctx, cfg, o, xid.New().String())
	if err != nil {
		return nil, err
	}
	return newServerFrom(serve, sender, o)
}

// NewServerFrom wraps a Serve and its sender produced by Build in a Built
// server. The pair can be handed over once; a Serve that already belongs to a
// server, was closed, or is paired with another sender yields ErrServeInUse.
// Only WithScheduler is consulted here; logging and telemetry were fixed by
// Build.
func NewServerFrom(serve *Serve, sender *ShutdownSender, opts ...Option) (*Server, error) {
	if serve == nil || !serve.pairs(sender) || sender.Sent() {
		return nil, ErrServeInUse
	}
	_, o := applyOptions(serve.cfg, opts)
	return newServerFrom(serve, sender, o)
}

func newServerFrom(serve *Serve, sender *ShutdownSender, o options) (*Server, error) {
	if !serve.claimed.CompareAndSwap(false, true) {
		return nil, ErrServeInUse
	}
	s := &Server{
		id:            serve.id,
		cfg:           serve.cfg,
		logger:        serve.logger,
		sched:         o.Scheduler,
		port:          serve.Port(),
		addr:          serve.Addr(),
		url:           serve.URL(),
		tel:           serve.telemetry,
		pendingSender: sender,
		done:          make(chan struct{}),
	}
	s.serve.Store(serve)
	counter, err := serve.telemetry.MeterProvider().Meter("pkt.systems/pingd").Int64Counter(
		"pingd.server.transitions",
		metric.WithDescription("Server lifecycle transitions, by target state"),
	)
	if err != nil {
		s.logger.Warn("server.metrics.init_failed", "error", err)
	} else {
		s.transitions = counter
	}
	s.recordTransition(StatusBuilt)
	return s, nil
}

// Start spawns the service task on the scheduler and returns immediately.
// It succeeds once per server; later calls return ErrServerRunning (or
// ErrServerClosed when Close released the server first) and leave the
// running task untouched.
func (s *Server) Start() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	serve := s.serve.Load()
	if serve == nil {
		if s.released {
			return ErrServerClosed
		}
		return ErrServerRunning
	}
	sender := s.pendingSender
	s.pendingSender = nil
	task := s.sched.Spawn("pingd.serve."+s.id, func() error {
		defer s.markDone()
		return serve.run()
	})
	// Publish task before sender so a concurrent Stop that sees the sender
	// always finds the task, then drop the artifact to leave the Built state.
	s.task.Store(task)
	s.sender.Store(sender)
	s.serve.Store(nil)
	s.recordTransition(StatusRunning)
	return nil
}

// Stop signals the service task, waits for it to drain and returns its
// outcome. ctx bounds the drain: when it ends remaining connections are closed
// forcibly. Exactly one of several concurrent Stop calls wins; the others,
// like calls on a server that was never started, get ErrServerNotRunning.
func (s *Server) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sender := s.sender.Swap(nil)
	if sender == nil {
		return ErrServerNotRunning
	}
	task := s.task.Swap(nil)
	if err := sender.Send(ctx); err != nil {
		s.logger.Warn("server.lifecycle.signal_failed", "error", err)
	}
	if task == nil {
		return ErrServerNotRunning
	}
	err := task.Wait(context.Background())
	s.recordTransition(StatusStopped)
	var perr *sched.PanicError
	if errors.As(err, &perr) {
		s.logger.Error("server.lifecycle.task_failed", "error", err)
		return taskFailure(err)
	}
	return err
}

// Close releases the server whatever its state: a Built server closes its
// listener without serving, a Running server is stopped, a Stopped server is
// left alone.
func (s *Server) Close() error {
	s.startMu.Lock()
	serve := s.serve.Swap(nil)
	if serve != nil {
		s.pendingSender = nil
		s.released = true
		s.startMu.Unlock()
		err := serve.Close()
		s.markDone()
		s.recordTransition(StatusStopped)
		return err
	}
	s.startMu.Unlock()
	if err := s.Stop(context.Background()); err != nil && !errors.Is(err, ErrServerNotRunning) {
		return err
	}
	return nil
}

// Status reports the lifecycle state. It never blocks.
func (s *Server) Status() Status {
	switch {
	case s.serve.Load() != nil:
		return StatusBuilt
	case s.task.Load() != nil:
		return StatusRunning
	default:
		return StatusStopped
	}
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	return s.addr
}

// URL returns an http:// base URL reaching the listener.
func (s *Server) URL() string {
	return s.url
}

// ID returns the server instance id attached to its log entries.
func (s *Server) ID() string {
	return s.id
}

// Config returns the validated configuration the server was built with.
func (s *Server) Config() Config {
	return s.cfg
}

// MetricsAddr returns the bound Prometheus endpoint address, if enabled.
func (s *Server) MetricsAddr() string {
	return s.tel.MetricsAddr()
}

// PprofAddr returns the bound pprof endpoint address, if enabled.
func (s *Server) PprofAddr() string {
	return s.tel.PprofAddr()
}

// Done is closed once the service task has completed or an unstarted server
// was released.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) markDone() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

func (s *Server) recordTransition(to Status) {
	s.logger.Info("server.lifecycle."+to.String(), "addr", s.addr)
	if s.transitions != nil {
		s.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("to", to.String())))
	}
}

// StartServer builds and starts a server in one step. It returns the running
// server alongside a stop function that gracefully shuts it down; stop is safe
// to call more than once. When ctx ends the server is stopped automatically.
// Example:
//
//	srv, stop, err := pingd.StartServer(ctx, pingd.Config{BindAddress: "127.0.0.1"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	srv, err := NewServer(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := srv.Start(); err != nil {
		_ = srv.Close()
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, ErrServerNotRunning) {
				stopErr = err
			}
		})
		return stopErr
	}
	unregister := context.AfterFunc(ctx, func() {
		if err := stop(context.Background()); err != nil {
			srv.logger.Warn("server.lifecycle.stop_failed", "error", err)
		}
	})
	return srv, func(shutdownCtx context.Context) error {
		unregister()
		return stop(shutdownCtx)
	}, nil
}
