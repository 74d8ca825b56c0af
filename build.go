package pingd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	"golang.org/x/net/netutil"

	"pkt.systems/pingd/internal/httpapi"
	"pkt.systems/pingd/internal/portinfo"
	"pkt.systems/pingd/internal/svcfields"
	"pkt.systems/pslog"
)

const telemetryShutdownTimeout = 5 * time.Second

// Serve is a bound listener together with the request pipeline that will
// serve it. It is produced by Build and consumed by exactly one service task;
// a Serve that is never run must be released with Close.
type Serve struct {
	id        string
	cfg       Config
	ln        net.Listener
	httpSrv   *http.Server
	rx        *shutdownReceiver
	logger    pslog.Logger
	telemetry *telemetry
	port      int
	addr      string

	claimed     atomic.Bool
	releaseOnce sync.Once
}

// Build validates cfg, binds the listening socket and assembles the request
// pipeline. The listen queue is active when Build returns, so clients may
// connect before the service task starts; they are accepted once it runs.
// The returned sender is the only way to ask the task to shut down. Hand both
// to NewServerFrom to run them; Build options that pick the scheduler are
// read there instead.
func Build(ctx context.Context, cfg Config, opts ...Option) (*Serve, *ShutdownSender, error) {
	cfg, o := applyOptions(cfg, opts)
	return build(ctx, cfg, o, xid.New().String())
}

func build(ctx context.Context, cfg Config, o options, id string) (*Serve, *ShutdownSender, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	base := svcfields.WithInstance(o.Logger, id)
	logger := svcfields.WithSubsystem(base, "server.lifecycle")

	addr := cfg.Addr()
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, nil, &BindError{Addr: addr, Err: fmt.Errorf("%w: %d", ErrInvalidPort, cfg.Port)}
	}
	ln, err := listen(ctx, cfg, addr)
	if err != nil {
		logger.Warn("server.lifecycle.bind_failed", "addr", addr, "error", err)
		return nil, nil, err
	}
	port := cfg.Port
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}
	boundAddr := ln.Addr().String()
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}

	tel, err := setupTelemetry(ctx, cfg, svcfields.WithSubsystem(base, "telemetry"))
	if err != nil {
		_ = ln.Close()
		return nil, nil, err
	}

	handler := httpapi.New(httpapi.Config{
		Logger:         base,
		RequestTimeout: cfg.RequestTimeout,
		RequestTracing: !cfg.DisableRequestTracing,
		HTTPTracing:    strings.TrimSpace(cfg.OTLPEndpoint) != "",
		MeterProvider:  tel.MeterProvider(),
		TracerProvider: tel.TracerProvider(),
	})
	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout < 0 {
		readHeaderTimeout = 0
	}
	httpSrv := &http.Server{
		Handler:           handler.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		ErrorLog:          log.New(serverErrorLog{logger: svcfields.WithSubsystem(base, "http.server")}, "", 0),
		BaseContext: func(net.Listener) context.Context {
			return pslog.ContextWithLogger(context.Background(), base)
		},
	}

	sender, rx := newShutdownSignal()
	s := &Serve{
		id:        id,
		cfg:       cfg,
		ln:        ln,
		httpSrv:   httpSrv,
		rx:        rx,
		logger:    logger,
		telemetry: tel,
		port:      port,
		addr:      boundAddr,
	}
	logger.Info("server.lifecycle.bound",
		"addr", boundAddr,
		"port", port,
		"request_timeout", cfg.RequestTimeout,
		"max_header_bytes", humanize.IBytes(uint64(cfg.MaxHeaderBytes)),
		"max_connections", cfg.MaxConnections,
		"reuse_port", cfg.ReusePort,
	)
	return s, sender, nil
}

func listen(ctx context.Context, cfg Config, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: socketControl(cfg)}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err == nil {
		return ln, nil
	}
	bindErr := &BindError{Addr: addr, Err: err}
	if errors.Is(err, syscall.EADDRINUSE) && cfg.Port > 0 {
		lookupCtx, cancel := context.WithTimeout(context.Background(), portinfo.LookupTimeout)
		bindErr.Holder = portinfo.Holder(lookupCtx, cfg.Port)
		cancel()
	}
	return nil, bindErr
}

// Port returns the bound TCP port (resolved when 0 was requested).
func (s *Serve) Port() int {
	return s.port
}

// Addr returns the bound listener address.
func (s *Serve) Addr() string {
	return s.addr
}

// ID returns the instance id shared by the owning server's log entries.
func (s *Serve) ID() string {
	return s.id
}

// URL returns the base http:// URL for the bound listener. Wildcard binds are
// reported through the loopback address.
func (s *Serve) URL() string {
	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return "http://" + s.addr
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		if ip != nil && ip.To4() == nil {
			host = "::1"
		} else {
			host = "127.0.0.1"
		}
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(s.port))
}

// Close releases a Serve that was never run: the listener is closed and the
// telemetry endpoints are shut down. It must not be called once the service
// task has been spawned.
func (s *Serve) Close() error {
	s.claimed.Store(true)
	var err error
	s.releaseOnce.Do(func() {
		if cerr := s.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		err = errors.Join(err, s.shutdownTelemetry())
		s.logger.Info("server.lifecycle.released", "addr", s.addr)
	})
	return err
}

// pairs reports whether sender was returned by Build together with s.
func (s *Serve) pairs(sender *ShutdownSender) bool {
	return sender != nil && s.rx != nil && sender.ch == s.rx.ch
}

func (s *Serve) shutdownTelemetry() error {
	if s.telemetry == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	return s.telemetry.Shutdown(ctx)
}

// serverErrorLog forwards net/http's internal error log into pslog.
type serverErrorLog struct {
	logger pslog.Logger
}

func (w serverErrorLog) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "error", strings.TrimSpace(string(p)))
	return len(p), nil
}
