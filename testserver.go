package pingd

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
)

// TestServer wraps a running pingd server bound to a loopback ephemeral port.
type TestServer struct {
	Server *Server
	Config Config

	stop func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.log(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) log(entry string) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(msg, "Log in goroutine after") ||
				strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
				return
			}
			panic(r)
		}
	}()
	w.t.Helper()
	w.t.Log(entry)
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(context.Background(), writer)
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "testserver")
}

type testServerOptions struct {
	cfg         Config
	opts        []Option
	logger      pslog.Logger
	logLevel    pslog.Level
	stopTimeout time.Duration
}

// TestServerOption customises NewTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfigFunc mutates the default loopback configuration.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			fn(&o.cfg)
		}
	}
}

// WithTestOptions appends server options.
func WithTestOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) {
		o.opts = append(o.opts, opts...)
	}
}

// WithTestLogger overrides the testing.TB logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLogLevel sets the level of the default testing.TB logger.
func WithTestLogLevel(level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.logLevel = level
	}
}

// NewTestServer starts a server on 127.0.0.1 with an OS-assigned port and
// stops it when the test finishes. The stop outcome is checked in cleanup.
func NewTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	options := testServerOptions{
		cfg: Config{
			BindAddress: "127.0.0.1",
			Port:        0,
			PortSet:     true,
		},
		logLevel:    pslog.InfoLevel,
		stopTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	logger := options.logger
	if logger == nil {
		logger = NewTestingLogger(t, options.logLevel)
	}
	serverOpts := append([]Option{WithLogger(logger)}, options.opts...)
	srv, stop, err := StartServer(context.Background(), options.cfg, serverOpts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	ts := &TestServer{Server: srv, Config: srv.Config(), stop: stop}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), options.stopTimeout)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

// URL returns the base URL clients should use to reach the server.
func (ts *TestServer) URL() string {
	if ts == nil || ts.Server == nil {
		return ""
	}
	return ts.Server.URL()
}

// Stop shuts the server down; repeated calls are no-ops.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}
