// Package pingd embeds a minimal HTTP liveness service whose only route,
// GET /ping, answers 200 with the body "pong". The package owns the full
// lifecycle of that service: binding the listener, serving on a scheduler,
// and draining connections on a one-shot shutdown signal.
//
// # Running a server
//
// A Server is created in the Built state with its listener already bound, so
// bind failures surface before any task is spawned. Start moves it to
// Running, Stop drains and moves it to Stopped. Stopped is terminal.
//
//	cfg := pingd.Config{BindAddress: "127.0.0.1", Port: 3000}
//	srv, err := pingd.NewServer(ctx, cfg, pingd.WithLogger(logger))
//	if err != nil {
//	    return err // *pingd.BindError carries the address and port holder
//	}
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop(context.Background())
//
// StartServer combines both steps and ties shutdown to a context:
//
//	srv, stop, err := pingd.StartServer(ctx, cfg)
//	...
//	<-ctx.Done()
//	_ = stop(context.Background())
//
// Configuration defaults match the pingd CLI: bind 0.0.0.0:3000, a 5s request
// timeout, 10s read-header timeout and a 1 MiB header limit. Set PortSet with
// Port 0 to request an ephemeral port; Server.Port reports the port actually
// bound.
//
// # Shutdown
//
// Stop sends the one-shot shutdown signal and waits for the service task.
// The task stops accepting, waits for in-flight requests and returns. A
// positive Config.ShutdownGrace, or a deadline on the ctx passed to Stop,
// bounds that wait; remaining connections are then closed forcibly. Calling
// Stop on a server that is not running returns ErrServerNotRunning and has no
// side effects. Close releases a server in any state.
//
// # Observability
//
// Logging uses pkt.systems/pslog. Each server tags its records with a
// subsystem ("server.lifecycle", "http") and a per-instance id so several
// servers can share one logger. Every request carries X-Request-Id and
// X-Correlation-Id headers unless Config.DisableRequestTracing is set.
//
// Metrics and traces use OpenTelemetry. Config.MetricsListen exposes a
// Prometheus scrape endpoint, Config.OTLPEndpoint ships spans to a collector
// over gRPC or HTTP, and Config.PprofListen serves net/http/pprof. All three
// are off by default.
//
// # Testing
//
// NewTestServer starts a loopback server on an ephemeral port whose logs are
// routed to testing.T and which is stopped in t.Cleanup:
//
//	ts := pingd.NewTestServer(t)
//	resp, err := http.Get(ts.URL() + "/ping")
//
// # Foreign callers
//
// Package binding wraps Server for callers that are not Go: errors are mapped
// to three kinds, status is reported as a string and a garbage-collected
// handle stops its server. cmd/libpingd exports that surface as a C shared
// library.
package pingd
