// Package httpapi builds the request pipeline served by a pingd listener.
package httpapi

import (
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pingd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	headerRequestID     = "X-Request-Id"
	headerCorrelationID = "X-Correlation-Id"
	timeoutBody         = "request timed out"
	pongBody            = "pong"
)

// Config wires the handler's collaborators.
type Config struct {
	Logger pslog.Logger
	// RequestTimeout bounds each request; zero or negative disables the timeout.
	RequestTimeout time.Duration
	// RequestTracing enables request ids, correlation ids and per-request logging.
	RequestTracing bool
	// HTTPTracing wraps the pipeline in OpenTelemetry spans.
	HTTPTracing bool
	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Handler serves the pingd HTTP surface.
type Handler struct {
	logger         pslog.Logger
	requestTimeout time.Duration
	requestTracing bool
	httpTracing    bool
	tracerProvider trace.TracerProvider
	requests       metric.Int64Counter
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	h := &Handler{
		logger:         svcfields.WithSubsystem(cfg.Logger, "http"),
		requestTimeout: cfg.RequestTimeout,
		requestTracing: cfg.RequestTracing,
		httpTracing:    cfg.HTTPTracing,
		tracerProvider: tp,
	}
	counter, err := mp.Meter("pkt.systems/pingd/httpapi").Int64Counter(
		"pingd.http.requests",
		metric.WithDescription("HTTP requests served, by route and status"),
	)
	if err != nil {
		h.logger.Warn("http.metrics.init_failed", "error", err)
	} else {
		h.requests = counter
	}
	return h
}

// Register adds the pingd routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ping", h.handlePing)
}

// Routes returns the full pipeline: routes wrapped in the timeout, tracing and
// (optionally) OpenTelemetry middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	var handler http.Handler = mux
	if h.requestTimeout > 0 {
		handler = http.TimeoutHandler(handler, h.requestTimeout, timeoutBody)
	}
	handler = h.observe(handler)
	if h.httpTracing {
		handler = otelhttp.NewHandler(handler, "pingd.http",
			otelhttp.WithTracerProvider(h.tracerProvider),
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
	}
	return handler
}

func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = io.WriteString(w, pongBody)
}
