package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
)

// MaxCorrelationIDLength caps accepted X-Correlation-Id values.
const MaxCorrelationIDLength = 128

type correlationKey struct{}

// CorrelationID returns the correlation id attached to ctx by the pipeline.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// NormalizeCorrelationID trims id and reports whether it is acceptable:
// non-empty, at most MaxCorrelationIDLength bytes of printable ASCII.
func NormalizeCorrelationID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxCorrelationIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// routeLabel keeps the metric route attribute bounded.
func routeLabel(path string) string {
	if path == "/ping" {
		return path
	}
	return "unmatched"
}

func newRequestID() string {
	return uuid.Must(uuid.NewV7()).String()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// observe attaches request/correlation ids and a request-scoped logger, then
// records the outcome.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		ctx := r.Context()
		if h.requestTracing {
			reqID := newRequestID()
			corr, ok := NormalizeCorrelationID(r.Header.Get(headerCorrelationID))
			if !ok {
				corr = reqID
			}
			logger := h.logger.With(
				"req_id", reqID,
				"cid", corr,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx = context.WithValue(ctx, correlationKey{}, corr)
			ctx = pslog.ContextWithLogger(ctx, logger)
			if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
				span.SetAttributes(
					attribute.String("pingd.request_id", reqID),
					attribute.String("pingd.correlation_id", corr),
				)
			}
			w.Header().Set(headerRequestID, reqID)
			w.Header().Set(headerCorrelationID, corr)
			logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		if h.requests != nil {
			h.requests.Add(ctx, 1, metric.WithAttributes(
				attribute.String("route", routeLabel(r.URL.Path)),
				attribute.Int("status", status),
			))
		}
		if !h.requestTracing {
			return
		}
		logger := pslog.LoggerFromContext(ctx)
		if logger == nil {
			logger = h.logger
		}
		elapsed := time.Since(start)
		switch {
		case status == http.StatusServiceUnavailable:
			logger.Warn("http.request.timeout", "status", status, "elapsed", elapsed)
		case status >= http.StatusInternalServerError:
			logger.Error("http.request.error", "status", status, "elapsed", elapsed)
		default:
			logger.Debug("http.request.complete", "status", status, "bytes", rec.bytes, "elapsed", elapsed)
		}
	})
}
