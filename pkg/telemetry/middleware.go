package telemetry

import (
	"crypto/rand"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceIDHeader is the correlation token propagated end to end: a probe
// mints it on send, the gateway echoes it back on every response (including
// errors), and it is attached to every span and audit/log line touching the
// request.
const TraceIDHeader = "X-Trace-ID"

const traceIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// NewTraceID mints an 8-character base62 correlation token. Probes call it
// per emission; the gateway calls it when a request arrives without one.
func NewTraceID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	out := make([]byte, 8)
	for i, b := range buf {
		out[i] = traceIDAlphabet[int(b)%len(traceIDAlphabet)]
	}
	return string(out)
}

// responseRecorder captures the status code a handler wrote so the span can
// record it after the handler returns.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware starts a span per request, propagates the trace ID header
// in both directions, and records the response status on the span.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceIDHeader)
		if traceID == "" {
			traceID = NewTraceID()
			r.Header.Set(TraceIDHeader, traceID)
		}

		ctx, span := StartSpan(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
		)
		defer span.End()

		span.SetAttributes(attribute.String(AttrTraceID, traceID))
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)

		w.Header().Set(TraceIDHeader, traceID)

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		} else {
			span.SetStatus(codes.Ok, "")
		}
	})
}
