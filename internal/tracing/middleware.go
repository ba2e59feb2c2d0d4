package tracing

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
)

// Middleware wraps an http.Handler with trace-id propagation and, when a
// tracer is given, a server span per request. The trace id comes from the
// client's X-Trace-Id header or is minted here, and is echoed back.
func Middleware(tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get(TraceIDHeader)
			if traceID == "" {
				traceID = GenerateTraceID()
			}
			ctx := ContextWithTraceID(r.Context(), traceID)
			w.Header().Set(TraceIDHeader, traceID)

			if tracer == nil {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			ctx, span := tracer.Start(ctx, SpanPrefixHTTP+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()

			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("http.trace_id", traceID),
			)

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", sw.status))
			if sw.status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(sw.status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

// statusWriter captures the response status code for span attributes.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the wrapped writer so SSE endpoints keep streaming
// when the middleware is installed.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RecordFault marks the span as failed and tags it with the fault kind so
// traces can be filtered by failure class.
func RecordFault(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String(AttrErrorKind, string(fault.KindOf(err))))
	span.SetStatus(codes.Error, err.Error())
}
