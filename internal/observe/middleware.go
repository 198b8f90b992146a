package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceHeader carries the request's trace ID on every response.
const TraceHeader = "X-Trace-ID"

// responseWriter remembers the status and body size written downstream.
type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *responseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

// Unwrap lets [http.ResponseController] reach the underlying writer, which
// websocket upgrades behind the middleware depend on.
func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithAccessLog sets the logger requests are reported to. Default: slog.Default().
func WithAccessLog(l *slog.Logger) MiddlewareOption {
	return func(mw *middleware) { mw.log = l }
}

type middleware struct {
	m    *Metrics
	log  *slog.Logger
	prop propagation.TextMapPropagator
}

// Middleware traces each request in a server span continuing any incoming
// W3C trace context, records its latency under the matched route pattern and
// logs it. Successful requests log at debug so polling clients stay quiet;
// server errors log at warn.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{m: m, prop: propagation.TraceContext{}}
	for _, o := range opts {
		o(mw)
	}
	if mw.log == nil {
		mw.log = slog.Default()
	}
	return mw.wrap
}

func (mw *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := r.Pattern
		if route == "" {
			route = r.Method + " " + r.URL.Path
		}

		ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
				semconv.HTTPRoute(route),
			),
		)
		defer span.End()

		if id := TraceID(ctx); id != "" {
			w.Header().Set(TraceHeader, id)
		}
		mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		rw := &responseWriter{ResponseWriter: w}
		next.ServeHTTP(rw, r.WithContext(ctx))
		if rw.status == 0 {
			rw.status = http.StatusOK
		}
		elapsed := time.Since(start)

		mw.m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("route", route),
			attribute.Int("status", rw.status),
		))
		span.SetAttributes(semconv.HTTPResponseStatusCode(rw.status))
		level := slog.LevelDebug
		if rw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rw.status))
			level = slog.LevelWarn
		}
		WithTrace(ctx, mw.log).LogAttrs(ctx, level, "http request",
			slog.String("route", route),
			slog.Int("status", rw.status),
			slog.Int("bytes", rw.bytes),
			slog.Duration("elapsed", elapsed),
		)
	})
}
