package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware records RED metrics and a server span for the control API.
type HTTPMiddleware struct {
	telemetry *Telemetry
	skip      map[string]bool
}

// NewHTTPMiddleware returns a middleware that ignores the given route patterns,
// typically the metrics scrape and health probe.
func NewHTTPMiddleware(telemetry *Telemetry, skip ...string) *HTTPMiddleware {
	m := &HTTPMiddleware{telemetry: telemetry, skip: make(map[string]bool, len(skip))}
	for _, p := range skip {
		m.skip[p] = true
	}

	return m
}

// Middleware labels metrics with route(r), evaluated after the handler ran so
// routers that resolve patterns lazily (chi) report the matched pattern.
func (m *HTTPMiddleware) Middleware(route func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.telemetry == nil || m.skip[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			start := time.Now()
			ctx, span := m.telemetry.Tracer().Start(r.Context(), r.Method+" request",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attribute.String("http.method", r.Method)))
			defer span.End()

			m.telemetry.IncrementHTTPInFlight(ctx)
			defer m.telemetry.DecrementHTTPInFlight(ctx)

			rw := wrapResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			pattern := route(r)

			span.SetName(r.Method + " " + pattern)
			span.SetAttributes(
				attribute.String("http.route", pattern),
				attribute.Int("http.status_code", rw.status),
				attribute.Int64("http.response_size", rw.bytesWritten),
			)

			if rw.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.status))
			}

			m.telemetry.RecordHTTPRequest(ctx, r.Method, pattern, statusClass(rw.status), time.Since(start))
		})
	}
}

// statusClass buckets a status code as "2xx", "4xx" and so on.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}

	return strconv.Itoa(code/100) + "xx"
}
