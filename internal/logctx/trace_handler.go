package logctx

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TraceHandler adds trace_id and span_id to records logged with a span in the
// context. Records at SpanEventLevel or above are also attached to that span
// as an event, so a failed attempt shows its log line in the trace.
type TraceHandler struct {
	inner slog.Handler
}

// SpanEventLevel is the lowest level mirrored onto the active span.
const SpanEventLevel = slog.LevelWarn

// NewTraceHandler wraps h. It panics if h is nil.
func NewTraceHandler(h slog.Handler) *TraceHandler {
	if h == nil {
		panic("logctx: NewTraceHandler called with nil handler")
	}

	return &TraceHandler{inner: h}
}

func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	span := trace.SpanFromContext(ctx)

	spanCtx := span.SpanContext()
	if !spanCtx.IsValid() {
		return h.inner.Handle(ctx, r)
	}

	r.AddAttrs(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)

	if r.Level >= SpanEventLevel && span.IsRecording() {
		attrs := []attribute.KeyValue{attribute.String("log.severity", r.Level.String())}

		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "err" {
				attrs = append(attrs, attribute.String("log.err", a.Value.String()))
			}

			return true
		})

		span.AddEvent(r.Message, trace.WithAttributes(attrs...))
	}

	return h.inner.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{inner: h.inner.WithGroup(name)}
}
