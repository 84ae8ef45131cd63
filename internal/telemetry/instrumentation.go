package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Metric labels stay bounded: operation names, components and outcomes only.
// Download ids and URLs go on spans and in logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// span runs fn in a span and reports how long it took.
func (t *Telemetry) span(ctx context.Context, name string, attrs []attribute.KeyValue, fn InstrumentedFunc) (time.Duration, error) {
	start := time.Now()

	if t == nil || t.tracer == nil {
		err := fn(ctx)

		return time.Since(start), err
	}

	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return time.Since(start), err
}

// InstrumentDBOperation wraps a record store call with a span and the db metrics.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	took, err := t.span(ctx, "db_"+operation, []attribute.KeyValue{
		attribute.String("component", "database"),
		attribute.String("db.operation", operation),
	}, fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDBOperation(ctx, operation, status, took)

	return err
}

// InstrumentAttempt wraps one connect-and-stream cycle of a download actor.
// outcome maps the attempt error to a bounded metric label.
func (t *Telemetry) InstrumentAttempt(ctx context.Context, downloadID string, attempt int, fn InstrumentedFunc, outcome func(error) string) error {
	_, err := t.span(ctx, "download_attempt", []attribute.KeyValue{
		attribute.String("component", "downloader"),
		attribute.String("download.id", downloadID),
		attribute.Int("download.attempt", attempt),
	}, fn)

	t.RecordAttempt(ctx, outcome(err))

	return err
}
