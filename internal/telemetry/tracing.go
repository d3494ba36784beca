/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for test runs.
//
// A run produces one parent span; each instance attempt is a child span and
// fixture creation gets its own span. Custom attributes use the `tandem.`
// prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "tandem.dev/scheduler"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("tandem"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartRunSpan creates the parent span for a whole run.
func StartRunSpan(ctx context.Context, runID string, instances, parallelism int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tandem.run",
		trace.WithAttributes(
			attribute.String("tandem.run_id", runID),
			attribute.Int("tandem.instances", instances),
			attribute.Int("tandem.parallelism", parallelism),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRunSpan records run totals on the span and ends it.
func EndRunSpan(span trace.Span, passed, failed, notRun int, err error) {
	span.SetAttributes(
		attribute.Int("tandem.passed", passed),
		attribute.Int("tandem.failed", failed),
		attribute.Int("tandem.not_run", notRun),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartTestSpan creates a child span for one attempt of an instance.
func StartTestSpan(ctx context.Context, instanceID, name string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tandem.test",
		trace.WithAttributes(
			attribute.String("tandem.instance_id", instanceID),
			attribute.String("tandem.test", name),
			attribute.Int("tandem.attempt", attempt),
		),
	)
}

// EndTestSpan enriches the attempt span with its outcome.
func EndTestSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("tandem.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.End()
}

// StartFixtureSpan creates a span around shared fixture creation.
func StartFixtureSpan(ctx context.Context, key, scope string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tandem.fixture.create",
		trace.WithAttributes(
			attribute.String("tandem.fixture", key),
			attribute.String("tandem.scope", scope),
		),
	)
}
