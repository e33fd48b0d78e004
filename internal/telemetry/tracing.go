/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the alert path.
//
// One span covers each scheduler batch, with a child span per rule
// evaluation and a grandchild span per webhook call. Custom span attributes
// use the `logsentry.` prefix.
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
	tracerName = "github.com/marcus-qen/logsentry"
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
			semconv.ServiceNameKey.String("logsentry"),
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

// StartBatchSpan creates the parent span for one scheduler batch.
func StartBatchSpan(ctx context.Context, rules int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "alerts.batch",
		trace.WithAttributes(
			attribute.Int("logsentry.rules", rules),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartRuleSpan creates a child span for one rule evaluation.
func StartRuleSpan(ctx context.Context, rule string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "alerts.evaluate",
		trace.WithAttributes(
			attribute.String("logsentry.rule", rule),
		),
	)
}

// EndRuleSpan enriches the rule span with the evaluation result.
func EndRuleSpan(span trace.Span, outcome string, count int, err error) {
	span.SetAttributes(
		attribute.String("logsentry.outcome", outcome),
		attribute.Int("logsentry.count", count),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartDispatchSpan creates a client span for a webhook call.
func StartDispatchSpan(ctx context.Context, url string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "webhook.dispatch",
		trace.WithAttributes(
			attribute.String("url.full", url),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndDispatchSpan records the HTTP status and any delivery error.
func EndDispatchSpan(span trace.Span, status int, err error) {
	if status > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
