// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/experthub/pkg/experts"
)

const (
	instrumentationName = "github.com/stacklok/experthub/pkg/experts/client"
)

// Operation names used for spans and the operation metric attribute.
const (
	opConnect     = "connect"
	opCallTool    = "call_tool"
	opGetResource = "get_resource"
	opStatus      = "status"
	opHandshake   = "handshake"
)

var (
	attrService   = attribute.Key("experthub.service")
	attrOperation = attribute.Key("experthub.operation")
	attrTarget    = attribute.Key("experthub.target")
	attrErrorKind = attribute.Key("error.type")
	attrFromState = attribute.Key("experthub.circuit.from")
	attrToState   = attribute.Key("experthub.circuit.to")
)

// instruments holds the metrics and tracer used by a Client.
type instruments struct {
	tracer trace.Tracer

	requestsTotal      metric.Int64Counter
	errorsTotal        metric.Int64Counter
	retriesTotal       metric.Int64Counter
	requestsDuration   metric.Float64Histogram
	circuitTransitions metric.Int64Counter
}

func newInstruments(meterProvider metric.MeterProvider, tracerProvider trace.TracerProvider) (*instruments, error) {
	meter := meterProvider.Meter(instrumentationName)

	requestsTotal, err := meter.Int64Counter(
		"experthub_expert_requests",
		metric.WithDescription("Total number of requests per expert service"))
	if err != nil {
		return nil, fmt.Errorf("failed to create requests total counter: %w", err)
	}
	errorsTotal, err := meter.Int64Counter(
		"experthub_expert_errors",
		metric.WithDescription("Total number of failed requests per expert service"))
	if err != nil {
		return nil, fmt.Errorf("failed to create errors total counter: %w", err)
	}
	retriesTotal, err := meter.Int64Counter(
		"experthub_expert_retries",
		metric.WithDescription("Total number of retried attempts per expert service"))
	if err != nil {
		return nil, fmt.Errorf("failed to create retries total counter: %w", err)
	}
	requestsDuration, err := meter.Float64Histogram(
		"experthub_expert_requests_duration",
		metric.WithDescription("Duration of requests in seconds per expert service"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests duration histogram: %w", err)
	}
	circuitTransitions, err := meter.Int64Counter(
		"experthub_circuit_breaker_transitions",
		metric.WithDescription("Total number of circuit breaker state transitions per expert service"))
	if err != nil {
		return nil, fmt.Errorf("failed to create circuit transitions counter: %w", err)
	}

	return &instruments{
		tracer:             tracerProvider.Tracer(instrumentationName),
		requestsTotal:      requestsTotal,
		errorsTotal:        errorsTotal,
		retriesTotal:       retriesTotal,
		requestsDuration:   requestsDuration,
		circuitTransitions: circuitTransitions,
	}, nil
}

// record starts a CLIENT span and counts the request. The returned function
// must be deferred to record the duration and outcome and end the span.
func (i *instruments) record(
	ctx context.Context,
	operation string,
	service string,
	target string,
	err *error,
) (context.Context, func()) {
	spanName := operation
	if target != "" {
		spanName = operation + " " + target
	}

	attrs := []attribute.KeyValue{
		attrService.String(service),
		attrOperation.String(operation),
	}
	if target != "" {
		attrs = append(attrs, attrTarget.String(target))
	}

	ctx, span := i.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	start := time.Now()
	i.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	return ctx, func() {
		duration := time.Since(start)
		if err != nil && *err != nil {
			kind := experts.KindOf(*err).String()
			errAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
			errAttrs = append(errAttrs, attrs...)
			errAttrs = append(errAttrs, attrErrorKind.String(kind))
			i.errorsTotal.Add(ctx, 1, metric.WithAttributes(errAttrs...))
			span.RecordError(*err)
			span.SetAttributes(attrErrorKind.String(kind))
			span.SetStatus(codes.Error, (*err).Error())
		}
		i.requestsDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
		span.End()
	}
}

func (i *instruments) retried(ctx context.Context, operation, service string) {
	i.retriesTotal.Add(ctx, 1, metric.WithAttributes(
		attrService.String(service),
		attrOperation.String(operation),
	))
}

func (i *instruments) transitioned(service string, from, to experts.CircuitState) {
	i.circuitTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attrService.String(service),
		attrFromState.String(string(from)),
		attrToState.String(string(to)),
	))
}
