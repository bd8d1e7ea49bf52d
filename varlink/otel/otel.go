// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

// Package varlinkotel provides OpenTelemetry instrumentation for varlink
// services. It implements the [varlink.DispatchHook] interface to add
// distributed tracing and metrics to call dispatch.
//
// Usage:
//
//	service, _ := varlink.NewService(info, address)
//	// ... register interfaces ...
//	varlinkotel.InstrumentService(service, varlinkotel.DefaultConfig())
package varlinkotel

import (
	"context"
	"fmt"
	"time"

	"github.com/ericonr/libvarlink/varlink"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "varlink"

// OtelConfig configures OpenTelemetry instrumentation for a varlink
// service.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed dispatches.
	// Default true.
	RecordExceptions bool
	// ServiceName is the rpc.service attribute value. Defaults to the
	// service's product string or "VarlinkService".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns an OtelConfig with sensible defaults.
// TracerProvider and MeterProvider are resolved from the global OTel SDK
// at instrumentation time.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// InstrumentService attaches OpenTelemetry instrumentation to a varlink
// service. The hook is installed via [varlink.Service.SetDispatchHook].
func InstrumentService(service *varlink.Service, cfg OtelConfig) {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.ServiceName == "" {
		if product := service.Info().Product; product != "" {
			cfg.ServiceName = product
		} else {
			cfg.ServiceName = "VarlinkService"
		}
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.requestCounter, _ = meter.Int64Counter("rpc.server.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of dispatched calls"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("rpc.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of dispatched calls"),
		)
	}

	service.SetDispatchHook(hook)
}

// otelHook implements varlink.DispatchHook with OpenTelemetry tracing and
// metrics.
type otelHook struct {
	cfg               OtelConfig
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

// spanToken is the HookToken returned by OnDispatchStart.
type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnDispatchStart starts a server span for the call.
func (h *otelHook) OnDispatchStart(ctx context.Context, info varlink.DispatchInfo) (context.Context, varlink.HookToken) {
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	spanName := fmt.Sprintf("varlink/%s", info.Method)

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "varlink"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", info.Method),
		attribute.String("rpc.varlink.interface", info.Interface),
		attribute.String("rpc.varlink.connection_id", info.ConnectionID),
		attribute.Bool("rpc.varlink.more", info.More),
		attribute.Bool("rpc.varlink.oneway", info.Oneway),
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, span := h.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)

	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnDispatchEnd records span attributes, metrics, and ends the span. err
// is the engine-level dispatch failure, if any; an error reply delivered
// to the peer arrives as info.ErrorName with err nil.
func (h *otelHook) OnDispatchEnd(ctx context.Context, token varlink.HookToken, info varlink.DispatchInfo, stats *varlink.CallStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}

	duration := time.Since(st.startTime)

	status := "ok"
	if err != nil || info.ErrorName != "" {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.system", "varlink"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Method),
			attribute.String("status", status),
		)
		if h.requestCounter != nil {
			h.requestCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
	}

	if st.span != nil && st.span.IsRecording() {
		if stats != nil {
			st.span.SetAttributes(
				attribute.Int64("rpc.varlink.replies", stats.Replies),
				attribute.Int64("rpc.varlink.input_bytes", stats.InputBytes),
				attribute.Int64("rpc.varlink.output_bytes", stats.OutputBytes),
			)
		}

		switch {
		case err != nil:
			st.span.SetStatus(codes.Error, err.Error())
			if h.cfg.RecordExceptions {
				st.span.RecordError(err)
			}
			errType := fmt.Sprintf("%T", err)
			if code := varlink.CodeOf(err); code != 0 {
				errType = code.String()
			}
			st.span.SetAttributes(attribute.String("rpc.varlink.error_type", errType))
		case info.ErrorName != "":
			st.span.SetStatus(codes.Error, info.ErrorName)
			st.span.SetAttributes(attribute.String("rpc.varlink.error", info.ErrorName))
		default:
			st.span.SetStatus(codes.Ok, "")
		}

		st.span.End()
	}
}
