// Package otel wires OpenTelemetry tracing for the drift engine: monitoring
// cycles, analyses, validations, and apply/rollback operations each get spans
// correlated through context propagation.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	ServiceName          string
	ServiceVersion       string
	Environment          string
	CollectorEndpoint    string
	CollectorInsecure    bool
	SamplingRate         float64 // 0.0 to 1.0 (1.0 = always sample)
	MaxEventsPerSpan     int
	MaxAttributesPerSpan int
}

// DefaultConfig returns production defaults.
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:          serviceName,
		ServiceVersion:       "1.0.0",
		Environment:          "production",
		CollectorEndpoint:    "localhost:4317",
		CollectorInsecure:    true, // Use TLS in production
		SamplingRate:         1.0,  // Sample all traces in dev
		MaxEventsPerSpan:     128,
		MaxAttributesPerSpan: 128,
	}
}

// InitTracer initializes OpenTelemetry tracing.
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("driftpatch")
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.CollectorEndpoint),
		otlptracegrpc.WithInsecure(), // Use WithTLSCredentials in production
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
		sdktrace.WithSpanLimits(sdktrace.SpanLimits{
			EventCountLimit:     config.MaxEventsPerSpan,
			AttributeCountLimit: config.MaxAttributesPerSpan,
		}),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown gracefully shuts down the tracer provider.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return tp.Shutdown(ctx)
}

// StartSpan is a convenience wrapper for starting a span with common attributes.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)

	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	return ctx, span
}

// RecordError records an error on a span with optional message.
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}

	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}

	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to a span with optional attributes.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}

	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys for the drift engine
const (
	// Model attributes
	AttrModelID      = attribute.Key("model.id")
	AttrModelVersion = attribute.Key("model.version")

	// Drift attributes
	AttrDriftScore    = attribute.Key("drift.score")
	AttrDriftType     = attribute.Key("drift.type")
	AttrDriftSeverity = attribute.Key("drift.severity")
	AttrDriftDetected = attribute.Key("drift.detected")

	// Patch attributes
	AttrPatchID     = attribute.Key("patch.id")
	AttrPatchType   = attribute.Key("patch.type")
	AttrPatchStatus = attribute.Key("patch.status")

	// Validation attributes
	AttrSafetyScore      = attribute.Key("validation.safety_score")
	AttrDriftReduction   = attribute.Key("validation.drift_reduction")
	AttrPerformanceDelta = attribute.Key("validation.performance_delta")

	// Performance attributes
	AttrStoreBackend = attribute.Key("store.backend")
	AttrLatencyMs    = attribute.Key("latency.ms")
)

// Helper functions to create common attributes

func DriftAttributes(modelID string, score float64, driftType, severity string, detected bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrModelID.String(modelID),
		AttrDriftScore.Float64(score),
		AttrDriftType.String(driftType),
		AttrDriftSeverity.String(severity),
		AttrDriftDetected.Bool(detected),
	}
}

func PatchAttributes(patchID, patchType, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPatchID.String(patchID),
		AttrPatchType.String(patchType),
		AttrPatchStatus.String(status),
	}
}

func ValidationAttributes(safetyScore, driftReduction, performanceDelta float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSafetyScore.Float64(safetyScore),
		AttrDriftReduction.Float64(driftReduction),
		AttrPerformanceDelta.Float64(performanceDelta),
	}
}

func ModelAttributes(modelID, version string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrModelID.String(modelID),
	}
	if version != "" {
		attrs = append(attrs, AttrModelVersion.String(version))
	}
	return attrs
}
