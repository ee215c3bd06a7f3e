package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("test-service")

	if config.ServiceName != "test-service" {
		t.Errorf("Expected service name 'test-service', got '%s'", config.ServiceName)
	}

	if config.ServiceVersion == "" {
		t.Error("Service version should not be empty")
	}

	if config.CollectorEndpoint == "" {
		t.Error("Collector endpoint should not be empty")
	}

	if config.SamplingRate < 0.0 || config.SamplingRate > 1.0 {
		t.Errorf("Sampling rate out of bounds: %.2f", config.SamplingRate)
	}
}

func TestDriftAttributes(t *testing.T) {
	attrs := DriftAttributes("model-1", 0.42, "covariate", "moderate", true)

	if len(attrs) != 5 {
		t.Errorf("Expected 5 attributes, got %d", len(attrs))
	}

	found := false
	for _, attr := range attrs {
		if attr.Key == AttrModelID && attr.Value.AsString() == "model-1" {
			found = true
			break
		}
	}
	if !found {
		t.Error("model ID attribute not found")
	}
}

func TestPatchAttributes(t *testing.T) {
	attrs := PatchAttributes("patch-abc", "feature_clipping", "validated")

	if len(attrs) != 3 {
		t.Errorf("Expected 3 attributes, got %d", len(attrs))
	}
}

func TestValidationAttributes(t *testing.T) {
	attrs := ValidationAttributes(0.85, 0.4, -0.01)

	if len(attrs) != 3 {
		t.Errorf("Expected 3 attributes, got %d", len(attrs))
	}
}

func TestModelAttributes(t *testing.T) {
	attrs := ModelAttributes("model-1", "v2")
	if len(attrs) != 2 {
		t.Errorf("Expected 2 attributes with version, got %d", len(attrs))
	}

	attrs = ModelAttributes("model-1", "")
	if len(attrs) != 1 {
		t.Errorf("Expected 1 attribute without version, got %d", len(attrs))
	}
}

func TestStartSpan(t *testing.T) {
	ctx := context.Background()

	// Uses the global no-op tracer since OTel is not initialized here.
	ctx, span := StartSpan(ctx, "test-tracer", "test-span",
		attribute.String("test.key", "test.value"),
	)

	if ctx == nil {
		t.Error("Context should not be nil")
	}

	if span == nil {
		t.Error("Span should not be nil")
	}

	span.End()
}

func TestRecordError(t *testing.T) {
	ctx := context.Background()
	_, span := StartSpan(ctx, "test-tracer", "test-span")

	// Should not panic
	RecordError(span, nil, "")
	RecordError(span, nil, "test message")

	span.End()
}

func TestAddEvent(t *testing.T) {
	ctx := context.Background()
	_, span := StartSpan(ctx, "test-tracer", "test-span")

	// Should not panic
	AddEvent(span, "test-event")
	AddEvent(span, "test-event-with-attrs",
		attribute.String("key", "value"),
	)

	span.End()
}
