package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewProvider_RecordsServiceResource(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := NewProvider(Config{ServiceName: "call-service", Environment: "test", SampleRatio: 1},
		sdktrace.WithSyncer(exporter))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "call.Create")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "call.Create", spans[0].Name)
	assert.Contains(t, spans[0].Resource.Attributes(), attribute.String("service.name", "call-service"))
}

func TestNewProvider_ZeroRatioDropsRootSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := NewProvider(Config{ServiceName: "call-service", SampleRatio: 0}, sdktrace.WithSyncer(exporter))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "call.End")
	span.End()

	assert.False(t, span.SpanContext().IsSampled())
	assert.Empty(t, exporter.GetSpans())
}

func TestSetup_WithoutEndpoint(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	shutdown, err := Setup(context.Background(), Config{ServiceName: "call-service", SampleRatio: 1})
	require.NoError(t, err)

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)
	assert.NoError(t, shutdown(context.Background()))
}
