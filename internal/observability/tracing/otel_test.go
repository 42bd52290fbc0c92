package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

func TestInitWithoutEndpoint(t *testing.T) {
	p, err := Init(context.Background(), DefaultConfig("portal-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.SpanContext().IsSampled())
	ro, ok := span.(sdktrace.ReadOnlySpan)
	require.True(t, ok)
	assert.Equal(t, semconv.SchemaURL, ro.Resource().SchemaURL())
	assert.Contains(t, ro.Resource().Attributes(), semconv.ServiceName("portal-test"))
	span.End()

	carrier := propagation.MapCarrier{}
	ctx, span := otel.Tracer("test").Start(context.Background(), "inject")
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	span.End()
	assert.NotEmpty(t, carrier.Get("traceparent"))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Equal(t, sdktrace.TraceIDRatioBased(0.25).Description(), sampler(0.25).Description())
}

func TestShutdownNilProvider(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}
